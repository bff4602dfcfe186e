package attendance

import (
	"time"

	"sakato/internal/geofence"
)

// Mode selects how presence is verified for an event.
type Mode string

const (
	ModeGPS    Mode = "GPS"
	ModeQR     Mode = "QR"
	ModeHybrid Mode = "HYBRID"
)

// EventStatus is the scheduling state of an event, rolled forward by
// the automation tick.
type EventStatus string

const (
	EventUpcoming  EventStatus = "UPCOMING"
	EventOngoing   EventStatus = "ONGOING"
	EventEnded     EventStatus = "ENDED"
	EventPostponed EventStatus = "POSTPONED"
	EventCancelled EventStatus = "CANCELLED"
)

// Event is what the directory exposes about a check-in target.
type Event struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Mode          Mode            `json:"mode"`
	Zones         []geofence.Zone `json:"zones,omitempty"`
	StartTime     time.Time       `json:"start_time"`
	EndTime       time.Time       `json:"end_time"`
	LateTolerance time.Duration   `json:"late_tolerance"`
	QREnabled     bool            `json:"qr_enabled"`
	Status        EventStatus     `json:"status"`
}

// LateDeadline is the last instant a submission still counts as
// PRESENT.
func (e Event) LateDeadline() time.Time {
	tolerance := e.LateTolerance
	if tolerance <= 0 {
		tolerance = 15 * time.Minute
	}
	return e.StartTime.Add(tolerance)
}

// Status of a persisted attendance record.
type Status string

const (
	StatusPresent Status = "PRESENT"
	StatusLate    Status = "LATE"
	// StatusAbsent is written by the automation pass for active members
	// who never checked in before the event ended.
	StatusAbsent Status = "ABSENT"
)

// Coordinates is a GPS fix attached to a record.
type Coordinates struct {
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
	AccuracyMeters float64 `json:"accuracy_meters,omitempty"`
}

// Record is the final, immutable attendance record. Once the store
// acknowledges it there are no in-place edits; corrections become new
// records with their own audit trail.
type Record struct {
	ID                string       `json:"id"`
	UserID            string       `json:"user_id"`
	EventID           string       `json:"event_id"`
	Timestamp         time.Time    `json:"timestamp"`
	Status            Status       `json:"status"`
	TrustScore        int          `json:"trust_score"`
	Badges            []string     `json:"badges,omitempty"`
	ProofHash         string       `json:"proof_hash,omitempty"`
	ProofRef          string       `json:"proof_ref,omitempty"`
	Coordinates       *Coordinates `json:"coordinates,omitempty"`
	DeviceFingerprint string       `json:"device_fingerprint"`
	Note              string       `json:"note,omitempty"`
	// Synced flips to true once the attendance store acknowledged the
	// record; false means it is held by the submission queue.
	Synced bool `json:"synced"`
	// FaceScore is filled asynchronously by the worker's verification
	// pass, when the face service is enabled.
	FaceScore *float64  `json:"face_score,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}
