package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"sakato/internal/geofence"
)

// Repository persists events, zones, device bindings and attendance
// records in Postgres. It implements both the event directory and the
// attendance store consumed by the orchestrator.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// ---- event directory ----

// ListActiveEvents returns events currently open for check-in, with
// their geofence zones.
func (r *Repository) ListActiveEvents(ctx context.Context) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, mode, start_time, end_time, late_tolerance_minutes, qr_enabled, status
		FROM events
		WHERE status = $1
		ORDER BY start_time
	`, EventOngoing)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range events {
		zones, err := r.eventZones(ctx, events[i].ID)
		if err != nil {
			return nil, err
		}
		events[i].Zones = zones
	}
	return events, nil
}

// GetEvent returns a single event with zones, or nil when absent.
func (r *Repository) GetEvent(ctx context.Context, id string) (*Event, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, mode, start_time, end_time, late_tolerance_minutes, qr_enabled, status
		FROM events WHERE id = $1
	`, id)
	evt, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	zones, err := r.eventZones(ctx, evt.ID)
	if err != nil {
		return nil, err
	}
	evt.Zones = zones
	return &evt, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (Event, error) {
	var evt Event
	var toleranceMinutes int
	if err := row.Scan(&evt.ID, &evt.Name, &evt.Mode, &evt.StartTime, &evt.EndTime, &toleranceMinutes, &evt.QREnabled, &evt.Status); err != nil {
		return Event{}, err
	}
	evt.LateTolerance = time.Duration(toleranceMinutes) * time.Minute
	return evt, nil
}

func (r *Repository) eventZones(ctx context.Context, eventID string) ([]geofence.Zone, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, lat, lng, radius_meters, kind
		FROM event_zones
		WHERE event_id = $1
		ORDER BY position
	`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var zones []geofence.Zone
	for rows.Next() {
		var z geofence.Zone
		if err := rows.Scan(&z.ID, &z.Name, &z.Lat, &z.Lng, &z.RadiusMeters, &z.Kind); err != nil {
			return nil, err
		}
		zones = append(zones, z)
	}
	return zones, rows.Err()
}

// ListEventsForAutomation returns events not yet in a terminal status.
func (r *Repository) ListEventsForAutomation(ctx context.Context) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, mode, start_time, end_time, late_tolerance_minutes, qr_enabled, status
		FROM events
		WHERE status NOT IN ($1, $2)
		ORDER BY start_time
	`, EventEnded, EventCancelled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// UpdateEventStatus moves an event to a new scheduling status.
func (r *Repository) UpdateEventStatus(ctx context.Context, id string, status EventStatus) error {
	_, err := r.db.ExecContext(ctx, `UPDATE events SET status = $2 WHERE id = $1`, id, status)
	return err
}

// ---- attendance store ----

// Submit writes a record. The (user_id, event_id) pair is the natural
// key: a second submission for the same pair hits the unique
// constraint and comes back as ErrDuplicate, which callers treat as
// success. Infrastructure failures come back wrapped as transient so
// the submission queue retries them.
func (r *Repository) Submit(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	var lat, lng, accuracy *float64
	if rec.Coordinates != nil {
		lat, lng, accuracy = &rec.Coordinates.Lat, &rec.Coordinates.Lng, &rec.Coordinates.AccuracyMeters
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records
			(id, user_id, event_id, occurred_at, status, trust_score, badges,
			 proof_hash, proof_ref, lat, lng, accuracy_meters, device_fingerprint, note)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (user_id, event_id) DO NOTHING
	`, rec.ID, rec.UserID, rec.EventID, rec.Timestamp, rec.Status, rec.TrustScore,
		strings.Join(rec.Badges, ","), rec.ProofHash, rec.ProofRef, lat, lng, accuracy,
		rec.DeviceFingerprint, rec.Note)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("insert attendance: %w", err)}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &TransientError{Err: err}
	}
	if affected == 0 {
		return ErrDuplicate
	}
	return nil
}

// Has reports whether a record exists for the pair.
func (r *Repository) Has(ctx context.Context, userID, eventID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM attendance_records WHERE user_id = $1 AND event_id = $2)
	`, userID, eventID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// ListRecords returns records with basic filters, newest first.
func (r *Repository) ListRecords(ctx context.Context, userID, eventID string, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT id, user_id, event_id, occurred_at, status, trust_score, badges,
		proof_hash, proof_ref, lat, lng, accuracy_meters, device_fingerprint, note, face_score, created_at
		FROM attendance_records`
	var args []any
	var clauses []string
	if userID != "" {
		args = append(args, userID)
		clauses = append(clauses, "user_id = $"+strconv.Itoa(len(args)))
	}
	if eventID != "" {
		args = append(args, eventID)
		clauses = append(clauses, "event_id = $"+strconv.Itoa(len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY occurred_at DESC LIMIT $" + strconv.Itoa(len(args)+1) + " OFFSET $" + strconv.Itoa(len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var badges string
	var lat, lng, accuracy *float64
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.EventID, &rec.Timestamp, &rec.Status,
		&rec.TrustScore, &badges, &rec.ProofHash, &rec.ProofRef, &lat, &lng, &accuracy,
		&rec.DeviceFingerprint, &rec.Note, &rec.FaceScore, &rec.CreatedAt); err != nil {
		return Record{}, err
	}
	if badges != "" {
		rec.Badges = strings.Split(badges, ",")
	}
	if lat != nil && lng != nil {
		rec.Coordinates = &Coordinates{Lat: *lat, Lng: *lng}
		if accuracy != nil {
			rec.Coordinates.AccuracyMeters = *accuracy
		}
	}
	rec.Synced = true
	return rec, nil
}

// ListUnverifiedProofs returns synced records that carry a proof but no
// face score yet, oldest first, for the worker's verification pass.
func (r *Repository) ListUnverifiedProofs(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, event_id, occurred_at, status, trust_score, badges,
			proof_hash, proof_ref, lat, lng, accuracy_meters, device_fingerprint, note, face_score, created_at
		FROM attendance_records
		WHERE proof_ref <> '' AND face_score IS NULL
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SetFaceScore stores the verification score produced by the face
// service.
func (r *Repository) SetFaceScore(ctx context.Context, id string, score float64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_records SET face_score = $2 WHERE id = $1
	`, id, score)
	return err
}

// ---- device bindings ----

// BindDevice ties a fingerprint to a user. Re-binding the same pair is
// a no-op.
func (r *Repository) BindDevice(ctx context.Context, userID, fingerprint string) error {
	if userID == "" || fingerprint == "" {
		return errors.New("user id and fingerprint required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (user_id, fingerprint)
		VALUES ($1, $2)
		ON CONFLICT (user_id, fingerprint) DO NOTHING
	`, userID, fingerprint)
	return err
}

// DeviceKnown reports whether the fingerprint was previously bound to
// the user. A known device contributes the DEVICE_MATCH trust signal.
func (r *Repository) DeviceKnown(ctx context.Context, userID, fingerprint string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM devices WHERE user_id = $1 AND fingerprint = $2)
	`, userID, fingerprint).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// ---- members (automation support) ----

// MissingAttendees returns the ids of active members with no
// attendance record for the event.
func (r *Repository) MissingAttendees(ctx context.Context, eventID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT m.id
		FROM members m
		WHERE m.active
		  AND NOT EXISTS (
			SELECT 1 FROM attendance_records a
			WHERE a.event_id = $1 AND a.user_id = m.id
		  )
		ORDER BY m.id
	`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MemberName returns a member's display name for the proof watermark.
func (r *Repository) MemberName(ctx context.Context, id string) (string, error) {
	var name string
	err := r.db.QueryRowContext(ctx, `SELECT name FROM members WHERE id = $1`, id).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return name, err
}
