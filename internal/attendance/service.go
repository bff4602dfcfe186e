package attendance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"sakato/internal/geofence"
	"sakato/internal/metrics"
	"sakato/internal/proof"
	"sakato/internal/token"
	"sakato/internal/trust"
)

// State names the position a failed check-in attempt resumes from.
// The pipeline runs SELECT, VALIDATING, CAPTURING_PROOF, SCORING,
// SUBMITTING and SUCCESS in that order, but only two states are valid
// resume targets, so only those carry named constants.
type State string

const (
	// StateSelect is the re-entrant failure target: gate failures send
	// the caller back to event selection.
	StateSelect State = "SELECT"
	// StateCapturingProof keeps the caller at proof capture so the
	// photo can be retaken.
	StateCapturingProof State = "CAPTURING_PROOF"
)

// Directory lists check-in targets. Implemented by the Postgres repo;
// the orchestrator never assumes a storage engine.
type Directory interface {
	ListActiveEvents(ctx context.Context) ([]Event, error)
	GetEvent(ctx context.Context, id string) (*Event, error)
}

// Store accepts finished records. Submit returns ErrDuplicate for an
// already-recorded (user, event) pair and transient errors for
// retryable infrastructure failures.
type Store interface {
	Submit(ctx context.Context, rec Record) error
	Has(ctx context.Context, userID, eventID string) (bool, error)
	DeviceKnown(ctx context.Context, userID, fingerprint string) (bool, error)
}

// BlobStore persists proof images and returns a public reference.
type BlobStore interface {
	Store(ctx context.Context, data []byte, path string) (string, error)
}

// SubmissionQueue holds records that could not be delivered
// synchronously.
type SubmissionQueue interface {
	Enqueue(ctx context.Context, rec Record) error
	Has(ctx context.Context, userID, eventID string) (bool, error)
}

// LocationSource is the suspension-point wrapper around a device GPS:
// Current returns ErrNoFix while a fix is still pending, and the
// orchestrator polls it with bounded backoff instead of blocking.
type LocationSource interface {
	Current(ctx context.Context) (*Coordinates, error)
}

// LocationFunc adapts a function to LocationSource.
type LocationFunc func(ctx context.Context) (*Coordinates, error)

func (f LocationFunc) Current(ctx context.Context) (*Coordinates, error) { return f(ctx) }

// StaticLocation returns a source that always reports the given fix,
// or pending when the fix is nil. HTTP callers carry their coordinates
// in the request, so this is the common case.
func StaticLocation(c *Coordinates) LocationSource {
	return LocationFunc(func(context.Context) (*Coordinates, error) {
		if c == nil {
			return nil, ErrNoFix
		}
		return c, nil
	})
}

// Service is the attendance orchestrator: it sequences validation,
// proof capture, scoring and submission for one check-in attempt and
// owns no state beyond the in-flight attempt guard.
type Service struct {
	directory Directory
	store     Store
	blobs     BlobStore
	queue     SubmissionQueue

	locationPollInterval time.Duration
	locationMaxPolls     int
	now                  func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// Options tune the location polling budget.
type Options struct {
	// LocationPollInterval is the wait before the second fix attempt;
	// it doubles per poll.
	LocationPollInterval time.Duration
	// LocationMaxPolls bounds fix attempts per check-in.
	LocationMaxPolls int
}

// NewService wires the orchestrator's collaborators. blobs may be nil
// when no blob store is configured; proofs are then kept hash-only.
// Zero options fall back to a 2s poll interval and 5 polls.
func NewService(directory Directory, store Store, blobs BlobStore, queue SubmissionQueue, opts Options) *Service {
	if opts.LocationPollInterval <= 0 {
		opts.LocationPollInterval = 2 * time.Second
	}
	if opts.LocationMaxPolls <= 0 {
		opts.LocationMaxPolls = 5
	}
	return &Service{
		directory:            directory,
		store:                store,
		blobs:                blobs,
		queue:                queue,
		locationPollInterval: opts.LocationPollInterval,
		locationMaxPolls:     opts.LocationMaxPolls,
		now:                  time.Now,
		inflight:             make(map[string]struct{}),
	}
}

// CheckInInput is everything a device hands over for one attempt.
type CheckInInput struct {
	EventID           string
	UserID            string
	UserName          string
	DeviceFingerprint string
	// ScannedToken is the QR payload, required for QR and HYBRID
	// events.
	ScannedToken string
	// Location supplies GPS fixes for GPS and HYBRID events.
	Location LocationSource
	// RawPhoto is the unprocessed proof capture.
	RawPhoto []byte
	Note     string
}

// CheckIn runs the full pipeline for one attempt. Stages run strictly
// in order; a recoverable failure returns a *ValidationError naming
// the state to resume from, and the record it returns on success is
// final (Synced=false means the queue holds it).
func (s *Service) CheckIn(ctx context.Context, in CheckInInput) (*Record, error) {
	if in.EventID == "" || in.UserID == "" {
		return nil, &ValidationError{Stage: StateSelect, Reason: "event and user required"}
	}

	if err := s.acquire(in.UserID, in.EventID); err != nil {
		return nil, err
	}
	defer s.release(in.UserID, in.EventID)

	rec, err := s.run(ctx, in)
	if err != nil {
		metrics.CheckinsTotal.WithLabelValues(outcomeLabel(err)).Inc()
		return nil, err
	}
	metrics.CheckinsTotal.WithLabelValues(recordOutcome(rec)).Inc()
	return rec, nil
}

func (s *Service) run(ctx context.Context, in CheckInInput) (*Record, error) {
	startedAt := s.now()
	signals := trust.NewSet()

	// SELECT: refuse pairs that already reached SUCCESS, locally
	// queued or remotely stored. The store's unique constraint remains
	// the final arbiter for races that slip past this check.
	if exists, err := s.store.Has(ctx, in.UserID, in.EventID); err != nil {
		return nil, &TransientError{Err: fmt.Errorf("duplicate check: %w", err)}
	} else if exists {
		return nil, ErrDuplicate
	}
	if s.queue != nil {
		if queued, err := s.queue.Has(ctx, in.UserID, in.EventID); err != nil {
			return nil, &TransientError{Err: fmt.Errorf("queue check: %w", err)}
		} else if queued {
			return nil, ErrDuplicate
		}
	}

	evt, err := s.directory.GetEvent(ctx, in.EventID)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("load event: %w", err)}
	}
	if evt == nil {
		return nil, &ValidationError{Stage: StateSelect, Reason: "unknown event"}
	}
	if evt.Status != EventOngoing {
		return nil, &ValidationError{Stage: StateSelect, Reason: "event is not open for check-in"}
	}

	if known, err := s.store.DeviceKnown(ctx, in.UserID, in.DeviceFingerprint); err == nil && known {
		signals.Add(trust.SignalDeviceMatch)
	}

	// VALIDATING: GPS gate, then QR gate for HYBRID.
	var coords *Coordinates
	switch evt.Mode {
	case ModeGPS, ModeHybrid:
		coords, err = s.awaitFix(ctx, in.Location)
		if err != nil {
			return nil, err
		}
		res := geofence.Evaluate(geofence.Point{Lat: coords.Lat, Lng: coords.Lng, AccuracyMeters: coords.AccuracyMeters}, evt.Zones)
		if res.Configured && !res.Inside {
			return nil, &ValidationError{
				Stage:  StateSelect,
				Reason: fmt.Sprintf("outside all event zones, nearest is %.0fm away", res.NearestDistanceMeters),
			}
		}
		if res.Configured && res.Inside {
			signals.Add(trust.SignalGPSAccurate)
		}
		if evt.Mode == ModeHybrid {
			switch token.Validate(in.ScannedToken, evt.ID, s.now().Unix()) {
			case token.Valid:
				signals.Add(trust.SignalHybridVerified)
			case token.Expired:
				return nil, &ValidationError{Stage: StateSelect, Reason: "QR token expired, rescan the display"}
			default:
				return nil, &ValidationError{Stage: StateSelect, Reason: "QR token belongs to a different event"}
			}
		}
	case ModeQR:
		switch token.Validate(in.ScannedToken, evt.ID, s.now().Unix()) {
		case token.Valid:
			signals.Add(trust.SignalQRValid)
		case token.Expired:
			return nil, &ValidationError{Stage: StateSelect, Reason: "QR token expired, rescan the display"}
		default:
			return nil, &ValidationError{Stage: StateSelect, Reason: "QR token belongs to a different event"}
		}
	default:
		return nil, &ValidationError{Stage: StateSelect, Reason: "event has no verification mode configured"}
	}

	// CAPTURING_PROOF: any image failure keeps the caller in this
	// state so the photo can be retaken; nothing half-processed
	// escapes.
	if len(in.RawPhoto) == 0 {
		return nil, &ValidationError{Stage: StateCapturingProof, Reason: "proof photo required"}
	}
	meta := proof.Meta{
		EventName: evt.Name,
		UserName:  in.UserName,
		Timestamp: startedAt.UTC().Format("2006-01-02 15:04:05"),
		Device:    in.DeviceFingerprint,
	}
	if coords != nil {
		meta.GPS = fmt.Sprintf("%.5f, %.5f", coords.Lat, coords.Lng)
	}
	proofStart := time.Now()
	img, err := proof.Process(in.RawPhoto, meta)
	if err != nil {
		return nil, &ValidationError{Stage: StateCapturingProof, Reason: err.Error()}
	}
	metrics.ProofDuration.Observe(time.Since(proofStart).Seconds())

	proofRef := ""
	if s.blobs != nil {
		path := fmt.Sprintf("proofs/%s/%s-%s.webp", evt.ID, in.UserID, img.Hash[:12])
		proofRef, err = s.blobs.Store(ctx, img.Blob, path)
		if err != nil {
			// The upload is retried by retaking, not by the queue: a
			// queued record must already carry its final proof ref.
			return nil, &ValidationError{Stage: StateCapturingProof, Reason: "proof upload failed, try again"}
		}
	}

	// SCORING.
	submittedAt := s.now()
	status := StatusPresent
	if submittedAt.After(evt.LateDeadline()) {
		status = StatusLate
	} else {
		signals.Add(trust.SignalOnTime)
	}

	rec := Record{
		ID:                uuid.NewString(),
		UserID:            in.UserID,
		EventID:           in.EventID,
		Timestamp:         submittedAt.UTC(),
		Status:            status,
		TrustScore:        trust.Score(signals),
		Badges:            signals.Badges(),
		ProofHash:         img.Hash,
		ProofRef:          proofRef,
		Coordinates:       coords,
		DeviceFingerprint: in.DeviceFingerprint,
		Note:              in.Note,
	}

	// SUBMITTING: synchronous first, queue on transient failure. A
	// queued record is still success from the caller's perspective;
	// Synced carries the difference.
	err = s.store.Submit(ctx, rec)
	switch {
	case err == nil:
		rec.Synced = true
	case errors.Is(err, ErrDuplicate):
		// A parallel drain won the race. The attendance exists, which
		// is what the user wanted.
		rec.Synced = true
	case IsTransient(err):
		if s.queue == nil {
			return nil, &FatalError{Reason: "attendance store unavailable", Err: err}
		}
		if qerr := s.queue.Enqueue(ctx, rec); qerr != nil {
			return nil, &FatalError{Reason: "attendance store and queue both unavailable", Err: qerr}
		}
		rec.Synced = false
	default:
		return nil, err
	}

	return &rec, nil
}

// awaitFix polls the location source with doubling backoff until a fix
// arrives or the polling budget runs out. It never blocks
// indefinitely.
func (s *Service) awaitFix(ctx context.Context, src LocationSource) (*Coordinates, error) {
	if src == nil {
		src = StaticLocation(nil)
	}
	interval := s.locationPollInterval
	for attempt := 0; ; attempt++ {
		coords, err := src.Current(ctx)
		if err == nil && coords != nil {
			return coords, nil
		}
		if err != nil && !errors.Is(err, ErrNoFix) {
			return nil, &FatalError{Reason: "location unavailable", Err: err}
		}
		if attempt+1 >= s.locationMaxPolls {
			return nil, &ValidationError{Stage: StateSelect, Reason: "no GPS fix, move to open sky and retry"}
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		interval *= 2
	}
}

// acquire reserves the (user, event) pair for one attempt. A second
// concurrent attempt is rejected before it can reach submission.
func (s *Service) acquire(userID, eventID string) error {
	key := userID + "|" + eventID
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[key]; busy {
		return &ValidationError{Stage: StateSelect, Reason: "a check-in for this event is already in progress"}
	}
	s.inflight[key] = struct{}{}
	return nil
}

func (s *Service) release(userID, eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, userID+"|"+eventID)
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case IsValidation(err):
		return "rejected"
	default:
		return "error"
	}
}

func recordOutcome(rec *Record) string {
	if !rec.Synced {
		return "queued"
	}
	if rec.Status == StatusLate {
		return "late"
	}
	return "present"
}
