package attendance

import (
	"errors"
	"fmt"
)

// ErrDuplicate marks an attendance that already exists for the
// (user, event) pair. It is deliberately success-equivalent: offline
// replay after the record was accepted elsewhere must not surface as a
// failure, and the queue discards instead of retrying.
var ErrDuplicate = errors.New("attendance already recorded for this event")

// ErrNoFix is returned by a LocationSource that has no GPS fix yet.
// The orchestrator polls with bounded backoff rather than failing or
// blocking on it.
var ErrNoFix = errors.New("waiting for location fix")

// ValidationError is a recoverable gate failure: geofence miss, bad or
// stale token, implausible proof. The attempt returns to the state
// named by Stage with a reason the user can act on. Never retried
// automatically.
type ValidationError struct {
	Stage  State
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Stage, e.Reason)
}

// TransientError wraps failures worth retrying through the submission
// queue: network errors, backend unavailability.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError is a failure the pipeline cannot recover from on its own:
// permissions denied, storage unavailable. Surfaced immediately.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be absorbed by the queue's
// retry loop.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsValidation reports whether err is a recoverable gate failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
