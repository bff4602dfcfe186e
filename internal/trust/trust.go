// Package trust turns the verification signals collected during a
// check-in attempt into a bounded confidence score.
package trust

import "sort"

// Signal is a single independent verification outcome observed during
// an attempt.
type Signal string

const (
	// SignalGPSAccurate means the device was inside an event geofence.
	SignalGPSAccurate Signal = "GPS_ACCURATE"
	// SignalDeviceMatch means the submitting device fingerprint was
	// already bound to the user.
	SignalDeviceMatch Signal = "DEVICE_MATCH"
	// SignalQRValid means a rotating token was scanned in its window.
	SignalQRValid Signal = "QR_VALID"
	// SignalHybridVerified means both GPS and QR gates passed.
	SignalHybridVerified Signal = "HYBRID_VERIFIED"
	// SignalOnTime means the submission landed inside the event's late
	// tolerance.
	SignalOnTime Signal = "ON_TIME"
)

// Point values per signal. QR_VALID and HYBRID_VERIFIED share one
// bucket: holding both still awards 20.
const (
	pointsGPSAccurate = 30
	pointsOnTime      = 30
	pointsDeviceMatch = 20
	pointsScanned     = 20
	maxScore          = 100
)

// Set is an order-independent collection of signals.
type Set map[Signal]struct{}

// NewSet builds a Set from a list of signals, discarding duplicates.
func NewSet(signals ...Signal) Set {
	s := make(Set, len(signals))
	for _, sig := range signals {
		s[sig] = struct{}{}
	}
	return s
}

// Add records a signal. Adding an already-present signal is a no-op.
func (s Set) Add(sig Signal) {
	s[sig] = struct{}{}
}

// Has reports whether the signal was recorded.
func (s Set) Has(sig Signal) bool {
	_, ok := s[sig]
	return ok
}

// Badges returns the signals in stable, sorted order for persistence.
func (s Set) Badges() []string {
	out := make([]string, 0, len(s))
	for sig := range s {
		out = append(out, string(sig))
	}
	sort.Strings(out)
	return out
}

// Score computes the composite trust score for a signal set: additive
// per the point table, clamped to [0,100]. Pure function of the set,
// so it carries no ordering or hidden-state dependency.
func Score(signals Set) int {
	score := 0
	if signals.Has(SignalGPSAccurate) {
		score += pointsGPSAccurate
	}
	if signals.Has(SignalOnTime) {
		score += pointsOnTime
	}
	if signals.Has(SignalDeviceMatch) {
		score += pointsDeviceMatch
	}
	if signals.Has(SignalQRValid) || signals.Has(SignalHybridVerified) {
		score += pointsScanned
	}
	if score > maxScore {
		score = maxScore
	}
	return score
}
