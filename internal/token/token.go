// Package token implements the rotating QR payload shared between the
// event display (generator) and the scanner (validator). Validity is
// tied to a coarse time bucket, not a single-use secret, so both sides
// agree with nothing more than loosely synchronized clocks.
package token

import (
	"fmt"
	"strconv"
	"strings"
)

// BucketSeconds is the rotation period. Changing it breaks every
// deployed generator, so it is a constant, not configuration.
const BucketSeconds = 30

// bucketTolerance is how many buckets of skew the validator accepts on
// either side, giving a 90-second effective window.
const bucketTolerance = 1

const delimiter = "::"

// Status is the outcome of validating a scanned token.
type Status int

const (
	Valid Status = iota
	Expired
	Mismatched
)

func (s Status) String() string {
	switch s {
	case Valid:
		return "valid"
	case Expired:
		return "expired"
	case Mismatched:
		return "mismatched"
	}
	return "unknown"
}

// Bucket maps an epoch-seconds timestamp to its rotation bucket.
func Bucket(nowEpochSeconds int64) int64 {
	return nowEpochSeconds / BucketSeconds
}

// Generate produces the token an event display should render for the
// current bucket.
func Generate(eventID string, nowEpochSeconds int64) string {
	return fmt.Sprintf("%s%s%d", eventID, delimiter, Bucket(nowEpochSeconds))
}

// Validate checks a scanned token against the expected event and the
// validator's clock. The event segment must match exactly; the bucket
// must be within ±1 of the current bucket. A token whose bucket
// segment is not numeric is reported as Expired since its event
// segment may still be legible to the caller.
func Validate(scanned, expectedEventID string, nowEpochSeconds int64) Status {
	idx := strings.LastIndex(scanned, delimiter)
	if idx < 0 {
		return Mismatched
	}
	tokenEventID := scanned[:idx]
	if tokenEventID != expectedEventID {
		return Mismatched
	}
	tokenBucket, err := strconv.ParseInt(scanned[idx+len(delimiter):], 10, 64)
	if err != nil {
		return Expired
	}
	current := Bucket(nowEpochSeconds)
	if abs(current-tokenBucket) <= bucketTolerance {
		return Valid
	}
	return Expired
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
