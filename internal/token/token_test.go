package token

import (
	"fmt"
	"testing"
)

func TestValidateWindow(t *testing.T) {
	const eventID = "EV-2024-07"
	issued := int64(1717200000) // bucket 57240000, bucket start
	tok := Generate(eventID, issued)

	tests := []struct {
		name string
		now  int64
		want Status
	}{
		{name: "same instant", now: issued, want: Valid},
		{name: "end of own bucket", now: issued + 29, want: Valid},
		{name: "next bucket", now: issued + 59, want: Valid},
		{name: "previous bucket", now: issued - 1, want: Valid},
		{name: "30s before bucket start", now: issued - 30, want: Valid},
		{name: "31s before bucket start", now: issued - 31, want: Expired},
		{name: "two buckets later", now: issued + 60, want: Expired},
		{name: "long expired", now: issued + 3600, want: Expired},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := Validate(tok, eventID, test.now); got != test.want {
				t.Errorf("Validate(%q, now=%d) = %v, want %v", tok, test.now, got, test.want)
			}
		})
	}
}

func TestValidateMismatch(t *testing.T) {
	now := int64(1717200000)
	tok := Generate("EV-A", now)

	tests := []struct {
		name    string
		scanned string
		event   string
		want    Status
	}{
		{name: "wrong event", scanned: tok, event: "EV-B", want: Mismatched},
		{name: "wrong event even in window", scanned: Generate("EV-A", now+10), event: "EV-B", want: Mismatched},
		{name: "no delimiter", scanned: "garbage", event: "EV-A", want: Mismatched},
		{name: "empty token", scanned: "", event: "EV-A", want: Mismatched},
		{name: "non-numeric bucket", scanned: "EV-A::notanumber", event: "EV-A", want: Expired},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := Validate(test.scanned, test.event, now); got != test.want {
				t.Errorf("Validate(%q, %q) = %v, want %v", test.scanned, test.event, got, test.want)
			}
		})
	}
}

func TestGeneratorValidatorAgree(t *testing.T) {
	// The generator and validator must share the identical bucket
	// function: every token generated inside a bucket validates at any
	// instant of the same bucket.
	const eventID = "EV-XYZ"
	base := int64(1700000000)
	bucketStart := (base / BucketSeconds) * BucketSeconds
	for offset := int64(0); offset < BucketSeconds; offset += 7 {
		tok := Generate(eventID, bucketStart+offset)
		if got := Validate(tok, eventID, bucketStart); got != Valid {
			t.Fatalf("token generated at +%ds invalid at bucket start: %v", offset, got)
		}
	}
}

func TestGenerateFormat(t *testing.T) {
	now := int64(1717200015)
	want := fmt.Sprintf("EV-1::%d", now/30)
	if got := Generate("EV-1", now); got != want {
		t.Errorf("Generate = %q, want %q", got, want)
	}
}
