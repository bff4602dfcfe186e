package attendance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"sakato/internal/geofence"
	"sakato/internal/token"
)

type fakeDirectory struct {
	events map[string]*Event
}

func (d *fakeDirectory) ListActiveEvents(_ context.Context) ([]Event, error) {
	var out []Event
	for _, e := range d.events {
		if e.Status == EventOngoing {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (d *fakeDirectory) GetEvent(_ context.Context, id string) (*Event, error) {
	return d.events[id], nil
}

type fakeStore struct {
	mu          sync.Mutex
	records     map[string]Record // keyed user|event
	knownDevice bool
	submitErr   error
	submitGate  chan struct{} // when set, Submit blocks until closed
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]Record), knownDevice: true}
}

func (s *fakeStore) Submit(_ context.Context, rec Record) error {
	if s.submitGate != nil {
		<-s.submitGate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submitErr != nil {
		return s.submitErr
	}
	key := rec.UserID + "|" + rec.EventID
	if _, exists := s.records[key]; exists {
		return ErrDuplicate
	}
	s.records[key] = rec
	return nil
}

func (s *fakeStore) Has(_ context.Context, userID, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[userID+"|"+eventID]
	return ok, nil
}

func (s *fakeStore) DeviceKnown(_ context.Context, _, _ string) (bool, error) {
	return s.knownDevice, nil
}

type fakeBlobs struct{ err error }

func (b *fakeBlobs) Store(_ context.Context, _ []byte, path string) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	return "https://cdn.example/" + path, nil
}

type fakeQueue struct {
	mu      sync.Mutex
	entries []Record
}

func (q *fakeQueue) Enqueue(_ context.Context, rec Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, rec)
	return nil
}

func (q *fakeQueue) Has(_ context.Context, userID, eventID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, rec := range q.entries {
		if rec.UserID == userID && rec.EventID == eventID {
			return true, nil
		}
	}
	return false, nil
}

func capturePhoto(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 640, 480))
	seed := uint32(0x9e3779b9)
	for y := 0; y < 480; y++ {
		for x := 0; x < 640; x++ {
			seed = seed*1664525 + 1013904223
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(seed >> 24), G: uint8(seed >> 16), B: uint8(seed >> 8), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode photo: %v", err)
	}
	return buf.Bytes()
}

// testNow is 5 minutes before the event starts.
var testNow = time.Date(2024, 6, 1, 18, 55, 0, 0, time.UTC)

func gpsEvent() *Event {
	// Zone center ~45m north of the test device position, radius 50m.
	return &Event{
		ID:   "ev-gps",
		Name: "Rapat Bulanan",
		Mode: ModeGPS,
		Zones: []geofence.Zone{{
			ID: "z1", Name: "Aula",
			Lat: -0.9471 + 45.0/111195.0, Lng: 100.4172,
			RadiusMeters: 50, Kind: "OUTDOOR",
		}},
		StartTime:     testNow.Add(5 * time.Minute),
		EndTime:       testNow.Add(2 * time.Hour),
		LateTolerance: 15 * time.Minute,
		Status:        EventOngoing,
	}
}

func deviceCoords() *Coordinates {
	return &Coordinates{Lat: -0.9471, Lng: 100.4172, AccuracyMeters: 8}
}

func newTestService(dir *fakeDirectory, store *fakeStore, q SubmissionQueue) *Service {
	s := NewService(dir, store, &fakeBlobs{}, q, Options{LocationPollInterval: time.Millisecond})
	s.now = func() time.Time { return testNow }
	return s
}

func TestCheckInGPSHappyPath(t *testing.T) {
	evt := gpsEvent()
	dir := &fakeDirectory{events: map[string]*Event{evt.ID: evt}}
	store := newFakeStore()
	svc := newTestService(dir, store, &fakeQueue{})

	rec, err := svc.CheckIn(context.Background(), CheckInInput{
		EventID:           evt.ID,
		UserID:            "u1",
		UserName:          "Budi Santoso",
		DeviceFingerprint: "device-abc",
		Location:          StaticLocation(deviceCoords()),
		RawPhoto:          capturePhoto(t),
	})
	if err != nil {
		t.Fatalf("CheckIn: %v", err)
	}

	if rec.Status != StatusPresent {
		t.Errorf("status = %s, want PRESENT", rec.Status)
	}
	if rec.TrustScore != 80 {
		t.Errorf("trust score = %d, want 80 (GPS+ON_TIME+DEVICE)", rec.TrustScore)
	}
	wantBadges := map[string]bool{"GPS_ACCURATE": true, "ON_TIME": true, "DEVICE_MATCH": true}
	if len(rec.Badges) != len(wantBadges) {
		t.Errorf("badges = %v, want exactly %v", rec.Badges, wantBadges)
	}
	for _, b := range rec.Badges {
		if !wantBadges[b] {
			t.Errorf("unexpected badge %s", b)
		}
	}
	if !rec.Synced {
		t.Error("synchronous submission should mark the record synced")
	}
	if rec.ProofHash == "" || rec.ProofRef == "" {
		t.Errorf("proof missing: hash=%q ref=%q", rec.ProofHash, rec.ProofRef)
	}
	if stored, _ := store.Has(context.Background(), "u1", evt.ID); !stored {
		t.Error("record not in store")
	}
}

func TestCheckInOutsideGeofence(t *testing.T) {
	evt := gpsEvent()
	evt.Zones[0].RadiusMeters = 40 // device sits ~45m out
	dir := &fakeDirectory{events: map[string]*Event{evt.ID: evt}}
	svc := newTestService(dir, newFakeStore(), &fakeQueue{})

	_, err := svc.CheckIn(context.Background(), CheckInInput{
		EventID:           evt.ID,
		UserID:            "u1",
		DeviceFingerprint: "device-abc",
		Location:          StaticLocation(deviceCoords()),
		RawPhoto:          capturePhoto(t),
	})

	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("want ValidationError, got %v", err)
	}
	if ve.Stage != StateSelect {
		t.Errorf("failure should return to SELECT, got %s", ve.Stage)
	}
	// The reason must surface the distance so the user can self-correct.
	if !bytes.Contains([]byte(ve.Reason), []byte("45m")) {
		t.Errorf("reason %q does not surface the nearest distance", ve.Reason)
	}
}

func TestCheckInQRValidation(t *testing.T) {
	evt := gpsEvent()
	evt.Mode = ModeQR
	evt.Zones = nil
	dir := &fakeDirectory{events: map[string]*Event{evt.ID: evt}}

	tests := []struct {
		name       string
		scanned    string
		wantErr    bool
		wantReason string
	}{
		{
			name:    "fresh token",
			scanned: token.Generate(evt.ID, testNow.Unix()),
		},
		{
			name:       "two buckets old",
			scanned:    fmt.Sprintf("%s::%d", evt.ID, token.Bucket(testNow.Unix())-2),
			wantErr:    true,
			wantReason: "expired",
		},
		{
			name:       "wrong event",
			scanned:    token.Generate("ev-other", testNow.Unix()),
			wantErr:    true,
			wantReason: "different event",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			svc := newTestService(dir, newFakeStore(), &fakeQueue{})
			rec, err := svc.CheckIn(context.Background(), CheckInInput{
				EventID:           evt.ID,
				UserID:            "u1",
				DeviceFingerprint: "device-abc",
				ScannedToken:      test.scanned,
				RawPhoto:          capturePhoto(t),
			})
			if !test.wantErr {
				if err != nil {
					t.Fatalf("CheckIn: %v", err)
				}
				if rec.TrustScore != 70 {
					t.Errorf("score = %d, want 70 (QR+ON_TIME+DEVICE)", rec.TrustScore)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("want ValidationError, got %v", err)
			}
			if ve.Stage != StateSelect {
				t.Errorf("stage = %s, want SELECT", ve.Stage)
			}
			if !bytes.Contains([]byte(ve.Reason), []byte(test.wantReason)) {
				t.Errorf("reason %q missing %q", ve.Reason, test.wantReason)
			}
		})
	}
}

func TestCheckInHybridRequiresBothGates(t *testing.T) {
	evt := gpsEvent()
	evt.Mode = ModeHybrid
	dir := &fakeDirectory{events: map[string]*Event{evt.ID: evt}}

	// Inside the geofence but with a stale token: still rejected.
	svc := newTestService(dir, newFakeStore(), &fakeQueue{})
	_, err := svc.CheckIn(context.Background(), CheckInInput{
		EventID:           evt.ID,
		UserID:            "u1",
		DeviceFingerprint: "device-abc",
		Location:          StaticLocation(deviceCoords()),
		ScannedToken:      fmt.Sprintf("%s::%d", evt.ID, token.Bucket(testNow.Unix())-5),
		RawPhoto:          capturePhoto(t),
	})
	if !IsValidation(err) {
		t.Fatalf("hybrid with stale token should fail validation, got %v", err)
	}

	// Both gates pass: HYBRID_VERIFIED joins the badge set.
	svc = newTestService(dir, newFakeStore(), &fakeQueue{})
	rec, err := svc.CheckIn(context.Background(), CheckInInput{
		EventID:           evt.ID,
		UserID:            "u1",
		DeviceFingerprint: "device-abc",
		Location:          StaticLocation(deviceCoords()),
		ScannedToken:      token.Generate(evt.ID, testNow.Unix()),
		RawPhoto:          capturePhoto(t),
	})
	if err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	if rec.TrustScore != 100 {
		t.Errorf("score = %d, want 100", rec.TrustScore)
	}
}

func TestCheckInLateOmitsOnTime(t *testing.T) {
	evt := gpsEvent()
	evt.StartTime = testNow.Add(-30 * time.Minute) // tolerance long past
	dir := &fakeDirectory{events: map[string]*Event{evt.ID: evt}}
	svc := newTestService(dir, newFakeStore(), &fakeQueue{})

	rec, err := svc.CheckIn(context.Background(), CheckInInput{
		EventID:           evt.ID,
		UserID:            "u1",
		DeviceFingerprint: "device-abc",
		Location:          StaticLocation(deviceCoords()),
		RawPhoto:          capturePhoto(t),
	})
	if err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	if rec.Status != StatusLate {
		t.Errorf("status = %s, want LATE", rec.Status)
	}
	// LATE does not zero the score; it only omits ON_TIME.
	if rec.TrustScore != 50 {
		t.Errorf("score = %d, want 50 (GPS+DEVICE)", rec.TrustScore)
	}
}

func TestCheckInDuplicateRejectedAtSelect(t *testing.T) {
	evt := gpsEvent()
	dir := &fakeDirectory{events: map[string]*Event{evt.ID: evt}}
	store := newFakeStore()
	store.records["u1|"+evt.ID] = Record{UserID: "u1", EventID: evt.ID}
	svc := newTestService(dir, store, &fakeQueue{})

	_, err := svc.CheckIn(context.Background(), CheckInInput{
		EventID:           evt.ID,
		UserID:            "u1",
		DeviceFingerprint: "device-abc",
		Location:          StaticLocation(deviceCoords()),
		RawPhoto:          capturePhoto(t),
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("want ErrDuplicate, got %v", err)
	}
}

func TestCheckInQueuedPairRejectedAtSelect(t *testing.T) {
	evt := gpsEvent()
	dir := &fakeDirectory{events: map[string]*Event{evt.ID: evt}}
	q := &fakeQueue{entries: []Record{{UserID: "u1", EventID: evt.ID}}}
	svc := newTestService(dir, newFakeStore(), q)

	_, err := svc.CheckIn(context.Background(), CheckInInput{
		EventID:           evt.ID,
		UserID:            "u1",
		DeviceFingerprint: "device-abc",
		Location:          StaticLocation(deviceCoords()),
		RawPhoto:          capturePhoto(t),
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("pair held by the queue must reject at SELECT, got %v", err)
	}
}

func TestCheckInOfflineFallsBackToQueue(t *testing.T) {
	evt := gpsEvent()
	dir := &fakeDirectory{events: map[string]*Event{evt.ID: evt}}
	store := newFakeStore()
	store.submitErr = &TransientError{Err: errors.New("network down")}
	q := &fakeQueue{}
	svc := newTestService(dir, store, q)

	rec, err := svc.CheckIn(context.Background(), CheckInInput{
		EventID:           evt.ID,
		UserID:            "u1",
		DeviceFingerprint: "device-abc",
		Location:          StaticLocation(deviceCoords()),
		RawPhoto:          capturePhoto(t),
	})
	if err != nil {
		t.Fatalf("offline check-in should still succeed optimistically: %v", err)
	}
	if rec.Synced {
		t.Error("queued record must report Synced=false")
	}
	if len(q.entries) != 1 || q.entries[0].ID != rec.ID {
		t.Errorf("queue entries = %v, want the new record", q.entries)
	}
}

func TestCheckInProofFailureStaysRecoverable(t *testing.T) {
	evt := gpsEvent()
	dir := &fakeDirectory{events: map[string]*Event{evt.ID: evt}}
	svc := newTestService(dir, newFakeStore(), &fakeQueue{})

	_, err := svc.CheckIn(context.Background(), CheckInInput{
		EventID:           evt.ID,
		UserID:            "u1",
		DeviceFingerprint: "device-abc",
		Location:          StaticLocation(deviceCoords()),
		RawPhoto:          []byte("not a photo"),
	})

	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("want ValidationError, got %v", err)
	}
	if ve.Stage != StateCapturingProof {
		t.Errorf("proof failure should keep the caller in CAPTURING_PROOF, got %s", ve.Stage)
	}
}

func TestCheckInLocationPolling(t *testing.T) {
	evt := gpsEvent()
	dir := &fakeDirectory{events: map[string]*Event{evt.ID: evt}}
	svc := newTestService(dir, newFakeStore(), &fakeQueue{})

	// Fix arrives on the third poll.
	polls := 0
	src := LocationFunc(func(context.Context) (*Coordinates, error) {
		polls++
		if polls < 3 {
			return nil, ErrNoFix
		}
		return deviceCoords(), nil
	})

	rec, err := svc.CheckIn(context.Background(), CheckInInput{
		EventID:           evt.ID,
		UserID:            "u1",
		DeviceFingerprint: "device-abc",
		Location:          src,
		RawPhoto:          capturePhoto(t),
	})
	if err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	if polls != 3 {
		t.Errorf("location polled %d times, want 3", polls)
	}
	if rec.Coordinates == nil {
		t.Error("record should carry the eventual fix")
	}

	// A source that never fixes exhausts the budget instead of
	// blocking.
	svc = newTestService(dir, newFakeStore(), &fakeQueue{})
	_, err = svc.CheckIn(context.Background(), CheckInInput{
		EventID:           evt.ID,
		UserID:            "u2",
		DeviceFingerprint: "device-abc",
		Location:          StaticLocation(nil),
		RawPhoto:          capturePhoto(t),
	})
	if !IsValidation(err) {
		t.Fatalf("exhausted polling should be a validation failure, got %v", err)
	}
}

func TestCheckInHonorsPollingOptions(t *testing.T) {
	evt := gpsEvent()
	dir := &fakeDirectory{events: map[string]*Event{evt.ID: evt}}

	polls := 0
	neverFixes := LocationFunc(func(context.Context) (*Coordinates, error) {
		polls++
		return nil, ErrNoFix
	})

	svc := NewService(dir, newFakeStore(), &fakeBlobs{}, &fakeQueue{}, Options{
		LocationPollInterval: time.Millisecond,
		LocationMaxPolls:     1,
	})
	svc.now = func() time.Time { return testNow }

	_, err := svc.CheckIn(context.Background(), CheckInInput{
		EventID:           evt.ID,
		UserID:            "u1",
		DeviceFingerprint: "device-abc",
		Location:          neverFixes,
		RawPhoto:          capturePhoto(t),
	})
	if !IsValidation(err) {
		t.Fatalf("exhausted polling should be a validation failure, got %v", err)
	}
	if polls != 1 {
		t.Errorf("location polled %d times with a budget of 1", polls)
	}

	// Zero options fall back to the defaults instead of a zero budget.
	svc = NewService(dir, newFakeStore(), &fakeBlobs{}, &fakeQueue{}, Options{})
	if svc.locationMaxPolls != 5 || svc.locationPollInterval != 2*time.Second {
		t.Errorf("zero options = %d polls at %s, want 5 at 2s", svc.locationMaxPolls, svc.locationPollInterval)
	}
}

func TestCheckInConcurrentAttemptRejected(t *testing.T) {
	evt := gpsEvent()
	dir := &fakeDirectory{events: map[string]*Event{evt.ID: evt}}
	store := newFakeStore()
	gate := make(chan struct{})
	store.submitGate = gate
	svc := newTestService(dir, store, &fakeQueue{})

	input := CheckInInput{
		EventID:           evt.ID,
		UserID:            "u1",
		DeviceFingerprint: "device-abc",
		Location:          StaticLocation(deviceCoords()),
		RawPhoto:          capturePhoto(t),
	}

	firstDone := make(chan error, 1)
	go func() {
		_, err := svc.CheckIn(context.Background(), input)
		firstDone <- err
	}()

	// Wait for the first attempt to reach the (blocked) store, then
	// start a second attempt for the same pair.
	deadline := time.After(5 * time.Second)
	for {
		svc.mu.Lock()
		busy := len(svc.inflight) == 1
		svc.mu.Unlock()
		if busy {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first attempt never became in-flight")
		case <-time.After(time.Millisecond):
		}
	}

	_, err := svc.CheckIn(context.Background(), input)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("second concurrent attempt should be rejected, got %v", err)
	}

	close(gate)
	if err := <-firstDone; err != nil {
		t.Fatalf("first attempt: %v", err)
	}
}
