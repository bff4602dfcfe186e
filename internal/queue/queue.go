// Package queue is the durable holding area for attendance records
// that could not be delivered synchronously. Entries retry with
// exponential backoff until acknowledged, discarded as duplicates, or
// surfaced as terminal failures after the attempt budget runs out.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"sakato/internal/attendance"
	"sakato/internal/metrics"
)

// Entry wraps a record with its retry bookkeeping. Serialized as JSON
// into the backing store, keyed by the record id.
type Entry struct {
	Record      attendance.Record `json:"record"`
	Attempts    int               `json:"attempts"`
	NextRetryAt time.Time         `json:"next_retry_at"`
	LastError   string            `json:"last_error,omitempty"`
}

// Store is the durability contract: a key-value store with read-all
// and delete-by-key. Memory and Redis implementations live alongside.
type Store interface {
	Put(ctx context.Context, e Entry) error
	All(ctx context.Context) ([]Entry, error)
	Delete(ctx context.Context, recordID string) error
}

// Submitter delivers a record to the attendance store. ErrDuplicate is
// terminal success; transient errors reschedule the entry.
type Submitter interface {
	Submit(ctx context.Context, rec attendance.Record) error
}

// Options tune the retry policy.
type Options struct {
	// BaseDelay is the wait before the first retry; it doubles per
	// attempt.
	BaseDelay time.Duration
	// MaxAttempts bounds delivery tries per entry. Entries that exhaust
	// it are removed and reported, never retried forever.
	MaxAttempts int
}

// Queue coordinates enqueues and drains over the store. It is the only
// shared mutable resource across attempts, so every mutation happens
// under one lock: concurrent drain triggers (app start and an online
// event firing together) serialize instead of double-processing.
type Queue struct {
	store       Store
	submit      Submitter
	baseDelay   time.Duration
	maxAttempts int
	now         func() time.Time

	mu sync.Mutex
}

// New creates a queue with the given policy. Zero options fall back to
// a 30s base delay and 8 attempts.
func New(store Store, submit Submitter, opts Options) *Queue {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	return &Queue{
		store:       store,
		submit:      submit,
		baseDelay:   opts.BaseDelay,
		maxAttempts: opts.MaxAttempts,
		now:         time.Now,
	}
}

// Enqueue stores a record for later delivery. The first retry is due
// immediately.
func (q *Queue) Enqueue(ctx context.Context, rec attendance.Record) error {
	if rec.ID == "" {
		return errors.New("record id required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.store.Put(ctx, Entry{Record: rec, NextRetryAt: q.now()}); err != nil {
		return fmt.Errorf("enqueue record %s: %w", rec.ID, err)
	}
	q.updateDepth(ctx)
	return nil
}

// Has reports whether a pending entry exists for the (user, event)
// pair. The orchestrator consults this during its duplicate check.
func (q *Queue) Has(ctx context.Context, userID, eventID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries, err := q.store.All(ctx)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Record.UserID == userID && e.Record.EventID == eventID {
			return true, nil
		}
	}
	return false, nil
}

// Report summarizes one drain pass.
type Report struct {
	// Succeeded entries were acknowledged and removed.
	Succeeded int
	// Discarded entries hit the duplicate rejection: the attendance
	// already exists, so removal counts as success.
	Discarded int
	// StillPending entries failed retryably or are not yet due.
	StillPending int
	// Failed entries exhausted the attempt budget. They are removed
	// from automatic retry and surfaced here, never silently dropped.
	Failed []Entry
}

// Drain attempts every due entry once. Called on startup, on
// connectivity-regained events and from the worker tick; calls
// serialize with each other and with enqueues, so entries are neither
// lost nor double-processed.
func (q *Queue) Drain(ctx context.Context) (Report, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var report Report
	entries, err := q.store.All(ctx)
	if err != nil {
		return report, fmt.Errorf("read queue: %w", err)
	}

	now := q.now()
	for _, e := range entries {
		if e.NextRetryAt.After(now) {
			report.StillPending++
			continue
		}

		err := q.submit.Submit(ctx, e.Record)
		switch {
		case err == nil:
			if derr := q.store.Delete(ctx, e.Record.ID); derr != nil {
				log.Printf("queue: remove acked entry %s failed: %v", e.Record.ID, derr)
			}
			report.Succeeded++
			metrics.QueueDrainTotal.WithLabelValues("acked").Inc()

		case errors.Is(err, attendance.ErrDuplicate):
			if derr := q.store.Delete(ctx, e.Record.ID); derr != nil {
				log.Printf("queue: remove duplicate entry %s failed: %v", e.Record.ID, derr)
			}
			report.Discarded++
			metrics.QueueDrainTotal.WithLabelValues("duplicate").Inc()

		default:
			e.Attempts++
			e.LastError = err.Error()
			if e.Attempts >= q.maxAttempts {
				if derr := q.store.Delete(ctx, e.Record.ID); derr != nil {
					log.Printf("queue: remove exhausted entry %s failed: %v", e.Record.ID, derr)
				}
				report.Failed = append(report.Failed, e)
				metrics.QueueDrainTotal.WithLabelValues("exhausted").Inc()
				log.Printf("queue: record %s failed terminally after %d attempts: %v", e.Record.ID, e.Attempts, err)
				continue
			}
			e.NextRetryAt = now.Add(q.backoff(e.Attempts))
			if perr := q.store.Put(ctx, e); perr != nil {
				log.Printf("queue: reschedule entry %s failed: %v", e.Record.ID, perr)
			}
			report.StillPending++
			metrics.QueueDrainTotal.WithLabelValues("retry").Inc()
		}

		if ctx.Err() != nil {
			return report, ctx.Err()
		}
	}

	q.updateDepth(ctx)
	return report, nil
}

// Pending returns a snapshot of the queue for operational visibility.
func (q *Queue) Pending(ctx context.Context) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.All(ctx)
}

// backoff doubles per completed attempt starting from the base delay.
func (q *Queue) backoff(attempts int) time.Duration {
	d := q.baseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}

func (q *Queue) updateDepth(ctx context.Context) {
	if entries, err := q.store.All(ctx); err == nil {
		metrics.QueueDepth.Set(float64(len(entries)))
	}
}
