package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// systemDevice marks records written by automation, not a member's
// device.
const systemDevice = "SYSTEM_AUTO"

// automationRepo is the slice of the repository the pass needs.
type automationRepo interface {
	ListEventsForAutomation(ctx context.Context) ([]Event, error)
	UpdateEventStatus(ctx context.Context, id string, status EventStatus) error
	MissingAttendees(ctx context.Context, eventID string) ([]string, error)
	Submit(ctx context.Context, rec Record) error
}

// Automation rolls event statuses forward with the wall clock and
// writes ABSENT records for active members who never checked in before
// an event ended. It runs from the worker's periodic tick.
type Automation struct {
	repo automationRepo
	now  func() time.Time
}

// NewAutomation creates the pass over the given repository.
func NewAutomation(repo automationRepo) *Automation {
	return &Automation{repo: repo, now: time.Now}
}

// TickReport summarizes one automation pass.
type TickReport struct {
	EventsUpdated int
	AbsentMarked  int
}

// Tick advances every non-terminal event and backfills absences for
// events that just ended. Individual failures are logged and skipped
// so one broken event cannot stall the pass.
func (a *Automation) Tick(ctx context.Context) (TickReport, error) {
	var report TickReport

	events, err := a.repo.ListEventsForAutomation(ctx)
	if err != nil {
		return report, fmt.Errorf("list events: %w", err)
	}

	now := a.now()
	for _, evt := range events {
		next := nextStatus(evt, now)
		if next == evt.Status {
			continue
		}

		if next == EventEnded {
			marked, err := a.markAbsentees(ctx, evt)
			if err != nil {
				log.Printf("automation: absentees for event %s failed: %v", evt.ID, err)
				continue
			}
			report.AbsentMarked += marked
		}

		if err := a.repo.UpdateEventStatus(ctx, evt.ID, next); err != nil {
			log.Printf("automation: status update for event %s failed: %v", evt.ID, err)
			continue
		}
		report.EventsUpdated++
	}
	return report, nil
}

// nextStatus derives the scheduling status from the clock. POSTPONED
// events stay put until they end.
func nextStatus(evt Event, now time.Time) EventStatus {
	switch {
	case now.Before(evt.StartTime):
		return EventUpcoming
	case now.After(evt.EndTime):
		return EventEnded
	case evt.Status == EventPostponed:
		return EventPostponed
	default:
		return EventOngoing
	}
}

// markAbsentees writes an ABSENT record for every active member
// without attendance for the event. The store's natural key keeps this
// idempotent against concurrent check-ins and repeated ticks.
func (a *Automation) markAbsentees(ctx context.Context, evt Event) (int, error) {
	missing, err := a.repo.MissingAttendees(ctx, evt.ID)
	if err != nil {
		return 0, err
	}

	marked := 0
	for _, userID := range missing {
		rec := Record{
			ID:                uuid.NewString(),
			UserID:            userID,
			EventID:           evt.ID,
			Timestamp:         a.now().UTC(),
			Status:            StatusAbsent,
			TrustScore:        0,
			DeviceFingerprint: systemDevice,
			Note:              "no check-in before the event ended",
		}
		if err := a.repo.Submit(ctx, rec); err != nil {
			if errors.Is(err, ErrDuplicate) {
				continue
			}
			return marked, err
		}
		marked++
	}
	return marked, nil
}
