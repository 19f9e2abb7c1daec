package enrollment

import (
	"context"
	"errors"
	"time"

	"funnel/internal/catalog"
	"funnel/internal/logger"
	"funnel/pkg/metrics"
)

// Tracker is the engine's idempotency boundary for sequence membership. It
// turns a sequence definition into durable ScheduledFire records, one per
// step, offset from the enrollment time.
type Tracker struct {
	store Store
	log   logger.Logger
}

func NewTracker(store Store, log logger.Logger) *Tracker {
	return &Tracker{store: store, log: log}
}

func (t *Tracker) IsEnrolled(ctx context.Context, contactID, sequenceID string) (bool, error) {
	return t.store.IsEnrolled(ctx, contactID, sequenceID)
}

// Enroll enrolls the contact and schedules every step. On ErrAlreadyEnrolled
// no fire is scheduled twice; the caller treats the error as a skip.
func (t *Tracker) Enroll(ctx context.Context, contactID string, seq catalog.Sequence, at time.Time) ([]ScheduledFire, error) {
	e := Enrollment{
		ContactID:  contactID,
		SequenceID: seq.ID,
		EnrolledAt: at,
	}

	fires := make([]ScheduledFire, 0, len(seq.Steps))
	for _, step := range seq.Steps {
		due := at.Add(step.Delay)
		fires = append(fires, ScheduledFire{
			ContactID:     contactID,
			SequenceID:    seq.ID,
			StepID:        step.ID,
			DueAt:         due,
			NextAttemptAt: due,
		})
	}

	if err := t.store.Enroll(ctx, e, fires); err != nil {
		if errors.Is(err, ErrAlreadyEnrolled) {
			metrics.EnrollmentsTotal.WithLabelValues(seq.ID, "already_enrolled").Inc()
			t.log.DebugwCtx(ctx, "Contact already enrolled, skipping",
				"sequence_id", seq.ID,
			)
		} else {
			metrics.EnrollmentsTotal.WithLabelValues(seq.ID, "error").Inc()
		}
		return nil, err
	}

	metrics.EnrollmentsTotal.WithLabelValues(seq.ID, "enrolled").Inc()
	t.log.InfowCtx(ctx, "Contact enrolled in sequence",
		"sequence_id", seq.ID,
		"steps", len(fires),
	)
	return fires, nil
}

// MarkFired is the check-and-set guarding duplicate delivery under
// at-least-once scheduling.
func (t *Tracker) MarkFired(ctx context.Context, contactID, sequenceID, stepID string) (bool, error) {
	return t.store.MarkFired(ctx, contactID, sequenceID, stepID)
}
