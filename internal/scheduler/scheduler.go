package scheduler

import (
	"context"
	"time"

	"funnel/internal/config"
	"funnel/internal/enrollment"
	"funnel/internal/logger"
	"funnel/pkg/errors"
	"funnel/pkg/metrics"
	"funnel/pkg/retry"
)

// DispatchFunc delivers one due fire. It must be safe to call more than once
// for the same fire: the store's fired check-and-set is what keeps delivery
// single-shot.
type DispatchFunc func(ctx context.Context, fire enrollment.ScheduledFire) error

// Scheduler drives delayed sequence steps. It owns no timers per fire; all
// pending state lives in the enrollment store, and a periodic sweep picks up
// whatever has come due. A restart loses nothing because the sweep re-reads
// the store from scratch.
type Scheduler struct {
	store    enrollment.Store
	dispatch DispatchFunc
	cfg      config.SchedulerConfig
	log      logger.Logger
	kick     chan struct{}
}

func New(store enrollment.Store, dispatch DispatchFunc, cfg config.SchedulerConfig, log logger.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		dispatch: dispatch,
		cfg:      cfg,
		log:      log,
		kick:     make(chan struct{}, 1),
	}
}

// Kick requests an immediate sweep without waiting for the next tick. It
// never blocks; if a sweep is already requested the signal is coalesced.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.log.Infow("Scheduler started",
		"sweep_interval", s.cfg.SweepInterval,
		"batch_size", s.cfg.BatchSize,
	)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	// Pick up anything that came due while the process was down.
	s.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			s.log.Infow("Scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		case <-s.kick:
			s.Sweep(ctx)
		}
	}
}

// Sweep reads one batch of due fires and dispatches each. Failures are
// classified: permanent ones park the fire, transient ones push its next
// attempt out with exponential backoff.
func (s *Scheduler) Sweep(ctx context.Context) {
	start := time.Now()
	now := start

	fires, err := s.store.DueFires(ctx, now, s.cfg.BatchSize)
	if err != nil {
		metrics.ObserveSweep("error", time.Since(start))
		s.log.Errorw("Failed to load due fires", "error", err)
		return
	}

	for _, fire := range fires {
		if ctx.Err() != nil {
			break
		}
		s.dispatchOne(ctx, fire, now)
	}

	if pending, err := s.store.PendingCount(ctx); err == nil {
		metrics.PendingFires.Set(float64(pending))
	}
	metrics.ObserveSweep("ok", time.Since(start))
}

func (s *Scheduler) dispatchOne(ctx context.Context, fire enrollment.ScheduledFire, now time.Time) {
	err := s.dispatch(ctx, fire)
	if err == nil {
		metrics.ScheduledFiresTotal.WithLabelValues("dispatched").Inc()
		return
	}

	if errors.IsPermanent(err) {
		metrics.ScheduledFiresTotal.WithLabelValues("failed").Inc()
		s.log.Errorw("Scheduled fire failed permanently",
			"contact_id", fire.ContactID,
			"sequence_id", fire.SequenceID,
			"step_id", fire.StepID,
			"error", err,
		)
		if markErr := s.store.MarkFailed(ctx, fire.ContactID, fire.SequenceID, fire.StepID, err.Error()); markErr != nil {
			s.log.Errorw("Failed to park failed fire", "error", markErr)
		}
		return
	}

	delay := retry.CalculateBackoffDuration(
		fire.Attempts,
		s.cfg.Retry.InitialInterval,
		s.cfg.Retry.Multiplier,
		s.cfg.Retry.MaxInterval,
	)
	next := now.Add(delay)

	metrics.ScheduledFiresTotal.WithLabelValues("retried").Inc()
	s.log.Warnw("Scheduled fire failed, will retry",
		"contact_id", fire.ContactID,
		"sequence_id", fire.SequenceID,
		"step_id", fire.StepID,
		"attempt", fire.Attempts+1,
		"next_attempt_at", next,
		"error", err,
	)
	if recErr := s.store.RecordAttempt(ctx, fire.ContactID, fire.SequenceID, fire.StepID, next, err.Error()); recErr != nil {
		s.log.Errorw("Failed to record fire attempt", "error", recErr)
	}
}
