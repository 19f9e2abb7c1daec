package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funnel/internal/config"
	"funnel/internal/enrollment"
	"funnel/internal/logger"
	"funnel/pkg/errors"
)

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		SweepInterval: 10 * time.Millisecond,
		BatchSize:     100,
		Retry: config.RetryConfig{
			InitialInterval: 30 * time.Second,
			MaxInterval:     time.Hour,
			Multiplier:      2.0,
		},
	}
}

func seedFire(t *testing.T, store enrollment.Store, contactID, seqID, stepID string, due time.Time) {
	t.Helper()
	err := store.Enroll(context.Background(),
		enrollment.Enrollment{ContactID: contactID, SequenceID: seqID, EnrolledAt: due},
		[]enrollment.ScheduledFire{{
			ContactID: contactID, SequenceID: seqID, StepID: stepID,
			DueAt: due, NextAttemptAt: due,
		}})
	require.NoError(t, err)
}

func TestSweepDispatchesDueFires(t *testing.T) {
	store := enrollment.NewMemoryStore()
	now := time.Now()
	seedFire(t, store, "a@x.com", "seq", "step_1", now.Add(-time.Minute))

	var mu sync.Mutex
	var dispatched []string
	dispatch := func(ctx context.Context, fire enrollment.ScheduledFire) error {
		mu.Lock()
		defer mu.Unlock()
		dispatched = append(dispatched, fire.StepID)
		_, err := store.MarkFired(ctx, fire.ContactID, fire.SequenceID, fire.StepID)
		return err
	}

	s := New(store, dispatch, testSchedulerConfig(), logger.NopLogger())
	s.Sweep(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"step_1"}, dispatched)
}

func TestSweepSkipsFutureFires(t *testing.T) {
	store := enrollment.NewMemoryStore()
	seedFire(t, store, "a@x.com", "seq", "step_1", time.Now().Add(time.Hour))

	dispatch := func(ctx context.Context, fire enrollment.ScheduledFire) error {
		t.Errorf("unexpected dispatch of %s", fire.StepID)
		return nil
	}

	s := New(store, dispatch, testSchedulerConfig(), logger.NopLogger())
	s.Sweep(context.Background())
}

func TestSweepRetriesTransientFailure(t *testing.T) {
	store := enrollment.NewMemoryStore()
	now := time.Now()
	seedFire(t, store, "a@x.com", "seq", "step_1", now.Add(-time.Minute))

	dispatch := func(ctx context.Context, fire enrollment.ScheduledFire) error {
		return errors.ErrServiceUnavailable.WithCause(fmt.Errorf("connection refused"))
	}

	s := New(store, dispatch, testSchedulerConfig(), logger.NopLogger())
	s.Sweep(context.Background())

	// The fire must still be pending, held back roughly one initial interval.
	pending, err := store.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	due, err := store.DueFires(context.Background(), now.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "retried fire must not be immediately due again")

	due, err = store.DueFires(context.Background(), now.Add(31*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Attempts)
}

func TestSweepBackoffGrowsAndCaps(t *testing.T) {
	cfg := testSchedulerConfig()
	store := enrollment.NewMemoryStore()
	now := time.Now()
	seedFire(t, store, "a@x.com", "seq", "step_1", now.Add(-time.Minute))

	dispatch := func(ctx context.Context, fire enrollment.ScheduledFire) error {
		return errors.ErrTimeout.AsRetryable()
	}
	s := New(store, dispatch, cfg, logger.NopLogger())

	// Drive the fire through enough failed attempts to hit the cap, advancing
	// a simulated clock past each recorded next attempt.
	clock := now
	for i := 0; i < 10; i++ {
		due, err := store.DueFires(context.Background(), clock, 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		s.dispatchOne(context.Background(), due[0], clock)
		clock = clock.Add(cfg.Retry.MaxInterval + time.Second)
	}

	due, err := store.DueFires(context.Background(), clock, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 10, due[0].Attempts)

	// After many attempts the spacing is the cap, never more.
	beforeCap := clock.Add(-2 * time.Second)
	held, err := store.DueFires(context.Background(), beforeCap.Add(-cfg.Retry.MaxInterval), 10)
	require.NoError(t, err)
	assert.Empty(t, held)
}

func TestSweepParksPermanentFailure(t *testing.T) {
	store := enrollment.NewMemoryStore()
	now := time.Now()
	seedFire(t, store, "a@x.com", "seq", "step_1", now.Add(-time.Minute))

	dispatch := func(ctx context.Context, fire enrollment.ScheduledFire) error {
		return errors.ErrValidation.WithDetail("message", "unknown template")
	}

	s := New(store, dispatch, testSchedulerConfig(), logger.NopLogger())
	s.Sweep(context.Background())

	pending, err := store.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, pending, "permanently failed fire leaves the pending set")

	due, err := store.DueFires(context.Background(), now.Add(24*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestKickTriggersImmediateSweep(t *testing.T) {
	store := enrollment.NewMemoryStore()
	seedFire(t, store, "a@x.com", "seq", "step_1", time.Now().Add(-time.Minute))

	dispatched := make(chan string, 1)
	dispatch := func(ctx context.Context, fire enrollment.ScheduledFire) error {
		if _, err := store.MarkFired(ctx, fire.ContactID, fire.SequenceID, fire.StepID); err != nil {
			return err
		}
		select {
		case dispatched <- fire.StepID:
		default:
		}
		return nil
	}

	cfg := testSchedulerConfig()
	cfg.SweepInterval = time.Hour // only the kick can trigger the sweep in time
	s := New(store, dispatch, cfg, logger.NopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Start(ctx)
	}()

	select {
	case step := <-dispatched:
		// The startup sweep already picked it up; that also proves restart
		// recovery of overdue fires.
		assert.Equal(t, "step_1", step)
	case <-time.After(2 * time.Second):
		t.Fatal("startup sweep did not dispatch overdue fire")
	}

	seedFire(t, store, "b@x.com", "seq", "step_1", time.Now().Add(-time.Minute))
	s.Kick()

	select {
	case step := <-dispatched:
		assert.Equal(t, "step_1", step)
	case <-time.After(2 * time.Second):
		t.Fatal("kick did not trigger a sweep")
	}

	cancel()
	<-done
}

func TestSweepRespectsBatchSize(t *testing.T) {
	store := enrollment.NewMemoryStore()
	now := time.Now()
	for i := 0; i < 5; i++ {
		seedFire(t, store, fmt.Sprintf("c%d@x.com", i), "seq", "step_1", now.Add(-time.Minute))
	}

	var mu sync.Mutex
	count := 0
	dispatch := func(ctx context.Context, fire enrollment.ScheduledFire) error {
		mu.Lock()
		count++
		mu.Unlock()
		_, err := store.MarkFired(ctx, fire.ContactID, fire.SequenceID, fire.StepID)
		return err
	}

	cfg := testSchedulerConfig()
	cfg.BatchSize = 2
	s := New(store, dispatch, cfg, logger.NopLogger())

	s.Sweep(context.Background())
	mu.Lock()
	assert.Equal(t, 2, count)
	mu.Unlock()

	s.Sweep(context.Background())
	s.Sweep(context.Background())
	mu.Lock()
	assert.Equal(t, 5, count, "successive sweeps drain the backlog")
	mu.Unlock()
}
