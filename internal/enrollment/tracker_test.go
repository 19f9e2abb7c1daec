package enrollment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funnel/internal/catalog"
	"funnel/internal/logger"
)

func welcomeSequence(t *testing.T) catalog.Sequence {
	t.Helper()
	cat, err := catalog.Parse([]byte(`
sequences:
  - id: welcome_series
    name: Welcome series
    trigger: form_submit
    conditions:
      form_type: newsletter
    steps:
      - {id: welcome_1, template: welcome-email-1, delay: 0s}
      - {id: welcome_2, template: welcome-email-2, delay: 24h}
      - {id: welcome_3, template: welcome-email-3, delay: 72h}
      - {id: welcome_4, template: welcome-email-4, delay: 168h}
`))
	require.NoError(t, err)
	return cat.Sequences[0]
}

func TestTrackerEnrollIdempotent(t *testing.T) {
	store := NewMemoryStore()
	tracker := NewTracker(store, logger.NopLogger())
	ctx := context.Background()
	now := time.Now()
	seq := welcomeSequence(t)

	fires, err := tracker.Enroll(ctx, "a@x.com", seq, now)
	require.NoError(t, err)
	require.Len(t, fires, 4)
	assert.Equal(t, now, fires[0].DueAt)
	assert.Equal(t, now.Add(24*time.Hour), fires[1].DueAt)
	assert.Equal(t, now.Add(168*time.Hour), fires[3].DueAt)

	// Second enrollment is a no-op: no new fires scheduled.
	_, err = tracker.Enroll(ctx, "a@x.com", seq, now.Add(time.Minute))
	assert.ErrorIs(t, err, ErrAlreadyEnrolled)

	pending, err := store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, pending)

	enrolled, err := tracker.IsEnrolled(ctx, "a@x.com", "welcome_series")
	require.NoError(t, err)
	assert.True(t, enrolled)
}

func TestTrackerEnrollConcurrent(t *testing.T) {
	store := NewMemoryStore()
	tracker := NewTracker(store, logger.NopLogger())
	ctx := context.Background()
	seq := welcomeSequence(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	enrolled := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tracker.Enroll(ctx, "a@x.com", seq, time.Now())
			if err == nil {
				mu.Lock()
				enrolled++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrAlreadyEnrolled)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, enrolled, "exactly one concurrent enrollment may win")

	pending, err := store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, pending)
}

func TestMarkFiredExactlyOnce(t *testing.T) {
	store := NewMemoryStore()
	tracker := NewTracker(store, logger.NopLogger())
	ctx := context.Background()
	seq := welcomeSequence(t)

	_, err := tracker.Enroll(ctx, "a@x.com", seq, time.Now())
	require.NoError(t, err)

	ok, err := tracker.MarkFired(ctx, "a@x.com", "welcome_series", "welcome_1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tracker.MarkFired(ctx, "a@x.com", "welcome_series", "welcome_1")
	require.NoError(t, err)
	assert.False(t, ok, "second mark must report already fired")
}

func TestMarkFiredConcurrent(t *testing.T) {
	store := NewMemoryStore()
	tracker := NewTracker(store, logger.NopLogger())
	ctx := context.Background()
	seq := welcomeSequence(t)

	_, err := tracker.Enroll(ctx, "a@x.com", seq, time.Now())
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := tracker.MarkFired(ctx, "a@x.com", "welcome_series", "welcome_2")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded, "a fire transitions to fired exactly once")
}

func TestDueFires(t *testing.T) {
	store := NewMemoryStore()
	tracker := NewTracker(store, logger.NopLogger())
	ctx := context.Background()
	now := time.Now()
	seq := welcomeSequence(t)

	_, err := tracker.Enroll(ctx, "a@x.com", seq, now)
	require.NoError(t, err)

	// Only the delay-0 step is due immediately.
	due, err := store.DueFires(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "welcome_1", due[0].StepID)

	// A day later the second step becomes due as well.
	due, err = store.DueFires(ctx, now.Add(25*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "welcome_1", due[0].StepID)
	assert.Equal(t, "welcome_2", due[1].StepID)

	// Fired steps leave the sweep.
	_, err = store.MarkFired(ctx, "a@x.com", "welcome_series", "welcome_1")
	require.NoError(t, err)
	due, err = store.DueFires(ctx, now.Add(25*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "welcome_2", due[0].StepID)
}

func TestRecordAttemptDefersFire(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	err := store.Enroll(ctx, Enrollment{ContactID: "a@x.com", SequenceID: "s", EnrolledAt: now},
		[]ScheduledFire{{
			ContactID: "a@x.com", SequenceID: "s", StepID: "step_1",
			DueAt: now, NextAttemptAt: now,
		}})
	require.NoError(t, err)

	next := now.Add(30 * time.Second)
	require.NoError(t, store.RecordAttempt(ctx, "a@x.com", "s", "step_1", next, "provider timeout"))

	due, err := store.DueFires(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "fire is held back until its retry time")

	due, err = store.DueFires(ctx, next.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Attempts)
	assert.Equal(t, "provider timeout", due[0].LastError)
}

func TestMarkFailedParksFire(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	err := store.Enroll(ctx, Enrollment{ContactID: "a@x.com", SequenceID: "s", EnrolledAt: now},
		[]ScheduledFire{{
			ContactID: "a@x.com", SequenceID: "s", StepID: "step_1",
			DueAt: now, NextAttemptAt: now,
		}})
	require.NoError(t, err)

	require.NoError(t, store.MarkFailed(ctx, "a@x.com", "s", "step_1", "invalid template"))

	due, err := store.DueFires(ctx, now.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	ok, err := store.MarkFired(ctx, "a@x.com", "s", "step_1")
	require.NoError(t, err)
	assert.False(t, ok, "a failed fire can no longer transition to fired")
}
