package enrollment

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/lib/pq"

	"funnel/pkg/migrations"
)

// The three store implementations must agree on the idempotency contract:
// Enroll is first-writer-wins and an enrollment is never observable without
// its fires, MarkFired claims exactly once, MarkFailed parks for good. The
// memory store always runs; the durable backends run against a live instance
// when its endpoint is set.

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestRedisStoreContract(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	runStoreContract(t, NewRedisStore(client))
}

func TestPostgresStoreContract(t *testing.T) {
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, migrations.RunPostgres(db))
	runStoreContract(t, NewPostgresStore(db))
}

func runStoreContract(t *testing.T, store Store) {
	ctx := context.Background()
	contactID := uuid.New().String() + "@x.com"
	now := time.Now()

	e := Enrollment{ContactID: contactID, SequenceID: "welcome_series", EnrolledAt: now}
	fires := []ScheduledFire{
		{ContactID: contactID, SequenceID: "welcome_series", StepID: "welcome_1",
			DueAt: now, NextAttemptAt: now},
		{ContactID: contactID, SequenceID: "welcome_series", StepID: "welcome_2",
			DueAt: now.Add(24 * time.Hour), NextAttemptAt: now.Add(24 * time.Hour)},
	}

	require.NoError(t, store.Enroll(ctx, e, fires))

	enrolled, err := store.IsEnrolled(ctx, contactID, "welcome_series")
	require.NoError(t, err)
	assert.True(t, enrolled)

	// Enrolled implies the fires exist: welcome_1 is already due.
	due, err := store.DueFires(ctx, now.Add(time.Second), 1000)
	require.NoError(t, err)
	assert.True(t, containsFire(due, contactID, "welcome_1"),
		"an enrollment must carry its scheduled fires")

	// Re-enrolling is a skip, never a reschedule.
	assert.ErrorIs(t, store.Enroll(ctx, e, fires), ErrAlreadyEnrolled)

	// MarkFired claims exactly once and removes the fire from the due set.
	fired, err := store.MarkFired(ctx, contactID, "welcome_series", "welcome_1")
	require.NoError(t, err)
	assert.True(t, fired)

	fired, err = store.MarkFired(ctx, contactID, "welcome_series", "welcome_1")
	require.NoError(t, err)
	assert.False(t, fired)

	due, err = store.DueFires(ctx, now.Add(time.Second), 1000)
	require.NoError(t, err)
	assert.False(t, containsFire(due, contactID, "welcome_1"))

	// A transient failure holds the fire back until its next attempt time.
	next := now.Add(48 * time.Hour)
	require.NoError(t, store.RecordAttempt(ctx, contactID, "welcome_series", "welcome_2", next, "smtp timeout"))

	due, err = store.DueFires(ctx, now.Add(25*time.Hour), 1000)
	require.NoError(t, err)
	assert.False(t, containsFire(due, contactID, "welcome_2"))

	due, err = store.DueFires(ctx, now.Add(49*time.Hour), 1000)
	require.NoError(t, err)
	assert.True(t, containsFire(due, contactID, "welcome_2"))

	// A permanent failure parks the fire: not swept, not claimable.
	require.NoError(t, store.MarkFailed(ctx, contactID, "welcome_series", "welcome_2", "template gone"))

	due, err = store.DueFires(ctx, now.Add(49*time.Hour), 1000)
	require.NoError(t, err)
	assert.False(t, containsFire(due, contactID, "welcome_2"))

	fired, err = store.MarkFired(ctx, contactID, "welcome_series", "welcome_2")
	require.NoError(t, err)
	assert.False(t, fired)
}

func containsFire(fires []ScheduledFire, contactID, stepID string) bool {
	for _, f := range fires {
		if f.ContactID == contactID && f.StepID == stepID {
			return true
		}
	}
	return false
}
