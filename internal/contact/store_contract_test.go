package contact

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/lib/pq"

	"funnel/pkg/migrations"
)

// Score and tier must move together: every contact a store hands back, under
// any interleaving of deltas, carries the tier its score maps to. The memory
// store always runs; the durable backends run against a live instance when
// its endpoint is set.

func TestMemoryStoreTierContract(t *testing.T) {
	runTierContract(t, NewMemoryStore(DefaultPolicy()))
}

func TestRedisStoreTierContract(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	runTierContract(t, NewRedisStore(client, DefaultPolicy()))
}

func TestPostgresStoreTierContract(t *testing.T) {
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, migrations.RunPostgres(db))
	runTierContract(t, NewPostgresStore(db, DefaultPolicy()))
}

func runTierContract(t *testing.T, s Store) {
	ctx := context.Background()
	policy := DefaultPolicy()
	id := uuid.New().String() + "@x.com"

	_, err := s.GetOrCreate(ctx, id)
	require.NoError(t, err)

	const workers = 10
	var wg sync.WaitGroup
	results := make([]*Contact, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n], errs[n] = s.ApplyScoreDelta(ctx, id, 5)
		}(i)
	}
	wg.Wait()

	// Every intermediate snapshot is internally consistent, not just the
	// final one.
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, policy.TierFor(results[i].Score), results[i].Tier,
			"tier must match the score it was returned with")
	}

	c, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 50, c.Score)
	assert.Equal(t, policy.TierFor(c.Score), c.Tier)
}
