package contact

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"funnel/pkg/errors"
)

const keyPrefixContact = "contact:"

// RedisStore keeps each contact as a JSON value. Mutations go through an
// optimistic WATCH transaction, retried on conflict, which serializes
// concurrent score deltas without a process-local lock.
type RedisStore struct {
	client *redis.Client
	policy Policy
}

func NewRedisStore(client *redis.Client, policy Policy) *RedisStore {
	return &RedisStore{client: client, policy: policy}
}

func contactKey(id string) string {
	return keyPrefixContact + id
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Contact, error) {
	raw, err := s.client.Get(ctx, contactKey(id)).Result()
	if err == redis.Nil {
		return nil, errors.ErrNotFound.WithDetail("contact_id", id)
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET failed: %w", err)
	}

	var c Contact
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("invalid contact record: %w", err)
	}
	return &c, nil
}

func (s *RedisStore) GetOrCreate(ctx context.Context, id string) (*Contact, error) {
	now := time.Now()
	fresh := &Contact{
		ID:        id,
		Score:     s.policy.Clamp(0),
		Tier:      s.policy.TierFor(0),
		CreatedAt: now,
		UpdatedAt: now,
	}
	payload, err := json.Marshal(fresh)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal contact: %w", err)
	}

	created, err := s.client.SetNX(ctx, contactKey(id), payload, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("redis SetNX failed: %w", err)
	}
	if created {
		return fresh, nil
	}
	return s.Get(ctx, id)
}

func (s *RedisStore) ApplyScoreDelta(ctx context.Context, id string, delta int) (*Contact, error) {
	var updated *Contact
	err := s.mutate(ctx, id, func(c *Contact) {
		c.Score = s.policy.Clamp(c.Score + delta)
		c.Tier = s.policy.TierFor(c.Score)
		updated = c
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *RedisStore) AddInterests(ctx context.Context, id string, tags ...string) error {
	if len(tags) == 0 {
		return nil
	}
	return s.mutate(ctx, id, func(c *Contact) {
		existing := make(map[string]bool, len(c.Interests))
		for _, tag := range c.Interests {
			existing[tag] = true
		}
		for _, tag := range tags {
			if tag == "" || existing[tag] {
				continue
			}
			c.Interests = append(c.Interests, tag)
			existing[tag] = true
		}
		sort.Strings(c.Interests)
	})
}

func (s *RedisStore) AddSequence(ctx context.Context, id, sequenceID string) error {
	return s.mutate(ctx, id, func(c *Contact) {
		for _, existing := range c.Sequences {
			if existing == sequenceID {
				return
			}
		}
		c.Sequences = append(c.Sequences, sequenceID)
	})
}

const mutateRetries = 10

// mutate runs a read-modify-write under WATCH, retrying on write conflicts.
func (s *RedisStore) mutate(ctx context.Context, id string, fn func(c *Contact)) error {
	key := contactKey(id)

	if _, err := s.GetOrCreate(ctx, id); err != nil {
		return err
	}

	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("redis GET failed: %w", err)
		}

		var c Contact
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return fmt.Errorf("invalid contact record: %w", err)
		}

		fn(&c)
		c.UpdatedAt = time.Now()

		payload, err := json.Marshal(&c)
		if err != nil {
			return fmt.Errorf("failed to marshal contact: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < mutateRetries; i++ {
		err = s.client.Watch(ctx, txn, key)
		if err != redis.TxFailedErr {
			return err
		}
	}
	return fmt.Errorf("contact update conflicted %d times: %w", mutateRetries, err)
}
