package enrollment

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"funnel/internal/constants"
)

// RedisStore persists enrollments in Redis. SETNX carries both idempotency
// guarantees: the enrollment key makes Enroll first-writer-wins, and the
// fired marker makes MarkFired a check-and-set. Pending fires are indexed in
// a sorted set scored by their next eligible dispatch time.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) enrollmentKey(contactID, sequenceID string) string {
	return constants.KeyPrefixEnrollment + contactID + ":" + sequenceID
}

func (s *RedisStore) fireKey(contactID, sequenceID, stepID string) string {
	return constants.KeyPrefixFire + contactID + ":" + sequenceID + ":" + stepID
}

func (s *RedisStore) firedKey(contactID, sequenceID, stepID string) string {
	return constants.KeyPrefixFired + contactID + ":" + sequenceID + ":" + stepID
}

func (s *RedisStore) IsEnrolled(ctx context.Context, contactID, sequenceID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.enrollmentKey(contactID, sequenceID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis EXISTS failed: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Enroll(ctx context.Context, e Enrollment, fires []ScheduledFire) error {
	enrollKey := s.enrollmentKey(e.ContactID, e.SequenceID)

	n, err := s.client.Exists(ctx, enrollKey).Result()
	if err != nil {
		return fmt.Errorf("redis EXISTS failed: %w", err)
	}
	if n > 0 {
		return ErrAlreadyEnrolled
	}

	// Fires go in before the enrollment claim. Claiming first and then
	// writing the fires would leave a permanent enrollment with no fires if
	// the pipeline fails or the process dies in between; in this order a
	// partial write stays re-enrollable, and losing the claim race below
	// merely rewrote the same keys.
	pipe := s.client.TxPipeline()
	for _, f := range fires {
		key := s.fireKey(f.ContactID, f.SequenceID, f.StepID)
		pipe.HSet(ctx, key, map[string]interface{}{
			"contact_id":  f.ContactID,
			"sequence_id": f.SequenceID,
			"step_id":     f.StepID,
			"due_at":      f.DueAt.Format(time.RFC3339Nano),
			"attempts":    0,
		})
		pipe.ZAdd(ctx, constants.KeyDueIndex, redis.Z{
			Score:  float64(f.DueAt.UnixMilli()),
			Member: key,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to persist scheduled fires: %w", err)
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal enrollment: %w", err)
	}
	created, err := s.client.SetNX(ctx, enrollKey, payload, 0).Result()
	if err != nil {
		return fmt.Errorf("redis SetNX failed: %w", err)
	}
	if !created {
		return ErrAlreadyEnrolled
	}
	return nil
}

func (s *RedisStore) MarkFired(ctx context.Context, contactID, sequenceID, stepID string) (bool, error) {
	fireHash := s.fireKey(contactID, sequenceID, stepID)

	failed, err := s.client.HGet(ctx, fireHash, "failed").Result()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("redis HGET failed: %w", err)
	}
	if failed == "1" {
		return false, nil
	}

	claimed, err := s.client.SetNX(ctx, s.firedKey(contactID, sequenceID, stepID), time.Now().Unix(), 0).Result()
	if err != nil {
		return false, fmt.Errorf("redis SetNX failed: %w", err)
	}
	if !claimed {
		return false, nil
	}

	if err := s.client.ZRem(ctx, constants.KeyDueIndex, fireHash).Err(); err != nil {
		return false, fmt.Errorf("redis ZREM failed: %w", err)
	}
	return true, nil
}

func (s *RedisStore) MarkFailed(ctx context.Context, contactID, sequenceID, stepID, reason string) error {
	fireHash := s.fireKey(contactID, sequenceID, stepID)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, fireHash, "failed", "1", "last_error", reason)
	pipe.ZRem(ctx, constants.KeyDueIndex, fireHash)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark fire failed: %w", err)
	}
	return nil
}

func (s *RedisStore) RecordAttempt(ctx context.Context, contactID, sequenceID, stepID string, nextAttemptAt time.Time, lastError string) error {
	fireHash := s.fireKey(contactID, sequenceID, stepID)

	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, fireHash, "attempts", 1)
	pipe.HSet(ctx, fireHash,
		"next_attempt_at", nextAttemptAt.Format(time.RFC3339Nano),
		"last_error", lastError,
	)
	pipe.ZAdd(ctx, constants.KeyDueIndex, redis.Z{
		Score:  float64(nextAttemptAt.UnixMilli()),
		Member: fireHash,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

func (s *RedisStore) DueFires(ctx context.Context, now time.Time, limit int) ([]ScheduledFire, error) {
	members, err := s.client.ZRangeByScore(ctx, constants.KeyDueIndex, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ZRANGEBYSCORE failed: %w", err)
	}

	fires := make([]ScheduledFire, 0, len(members))
	for _, member := range members {
		fields, err := s.client.HGetAll(ctx, member).Result()
		if err != nil {
			return nil, fmt.Errorf("redis HGETALL failed: %w", err)
		}
		if len(fields) == 0 || fields["failed"] == "1" {
			continue
		}

		fired, err := s.client.Exists(ctx, constants.KeyPrefixFired+
			fields["contact_id"]+":"+fields["sequence_id"]+":"+fields["step_id"]).Result()
		if err != nil {
			return nil, fmt.Errorf("redis EXISTS failed: %w", err)
		}
		if fired > 0 {
			continue
		}

		fire, err := parseFireHash(fields)
		if err != nil {
			return nil, err
		}
		fires = append(fires, fire)
	}
	return fires, nil
}

func (s *RedisStore) PendingCount(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, constants.KeyDueIndex).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ZCARD failed: %w", err)
	}
	return int(n), nil
}

func parseFireHash(fields map[string]string) (ScheduledFire, error) {
	fire := ScheduledFire{
		ContactID:  fields["contact_id"],
		SequenceID: fields["sequence_id"],
		StepID:     fields["step_id"],
		LastError:  fields["last_error"],
	}

	dueAt, err := time.Parse(time.RFC3339Nano, fields["due_at"])
	if err != nil {
		return ScheduledFire{}, fmt.Errorf("invalid due_at in fire record: %w", err)
	}
	fire.DueAt = dueAt

	if raw := fields["next_attempt_at"]; raw != "" {
		next, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return ScheduledFire{}, fmt.Errorf("invalid next_attempt_at in fire record: %w", err)
		}
		fire.NextAttemptAt = next
	}

	if raw := fields["attempts"]; raw != "" {
		attempts, err := strconv.Atoi(raw)
		if err != nil {
			return ScheduledFire{}, fmt.Errorf("invalid attempts in fire record: %w", err)
		}
		fire.Attempts = attempts
	}

	return fire, nil
}
