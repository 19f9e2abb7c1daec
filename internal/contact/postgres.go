package contact

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"funnel/pkg/errors"
)

// PostgresStore persists contacts in the contacts table. Score updates are
// clamped in SQL so concurrent deltas serialize on the row without a
// read-modify-write race.
type PostgresStore struct {
	db     *sql.DB
	policy Policy
}

func NewPostgresStore(db *sql.DB, policy Policy) *PostgresStore {
	return &PostgresStore{db: db, policy: policy}
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Contact, error) {
	query := `
		SELECT id, score, tier, interests, sequences, created_at, updated_at
		FROM contacts
		WHERE id = $1
	`

	c, err := scanContact(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, errors.ErrNotFound.WithDetail("contact_id", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query contact: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) GetOrCreate(ctx context.Context, id string) (*Contact, error) {
	query := `
		INSERT INTO contacts (id, score, tier, interests, sequences, created_at, updated_at)
		VALUES ($1, $2, $3, '{}', '{}', now(), now())
		ON CONFLICT (id) DO UPDATE SET updated_at = contacts.updated_at
		RETURNING id, score, tier, interests, sequences, created_at, updated_at
	`

	c, err := scanContact(s.db.QueryRowContext(ctx, query, id, s.policy.Clamp(0), string(s.policy.TierFor(0))))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert contact: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ApplyScoreDelta(ctx context.Context, id string, delta int) (*Contact, error) {
	if _, err := s.GetOrCreate(ctx, id); err != nil {
		return nil, err
	}

	// Score and tier move in one statement. A separate tier UPDATE computed
	// from this caller's snapshot could land after a concurrent delta and
	// leave the tier belonging to an older score.
	query := `
		UPDATE contacts
		SET score = LEAST($2, GREATEST($3, score + $4)),
		    tier = CASE
		        WHEN LEAST($2, GREATEST($3, score + $4)) >= $5 THEN 'hot'
		        WHEN LEAST($2, GREATEST($3, score + $4)) >= $6 THEN 'warm'
		        ELSE 'cold'
		    END,
		    updated_at = now()
		WHERE id = $1
		RETURNING id, score, tier, interests, sequences, created_at, updated_at
	`

	c, err := scanContact(s.db.QueryRowContext(ctx, query, id,
		s.policy.ScoreCeiling, s.policy.ScoreFloor, delta,
		s.policy.HotThreshold, s.policy.WarmThreshold))
	if err != nil {
		return nil, fmt.Errorf("failed to apply score delta: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) AddInterests(ctx context.Context, id string, tags ...string) error {
	if len(tags) == 0 {
		return nil
	}
	if _, err := s.GetOrCreate(ctx, id); err != nil {
		return err
	}

	query := `
		UPDATE contacts
		SET interests = (
			SELECT array_agg(DISTINCT tag ORDER BY tag)
			FROM unnest(interests || $2::text[]) AS tag
		),
		    updated_at = now()
		WHERE id = $1
	`

	if _, err := s.db.ExecContext(ctx, query, id, pq.Array(tags)); err != nil {
		return fmt.Errorf("failed to add interests: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddSequence(ctx context.Context, id, sequenceID string) error {
	if _, err := s.GetOrCreate(ctx, id); err != nil {
		return err
	}

	query := `
		UPDATE contacts
		SET sequences = array_append(sequences, $2),
		    updated_at = now()
		WHERE id = $1 AND NOT ($2 = ANY(sequences))
	`

	if _, err := s.db.ExecContext(ctx, query, id, sequenceID); err != nil {
		return fmt.Errorf("failed to add sequence: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanContact(row rowScanner) (*Contact, error) {
	var c Contact
	var tier string
	if err := row.Scan(
		&c.ID,
		&c.Score,
		&tier,
		pq.Array(&c.Interests),
		pq.Array(&c.Sequences),
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	c.Tier = Tier(tier)
	return &c, nil
}
