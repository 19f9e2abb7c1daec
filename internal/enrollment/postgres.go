package enrollment

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists enrollments relationally. Enroll runs in one
// transaction keyed on the enrollments primary key, MarkFired is a
// conditional UPDATE, so both idempotency guarantees come from the database.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) IsEnrolled(ctx context.Context, contactID, sequenceID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM enrollments WHERE contact_id = $1 AND sequence_id = $2)`,
		contactID, sequenceID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query enrollment: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) Enroll(ctx context.Context, e Enrollment, fires []ScheduledFire) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO enrollments (contact_id, sequence_id, enrolled_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (contact_id, sequence_id) DO NOTHING
	`, e.ContactID, e.SequenceID, e.EnrolledAt)
	if err != nil {
		return fmt.Errorf("failed to insert enrollment: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		return ErrAlreadyEnrolled
	}

	for _, f := range fires {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO scheduled_fires
				(contact_id, sequence_id, step_id, due_at, fired, failed, attempts, next_attempt_at)
			VALUES ($1, $2, $3, $4, false, false, 0, $4)
		`, f.ContactID, f.SequenceID, f.StepID, f.DueAt); err != nil {
			return fmt.Errorf("failed to insert scheduled fire: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit enrollment: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkFired(ctx context.Context, contactID, sequenceID, stepID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_fires
		SET fired = true
		WHERE contact_id = $1 AND sequence_id = $2 AND step_id = $3
		  AND NOT fired AND NOT failed
	`, contactID, sequenceID, stepID)
	if err != nil {
		return false, fmt.Errorf("failed to mark fire: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return rows > 0, nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, contactID, sequenceID, stepID, reason string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_fires
		SET failed = true, last_error = $4
		WHERE contact_id = $1 AND sequence_id = $2 AND step_id = $3 AND NOT fired
	`, contactID, sequenceID, stepID, reason); err != nil {
		return fmt.Errorf("failed to mark fire failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordAttempt(ctx context.Context, contactID, sequenceID, stepID string, nextAttemptAt time.Time, lastError string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_fires
		SET attempts = attempts + 1, next_attempt_at = $4, last_error = $5
		WHERE contact_id = $1 AND sequence_id = $2 AND step_id = $3
		  AND NOT fired AND NOT failed
	`, contactID, sequenceID, stepID, nextAttemptAt, lastError); err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) DueFires(ctx context.Context, now time.Time, limit int) ([]ScheduledFire, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT contact_id, sequence_id, step_id, due_at, fired, failed,
		       attempts, next_attempt_at, COALESCE(last_error, '')
		FROM scheduled_fires
		WHERE NOT fired AND NOT failed
		  AND due_at <= $1 AND next_attempt_at <= $1
		ORDER BY due_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due fires: %w", err)
	}
	defer rows.Close()

	var fires []ScheduledFire
	for rows.Next() {
		var f ScheduledFire
		if err := rows.Scan(
			&f.ContactID,
			&f.SequenceID,
			&f.StepID,
			&f.DueAt,
			&f.Fired,
			&f.Failed,
			&f.Attempts,
			&f.NextAttemptAt,
			&f.LastError,
		); err != nil {
			return nil, fmt.Errorf("failed to scan scheduled fire: %w", err)
		}
		fires = append(fires, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return fires, nil
}

func (s *PostgresStore) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scheduled_fires WHERE NOT fired AND NOT failed`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending fires: %w", err)
	}
	return count, nil
}
