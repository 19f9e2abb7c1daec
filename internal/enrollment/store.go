package enrollment

import (
	"context"
	"time"
)

// Store persists enrollments and their scheduled fires. Implementations must
// make Enroll effectively atomic per (contact, sequence) pair and MarkFired a
// check-and-set, so duplicate enrollments and duplicate sends cannot be
// created under concurrent events or at-least-once sweeps.
type Store interface {
	IsEnrolled(ctx context.Context, contactID, sequenceID string) (bool, error)

	// Enroll creates the enrollment and its fires in one step. Returns
	// ErrAlreadyEnrolled without side effects if the pair already exists.
	Enroll(ctx context.Context, e Enrollment, fires []ScheduledFire) error

	// MarkFired transitions a fire from pending to fired. Returns false if it
	// was already fired (or parked as failed).
	MarkFired(ctx context.Context, contactID, sequenceID, stepID string) (bool, error)

	// MarkFailed parks a fire permanently; it will not be swept again.
	MarkFailed(ctx context.Context, contactID, sequenceID, stepID, reason string) error

	// RecordAttempt notes a transient dispatch failure and the earliest time
	// the sweep may retry the fire.
	RecordAttempt(ctx context.Context, contactID, sequenceID, stepID string, nextAttemptAt time.Time, lastError string) error

	// DueFires returns up to limit fires that are due, not yet fired, not
	// failed, and past their retry hold-off, ordered by due time.
	DueFires(ctx context.Context, now time.Time, limit int) ([]ScheduledFire, error)

	// PendingCount reports how many fires are still awaiting dispatch.
	PendingCount(ctx context.Context) (int, error)
}
