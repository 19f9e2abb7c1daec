package contact

import (
	"context"
)

// Store owns the mutable contact state. Implementations must serialize
// mutations per contact so concurrent score deltas never lose updates.
type Store interface {
	// Get returns the contact, or errors.ErrNotFound if unknown.
	Get(ctx context.Context, id string) (*Contact, error)

	// GetOrCreate returns the contact, creating a cold zero-score record on
	// first reference.
	GetOrCreate(ctx context.Context, id string) (*Contact, error)

	// ApplyScoreDelta adds delta to the contact's score, clamped to the
	// policy bounds, recomputes the tier and returns the updated record.
	ApplyScoreDelta(ctx context.Context, id string, delta int) (*Contact, error)

	// AddInterests appends interest tags, ignoring duplicates.
	AddInterests(ctx context.Context, id string, tags ...string) error

	// AddSequence records a sequence the contact is enrolled in.
	AddSequence(ctx context.Context, id, sequenceID string) error
}
