package enrollment

import (
	"errors"
	"fmt"
	"time"
)

// ErrAlreadyEnrolled signals an idempotent no-op: the contact is already in
// the sequence, nothing was created. Callers treat it as "skip", not failure.
var ErrAlreadyEnrolled = errors.New("contact already enrolled in sequence")

// Enrollment records a contact's active participation in one sequence. A
// contact is enrolled in a given sequence at most once concurrently.
type Enrollment struct {
	ContactID  string    `json:"contact_id"`
	SequenceID string    `json:"sequence_id"`
	EnrolledAt time.Time `json:"enrolled_at"`
}

// ScheduledFire is the durable record of one pending step send. It is created
// at enrollment time and transitions to fired exactly once; a fire that keeps
// failing permanently is parked as failed instead.
type ScheduledFire struct {
	ContactID     string    `json:"contact_id"`
	SequenceID    string    `json:"sequence_id"`
	StepID        string    `json:"step_id"`
	DueAt         time.Time `json:"due_at"`
	Fired         bool      `json:"fired"`
	Failed        bool      `json:"failed"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`
}

// Key returns the canonical identity of the fire within its store.
func (f ScheduledFire) Key() string {
	return fmt.Sprintf("%s:%s:%s", f.ContactID, f.SequenceID, f.StepID)
}
