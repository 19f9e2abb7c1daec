package action

import (
	"context"
	"time"

	"funnel/pkg/models"
)

// EmailSender delivers a templated email to a contact.
type EmailSender interface {
	Send(ctx context.Context, contactID, template string, params map[string]string) error
}

// TaskCreator opens a follow-up task for a contact and returns its id.
type TaskCreator interface {
	Create(ctx context.Context, contactID, title, priority string, dueAt time.Time) (string, error)
}

// Notifier pushes a message about a contact to an interested party, usually
// the sales channel. Implementations may drop messages under load.
type Notifier interface {
	Notify(ctx context.Context, contactID, message, urgency string) error
}

// ScoreChangeFunc is invoked after a score mutation so the engine can feed a
// lead_score_change event back through trigger evaluation. origin is the event
// whose rule caused the mutation.
type ScoreChangeFunc func(ctx context.Context, contactID string, oldScore, newScore int, origin models.Event)
