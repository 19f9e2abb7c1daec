package models

import "time"

type EventKind string

const (
	EventFormSubmit      EventKind = "form_submit"
	EventPageVisit       EventKind = "page_visit"
	EventLeadScoreChange EventKind = "lead_score_change"
)

// KnownEventKinds lists every kind the engine accepts, in catalog order.
var KnownEventKinds = []EventKind{
	EventFormSubmit,
	EventPageVisit,
	EventLeadScoreChange,
}

func (k EventKind) Valid() bool {
	switch k {
	case EventFormSubmit, EventPageVisit, EventLeadScoreChange:
		return true
	}
	return false
}

// Event is an immutable domain fact flowing into the automation engine.
// ContactID is the contact's stable address (email). Attributes carries the
// kind-specific payload (form type, page path, old/new score, ...).
type Event struct {
	ID         string                 `json:"id"`
	Kind       EventKind              `json:"kind"`
	ContactID  string                 `json:"contact_id"`
	Timestamp  time.Time              `json:"timestamp"`
	Attributes map[string]interface{} `json:"attributes"`
}

// Attribute names shared between event builders and catalog conditions.
const (
	AttrFormType        = "form_type"
	AttrPage            = "page"
	AttrDurationMs      = "duration_ms"
	AttrNewScore        = "new_score"
	AttrOldScore        = "old_score"
	AttrContactScore    = "contact_score"
	AttrContactTier     = "contact_tier"
	AttrContactInterest = "contact_interests"
)

func (e *Event) GetAttribute(name string) (interface{}, bool) {
	if e.Attributes == nil {
		return nil, false
	}
	value, ok := e.Attributes[name]
	return value, ok
}

func (e *Event) SetAttribute(name string, value interface{}) {
	if e.Attributes == nil {
		e.Attributes = make(map[string]interface{})
	}
	e.Attributes[name] = value
}
