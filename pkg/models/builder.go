package models

import (
	"time"

	"github.com/google/uuid"
)

type EventBuilder struct {
	event *Event
}

func NewEventBuilder(kind EventKind) *EventBuilder {
	return &EventBuilder{
		event: &Event{
			Kind:       kind,
			Attributes: make(map[string]interface{}),
		},
	}
}

func (b *EventBuilder) WithID(id string) *EventBuilder {
	b.event.ID = id
	return b
}

func (b *EventBuilder) WithContact(contactID string) *EventBuilder {
	b.event.ContactID = contactID
	return b
}

func (b *EventBuilder) WithTimestamp(timestamp time.Time) *EventBuilder {
	b.event.Timestamp = timestamp
	return b
}

func (b *EventBuilder) WithAttribute(name string, value interface{}) *EventBuilder {
	b.event.Attributes[name] = value
	return b
}

func (b *EventBuilder) WithAttributes(attrs map[string]interface{}) *EventBuilder {
	for name, value := range attrs {
		b.event.Attributes[name] = value
	}
	return b
}

func (b *EventBuilder) Build() *Event {
	if b.event.ID == "" {
		b.event.ID = uuid.New().String()
	}
	if b.event.Timestamp.IsZero() {
		b.event.Timestamp = time.Now()
	}
	return b.event
}
