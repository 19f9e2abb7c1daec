package models

import "fmt"

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidateEvent rejects malformed events at the facade boundary. A rejected
// event is never partially processed.
func ValidateEvent(e *Event) error {
	if e == nil {
		return &ValidationError{
			Field:   "event",
			Message: "event cannot be nil",
		}
	}

	if e.ContactID == "" {
		return &ValidationError{
			Field:   "contact_id",
			Message: "contact identifier is required",
		}
	}

	if !e.Kind.Valid() {
		return &ValidationError{
			Field:   "kind",
			Message: fmt.Sprintf("unknown event kind %q", e.Kind),
		}
	}

	if e.Timestamp.IsZero() {
		return &ValidationError{
			Field:   "timestamp",
			Message: "event timestamp is required",
		}
	}

	return nil
}
