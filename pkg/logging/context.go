package logging

import (
	"context"
)

const (
	EventIDKey     = "event_id"
	ContactIDKey   = "contact_id"
	ServiceNameKey = "service_name"
)

func WithEventID(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, EventIDKey, eventID)
}

func WithContactID(ctx context.Context, contactID string) context.Context {
	return context.WithValue(ctx, ContactIDKey, contactID)
}

func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return context.WithValue(ctx, ServiceNameKey, serviceName)
}

func GetEventID(ctx context.Context) string {
	if eventID, ok := ctx.Value(EventIDKey).(string); ok {
		return eventID
	}
	return ""
}

func GetContactID(ctx context.Context) string {
	if contactID, ok := ctx.Value(ContactIDKey).(string); ok {
		return contactID
	}
	return ""
}

func GetServiceName(ctx context.Context) string {
	if serviceName, ok := ctx.Value(ServiceNameKey).(string); ok {
		return serviceName
	}
	return ""
}

func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, 6)

	if eventID := GetEventID(ctx); eventID != "" {
		fields = append(fields, "event_id", eventID)
	}

	if contactID := GetContactID(ctx); contactID != "" {
		fields = append(fields, "contact_id", contactID)
	}

	if serviceName := GetServiceName(ctx); serviceName != "" {
		fields = append(fields, "service_name", serviceName)
	}

	return fields
}
