package broker

import (
	"context"

	"funnel/pkg/models"
)

type Producer interface {
	Publish(ctx context.Context, topic string, event models.Event) error
	Close() error
}

type Consumer interface {
	Consume(ctx context.Context, topic string, handler HandlerFunc) error
	Close() error
}

type HandlerFunc func(ctx context.Context, event models.Event) error
