package broker

import (
	"context"
	"fmt"

	"funnel/internal/config"
	"funnel/internal/logger"
	"funnel/pkg/models"
)

// NopProducer discards events. Used when the engine runs without a broker.
type NopProducer struct{}

func (NopProducer) Publish(ctx context.Context, topic string, event models.Event) error { return nil }
func (NopProducer) Close() error                                                        { return nil }

func NewProducer(cfg config.BrokerConfig, log logger.Logger) (Producer, error) {
	switch cfg.Type {
	case "kafka":
		return NewKafkaProducer(cfg.Kafka, log), nil
	case "none", "":
		return NopProducer{}, nil
	default:
		return nil, fmt.Errorf("unknown broker type: %s", cfg.Type)
	}
}

func NewConsumer(cfg config.BrokerConfig, log logger.Logger) (Consumer, error) {
	switch cfg.Type {
	case "kafka":
		return NewKafkaConsumer(cfg.Kafka, log), nil
	default:
		return nil, fmt.Errorf("unknown broker type: %s", cfg.Type)
	}
}
