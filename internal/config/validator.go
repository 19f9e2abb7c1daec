package config

import (
	"fmt"
)

// ValidateStatic checks invariants that cannot be expressed as defaults.
func ValidateStatic(cfg *Config) error {
	if cfg.Automation.CatalogFile == "" {
		return fmt.Errorf("automation.catalog_file is required")
	}

	if cfg.Automation.ScoreFloor > cfg.Automation.ScoreCeiling {
		return fmt.Errorf("automation.score_floor (%d) must not exceed automation.score_ceiling (%d)",
			cfg.Automation.ScoreFloor, cfg.Automation.ScoreCeiling)
	}

	if cfg.Automation.WarmThreshold >= cfg.Automation.HotThreshold {
		return fmt.Errorf("automation.warm_threshold (%d) must be below automation.hot_threshold (%d)",
			cfg.Automation.WarmThreshold, cfg.Automation.HotThreshold)
	}

	switch cfg.Database.Store {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("database.store must be one of memory, redis, postgres; got %q", cfg.Database.Store)
	}

	if cfg.Database.Store == "postgres" && cfg.Database.Postgres.Host == "" {
		return fmt.Errorf("database.postgres.host is required when database.store is postgres")
	}

	if cfg.Database.Store == "redis" && cfg.Database.Redis.Host == "" {
		return fmt.Errorf("database.redis.host is required when database.store is redis")
	}

	switch cfg.Broker.Type {
	case "kafka":
		if len(cfg.Broker.Kafka.Brokers) == 0 {
			return fmt.Errorf("broker.kafka.brokers is required when broker.type is kafka")
		}
		if cfg.Broker.Kafka.InputTopic == "" {
			return fmt.Errorf("broker.kafka.input_topic is required when broker.type is kafka")
		}
	case "none", "":
	default:
		return fmt.Errorf("broker.type must be kafka or none; got %q", cfg.Broker.Type)
	}

	if cfg.Scheduler.SweepInterval <= 0 {
		return fmt.Errorf("scheduler.sweep_interval must be positive")
	}

	if cfg.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("scheduler.batch_size must be positive")
	}

	return nil
}
