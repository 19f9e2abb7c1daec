package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	DefaultHTTPTimeout = 10 * time.Second
)

// Redis key prefixes for the enrollment store.
const (
	KeyPrefixEnrollment = "enroll:"
	KeyPrefixFire       = "fire:"
	KeyPrefixFired      = "fired:"
	KeyDueIndex         = "fires:due"
)

const (
	DefaultInputTopic  = "site_events"
	DefaultOutputTopic = "automation_outcomes"
)

const (
	ShutdownTimeout = 5 * time.Second
)

// Urgency levels accepted by notify_party actions.
const (
	UrgencyLow    = "low"
	UrgencyNormal = "normal"
	UrgencyHigh   = "high"
)

// Priorities accepted by create_task actions.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)
