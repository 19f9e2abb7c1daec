package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_events_total",
			Help: "Total number of domain events processed by the automation engine (count)",
		},
		[]string{"kind", "status"},
	)

	EnrollmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_enrollments_total",
			Help: "Total number of sequence enrollment attempts (count)",
		},
		[]string{"sequence", "status"},
	)

	ScheduledFiresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_scheduled_fires_total",
			Help: "Total number of scheduled step fires dispatched by the sweep (count)",
		},
		[]string{"status"},
	)

	ActionsExecutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_actions_total",
			Help: "Total number of rule actions executed (count)",
		},
		[]string{"action", "status"},
	)

	CollaboratorFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_collaborator_failures_total",
			Help: "Total number of outbound collaborator call failures (count)",
		},
		[]string{"collaborator", "class"},
	)

	EventProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "automation_event_processing_duration_ms",
			Help:    "Event handling duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
		[]string{"kind"},
	)

	SweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "automation_sweep_duration_ms",
			Help:    "Scheduler sweep duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"status"},
	)

	PendingFires = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "automation_pending_fires",
			Help: "Number of scheduled fires not yet dispatched (count)",
		},
	)

	CatalogSequences = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "automation_catalog_sequences",
			Help: "Number of sequences in the loaded catalog (count)",
		},
	)

	CatalogRules = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "automation_catalog_rules",
			Help: "Number of rules in the loaded catalog (count)",
		},
	)

	NotificationsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "automation_notifications_dropped_total",
			Help: "Sales notifications dropped by the outbound rate limiter (count)",
		},
	)

	BrokerMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_messages_total",
			Help: "Total number of broker messages consumed (count)",
		},
		[]string{"topic", "status"},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Total number of messages routed to the dead letter topic (count)",
		},
		[]string{"topic"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

func RegisterAutomationMetrics() {
	prometheus.MustRegister(
		EventsProcessedTotal,
		EnrollmentsTotal,
		ScheduledFiresTotal,
		ActionsExecutedTotal,
		CollaboratorFailuresTotal,
		EventProcessingDuration,
		SweepDuration,
		PendingFires,
		CatalogSequences,
		CatalogRules,
		NotificationsDroppedTotal,
	)
}

func RegisterBrokerMetrics() {
	prometheus.MustRegister(
		BrokerMessagesTotal,
		DLQMessagesTotal,
	)
}

func RegisterCircuitBreakerMetrics() {
	prometheus.MustRegister(CircuitBreakerState)
}

func ObserveEventProcessing(kind string, duration time.Duration) {
	EventProcessingDuration.WithLabelValues(kind).Observe(float64(duration.Milliseconds()))
}

func ObserveSweep(status string, duration time.Duration) {
	SweepDuration.WithLabelValues(status).Observe(float64(duration.Milliseconds()))
}

func SetCatalogSizes(sequences, rules int) {
	CatalogSequences.Set(float64(sequences))
	CatalogRules.Set(float64(rules))
}
