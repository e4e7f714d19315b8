package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommandsTotal tracks inbound commands processed by the router by
	// type and outcome.
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trainrouter_commands_total",
			Help: "Total number of commands processed, by event type and result",
		},
		[]string{"type", "result"},
	)

	// CommandDuration tracks handler latency by command type.
	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trainrouter_command_duration_seconds",
			Help:    "Duration of command handling",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
		[]string{"type"},
	)

	// ActiveJobs tracks the number of jobs currently tracked in
	// JobStateStore (any non-terminal status).
	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trainrouter_active_jobs",
			Help: "Number of jobs currently tracked with non-terminal status",
		},
	)

	// MovesTotal tracks registry move outcomes.
	MovesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trainrouter_moves_total",
			Help: "Total number of registry moves attempted, by result",
		},
		[]string{"result"},
	)

	// MoveDuration tracks registry move latency end to end (copy base +
	// copy latest + optional delete).
	MoveDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trainrouter_move_duration_seconds",
			Help:    "Duration of a full registry move",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 0.1s to ~14min
		},
	)

	// RegistryOperations tracks individual registry HTTP calls.
	RegistryOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trainrouter_registry_operations_total",
			Help: "Total number of registry HTTP operations",
		},
		[]string{"operation", "status"},
	)

	// RegistryOperationDuration tracks individual registry HTTP call
	// latency.
	RegistryOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trainrouter_registry_operation_duration_seconds",
			Help:    "Duration of individual registry HTTP operations",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"operation"},
	)

	// RetryAttempts tracks retry attempts for failed operations against
	// any external collaborator (registry, Vault, Redis).
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trainrouter_retry_attempts_total",
			Help: "Total number of retry attempts",
		},
		[]string{"operation", "outcome"},
	)

	// BusReconnects tracks message bus reconnect attempts.
	BusReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trainrouter_bus_reconnects_total",
			Help: "Total number of message bus reconnect attempts",
		},
	)
)

// Metrics provides convenience wrappers for the package-level
// collectors above.
type Metrics struct{}

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordCommand records a processed command's type and outcome.
func (m *Metrics) RecordCommand(eventType, result string) {
	CommandsTotal.WithLabelValues(eventType, result).Inc()
}

// RecordMove records a registry move's outcome.
func (m *Metrics) RecordMove(result string) {
	MovesTotal.WithLabelValues(result).Inc()
}

// SetActiveJobs sets the gauge of currently tracked jobs.
func (m *Metrics) SetActiveJobs(count float64) {
	ActiveJobs.Set(count)
}
