package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors for the salt-api client, registered with the default registry.
var (
	// --- Transport Metrics ---

	// APIRequestsTotal counts HTTP exchanges with salt-api by path and status code.
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "saltypie",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total number of salt-api HTTP requests by path and status code",
		},
		[]string{"path", "code"},
	)

	// TransportRetries counts retries caused by the peer dropping the connection.
	TransportRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "saltypie",
			Subsystem: "api",
			Name:      "retries_total",
			Help:      "Total number of requests retried after a remote disconnect",
		},
	)

	// --- Session Metrics ---

	// LoginsTotal counts login attempts by outcome.
	LoginsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "saltypie",
			Subsystem: "session",
			Name:      "logins_total",
			Help:      "Total number of salt-api logins by outcome",
		},
		[]string{"outcome"},
	)

	// --- Job Metrics ---

	// ExecutionsTotal counts job submissions by client, mode and outcome.
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "saltypie",
			Subsystem: "jobs",
			Name:      "executions_total",
			Help:      "Total number of job executions by client, mode and outcome",
		},
		[]string{"client", "mode", "outcome"},
	)

	// ExecutionDuration tracks wall-clock time of Execute calls, polling included.
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "saltypie",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Duration of job executions in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 16), // 50ms to ~27min
		},
		[]string{"fun", "mode"},
	)

	// PollAttempts counts jobs.lookup_jid calls issued while waiting on a job.
	PollAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "saltypie",
			Subsystem: "jobs",
			Name:      "poll_attempts_total",
			Help:      "Total number of job status lookups issued while polling",
		},
	)

	// --- Output Metrics ---

	// OrchestrationLookups counts secondary lookups for failed orchestration steps.
	OrchestrationLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "saltypie",
			Subsystem: "output",
			Name:      "orchestration_lookups_total",
			Help:      "Secondary job lookups for failed orchestration state steps by outcome",
		},
		[]string{"outcome"},
	)

	// --- Scheduler Metrics ---

	// ScheduledRuns counts cron-driven job runs by outcome (success, failure, skipped).
	ScheduledRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "saltypie",
			Subsystem: "schedule",
			Name:      "runs_total",
			Help:      "Scheduled job runs by outcome",
		},
		[]string{"outcome"},
	)

	// BreakerState is the circuit breaker state guarding scheduled runs (0 closed, 1 open, 2 half-open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "saltypie",
			Subsystem: "schedule",
			Name:      "breaker_state",
			Help:      "Circuit breaker state by breaker name",
		},
		[]string{"name"},
	)
)

// RecordRequest records one completed HTTP exchange.
func RecordRequest(path string, statusCode int) {
	if path == "" {
		path = "/"
	}
	APIRequestsTotal.WithLabelValues(path, strconv.Itoa(statusCode)).Inc()
}

// RecordExecution records metrics for a finished Execute call.
func RecordExecution(fun, client, mode, outcome string, durationSeconds float64) {
	ExecutionsTotal.WithLabelValues(client, mode, outcome).Inc()
	ExecutionDuration.WithLabelValues(fun, mode).Observe(durationSeconds)
}
