package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultOperationLatencyBuckets span a single fast send up to an operation
// that exhausted its retries across several regions.
var DefaultOperationLatencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// DefaultBackoffBuckets match the retry backoff range.
var DefaultBackoffBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// RetryMetrics holds metrics for the retry loop.
type RetryMetrics struct {
	// AttemptsTotal counts sends by classified outcome.
	AttemptsTotal *prometheus.CounterVec

	// OperationsTotal counts logical operations by kind and terminal status.
	OperationsTotal *prometheus.CounterVec

	// OperationLatency tracks end-to-end operation duration by kind and status.
	OperationLatency *prometheus.HistogramVec

	// AttemptsPerOperation tracks how many sends each operation needed.
	AttemptsPerOperation prometheus.Histogram

	// BackoffSeconds tracks delays slept between attempts.
	BackoffSeconds prometheus.Histogram

	// FailoversTotal counts moves to another endpoint, by operation kind.
	FailoversTotal *prometheus.CounterVec
}

// NewRetryMetrics creates retry metrics registered with the default registry.
func NewRetryMetrics() *RetryMetrics {
	return newRetryMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewRetryMetricsWithRegistry creates retry metrics registered with reg.
func NewRetryMetricsWithRegistry(reg prometheus.Registerer) *RetryMetrics {
	return newRetryMetrics(promauto.With(reg))
}

func newRetryMetrics(f promauto.Factory) *RetryMetrics {
	return &RetryMetrics{
		AttemptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "georoute",
				Subsystem: "retry",
				Name:      "attempts_total",
				Help:      "Total number of sends, broken down by classified outcome.",
			},
			[]string{"outcome"},
		),
		OperationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "georoute",
				Subsystem: "retry",
				Name:      "operations_total",
				Help:      "Total number of logical operations, broken down by kind and status.",
			},
			[]string{"kind", "status"},
		),
		OperationLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "georoute",
				Subsystem: "retry",
				Name:      "operation_latency_seconds",
				Help:      "End-to-end operation latency in seconds including retries, broken down by kind and status.",
				Buckets:   DefaultOperationLatencyBuckets,
			},
			[]string{"kind", "status"},
		),
		AttemptsPerOperation: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "georoute",
				Subsystem: "retry",
				Name:      "attempts_per_operation",
				Help:      "Number of sends per logical operation.",
				Buckets:   prometheus.LinearBuckets(1, 1, 10),
			},
		),
		BackoffSeconds: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "georoute",
				Subsystem: "retry",
				Name:      "backoff_seconds",
				Help:      "Delay slept before a retry, in seconds.",
				Buckets:   DefaultBackoffBuckets,
			},
		),
		FailoversTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "georoute",
				Subsystem: "retry",
				Name:      "failovers_total",
				Help:      "Total number of failovers to another endpoint, broken down by operation kind.",
			},
			[]string{"kind"},
		),
	}
}

// RecordAttempt counts one send with its classified outcome.
func (m *RetryMetrics) RecordAttempt(outcome string) {
	m.AttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordOperation records a finished logical operation.
func (m *RetryMetrics) RecordOperation(kind string, durationSeconds float64, attempts int, success bool) {
	status := StatusFailure
	if success {
		status = StatusSuccess
	}
	m.OperationsTotal.WithLabelValues(kind, status).Inc()
	m.OperationLatency.WithLabelValues(kind, status).Observe(durationSeconds)
	m.AttemptsPerOperation.Observe(float64(attempts))
}

// RecordBackoff records a delay before a retry.
func (m *RetryMetrics) RecordBackoff(seconds float64) {
	m.BackoffSeconds.Observe(seconds)
}

// RecordFailover counts a move to another endpoint.
func (m *RetryMetrics) RecordFailover(kind string) {
	m.FailoversTotal.WithLabelValues(kind).Inc()
}
