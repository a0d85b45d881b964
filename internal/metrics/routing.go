package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Status label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// DefaultRefreshLatencyBuckets cover a topology fetch, which is one HTTP
// round trip to a possibly distant region.
var DefaultRefreshLatencyBuckets = []float64{
	0.005, // 5ms
	0.01,  // 10ms
	0.025, // 25ms
	0.05,  // 50ms
	0.1,   // 100ms
	0.25,  // 250ms
	0.5,   // 500ms
	1.0,   // 1s
	2.5,   // 2.5s
	5.0,   // 5s
	10.0,  // 10s
}

// RoutingMetrics holds metrics for topology refresh and endpoint health.
type RoutingMetrics struct {
	// RefreshLatency tracks topology refresh duration by status.
	RefreshLatency *prometheus.HistogramVec

	// RefreshTotal counts topology refreshes by status.
	RefreshTotal *prometheus.CounterVec

	// MarkedUnavailableTotal counts endpoints marked unavailable, by operation kind.
	MarkedUnavailableTotal *prometheus.CounterVec

	// ForcedRefreshTotal counts out-of-band refreshes queued, by reason.
	ForcedRefreshTotal *prometheus.CounterVec

	// UnavailableEndpoints is the current size of the unavailable set.
	UnavailableEndpoints prometheus.Gauge
}

// NewRoutingMetrics creates routing metrics registered with the default registry.
func NewRoutingMetrics() *RoutingMetrics {
	return newRoutingMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewRoutingMetricsWithRegistry creates routing metrics registered with reg.
// Useful for testing to avoid conflicts with the default registry.
func NewRoutingMetricsWithRegistry(reg prometheus.Registerer) *RoutingMetrics {
	return newRoutingMetrics(promauto.With(reg))
}

func newRoutingMetrics(f promauto.Factory) *RoutingMetrics {
	return &RoutingMetrics{
		RefreshLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "georoute",
				Subsystem: "routing",
				Name:      "refresh_latency_seconds",
				Help:      "Topology refresh latency in seconds, broken down by status.",
				Buckets:   DefaultRefreshLatencyBuckets,
			},
			[]string{"status"},
		),
		RefreshTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "georoute",
				Subsystem: "routing",
				Name:      "refreshes_total",
				Help:      "Total number of topology refreshes, broken down by status.",
			},
			[]string{"status"},
		),
		MarkedUnavailableTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "georoute",
				Subsystem: "routing",
				Name:      "marked_unavailable_total",
				Help:      "Total number of times an endpoint was marked unavailable, broken down by operation kind.",
			},
			[]string{"kind"},
		),
		ForcedRefreshTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "georoute",
				Subsystem: "routing",
				Name:      "forced_refreshes_total",
				Help:      "Total number of out-of-band topology refreshes requested, broken down by reason.",
			},
			[]string{"reason"},
		),
		UnavailableEndpoints: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "georoute",
				Subsystem: "routing",
				Name:      "unavailable_endpoints",
				Help:      "Number of (endpoint, kind) pairs currently marked unavailable.",
			},
		),
	}
}

// RecordRefresh records one topology refresh.
func (m *RoutingMetrics) RecordRefresh(durationSeconds float64, success bool) {
	status := StatusFailure
	if success {
		status = StatusSuccess
	}
	m.RefreshLatency.WithLabelValues(status).Observe(durationSeconds)
	m.RefreshTotal.WithLabelValues(status).Inc()
}

// RecordMarkedUnavailable counts an endpoint being marked unavailable for kind.
func (m *RoutingMetrics) RecordMarkedUnavailable(kind string) {
	m.MarkedUnavailableTotal.WithLabelValues(kind).Inc()
}

// RecordForcedRefresh counts a queued out-of-band refresh.
func (m *RoutingMetrics) RecordForcedRefresh(reason string) {
	m.ForcedRefreshTotal.WithLabelValues(reason).Inc()
}

// SetUnavailableEndpoints sets the unavailable gauge.
func (m *RoutingMetrics) SetUnavailableEndpoints(n int) {
	m.UnavailableEndpoints.Set(float64(n))
}
