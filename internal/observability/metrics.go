package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for the town sandbox
// service. Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Workspace operation metrics.
	WorkspaceOpsTotal   *prometheus.CounterVec
	WorkspaceOpDuration *prometheus.HistogramVec

	// Policy metrics.
	PolicyRejectionsTotal *prometheus.CounterVec

	// Session sandbox metrics.
	ActiveSessions        prometheus.Gauge
	SessionEvictionsTotal prometheus.Counter

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics
// registered on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		WorkspaceOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elizatown",
			Subsystem: "workspace",
			Name:      "operations_total",
			Help:      "Total workspace operations.",
		}, []string{"operation", "mode", "status"}),

		WorkspaceOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "elizatown",
			Subsystem: "workspace",
			Name:      "operation_duration_seconds",
			Help:      "Workspace operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"operation", "mode"}),

		PolicyRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elizatown",
			Subsystem: "policy",
			Name:      "rejections_total",
			Help:      "Total path and command policy rejections.",
		}, []string{"policy"}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "elizatown",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Currently active per-session sandboxes.",
		}),

		SessionEvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "elizatown",
			Subsystem: "sessions",
			Name:      "evictions_total",
			Help:      "Total session sandboxes evicted by the idle sweep.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elizatown",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "elizatown",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "elizatown",
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "In-flight HTTP requests.",
		}),
	}

	reg.MustRegister(
		m.WorkspaceOpsTotal,
		m.WorkspaceOpDuration,
		m.PolicyRejectionsTotal,
		m.ActiveSessions,
		m.SessionEvictionsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
