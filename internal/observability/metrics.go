package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds the broker-wide Prometheus metrics.
// Uses a custom registry; no global state. Session and reaper metrics are
// registered on the same registry by their own packages.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Sandbox runtime operations (provision, release, attach).
	SandboxOpsTotal   *prometheus.CounterVec
	SandboxOpDuration *prometheus.HistogramVec

	// Terminal connection admission.
	ConnectionsTotal  *prometheus.CounterVec
	ActiveConnections prometheus.Gauge

	// HTTP surface.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SandboxOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandterm",
			Subsystem: "sandbox",
			Name:      "operations_total",
			Help:      "Total sandbox runtime operations.",
		}, []string{"op", "status"}),

		SandboxOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sandterm",
			Subsystem: "sandbox",
			Name:      "operation_duration_seconds",
			Help:      "Sandbox runtime operation duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"op"}),

		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandterm",
			Subsystem: "gateway",
			Name:      "connections_total",
			Help:      "Terminal connection attempts by result.",
		}, []string{"result"}),

		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sandterm",
			Subsystem: "gateway",
			Name:      "active_connections",
			Help:      "Number of open terminal connections.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandterm",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sandterm",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sandterm",
			Name:      "active_requests",
			Help:      "Number of currently active HTTP requests.",
		}),
	}

	reg.MustRegister(
		m.SandboxOpsTotal,
		m.SandboxOpDuration,
		m.ConnectionsTotal,
		m.ActiveConnections,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// ConnectionResult counts one connection attempt. Nil-safe.
func (m *MetricsCollector) ConnectionResult(result string) {
	if m == nil {
		return
	}
	m.ConnectionsTotal.WithLabelValues(result).Inc()
}

// ConnectionOpened tracks an upgraded connection until the returned func is called.
func (m *MetricsCollector) ConnectionOpened() (closed func()) {
	if m == nil {
		return func() {}
	}
	m.ActiveConnections.Inc()
	return m.ActiveConnections.Dec
}

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
