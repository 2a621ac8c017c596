package session

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for terminal sessions.
type Metrics struct {
	Active         prometheus.Gauge
	Opened         *prometheus.CounterVec // labels: outcome
	Closed         *prometheus.CounterVec // labels: reason
	TeardownErrors *prometheus.CounterVec // labels: step
	Bytes          *prometheus.CounterVec // labels: direction
	Duration       prometheus.Histogram
}

// NewMetrics creates and registers session metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sandterm",
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of sessions that have not reached the closed state.",
		}),
		Opened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandterm",
			Subsystem: "session",
			Name:      "established_total",
			Help:      "Total session establishment attempts by outcome.",
		}, []string{"outcome"}),
		Closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandterm",
			Subsystem: "session",
			Name:      "closed_total",
			Help:      "Total sessions closed by reason.",
		}, []string{"reason"}),
		TeardownErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandterm",
			Subsystem: "session",
			Name:      "teardown_errors_total",
			Help:      "Total failed teardown steps by step.",
		}, []string{"step"}),
		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandterm",
			Subsystem: "session",
			Name:      "bytes_total",
			Help:      "Total bytes relayed by direction (inbound = client to shell).",
		}, []string{"direction"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sandterm",
			Subsystem: "session",
			Name:      "duration_seconds",
			Help:      "Session lifetime from ready to closed.",
			Buckets:   []float64{1, 10, 30, 60, 120, 300, 900, 1800, 3600},
		}),
	}

	reg.MustRegister(
		m.Active,
		m.Opened,
		m.Closed,
		m.TeardownErrors,
		m.Bytes,
		m.Duration,
	)

	return m
}

func (m *Metrics) established(outcome string) {
	if m == nil {
		return
	}
	m.Opened.WithLabelValues(outcome).Inc()
}

func (m *Metrics) sessionStarted() {
	if m == nil {
		return
	}
	m.Active.Inc()
}

func (m *Metrics) sessionClosed(reason CloseReason, seconds float64, wasReady bool) {
	if m == nil {
		return
	}
	m.Active.Dec()
	m.Closed.WithLabelValues(string(reason)).Inc()
	if wasReady {
		m.Duration.Observe(seconds)
	}
}

func (m *Metrics) teardownFailed(step string) {
	if m == nil {
		return
	}
	m.TeardownErrors.WithLabelValues(step).Inc()
}

func (m *Metrics) relayed(direction string, n int) {
	if m == nil {
		return
	}
	m.Bytes.WithLabelValues(direction).Add(float64(n))
}
