package reaper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the orphan reaper.
type Metrics struct {
	Runs          *prometheus.CounterVec
	Removed       prometheus.Counter
	SweepDuration prometheus.Histogram
}

// NewMetrics creates and registers reaper metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandterm",
			Subsystem: "reaper",
			Name:      "runs_total",
			Help:      "Total orphan sweeps by status.",
		}, []string{"status"}),
		Removed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandterm",
			Subsystem: "reaper",
			Name:      "removed_total",
			Help:      "Total orphaned sandboxes removed.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sandterm",
			Subsystem: "reaper",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of each orphan sweep.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60},
		}),
	}

	reg.MustRegister(m.Runs, m.Removed, m.SweepDuration)
	return m
}

func (m *Metrics) observeRun(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(status).Inc()
	m.SweepDuration.Observe(d.Seconds())
}

func (m *Metrics) removed(n int) {
	if m == nil {
		return
	}
	m.Removed.Add(float64(n))
}
