package observability

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/sandterm/internal/config"
)

const (
	defaultAnomalyWindow = 300 * time.Second
	minAnomalySamples    = 5
)

// AnomalyDetector tracks per-operation failure rates over a sliding window
// and warns when a rate crosses the configured threshold.
type AnomalyDetector struct {
	mu        sync.Mutex
	failures  map[string]*slidingWindow
	successes map[string]*slidingWindow
	threshold float64
	window    time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

type slidingWindow struct {
	entries []time.Time
	window  time.Duration
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	window := defaultAnomalyWindow
	if cfg.WindowSeconds > 0 {
		window = time.Duration(cfg.WindowSeconds) * time.Second
	}
	return &AnomalyDetector{
		failures:  make(map[string]*slidingWindow),
		successes: make(map[string]*slidingWindow),
		threshold: cfg.ErrorRateThreshold,
		window:    window,
		now:       time.Now,
		logger:    logger,
	}
}

// RecordError records a failed operation.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.windowFor(a.failures, operation).add(a.now())
	if rate, total, ok := a.rate(operation); ok && rate > a.threshold && a.logger != nil {
		a.logger.Warn("anomaly detected: high failure rate",
			slog.String("operation", operation),
			slog.Float64("failure_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Int("samples", total),
		)
	}
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.windowFor(a.successes, operation).add(a.now())
}

// Check returns an error while the failure rate of operation is above the
// threshold. Suitable as a readiness check.
func (a *AnomalyDetector) Check(operation string) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if rate, _, ok := a.rate(operation); ok && rate > a.threshold {
		return fmt.Errorf("%s failure rate %.0f%% over the last %s", operation, rate*100, a.window)
	}
	return nil
}

// rate returns the failure rate in the window. ok is false when the
// threshold is disabled or there are too few samples. Caller holds a.mu.
func (a *AnomalyDetector) rate(operation string) (rate float64, total int, ok bool) {
	if a.threshold <= 0 {
		return 0, 0, false
	}
	now := a.now()
	failed := a.windowFor(a.failures, operation).count(now)
	total = failed + a.windowFor(a.successes, operation).count(now)
	if total < minAnomalySamples {
		return 0, total, false
	}
	return float64(failed) / float64(total), total, true
}

func (a *AnomalyDetector) windowFor(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[key] = w
	}
	return w
}

func (w *slidingWindow) add(now time.Time) {
	w.entries = append(w.entries, now)
	w.prune(now)
}

func (w *slidingWindow) count(now time.Time) int {
	w.prune(now)
	return len(w.entries)
}

// prune drops entries older than the window. Entries are in time order.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
