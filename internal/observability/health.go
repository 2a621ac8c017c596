package observability

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

const healthCheckTimeout = 3 * time.Second

// HealthChecker aggregates readiness from the broker's dependencies.
type HealthChecker struct {
	mu             sync.RWMutex
	checks         []HealthCheck
	includeRuntime bool
	started        time.Time
	logger         *slog.Logger
}

// HealthCheck is a named dependency check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status  string                 `json:"status"` // "ok" or "degraded"
	Checks  map[string]CheckResult `json:"checks,omitempty"`
	Runtime *RuntimeInfo           `json:"runtime,omitempty"`
}

// CheckResult is the status of a single dependency check.
type CheckResult struct {
	Status  string `json:"status"`            // "ok" or "fail"
	Message string `json:"message,omitempty"` // Error message on failure.
}

// RuntimeInfo describes the broker process.
type RuntimeInfo struct {
	UptimeSeconds int64  `json:"uptime_seconds"`
	Goroutines    int    `json:"goroutines"`
	GoVersion     string `json:"go_version"`
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger, started: time.Now()}
}

// IncludeRuntime adds process details to liveness responses.
func (h *HealthChecker) IncludeRuntime() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.includeRuntime = true
}

// AddCheck registers a named readiness check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check})
}

// CheckHealth returns liveness status. Always "ok" while the process runs.
func (h *HealthChecker) CheckHealth() HealthStatus {
	status := HealthStatus{Status: "ok"}
	h.mu.RLock()
	include := h.includeRuntime
	h.mu.RUnlock()
	if include {
		status.Runtime = &RuntimeInfo{
			UptimeSeconds: int64(time.Since(h.started).Seconds()),
			Goroutines:    runtime.NumGoroutine(),
			GoVersion:     runtime.Version(),
		}
	}
	return status
}

// CheckReady runs all registered checks and returns aggregate readiness.
// Returns "ok" only if all checks pass; "degraded" if any fail.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	if len(checks) == 0 {
		return HealthStatus{Status: "ok"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult, len(checks)),
	}

	for _, c := range checks {
		err := c.Check(checkCtx)
		if err == nil {
			status.Checks[c.Name] = CheckResult{Status: "ok"}
			continue
		}
		status.Status = "degraded"
		status.Checks[c.Name] = CheckResult{Status: "fail", Message: err.Error()}
		if h.logger != nil {
			h.logger.Warn("readiness check failed",
				slog.String("check", c.Name),
				slog.String("error", err.Error()),
			)
		}
	}

	return status
}
