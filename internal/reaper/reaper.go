// Package reaper removes orphaned sandboxes: containers that carry the
// broker's name prefix but belong to no live session. Orphans appear when
// the broker is killed before teardown runs; "--rm" only covers containers
// whose main process exited.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultSweepTimeout = 2 * time.Minute

// Runtime lists and removes sandboxes by name.
type Runtime interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Release(ctx context.Context, name string) error
}

// Registry reports whether a sandbox is owned by a live session.
type Registry interface {
	Owns(sandboxName string) bool
}

// Config configures a Reaper.
type Config struct {
	Prefix   string
	Schedule string        // cron spec, e.g. "@every 5m"
	Timeout  time.Duration // per sweep
}

// Reaper sweeps orphaned sandboxes on a cron schedule.
type Reaper struct {
	runtime  Runtime
	registry Registry
	config   Config
	metrics  *Metrics
	logger   *slog.Logger
}

// New creates a Reaper. registry may be nil, in which case every prefixed
// sandbox is treated as an orphan (one-shot CLI sweeps).
func New(cfg Config, rt Runtime, registry Registry, metrics *Metrics, logger *slog.Logger) *Reaper {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSweepTimeout
	}
	return &Reaper{
		runtime:  rt,
		registry: registry,
		config:   cfg,
		metrics:  metrics,
		logger:   logger,
	}
}

// Sweep removes every prefixed sandbox not owned by a live session. It keeps
// going after a failed removal and returns the joined errors.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	if r.config.Prefix == "" {
		return 0, errors.New("reaper: refusing to sweep without a name prefix")
	}

	start := time.Now()
	names, err := r.runtime.List(ctx, r.config.Prefix)
	if err != nil {
		r.metrics.observeRun("error", time.Since(start))
		return 0, fmt.Errorf("listing sandboxes: %w", err)
	}

	var (
		removed int
		errs    []error
	)
	for _, name := range names {
		if r.registry != nil && r.registry.Owns(name) {
			continue
		}
		if err := r.runtime.Release(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", name, err))
			continue
		}
		removed++
		r.logger.Info("removed orphaned sandbox", slog.String("sandbox", name))
	}

	r.metrics.removed(removed)
	status := "success"
	if len(errs) > 0 {
		status = "error"
	}
	r.metrics.observeRun(status, time.Since(start))
	return removed, errors.Join(errs...)
}

// Start sweeps once immediately, then on the configured schedule. The
// returned function stops the schedule and waits for a running sweep.
func (r *Reaper) Start(ctx context.Context) (stop func(), err error) {
	c := cron.New(
		cron.WithLogger(cronLogger{r.logger}),
		cron.WithChain(cron.Recover(cronLogger{r.logger}), cron.SkipIfStillRunning(cronLogger{r.logger})),
	)
	if _, err := c.AddFunc(r.config.Schedule, func() { r.run(ctx) }); err != nil {
		return nil, fmt.Errorf("invalid reaper schedule %q: %w", r.config.Schedule, err)
	}

	r.logger.Info("orphan reaper started",
		slog.String("prefix", r.config.Prefix),
		slog.String("schedule", r.config.Schedule),
	)

	initial := make(chan struct{})
	go func() {
		defer close(initial)
		r.run(ctx)
	}()
	c.Start()

	return func() {
		<-c.Stop().Done()
		<-initial
		r.logger.Info("orphan reaper stopped")
	}, nil
}

func (r *Reaper) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	removed, err := r.Sweep(ctx)
	if err != nil {
		r.logger.Warn("orphan sweep failed",
			slog.Int("removed", removed),
			slog.String("error", err.Error()),
		)
		return
	}
	if removed > 0 {
		r.logger.Info("orphan sweep finished", slog.Int("removed", removed))
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ logger *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
