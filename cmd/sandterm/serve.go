package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/sandterm/internal/config"
	"github.com/jkaninda/sandterm/internal/gateway"
	"github.com/jkaninda/sandterm/internal/gateway/httpapi"
	"github.com/jkaninda/sandterm/internal/gateway/ws"
	"github.com/jkaninda/sandterm/internal/observability"
	"github.com/jkaninda/sandterm/internal/ratelimit"
	"github.com/jkaninda/sandterm/internal/reaper"
	"github.com/jkaninda/sandterm/internal/session"
	"github.com/jkaninda/sandterm/internal/terminal"
)

const shutdownTimeout = 15 * time.Second

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the terminal broker",
	RunE:  runServe,
}

func init() {
	// `sandterm --config path` and `sandterm serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig(serveConfigPath)
	if err != nil {
		return err
	}
	if servePort != "" {
		cfg.ListenAddr = servePort
	}

	logger := newLogger(cfg)
	logger.Info("starting broker",
		slog.String("config", serveConfigPath),
		slog.String("image", cfg.Sandbox.ImageName()),
	)

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	}()
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Sandbox runtime and terminal bridge.
	docker := newDockerProvisioner(cfg, logger)
	var provisioner session.Provisioner = docker
	var attacher session.Attacher = terminal.NewBridge(
		terminal.DockerExec(docker.Binary(), cfg.Sandbox.ShellCommand()),
		cfg.Terminal.AttachGrace(),
		logger,
	)
	if obs != nil && (obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil) {
		provisioner = observability.NewInstrumentedProvisioner(provisioner, obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
		attacher = observability.NewInstrumentedAttacher(attacher, obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
	}

	manager := session.NewManager(session.Config{
		NamePrefix:  cfg.Sandbox.Prefix(),
		IdleTimeout: cfg.Session.IdleTimeout(),
		MaxSessions: cfg.Session.MaxSessions,
	}, provisioner, attacher, session.NewMetrics(obs.Registry()), logger)

	registerHealthChecks(obs, docker.Ping)

	// Orphan reaper.
	stopReaper := func() {}
	if cfg.Reaper.IsEnabled() {
		r := reaper.New(reaper.Config{
			Prefix:   cfg.Sandbox.Prefix(),
			Schedule: cfg.Reaper.CronSchedule(),
		}, docker, manager, reaper.NewMetrics(obs.Registry()), logger)
		stopReaper, err = r.Start(ctx)
		if err != nil {
			return err
		}
	}
	defer stopReaper()

	// Terminal websocket endpoint.
	var limiter *ratelimit.Limiter
	if rl := cfg.Gateway.RateLimit; rl.ConnectionsPerMinute > 0 {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			PerMinute: rl.ConnectionsPerMinute,
			BurstSize: rl.BurstSize,
		})
	}
	wsServer := ws.NewServer(manager, limiter, obs.MetricsOrNil(), ws.Config{
		OriginPatterns: cfg.Gateway.OriginPatterns,
		ReadLimit:      cfg.Gateway.ReadLimit(),
		DefaultSize:    terminal.Size{Cols: cfg.Terminal.Cols(), Rows: cfg.Terminal.Rows()},
		MaxSize:        terminal.Size{Cols: cfg.Terminal.ColsLimit(), Rows: cfg.Terminal.RowsLimit()},
	}, logger)

	var gw gateway.Gateway = httpapi.NewGateway(httpapi.Config{
		ListenAddr:      cfg.Addr(),
		EnableDocs:      cfg.Gateway.EnableDocs,
		AdminToken:      cfg.Gateway.AdminToken,
		MetricsRegistry: obs.Registry(),
		MetricsPath:     metricsPath(cfg),
		HealthChecker:   obs.HealthOrNil(),
		Metrics:         obs.MetricsOrNil(),
		Tracer:          httpTracer(obs),
	}, manager, logger).WithHandler(cfg.Gateway.WSPath(), wsServer.Handler())

	errs := make(chan error, 1)
	go func() { errs <- gw.Start(ctx) }()
	logger.Info("broker ready",
		slog.String("addr", cfg.Addr()),
		slog.String("ws_path", cfg.Gateway.WSPath()),
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Sessions first so clients get a going-away close, then the listener.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutting down sessions", slog.String("error", err.Error()))
	}
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}
	return nil
}

// registerHealthChecks wires runtime reachability and establishment failure
// rates into readiness.
func registerHealthChecks(obs *observability.Observability, ping func(context.Context) error) {
	hc := obs.HealthOrNil()
	if hc == nil {
		return
	}
	hc.AddCheck("runtime", ping)
	if anomaly := obs.AnomalyOrNil(); anomaly != nil {
		hc.AddCheck(observability.OpProvision, func(context.Context) error {
			return anomaly.Check(observability.OpProvision)
		})
		hc.AddCheck(observability.OpAttach, func(context.Context) error {
			return anomaly.Check(observability.OpAttach)
		})
	}
}

func metricsPath(cfg *config.Config) string {
	if cfg.Observability != nil && cfg.Observability.Metrics != nil {
		return cfg.Observability.Metrics.Path
	}
	return ""
}

// httpTracer returns nil unless tracing is enabled, so the HTTP middleware
// skips span creation entirely.
func httpTracer(obs *observability.Observability) trace.Tracer {
	if ts := obs.TracerOrNil(); ts != nil {
		return ts.Tracer()
	}
	return nil
}
