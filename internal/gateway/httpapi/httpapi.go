// Package httpapi serves the broker's plain HTTP surface: liveness and
// readiness probes, Prometheus metrics, a read-only session listing under
// /v1, and the terminal websocket endpoint mounted alongside them.
package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sandterm/internal/observability"
	"github.com/jkaninda/sandterm/internal/session"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP gateway.
type Config struct {
	ListenAddr string // e.g., ":8080"
	EnableDocs bool
	AdminToken string // Bearer token required on /v1. Empty disables authentication.

	// Observability
	MetricsRegistry *prometheus.Registry            // Registry served on MetricsPath. nil = no metrics endpoint.
	MetricsPath     string                          // Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Backs /readyz.
	Metrics         *observability.MetricsCollector // HTTP request metrics.
	Tracer          trace.Tracer                    // HTTP request spans.
}

// Sessions is the read-only view of the session registry.
type Sessions interface {
	Snapshot() []session.Info
	Lookup(id string) (session.Info, bool)
}

// Gateway is the HTTP server fronting the broker.
type Gateway struct {
	config   Config
	sessions Sessions
	logger   *slog.Logger

	// Extra handlers mounted on the mux (the terminal websocket endpoint).
	extraRoutes []extraRoute

	okapi *okapi.Okapi

	mu     sync.Mutex
	server *http.Server
}

type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP gateway.
func NewGateway(cfg Config, sessions Sessions, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:   cfg,
		sessions: sessions,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithHandler mounts an additional GET handler at pattern.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// WithOpenAPIDocs enables the generated API documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "sandterm",
			Version: "v1",
		},
	)
	return g
}

// Start registers routes and serves until Stop is called.
func (g *Gateway) Start(ctx context.Context) error {
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	v1 := g.okapi.Group("/v1", g.authenticate)
	v1.Get("/sessions", g.handleListSessions,
		okapi.DocSummary("List live terminal sessions"),
		okapi.DocTags("Sessions"),
		okapi.DocResponse(SessionList{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	v1.Get("/sessions/{id}", g.handleGetSession,
		okapi.DocSummary("Get a live terminal session"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID"),
		okapi.DocResponse(session.Info{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)

	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Probes and metrics are unauthenticated.
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	// No WriteTimeout: terminal connections are long-lived hijacked streams.
	// Request contexts outlive ctx; sessions are ended by the session
	// manager during shutdown, not by signal cancellation.
	base := context.WithoutCancel(ctx)
	server := &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return base },
	}
	g.mu.Lock()
	g.server = server
	g.mu.Unlock()

	g.logger.Info("http gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(server)
}

// Stop gracefully shuts down the HTTP server. Hijacked websocket
// connections are not tracked by the server; close sessions first.
func (g *Gateway) Stop(_ context.Context) error {
	g.mu.Lock()
	server := g.server
	g.mu.Unlock()
	if server == nil {
		return nil
	}
	g.logger.Info("http gateway stopping")
	return g.okapi.Shutdown(server)
}

// --- Handlers ---

// SessionList is the JSON response for GET /v1/sessions.
type SessionList struct {
	Count    int            `json:"count"`
	Sessions []session.Info `json:"sessions"`
}

func (g *Gateway) handleListSessions(c *okapi.Context) error {
	infos := g.sessions.Snapshot()
	return c.OK(SessionList{Count: len(infos), Sessions: infos})
}

func (g *Gateway) handleGetSession(c *okapi.Context) error {
	info, ok := g.sessions.Lookup(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "session not found"})
	}
	return c.OK(info)
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness runs every registered check and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate requires the admin bearer token when one is configured.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if g.config.AdminToken == "" {
			return next(c)
		}
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(g.config.AdminToken)) != 1 {
			return c.AbortUnauthorized("invalid token")
		}
		return next(c)
	}
}
