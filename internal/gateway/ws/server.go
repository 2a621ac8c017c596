// Package ws implements the terminal connection acceptor: one websocket
// connection per session, raw terminal bytes in both directions.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/sandterm/internal/observability"
	"github.com/jkaninda/sandterm/internal/ratelimit"
	"github.com/jkaninda/sandterm/internal/session"
	"github.com/jkaninda/sandterm/internal/terminal"
)

// Connection results recorded in metrics.
const (
	resultAccepted      = "accepted"
	resultBadRequest    = "bad_request"
	resultRateLimited   = "rate_limited"
	resultUpgradeFailed = "upgrade_failed"
	resultAtCapacity    = "at_capacity"
	resultShuttingDown  = "shutting_down"
	resultError         = "error"
)

// SessionOpener starts a session bound to a transport.
type SessionOpener interface {
	Open(ctx context.Context, t session.Transport, size terminal.Size) (*session.Coordinator, error)
}

// Config configures the websocket server.
type Config struct {
	OriginPatterns []string      // Allowed Origin host patterns. Empty allows same-origin only.
	ReadLimit      int64         // Max inbound message size in bytes.
	WriteTimeout   time.Duration // Per outbound message.
	DefaultSize    terminal.Size
	MaxSize        terminal.Size
}

// Server accepts terminal connections and hands each to a new session.
type Server struct {
	sessions SessionOpener
	limiter  *ratelimit.Limiter
	metrics  *observability.MetricsCollector
	cfg      Config
	logger   *slog.Logger
}

// NewServer creates a websocket server. limiter and metrics may be nil.
func NewServer(sessions SessionOpener, limiter *ratelimit.Limiter, metrics *observability.MetricsCollector, cfg Config, logger *slog.Logger) *Server {
	if cfg.DefaultSize.Cols <= 0 {
		cfg.DefaultSize.Cols = 80
	}
	if cfg.DefaultSize.Rows <= 0 {
		cfg.DefaultSize.Rows = 24
	}
	if cfg.MaxSize.Cols <= 0 {
		cfg.MaxSize.Cols = 500
	}
	if cfg.MaxSize.Rows <= 0 {
		cfg.MaxSize.Rows = 200
	}
	return &Server{
		sessions: sessions,
		limiter:  limiter,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger,
	}
}

// Handler returns an http.Handler that upgrades connections to websocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	remote := remoteHost(r)

	size, err := s.parseSize(r.URL.Query())
	if err != nil {
		s.metrics.ConnectionResult(resultBadRequest)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		if err := s.limiter.Allow(remote); err != nil {
			s.metrics.ConnectionResult(resultRateLimited)
			s.logger.Warn("terminal connection rate limited", slog.String("remote", remote))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.metrics.ConnectionResult(resultUpgradeFailed)
		s.logger.Warn("websocket accept failed",
			slog.String("remote", remote),
			slog.String("error", err.Error()),
		)
		return
	}
	if s.cfg.ReadLimit > 0 {
		conn.SetReadLimit(s.cfg.ReadLimit)
	}

	s.handleConnection(r.Context(), conn, size, remote)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, size terminal.Size, remote string) {
	defer s.metrics.ConnectionOpened()()

	t := newTransport(conn, s.cfg.WriteTimeout)
	sess, err := s.sessions.Open(ctx, t, size)
	if err != nil {
		s.reject(conn, remote, err)
		return
	}
	s.metrics.ConnectionResult(resultAccepted)

	logger := s.logger.With(slog.String("session_id", sess.ID()), slog.String("remote", remote))
	logger.Info("terminal connected", slog.Int("cols", size.Cols), slog.Int("rows", size.Rows))

	readErr := s.readLoop(ctx, conn, sess)
	sess.TransportClosed(readErr)

	<-sess.Closed()
	if err := t.wait(); err != nil && !isClosedConn(err) {
		logger.Debug("websocket close handshake failed", slog.String("error", err.Error()))
	}
	logger.Info("terminal disconnected", slog.String("reason", string(sess.Reason())))
}

// readLoop forwards client messages, text or binary, as raw bytes until the
// connection or the session ends.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Coordinator) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return nil
			}
			return err
		}
		if err := sess.Inbound(data); err != nil {
			return nil
		}
	}
}

func (s *Server) reject(conn *websocket.Conn, remote string, err error) {
	status, result := websocket.StatusInternalError, resultError
	switch {
	case errors.Is(err, session.ErrTooManySessions):
		status, result = websocket.StatusTryAgainLater, resultAtCapacity
	case errors.Is(err, session.ErrShuttingDown):
		status, result = websocket.StatusGoingAway, resultShuttingDown
	}
	s.metrics.ConnectionResult(result)
	s.logger.Warn("terminal session rejected",
		slog.String("remote", remote),
		slog.String("error", err.Error()),
	)
	_ = conn.Close(status, truncate(err.Error(), maxCloseReasonLen))
}

// parseSize reads the cols and rows query parameters, clamped to the
// configured maximum.
func (s *Server) parseSize(q url.Values) (terminal.Size, error) {
	size := s.cfg.DefaultSize
	var err error
	if size.Cols, err = dimension(q, "cols", size.Cols, s.cfg.MaxSize.Cols); err != nil {
		return terminal.Size{}, err
	}
	if size.Rows, err = dimension(q, "rows", size.Rows, s.cfg.MaxSize.Rows); err != nil {
		return terminal.Size{}, err
	}
	return size, nil
}

func dimension(q url.Values, key string, def, limit int) (int, error) {
	raw := q.Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return min(n, limit), nil
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed) || websocket.CloseStatus(err) != -1
}
