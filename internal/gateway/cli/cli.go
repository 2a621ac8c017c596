// Package cli is the command-line end of the terminal websocket gateway:
// it dials a broker, relays a local terminal to the remote shell and reports
// why the session ended.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/sandterm/internal/terminal"
)

const (
	defaultDialTimeout = 30 * time.Second
	inputBufferSize    = 1024
)

// Options configures a terminal connection.
type Options struct {
	URL         string        // ws:// or wss:// endpoint, e.g. ws://localhost:8080/ws/terminal
	Size        terminal.Size // Zero fields are left to the broker default.
	Header      http.Header   // Extra handshake headers (Origin, Authorization).
	DialTimeout time.Duration // Covers the handshake only, not sandbox provisioning.
}

// Result describes how the remote session ended.
type Result struct {
	Status websocket.StatusCode // -1 when the connection dropped without a close frame.
	Reason string
}

// Clean reports whether the broker closed the session normally (client
// disconnect, idle timeout, shell exit).
func (r Result) Clean() bool {
	return r.Status == websocket.StatusNormalClosure
}

func (r Result) String() string {
	if r.Reason == "" {
		return fmt.Sprintf("connection closed (%d)", r.Status)
	}
	return fmt.Sprintf("%s (%d)", r.Reason, r.Status)
}

// Client relays a local terminal to a broker session.
type Client struct {
	logger *slog.Logger
}

// NewClient creates a Client.
func NewClient(logger *slog.Logger) *Client {
	return &Client{logger: logger}
}

// Run connects to the broker and relays in to the session and session output
// to out until the broker closes the connection or ctx is canceled. Reading
// from in continues in the background after Run returns if in blocks.
func (c *Client) Run(ctx context.Context, opts Options, in io.Reader, out io.Writer) (Result, error) {
	target, err := sessionURL(opts.URL, opts.Size)
	if err != nil {
		return Result{}, err
	}

	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{HTTPHeader: opts.Header})
	cancel()
	if err != nil {
		return Result{}, fmt.Errorf("connecting to %s: %w", opts.URL, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(-1)

	c.logger.Debug("terminal connected", slog.String("url", target))

	var inputDone atomic.Bool
	go c.pumpInput(ctx, conn, in, &inputDone)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				return Result{Status: ce.Code, Reason: ce.Reason}, nil
			}
			if ctx.Err() != nil || inputDone.Load() {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return Result{Status: websocket.StatusNormalClosure}, nil
			}
			return Result{Status: -1}, fmt.Errorf("reading from broker: %w", err)
		}
		if _, err := out.Write(data); err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return Result{Status: websocket.StatusNormalClosure}, fmt.Errorf("writing output: %w", err)
		}
	}
}

// pumpInput forwards local input as binary messages. End of input starts a
// normal close, which ends the remote session.
func (c *Client) pumpInput(ctx context.Context, conn *websocket.Conn, in io.Reader, done *atomic.Bool) {
	buf := make([]byte, inputBufferSize)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			if werr := conn.Write(ctx, websocket.MessageBinary, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Debug("reading input", slog.String("error", err.Error()))
			}
			done.Store(true)
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

// sessionURL adds the geometry query parameters the broker reads.
func sessionURL(raw string, size terminal.Size) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	q := u.Query()
	if size.Cols > 0 {
		q.Set("cols", strconv.Itoa(size.Cols))
	}
	if size.Rows > 0 {
		q.Set("rows", strconv.Itoa(size.Rows))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
