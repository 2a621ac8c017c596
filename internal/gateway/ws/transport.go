package ws

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/sandterm/internal/session"
)

const (
	defaultWriteTimeout = 10 * time.Second
	maxCloseReasonLen   = 123
)

// transport adapts a websocket connection to session.Transport. Output is
// sent as binary messages, one per chunk.
type transport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

func newTransport(conn *websocket.Conn, writeTimeout time.Duration) *transport {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &transport{conn: conn, writeTimeout: writeTimeout, closed: make(chan struct{})}
}

// Send writes p as one binary message. A client that stops reading makes
// the write time out, which ends the session.
func (t *transport) Send(ctx context.Context, p []byte) error {
	ctx, cancel := context.WithTimeout(ctx, t.writeTimeout)
	defer cancel()
	return t.conn.Write(ctx, websocket.MessageBinary, p)
}

// Close starts the websocket close handshake without waiting for it.
func (t *transport) Close(reason string) error {
	t.closeOnce.Do(func() {
		go func() {
			defer close(t.closed)
			t.closeErr = t.conn.Close(closeStatus(reason), truncate(reason, maxCloseReasonLen))
		}()
	})
	return nil
}

// wait blocks until a started close handshake has finished.
func (t *transport) wait() error {
	<-t.closed
	return t.closeErr
}

func closeStatus(reason string) websocket.StatusCode {
	switch session.CloseReason(reason) {
	case session.ReasonShutdown:
		return websocket.StatusGoingAway
	case session.ReasonProvisionFailed, session.ReasonAttachFailed, session.ReasonStreamError:
		return websocket.StatusInternalError
	default:
		return websocket.StatusNormalClosure
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var _ session.Transport = (*transport)(nil)
