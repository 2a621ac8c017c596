package session

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionClosed is returned when input arrives for a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrTooManySessions is returned when the concurrent session cap is reached.
	ErrTooManySessions = errors.New("too many active sessions")

	// ErrShuttingDown is returned by Open once Shutdown has started.
	ErrShuttingDown = errors.New("session manager shutting down")
)

// StreamError reports an I/O failure in the middle of a session.
type StreamError struct {
	SessionID string
	Op        string // "write" (client → shell) or "send" (shell → client).
	Err       error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("session %s: %s: %v", e.SessionID, e.Op, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// TeardownError reports a failed best-effort cleanup step. It is logged,
// never surfaced to the client, and never retried.
type TeardownError struct {
	SessionID string
	Step      string // "kill", "release", or "transport".
	Err       error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("session %s: teardown %s: %v", e.SessionID, e.Step, e.Err)
}

func (e *TeardownError) Unwrap() error { return e.Err }
