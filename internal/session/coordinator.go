package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jkaninda/sandterm/internal/clock"
	"github.com/jkaninda/sandterm/internal/sandbox"
	"github.com/jkaninda/sandterm/internal/terminal"
)

const (
	eventQueueSize        = 32
	defaultReleaseTimeout = 30 * time.Second

	// maxPendingInput caps client bytes held while the sandbox is provisioned.
	maxPendingInput = 64 << 10
)

// Provisioner allocates and releases sandboxes by name.
type Provisioner interface {
	Provision(ctx context.Context, name string) (*sandbox.Handle, error)
	Release(ctx context.Context, name string) error
}

// Attacher starts the interactive process inside a provisioned sandbox.
type Attacher interface {
	Attach(ctx context.Context, h *sandbox.Handle, size terminal.Size) (terminal.Process, error)
}

// Transport is the client connection as seen by a session. The session
// observes it but does not own it: Close only asks the transport layer to
// finish the connection.
type Transport interface {
	Send(ctx context.Context, p []byte) error
	Close(reason string) error
}

type eventKind int

const (
	eventInbound eventKind = iota
	eventOutput
	eventProcessExit
	eventTransportClosed
	eventIdle
	eventShutdown
)

type event struct {
	kind eventKind
	data []byte
	err  error
}

// Coordinator owns one session: its sandbox, its interactive process and its
// idle watchdog. Every state change happens on the goroutine running Run;
// other goroutines only post events.
type Coordinator struct {
	id             string
	name           string
	size           terminal.Size
	idleTimeout    time.Duration
	releaseTimeout time.Duration

	provisioner Provisioner
	attacher    Attacher
	transport   Transport
	watchdog    *Watchdog
	clock       clock.Clock
	logger      *slog.Logger
	metrics     *Metrics

	events    chan event
	abort     chan struct{}
	abortOnce sync.Once
	closed    chan struct{}
	cleaned   chan struct{}

	state        atomic.Int32
	createdAt    time.Time
	lastActivity atomic.Int64

	mu          sync.Mutex
	reason      CloseReason
	err         error
	abortReason CloseReason
	pending     []byte // input received before READY
	dropped     int

	// Owned by the Run goroutine.
	sb      *sandbox.Handle
	proc    terminal.Process
	readyAt time.Time
}

// ID returns the session id.
func (c *Coordinator) ID() string { return c.id }

// SandboxName returns the name the session's sandbox is (or will be) created under.
func (c *Coordinator) SandboxName() string { return c.name }

// State returns the current lifecycle state.
func (c *Coordinator) State() State { return State(c.state.Load()) }

// CreatedAt returns when the session was accepted.
func (c *Coordinator) CreatedAt() time.Time { return c.createdAt }

// LastActivity returns the time of the most recent inbound traffic.
func (c *Coordinator) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Info returns a point-in-time view of the session.
func (c *Coordinator) Info() Info {
	return Info{
		ID:           c.id,
		Sandbox:      c.name,
		State:        c.State().String(),
		CreatedAt:    c.createdAt,
		LastActivity: c.LastActivity(),
	}
}

// Closed is closed once the session reaches StateClosed.
func (c *Coordinator) Closed() <-chan struct{} { return c.closed }

// Cleaned is closed once the background kill and release steps have finished.
func (c *Coordinator) Cleaned() <-chan struct{} { return c.cleaned }

// Reason reports why the session closed. Empty until then.
func (c *Coordinator) Reason() CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Err returns the error that ended the session, if any: a
// *sandbox.ProvisionError or *terminal.AttachError when establishment
// failed, a *StreamError on relay failure.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Inbound queues client bytes for the shell. p is copied. It never blocks
// before the session is ready: input is held until the shell is attached,
// up to maxPendingInput bytes, and the excess is discarded.
func (c *Coordinator) Inbound(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	c.mu.Lock()
	if c.State() < StateReady {
		if len(c.pending)+len(p) > maxPendingInput {
			c.dropped += len(p)
		} else {
			c.pending = append(c.pending, p...)
		}
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	data := make([]byte, len(p))
	copy(data, p)
	if !c.post(event{kind: eventInbound, data: data}) {
		return ErrSessionClosed
	}
	return nil
}

// TransportClosed reports that the client connection is gone. It cancels an
// in-flight provisioning and is a no-op once the session is closed.
func (c *Coordinator) TransportClosed(err error) {
	c.cancelEstablish(ReasonConnectionClosed)
	c.post(event{kind: eventTransportClosed, err: err})
}

// Shutdown asks the session to tear down because the broker is stopping.
func (c *Coordinator) Shutdown() {
	c.cancelEstablish(ReasonShutdown)
	c.post(event{kind: eventShutdown})
}

// cancelEstablish aborts provisioning and attach. The first trigger wins.
func (c *Coordinator) cancelEstablish(reason CloseReason) {
	c.abortOnce.Do(func() {
		c.mu.Lock()
		c.abortReason = reason
		c.mu.Unlock()
		close(c.abort)
	})
}

// establishFailure attributes an establishment error to the trigger that
// canceled it, falling back to def.
func (c *Coordinator) establishFailure(ctx context.Context, def CloseReason) CloseReason {
	if c.aborted() {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.abortReason
	}
	if ctx.Err() != nil {
		return ReasonCanceled
	}
	return def
}

// Run provisions the sandbox, attaches the shell and relays bytes until a
// close trigger arrives. It returns a non-nil error only when the session
// could not be established.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateInit), int32(StateProvisioning)) {
		return errors.New("session already started")
	}
	c.metrics.sessionStarted()
	c.logger.Info("provisioning session")

	estCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-c.abort:
			cancel()
		case <-estCtx.Done():
		}
	}()
	h, err := c.provisioner.Provision(estCtx, c.name)
	if err != nil {
		cancel()
		var pe *sandbox.ProvisionError
		if !errors.As(err, &pe) {
			err = &sandbox.ProvisionError{Name: c.name, Err: err}
		}
		c.fail(c.establishFailure(ctx, ReasonProvisionFailed), err)
		return err
	}
	c.sb = h

	proc, err := c.attacher.Attach(estCtx, h, c.size)
	cancel()
	if err != nil {
		var ae *terminal.AttachError
		if !errors.As(err, &ae) {
			err = &terminal.AttachError{Name: c.name, Err: err}
		}
		c.fail(c.establishFailure(ctx, ReasonAttachFailed), err)
		return err
	}
	c.proc = proc

	c.readyAt = c.clock.Now()
	c.lastActivity.Store(c.readyAt.UnixNano())
	c.watchdog.Arm(c.idleTimeout, func() { c.post(event{kind: eventIdle}) })

	c.mu.Lock()
	pending, dropped := c.pending, c.dropped
	c.pending = nil
	c.setState(StateReady)
	c.mu.Unlock()

	c.metrics.established("ready")
	c.logger.Info("session ready",
		slog.Int("cols", c.size.Cols),
		slog.Int("rows", c.size.Rows),
		slog.Duration("idle_timeout", c.idleTimeout),
	)
	if dropped > 0 {
		c.logger.Warn("input received during provisioning discarded", slog.Int("bytes", dropped))
	}

	go c.pump(proc)
	if len(pending) > 0 && !c.aborted() {
		c.dispatch(ctx, event{kind: eventInbound, data: pending})
	}
	c.loop(ctx)
	return nil
}

func (c *Coordinator) aborted() bool {
	select {
	case <-c.abort:
		return true
	default:
		return false
	}
}

func (c *Coordinator) loop(ctx context.Context) {
	for c.State() == StateReady {
		select {
		case ev := <-c.events:
			c.dispatch(ctx, ev)
		case <-ctx.Done():
			c.teardown(ReasonCanceled, ctx.Err())
		}
	}
}

func (c *Coordinator) dispatch(ctx context.Context, ev event) {
	switch ev.kind {
	case eventInbound:
		// A spent watchdog has already queued the idle event.
		if !c.watchdog.Bump() {
			return
		}
		c.lastActivity.Store(c.clock.Now().UnixNano())
		if _, err := c.proc.Write(ev.data); err != nil {
			c.teardown(ReasonStreamError, &StreamError{SessionID: c.id, Op: "write", Err: err})
			return
		}
		c.metrics.relayed("inbound", len(ev.data))
	case eventOutput:
		if err := c.transport.Send(ctx, ev.data); err != nil {
			c.teardown(ReasonStreamError, &StreamError{SessionID: c.id, Op: "send", Err: err})
			return
		}
		c.metrics.relayed("outbound", len(ev.data))
	case eventProcessExit:
		c.teardown(ReasonProcessExited, ev.err)
	case eventTransportClosed:
		c.teardown(ReasonConnectionClosed, ev.err)
	case eventIdle:
		c.teardown(ReasonIdleTimeout, nil)
	case eventShutdown:
		c.teardown(ReasonShutdown, nil)
	}
}

// pump forwards process output into the event loop, then reports the exit.
func (c *Coordinator) pump(proc terminal.Process) {
	for chunk := range proc.Output() {
		if !c.post(event{kind: eventOutput, data: chunk}) {
			return
		}
	}
	<-proc.Done()
	c.post(event{kind: eventProcessExit, err: proc.Err()})
}

// teardown is the only path from READY to CLOSED.
func (c *Coordinator) teardown(reason CloseReason, cause error) {
	if c.State() != StateReady {
		return
	}
	c.setState(StateTerminating)
	c.setResult(reason, cause)

	attrs := []any{slog.String("reason", string(reason))}
	if cause != nil {
		attrs = append(attrs, slog.String("error", cause.Error()))
	}
	c.logger.Info("session terminating", attrs...)

	c.watchdog.Disarm()

	proc, name := c.proc, c.sb.Name
	go func() {
		defer close(c.cleaned)
		if err := proc.Kill(); err != nil {
			c.teardownFailed("kill", err)
		}
		c.release(name)
	}()

	c.closeTransport(reason)
	c.finish(reason, true)
}

// fail moves a session that never became ready straight to CLOSED.
func (c *Coordinator) fail(reason CloseReason, err error) {
	c.setResult(reason, err)
	c.metrics.established(string(reason))
	log := c.logger.Warn
	if reason != ReasonProvisionFailed && reason != ReasonAttachFailed {
		log = c.logger.Info
	}
	log("session establishment failed",
		slog.String("reason", string(reason)),
		slog.String("error", err.Error()),
	)

	// Provision may have partially succeeded before failing.
	name := c.name
	go func() {
		defer close(c.cleaned)
		c.release(name)
	}()

	c.closeTransport(reason)
	c.finish(reason, false)
}

func (c *Coordinator) release(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.releaseTimeout)
	defer cancel()
	if err := c.provisioner.Release(ctx, name); err != nil {
		c.teardownFailed("release", err)
	}
}

func (c *Coordinator) closeTransport(reason CloseReason) {
	if err := c.transport.Close(string(reason)); err != nil {
		c.teardownFailed("transport", err)
	}
}

func (c *Coordinator) teardownFailed(step string, err error) {
	c.metrics.teardownFailed(step)
	terr := &TeardownError{SessionID: c.id, Step: step, Err: err}
	c.logger.Warn("teardown step failed", slog.String("step", step), slog.String("error", terr.Error()))
}

func (c *Coordinator) finish(reason CloseReason, wasReady bool) {
	var lifetime float64
	if wasReady {
		lifetime = c.clock.Now().Sub(c.readyAt).Seconds()
	}
	c.setState(StateClosed)
	close(c.closed)
	c.metrics.sessionClosed(reason, lifetime, wasReady)
	c.logger.Info("session closed", slog.String("reason", string(reason)))
}

func (c *Coordinator) post(ev event) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	case <-c.closed:
		return false
	}
}

func (c *Coordinator) setState(s State) { c.state.Store(int32(s)) }

func (c *Coordinator) setResult(reason CloseReason, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reason = reason
	c.err = err
}
