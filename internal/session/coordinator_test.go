package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/sandterm/internal/sandbox"
	"github.com/jkaninda/sandterm/internal/terminal"
)

func TestCoordinator_RelaysChunksInOrder(t *testing.T) {
	h := newHarness(t, Config{})
	c, tr, p := h.openReady(t)

	for _, chunk := range []string{"ls", " -la", "\n"} {
		if err := c.Inbound([]byte(chunk)); err != nil {
			t.Fatalf("Inbound(%q): %v", chunk, err)
		}
	}

	waitFor(t, "echoed output", func() bool { return tr.Received() == "ls -la\n" })
	if got, want := p.Writes(), []string{"ls", " -la", "\n"}; !slices.Equal(got, want) {
		t.Errorf("writes = %q, want %q", got, want)
	}
	if c.State() != StateReady {
		t.Errorf("state = %s, want ready", c.State())
	}
}

func TestCoordinator_AttachUsesRequestedSize(t *testing.T) {
	h := newHarness(t, Config{})
	tr := &fakeTransport{}
	c, err := h.manager.Open(context.Background(), tr, terminal.Size{Cols: 132, Rows: 43})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitState(t, c, StateReady)

	h.att.mu.Lock()
	got := h.att.sizes[c.SandboxName()]
	h.att.mu.Unlock()
	if got != (terminal.Size{Cols: 132, Rows: 43}) {
		t.Errorf("size = %+v", got)
	}
}

func TestCoordinator_IdleTimeoutCloses(t *testing.T) {
	h := newHarness(t, Config{IdleTimeout: 120 * time.Second})
	c, tr, p := h.openReady(t)

	h.clock.Advance(119 * time.Second)
	if c.watchdog.Expired() {
		t.Fatal("watchdog expired at t=119s")
	}

	h.clock.Advance(time.Second)
	waitClosed(t, c)

	if c.Reason() != ReasonIdleTimeout {
		t.Errorf("reason = %q, want %q", c.Reason(), ReasonIdleTimeout)
	}
	if p.Kills() != 1 {
		t.Errorf("kills = %d, want 1", p.Kills())
	}
	if n := h.prov.releases(c.SandboxName()); n != 1 {
		t.Errorf("releases = %d, want 1", n)
	}
	if tr.Closes() != 1 {
		t.Errorf("transport closes = %d, want 1", tr.Closes())
	}
	if live := h.prov.List(); len(live) != 0 {
		t.Errorf("live sandboxes after teardown: %v", live)
	}
	if h.clock.Pending() != 0 {
		t.Errorf("pending timers = %d, want 0", h.clock.Pending())
	}
}

func TestCoordinator_InputResetsIdleTimer(t *testing.T) {
	h := newHarness(t, Config{IdleTimeout: 120 * time.Second})
	c, _, p := h.openReady(t)

	h.clock.Advance(100 * time.Second)
	if err := c.Inbound([]byte("x")); err != nil {
		t.Fatalf("Inbound: %v", err)
	}
	waitFor(t, "write to shell", func() bool { return p.Written() == "x" })

	if got, want := c.LastActivity(), h.start.Add(100*time.Second); !got.Equal(want) {
		t.Errorf("last activity = %v, want %v", got, want)
	}

	h.clock.Advance(20 * time.Second) // t=120s
	if c.watchdog.Expired() {
		t.Fatal("expired at t=120s despite input at t=100s")
	}
	h.clock.Advance(99 * time.Second) // t=219s
	if c.watchdog.Expired() {
		t.Fatal("expired at t=219s")
	}
	h.clock.Advance(time.Second) // t=220s
	waitClosed(t, c)

	if c.Reason() != ReasonIdleTimeout {
		t.Errorf("reason = %q, want %q", c.Reason(), ReasonIdleTimeout)
	}
}

func TestCoordinator_ConcurrentTriggersTearDownOnce(t *testing.T) {
	h := newHarness(t, Config{})
	c, tr, p := h.openReady(t)

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); c.TransportClosed(errors.New("connection reset")) }()
	go func() { defer wg.Done(); p.exit(errors.New("read: input/output error")) }()
	go func() { defer wg.Done(); c.Shutdown() }()
	go func() { defer wg.Done(); _ = c.Inbound([]byte("late")) }()
	wg.Wait()

	waitClosed(t, c)

	if p.Kills() != 1 {
		t.Errorf("kills = %d, want 1", p.Kills())
	}
	if n := h.prov.releases(c.SandboxName()); n != 1 {
		t.Errorf("releases = %d, want 1", n)
	}
	if tr.Closes() != 1 {
		t.Errorf("transport closes = %d, want 1", tr.Closes())
	}

	switch c.Reason() {
	case ReasonConnectionClosed, ReasonProcessExited, ReasonShutdown, ReasonStreamError:
	default:
		t.Errorf("unexpected reason %q", c.Reason())
	}

	// Triggers after CLOSED are no-ops.
	c.TransportClosed(nil)
	c.Shutdown()
	if err := c.Inbound([]byte("x")); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Inbound after close = %v, want ErrSessionClosed", err)
	}
	if p.Kills() != 1 || h.prov.releases(c.SandboxName()) != 1 || tr.Closes() != 1 {
		t.Error("teardown ran again after CLOSED")
	}
}

func TestCoordinator_ProvisionFailureLeavesNoFootprint(t *testing.T) {
	h := newHarness(t, Config{})
	h.prov.err = errors.New("docker: no space left on device")
	c, tr := h.open(t)

	waitClosed(t, c)

	var pe *sandbox.ProvisionError
	if !errors.As(c.Err(), &pe) {
		t.Fatalf("err = %v, want *sandbox.ProvisionError", c.Err())
	}
	if c.Reason() != ReasonProvisionFailed {
		t.Errorf("reason = %q", c.Reason())
	}
	if h.att.attachCount() != 0 {
		t.Errorf("attach called %d times after provision failure", h.att.attachCount())
	}
	if h.clock.Pending() != 0 {
		t.Errorf("watchdog armed after provision failure")
	}
	if n := h.prov.releases(c.SandboxName()); n != 1 {
		t.Errorf("releases after failed provision = %d, want 1", n)
	}
	if live := h.prov.List(); len(live) != 0 {
		t.Errorf("live sandboxes: %v", live)
	}
	if tr.Closes() != 1 {
		t.Errorf("transport closes = %d, want 1", tr.Closes())
	}
	if got := counterValue(t, h.reg, "sandterm_session_established_total", "outcome", "provision_failed"); got != 1 {
		t.Errorf("provision_failed counter = %v, want 1", got)
	}
}

func TestCoordinator_AttachFailureReleasesSandbox(t *testing.T) {
	h := newHarness(t, Config{})
	h.att.err = errors.New("exec failed")
	c, tr := h.open(t)

	waitClosed(t, c)

	var ae *terminal.AttachError
	if !errors.As(c.Err(), &ae) {
		t.Fatalf("err = %v, want *terminal.AttachError", c.Err())
	}
	if n := h.prov.releases(c.SandboxName()); n != 1 {
		t.Errorf("releases = %d, want 1", n)
	}
	if live := h.prov.List(); len(live) != 0 {
		t.Errorf("live sandboxes: %v", live)
	}
	if tr.Closes() != 1 {
		t.Errorf("transport closes = %d, want 1", tr.Closes())
	}
}

func TestCoordinator_TransportCloseCancelsProvisioning(t *testing.T) {
	h := newHarness(t, Config{})
	h.prov.block = make(chan struct{})
	c, _ := h.open(t)
	waitState(t, c, StateProvisioning)

	c.TransportClosed(nil)
	waitClosed(t, c)

	if !errors.Is(c.Err(), context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", c.Err())
	}
	if c.Reason() != ReasonConnectionClosed {
		t.Errorf("reason = %q, want %q", c.Reason(), ReasonConnectionClosed)
	}
	if h.att.attachCount() != 0 {
		t.Error("attached after the connection closed")
	}
	if got := counterValue(t, h.reg, "sandterm_session_established_total", "outcome", "provision_failed"); got != 0 {
		t.Errorf("provision_failed counter = %v, want 0 for a departed client", got)
	}
	if got := counterValue(t, h.reg, "sandterm_session_established_total", "outcome", "connection_closed"); got != 1 {
		t.Errorf("connection_closed counter = %v, want 1", got)
	}
}

func TestCoordinator_ShutdownDuringProvisioning(t *testing.T) {
	h := newHarness(t, Config{})
	h.prov.block = make(chan struct{})
	c, tr := h.open(t)
	waitState(t, c, StateProvisioning)

	c.Shutdown()
	waitClosed(t, c)

	if c.Reason() != ReasonShutdown {
		t.Errorf("reason = %q, want %q", c.Reason(), ReasonShutdown)
	}
	if tr.Closes() != 1 {
		t.Errorf("transport closes = %d, want 1", tr.Closes())
	}
}

func TestCoordinator_InputDuringProvisioningIsHeld(t *testing.T) {
	h := newHarness(t, Config{})
	h.prov.block = make(chan struct{})
	c, _ := h.open(t)
	waitState(t, c, StateProvisioning)

	// More chunks than the event queue holds; none of these may block.
	var want strings.Builder
	for i := range 3 * eventQueueSize {
		chunk := fmt.Sprintf("%d;", i)
		want.WriteString(chunk)
		if err := c.Inbound([]byte(chunk)); err != nil {
			t.Fatalf("Inbound: %v", err)
		}
	}

	close(h.prov.block)
	waitState(t, c, StateReady)
	p := h.att.proc(c.SandboxName())
	waitFor(t, "held input written", func() bool { return p.Written() == want.String() })

	if err := c.Inbound([]byte("after")); err != nil {
		t.Fatalf("Inbound: %v", err)
	}
	waitFor(t, "later input written", func() bool { return p.Written() == want.String()+"after" })
}

func TestCoordinator_InputDuringProvisioningIsCapped(t *testing.T) {
	h := newHarness(t, Config{})
	h.prov.block = make(chan struct{})
	c, _ := h.open(t)
	waitState(t, c, StateProvisioning)

	chunk := bytes.Repeat([]byte("a"), 1024)
	for range maxPendingInput/len(chunk) + 8 {
		if err := c.Inbound(chunk); err != nil {
			t.Fatalf("Inbound: %v", err)
		}
	}

	close(h.prov.block)
	waitState(t, c, StateReady)
	p := h.att.proc(c.SandboxName())
	waitFor(t, "held input written", func() bool { return len(p.Written()) == maxPendingInput })
}

func TestCoordinator_InputAfterFailedProvisionIsRejected(t *testing.T) {
	h := newHarness(t, Config{})
	h.prov.err = errors.New("image not found")
	c, _ := h.open(t)
	waitClosed(t, c)

	if err := c.Inbound([]byte("ls\n")); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Inbound after close = %v, want ErrSessionClosed", err)
	}
}

func TestCoordinator_SendFailureTearsDown(t *testing.T) {
	h := newHarness(t, Config{})
	c, tr, p := h.openReady(t)

	tr.mu.Lock()
	tr.sendErr = errors.New("broken pipe")
	tr.mu.Unlock()
	p.emit("$ ")

	waitClosed(t, c)

	var se *StreamError
	if !errors.As(c.Err(), &se) || se.Op != "send" {
		t.Fatalf("err = %v, want send StreamError", c.Err())
	}
	if c.Reason() != ReasonStreamError {
		t.Errorf("reason = %q", c.Reason())
	}
	if p.Kills() != 1 || h.prov.releases(c.SandboxName()) != 1 {
		t.Error("resources not released after send failure")
	}
}

func TestCoordinator_WriteFailureTearsDown(t *testing.T) {
	h := newHarness(t, Config{})
	h.att.writeErr = errors.New("pty closed")
	c, _, _ := h.openReady(t)

	if err := c.Inbound([]byte("ls\n")); err != nil {
		t.Fatalf("Inbound: %v", err)
	}
	waitClosed(t, c)

	var se *StreamError
	if !errors.As(c.Err(), &se) || se.Op != "write" {
		t.Fatalf("err = %v, want write StreamError", c.Err())
	}
}

func TestCoordinator_ProcessExitTearsDown(t *testing.T) {
	h := newHarness(t, Config{})
	c, tr, p := h.openReady(t)

	p.emit("logout\n")
	p.exit(nil)
	waitClosed(t, c)

	if c.Reason() != ReasonProcessExited {
		t.Errorf("reason = %q, want %q", c.Reason(), ReasonProcessExited)
	}
	if tr.Received() != "logout\n" {
		t.Errorf("received = %q, output before exit was lost", tr.Received())
	}
	if h.prov.releases(c.SandboxName()) != 1 {
		t.Error("sandbox not released after shell exit")
	}
}

func TestCoordinator_TeardownErrorsAreSwallowed(t *testing.T) {
	h := newHarness(t, Config{})
	h.prov.releaseErr = errors.New("daemon unreachable")
	c, tr, p := h.openReady(t)
	tr.closeErr = errors.New("already closed")

	c.TransportClosed(nil)
	waitClosed(t, c)

	if c.State() != StateClosed {
		t.Fatalf("state = %s", c.State())
	}
	if p.Kills() != 1 {
		t.Errorf("kill skipped")
	}
	if got := counterValue(t, h.reg, "sandterm_session_teardown_errors_total", "step", "release"); got != 1 {
		t.Errorf("release errors = %v, want 1", got)
	}
	if got := counterValue(t, h.reg, "sandterm_session_teardown_errors_total", "step", "transport"); got != 1 {
		t.Errorf("transport errors = %v, want 1", got)
	}
}

func TestCoordinator_ContextCancelTearsDown(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	c, err := h.manager.Open(ctx, &fakeTransport{}, terminal.Size{Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitState(t, c, StateReady)

	cancel()
	waitClosed(t, c)
	if c.Reason() != ReasonCanceled {
		t.Errorf("reason = %q, want %q", c.Reason(), ReasonCanceled)
	}
}
