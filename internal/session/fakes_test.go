package session

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/sandterm/internal/clock"
	"github.com/jkaninda/sandterm/internal/sandbox"
	"github.com/jkaninda/sandterm/internal/terminal"
)

const waitTimeout = 3 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProvisioner tracks live sandboxes in memory.
type fakeProvisioner struct {
	mu          sync.Mutex
	live        map[string]bool
	provisioned []string
	released    map[string]int
	err         error
	releaseErr  error
	block       chan struct{} // when set, Provision waits for it or ctx
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{live: map[string]bool{}, released: map[string]int{}}
}

func (p *fakeProvisioner) Provision(ctx context.Context, name string) (*sandbox.Handle, error) {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, &sandbox.ProvisionError{Name: name, Err: ctx.Err()}
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.provisioned = append(p.provisioned, name)
	if p.err != nil {
		return nil, p.err
	}
	p.live[name] = true
	return &sandbox.Handle{Name: name, ContainerID: "c-" + name}, nil
}

func (p *fakeProvisioner) Release(_ context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released[name]++
	delete(p.live, name)
	return p.releaseErr
}

func (p *fakeProvisioner) List() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.live))
	for n := range p.live {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (p *fakeProvisioner) releases(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released[name]
}

// fakeProcess records writes and optionally echoes them back as output.
type fakeProcess struct {
	mu       sync.Mutex
	writes   []string
	written  bytes.Buffer
	echo     bool
	writeErr error
	kills    int
	exited   bool
	exitErr  error
	out      chan []byte
	done     chan struct{}
}

func newFakeProcess(echo bool, writeErr error) *fakeProcess {
	return &fakeProcess{
		echo:     echo,
		writeErr: writeErr,
		out:      make(chan []byte, 64),
		done:     make(chan struct{}),
	}
}

func (f *fakeProcess) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exited {
		return 0, terminal.ErrProcessClosed
	}
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.writes = append(f.writes, string(p))
	f.written.Write(p)
	if f.echo {
		f.out <- append([]byte(nil), p...)
	}
	return len(p), nil
}

// emit produces output as if the shell printed it.
func (f *fakeProcess) emit(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.exited {
		f.out <- []byte(s)
	}
}

// exit ends the process as if the shell terminated.
func (f *fakeProcess) exit(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exited {
		return
	}
	f.exited = true
	f.exitErr = err
	close(f.out)
	close(f.done)
}

func (f *fakeProcess) Output() <-chan []byte { return f.out }

func (f *fakeProcess) Done() <-chan struct{} { return f.done }

func (f *fakeProcess) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exitErr
}

func (f *fakeProcess) Kill() error {
	f.mu.Lock()
	f.kills++
	f.mu.Unlock()
	f.exit(nil)
	return nil
}

func (f *fakeProcess) Written() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.String()
}

func (f *fakeProcess) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func (f *fakeProcess) Kills() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kills
}

// fakeAttacher hands out fakeProcesses keyed by sandbox name.
type fakeAttacher struct {
	mu       sync.Mutex
	echo     bool
	err      error
	writeErr error
	attached int
	procs    map[string]*fakeProcess
	sizes    map[string]terminal.Size
}

func newFakeAttacher(echo bool) *fakeAttacher {
	return &fakeAttacher{echo: echo, procs: map[string]*fakeProcess{}, sizes: map[string]terminal.Size{}}
}

func (a *fakeAttacher) Attach(_ context.Context, h *sandbox.Handle, size terminal.Size) (terminal.Process, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attached++
	if a.err != nil {
		return nil, a.err
	}
	p := newFakeProcess(a.echo, a.writeErr)
	a.procs[h.Name] = p
	a.sizes[h.Name] = size
	return p, nil
}

func (a *fakeAttacher) proc(name string) *fakeProcess {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.procs[name]
}

func (a *fakeAttacher) attachCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attached
}

// fakeTransport collects everything sent to the client.
type fakeTransport struct {
	mu       sync.Mutex
	received bytes.Buffer
	sendErr  error
	closeErr error
	closes   int
	reason   string
}

func (t *fakeTransport) Send(_ context.Context, p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.received.Write(p)
	return nil
}

func (t *fakeTransport) Close(reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	t.reason = reason
	return t.closeErr
}

func (t *fakeTransport) Received() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.received.String()
}

func (t *fakeTransport) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

type harness struct {
	clock   *clock.FakeClock
	prov    *fakeProvisioner
	att     *fakeAttacher
	reg     *prometheus.Registry
	manager *Manager
	start   time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h := &harness{
		clock: clock.Fake(start),
		prov:  newFakeProvisioner(),
		att:   newFakeAttacher(true),
		reg:   prometheus.NewRegistry(),
		start: start,
	}
	cfg.Clock = h.clock
	h.manager = NewManager(cfg, h.prov, h.att, NewMetrics(h.reg), testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = h.manager.Shutdown(ctx)
	})
	return h
}

func (h *harness) open(t *testing.T) (*Coordinator, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	c, err := h.manager.Open(context.Background(), tr, terminal.Size{Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return c, tr
}

func (h *harness) openReady(t *testing.T) (*Coordinator, *fakeTransport, *fakeProcess) {
	t.Helper()
	c, tr := h.open(t)
	waitState(t, c, StateReady)
	p := h.att.proc(c.SandboxName())
	if p == nil {
		t.Fatalf("no process attached for %s", c.SandboxName())
	}
	return c, tr, p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitState(t *testing.T, c *Coordinator, want State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return c.State() == want })
}

func waitClosed(t *testing.T, c *Coordinator) {
	t.Helper()
	select {
	case <-c.Closed():
	case <-time.After(waitTimeout):
		t.Fatalf("session %s not closed (state %s)", c.ID(), c.State())
	}
	select {
	case <-c.Cleaned():
	case <-time.After(waitTimeout):
		t.Fatalf("session %s cleanup did not finish", c.ID())
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	var families []*dto.MetricFamily
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
