// Package terminal attaches an interactive shell to a provisioned sandbox
// through a host pseudo-terminal and exposes it as an ordered byte stream.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/jkaninda/sandterm/internal/sandbox"
)

const (
	readBufferSize     = 4096
	outputQueueSize    = 64
	defaultAttachGrace = 250 * time.Millisecond
)

// ErrProcessClosed is returned by Write after the process was killed.
var ErrProcessClosed = errors.New("terminal process closed")

// Size is a terminal geometry.
type Size struct {
	Cols int
	Rows int
}

// Process is an interactive process attached to a sandbox.
type Process interface {
	// Write delivers input to the process. Concurrent writes are serialized
	// in call order.
	Write(p []byte) (int, error)

	// Output delivers output chunks in production order. The channel is
	// closed when the output stream ends.
	Output() <-chan []byte

	// Done is closed once the process has exited and its output is drained.
	Done() <-chan struct{}

	// Err reports how the process ended. Valid after Done is closed.
	Err() error

	// Kill terminates the process. It is safe to call more than once.
	Kill() error
}

// AttachError reports that the interactive process could not be attached.
type AttachError struct {
	Name string
	Err  error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attaching to sandbox %s: %v", e.Name, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }

// CommandFunc builds the host command that runs a shell inside the sandbox.
type CommandFunc func(h *sandbox.Handle) *exec.Cmd

// DockerExec returns a CommandFunc that runs shell via "<bin> exec -it".
func DockerExec(bin, shell string) CommandFunc {
	return func(h *sandbox.Handle) *exec.Cmd {
		return exec.Command(bin, "exec", "-it",
			"--env", "TERM=xterm-256color",
			h.Name, shell,
		)
	}
}

// Bridge spawns interactive processes on host pseudo-terminals.
type Bridge struct {
	command CommandFunc
	grace   time.Duration
	logger  *slog.Logger
}

// NewBridge creates a Bridge. grace is how long a freshly started process
// must stay alive before Attach reports success; zero uses the default.
func NewBridge(command CommandFunc, grace time.Duration, logger *slog.Logger) *Bridge {
	if grace <= 0 {
		grace = defaultAttachGrace
	}
	return &Bridge{command: command, grace: grace, logger: logger}
}

// Attach starts the interactive process for h with the given geometry.
func (b *Bridge) Attach(ctx context.Context, h *sandbox.Handle, size Size) (Process, error) {
	cmd := b.command(h)

	ptmx, err := pty.StartWithSize(cmd, winsize(size))
	if err != nil {
		return nil, &AttachError{Name: h.Name, Err: err}
	}

	p := newPTYProcess(cmd, ptmx)

	b.logger.Debug("terminal process started",
		slog.String("sandbox", h.Name),
		slog.Int("pid", cmd.Process.Pid),
		slog.Int("cols", size.Cols),
		slog.Int("rows", size.Rows),
	)

	// A process that dies right away never attached (e.g. the sandbox is gone).
	timer := time.NewTimer(b.grace)
	defer timer.Stop()
	select {
	case <-p.exited:
		_ = p.Kill()
		err := p.waitErr
		if err == nil {
			err = errors.New("process exited during attach")
		}
		return nil, &AttachError{Name: h.Name, Err: err}
	case <-ctx.Done():
		_ = p.Kill()
		return nil, &AttachError{Name: h.Name, Err: ctx.Err()}
	case <-timer.C:
	}

	return p, nil
}

// ptyProcess is a Process backed by a pseudo-terminal master.
type ptyProcess struct {
	cmd  *exec.Cmd
	ptmx *os.File

	writeMu sync.Mutex

	out     chan []byte
	closing chan struct{}
	exited  chan struct{}
	done    chan struct{}

	waitErr  error // set before exited is closed
	readErr  error // set before out is closed
	killOnce sync.Once
	killErr  error
}

func newPTYProcess(cmd *exec.Cmd, ptmx *os.File) *ptyProcess {
	p := &ptyProcess{
		cmd:     cmd,
		ptmx:    ptmx,
		out:     make(chan []byte, outputQueueSize),
		closing: make(chan struct{}),
		exited:  make(chan struct{}),
		done:    make(chan struct{}),
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		p.readLoop()
	}()
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	go func() {
		<-p.exited
		<-readDone
		_ = p.ptmx.Close()
		close(p.done)
	}()
	return p
}

// readLoop is the single reader of the pty, so chunks keep production order.
func (p *ptyProcess) readLoop() {
	defer close(p.out)
	buf := make([]byte, readBufferSize)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case p.out <- data:
			case <-p.closing:
				return
			}
		}
		if err != nil {
			// EIO is how Linux reports that the slave side closed.
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) && !errors.Is(err, os.ErrClosed) {
				p.readErr = err
			}
			return
		}
	}
}

func (p *ptyProcess) Write(b []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	select {
	case <-p.closing:
		return 0, ErrProcessClosed
	default:
	}
	return p.ptmx.Write(b)
}

func (p *ptyProcess) Output() <-chan []byte { return p.out }

func (p *ptyProcess) Done() <-chan struct{} { return p.done }

func (p *ptyProcess) Err() error {
	select {
	case <-p.done:
	default:
		return nil
	}
	if p.readErr != nil {
		return p.readErr
	}
	return p.waitErr
}

func (p *ptyProcess) Kill() error {
	p.killOnce.Do(func() {
		close(p.closing)
		if p.cmd.Process != nil {
			if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				p.killErr = err
			}
		}
		_ = p.ptmx.Close()
	})
	return p.killErr
}

// winsize converts size to pty geometry, clamped to what the kernel accepts.
func winsize(size Size) *pty.Winsize {
	return &pty.Winsize{
		Cols: uint16(min(max(size.Cols, 1), math.MaxUint16)),
		Rows: uint16(min(max(size.Rows, 1), math.MaxUint16)),
	}
}
