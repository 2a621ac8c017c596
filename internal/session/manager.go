// Package session runs terminal sessions: one coordinator per client
// connection, each owning a sandbox, an interactive process and an idle
// watchdog, with guaranteed single teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sandterm/internal/clock"
	"github.com/jkaninda/sandterm/internal/terminal"
)

const (
	// DefaultNamePrefix prefixes every sandbox name the broker creates.
	DefaultNamePrefix = "sandterm-"

	maxIDAttempts = 8
)

// Config configures a Manager.
type Config struct {
	NamePrefix     string
	IdleTimeout    time.Duration
	MaxSessions    int // 0 means unlimited
	ReleaseTimeout time.Duration
	Clock          clock.Clock
}

// Info is a point-in-time view of a live session.
type Info struct {
	ID           string    `json:"id"`
	Sandbox      string    `json:"sandbox"`
	State        string    `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Manager allocates session ids and tracks live sessions.
type Manager struct {
	config      Config
	provisioner Provisioner
	attacher    Attacher
	metrics     *Metrics
	logger      *slog.Logger
	newID       func() string

	mu       sync.Mutex
	sessions map[string]*Coordinator
	closing  bool
	wg       sync.WaitGroup
}

// NewManager creates a session manager.
func NewManager(cfg Config, provisioner Provisioner, attacher Attacher, metrics *Metrics, logger *slog.Logger) *Manager {
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = DefaultNamePrefix
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = defaultReleaseTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Manager{
		config:      cfg,
		provisioner: provisioner,
		attacher:    attacher,
		metrics:     metrics,
		logger:      logger,
		newID:       uuid.NewString,
		sessions:    make(map[string]*Coordinator),
	}
}

// Open registers a new session bound to t and starts it. The session runs
// until a close trigger arrives or ctx is canceled.
func (m *Manager) Open(ctx context.Context, t Transport, size terminal.Size) (*Coordinator, error) {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if m.config.MaxSessions > 0 && len(m.sessions) >= m.config.MaxSessions {
		m.mu.Unlock()
		return nil, ErrTooManySessions
	}
	id, err := m.allocateID()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	c := m.newCoordinator(id, t, size)
	m.sessions[id] = c
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		_ = c.Run(ctx)
		<-c.Cleaned()
		m.remove(id)
	}()
	return c, nil
}

// allocateID must be called with m.mu held.
func (m *Manager) allocateID() (string, error) {
	for range maxIDAttempts {
		id := m.newID()
		if _, taken := m.sessions[id]; !taken && id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("allocating session id: %d collisions", maxIDAttempts)
}

func (m *Manager) newCoordinator(id string, t Transport, size terminal.Size) *Coordinator {
	name := m.config.NamePrefix + id
	c := &Coordinator{
		id:             id,
		name:           name,
		size:           size,
		idleTimeout:    m.config.IdleTimeout,
		releaseTimeout: m.config.ReleaseTimeout,
		provisioner:    m.provisioner,
		attacher:       m.attacher,
		transport:      t,
		watchdog:       NewWatchdog(m.config.Clock),
		clock:          m.config.Clock,
		logger:         m.logger.With(slog.String("session_id", id), slog.String("sandbox", name)),
		metrics:        m.metrics,
		events:         make(chan event, eventQueueSize),
		abort:          make(chan struct{}),
		closed:         make(chan struct{}),
		cleaned:        make(chan struct{}),
		createdAt:      m.config.Clock.Now(),
	}
	c.lastActivity.Store(c.createdAt.UnixNano())
	return c
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Get returns the live session with the given id.
func (m *Manager) Get(id string) (*Coordinator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sessions[id]
	return c, ok
}

// Lookup returns a view of the live session with the given id.
func (m *Manager) Lookup(id string) (Info, bool) {
	c, ok := m.Get(id)
	if !ok {
		return Info{}, false
	}
	return c.Info(), true
}

// Len returns the number of registered sessions, including those still
// cleaning up.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Owns reports whether a sandbox name belongs to a registered session.
func (m *Manager) Owns(sandboxName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.sessions {
		if c.name == sandboxName {
			return true
		}
	}
	return false
}

// Prefix returns the sandbox name prefix.
func (m *Manager) Prefix() string { return m.config.NamePrefix }

// Snapshot lists registered sessions, oldest first.
func (m *Manager) Snapshot() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.sessions))
	for _, c := range m.sessions {
		out = append(out, c.Info())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Shutdown stops accepting sessions, tears down every live session and waits
// for their cleanup or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	live := make([]*Coordinator, 0, len(m.sessions))
	for _, c := range m.sessions {
		live = append(live, c)
	}
	m.mu.Unlock()

	if len(live) > 0 {
		m.logger.Info("shutting down sessions", slog.Int("count", len(live)))
	}
	for _, c := range live {
		c.Shutdown()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("sessions still cleaning up"), ctx.Err())
	}
}
