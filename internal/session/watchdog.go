package session

import (
	"sync"
	"time"

	"github.com/jkaninda/sandterm/internal/clock"
)

// DefaultIdleTimeout is the inactivity period after which a session is torn down.
const DefaultIdleTimeout = 120 * time.Second

// Watchdog is a single-shot idle timer owned by one session.
//
// Every (re)schedule bumps a generation counter and an expiry only fires if
// its generation is still current, so a Bump that takes the lock first always
// wins. Once an expiry has fired the watchdog is spent: later Bumps report
// false and nothing re-arms it.
type Watchdog struct {
	clock clock.Clock

	mu       sync.Mutex
	timer    *clock.Timer
	timeout  time.Duration
	onExpire func()
	gen      uint64
	armed    bool
	fired    bool
}

// NewWatchdog creates a disarmed watchdog.
func NewWatchdog(c clock.Clock) *Watchdog {
	if c == nil {
		c = clock.Real()
	}
	return &Watchdog{clock: c}
}

// Arm starts the timer. Arming an armed or spent watchdog is a no-op.
func (w *Watchdog) Arm(timeout time.Duration, onExpire func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.armed || w.fired {
		return
	}
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}
	w.timeout = timeout
	w.onExpire = onExpire
	w.armed = true
	w.schedule()
}

// Bump restarts the timer. It returns false if the watchdog is not armed or
// has already expired.
func (w *Watchdog) Bump() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.armed || w.fired {
		return false
	}
	w.timer.Stop()
	w.schedule()
	return true
}

// Disarm cancels any pending expiry. Safe to call repeatedly.
func (w *Watchdog) Disarm() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.armed = false
	w.gen++
}

// Expired reports whether the expiry callback has fired.
func (w *Watchdog) Expired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

// schedule must be called with w.mu held.
func (w *Watchdog) schedule() {
	w.gen++
	gen := w.gen
	w.timer = w.clock.AfterFunc(w.timeout, func() { w.expire(gen) })
}

func (w *Watchdog) expire(gen uint64) {
	w.mu.Lock()
	if !w.armed || w.fired || gen != w.gen {
		w.mu.Unlock()
		return
	}
	w.fired = true
	fn := w.onExpire
	w.mu.Unlock()

	if fn != nil {
		fn()
	}
}
