// Package ratelimit implements a per-key token bucket rate limiter used to
// throttle new terminal connections by remote address.
// Thread-safe. No background goroutines: tokens are refilled lazily on each Allow call.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"github.com/jkaninda/sandterm/internal/clock"
)

// ErrRateLimited is returned when a key has exhausted its token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// defaultMaxKeys bounds how many buckets are kept before full ones are pruned.
const defaultMaxKeys = 10000

// Config configures the token bucket rate limiter.
type Config struct {
	PerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize int // Maximum tokens in bucket. 0 = defaults to PerMinute.
	MaxKeys   int // Bucket count that triggers pruning. 0 = defaultMaxKeys.
	Clock     clock.Clock
}

// Limiter is a per-key token bucket rate limiter.
// Each key gets an independent bucket; one client cannot exhaust another's quota.
type Limiter struct {
	mu      sync.Mutex
	keys    map[string]*bucket
	rate    float64 // tokens per second
	burst   float64 // max bucket capacity
	maxKeys int
	clock   clock.Clock
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If PerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.PerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	maxKeys := cfg.MaxKeys
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	return &Limiter{
		keys:    make(map[string]*bucket),
		rate:    float64(cfg.PerMinute) / 60.0,
		burst:   float64(burst),
		maxKeys: maxKeys,
		clock:   c,
	}
}

// Allow checks whether key has tokens remaining.
// Consumes one token on success. Returns ErrRateLimited if the bucket is empty.
func (l *Limiter) Allow(key string) error {
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	b, ok := l.keys[key]
	if !ok {
		if len(l.keys) >= l.maxKeys {
			l.prune(now)
		}
		// First request: start with a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.keys[key] = b
	}

	l.refill(b, now)

	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

func (l *Limiter) refill(b *bucket, now time.Time) {
	b.tokens += now.Sub(b.lastFill).Seconds() * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now
}

// prune drops buckets that have refilled completely; a new bucket for the
// same key would be identical. Caller holds l.mu.
func (l *Limiter) prune(now time.Time) {
	for k, b := range l.keys {
		l.refill(b, now)
		if b.tokens >= l.burst {
			delete(l.keys, k)
		}
	}
}
