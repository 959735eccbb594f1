package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Common errors.
var (
	// ErrClosed indicates the limiter is shut down.
	ErrClosed = errors.New("limiter closed")

	// ErrNoLimit indicates the key has no bucket and defaults are
	// disabled.
	ErrNoLimit = errors.New("no limit configured")
)

// Limit describes one bucket's configuration and live state.
type Limit struct {
	Key       string
	Available int
	Capacity  int
	Window    time.Duration
}

// Config controls the session limiter.
type Config struct {
	// DefaultCapacity is the bucket size handed to sessions seen for
	// the first time. 0 disables auto-created buckets: unknown keys
	// are then unlimited.
	DefaultCapacity int

	// DefaultWindow is the refill period for auto-created buckets.
	DefaultWindow time.Duration
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultCapacity: 0,
		DefaultWindow:   time.Second,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.DefaultCapacity < 0 {
		return errors.New("ratelimit: DefaultCapacity must not be negative")
	}
	if c.DefaultCapacity > 0 && c.DefaultWindow <= 0 {
		return errors.New("ratelimit: DefaultWindow must be positive when DefaultCapacity is set")
	}
	return nil
}

// bucket is one token bucket refilled continuously.
type bucket struct {
	capacity   int
	available  float64
	window     time.Duration
	lastRefill time.Time
}

func (b *bucket) refill(now time.Time) {
	if b.window <= 0 || b.capacity <= 0 {
		return
	}
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.available += float64(b.capacity) * float64(elapsed) / float64(b.window)
	if b.available > float64(b.capacity) {
		b.available = float64(b.capacity)
	}
	b.lastRefill = now
}

// SessionLimiter rate-limits work per session key. Safe for
// concurrent use.
type SessionLimiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*bucket
	closed  bool

	nowFunc func() time.Time
}

// New creates a limiter.
func New(cfg Config) (*SessionLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &SessionLimiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		nowFunc: time.Now,
	}, nil
}

// Allow consumes one token for the key without blocking. Unknown keys
// get the default bucket, or pass freely when defaults are disabled.
func (l *SessionLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}

	b, ok := l.buckets[key]
	if !ok {
		if l.cfg.DefaultCapacity <= 0 {
			return true
		}
		b = l.newDefaultBucket()
		l.buckets[key] = b
	}

	b.refill(l.nowFunc())
	if b.available >= 1 {
		b.available--
		return true
	}
	return false
}

// Wait blocks until a token is available or the context ends.
func (l *SessionLimiter) Wait(ctx context.Context, key string) error {
	for {
		if l.Allow(key) {
			return nil
		}
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return ErrClosed
		}
		d := l.retryAfterLocked(key)
		l.mu.Unlock()

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// retryAfterLocked estimates how long until the key's bucket has a
// whole token.
func (l *SessionLimiter) retryAfterLocked(key string) time.Duration {
	b, ok := l.buckets[key]
	if !ok || b.capacity <= 0 {
		return 10 * time.Millisecond
	}
	deficit := 1 - b.available
	if deficit <= 0 {
		return time.Millisecond
	}
	d := time.Duration(deficit * float64(b.window) / float64(b.capacity))
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// SetLimit configures a key's bucket. capacity <= 0 removes it.
func (l *SessionLimiter) SetLimit(key string, capacity int, window time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	if capacity <= 0 || window <= 0 {
		delete(l.buckets, key)
		return
	}

	now := l.nowFunc()
	if b, ok := l.buckets[key]; ok {
		b.refill(now)
		b.capacity = capacity
		b.window = window
		if b.available > float64(capacity) {
			b.available = float64(capacity)
		}
		return
	}
	l.buckets[key] = &bucket{
		capacity:   capacity,
		available:  float64(capacity),
		window:     window,
		lastRefill: now,
	}
}

// GetLimit returns the key's bucket state, or nil when none exists.
func (l *SessionLimiter) GetLimit(key string) *Limit {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		return nil
	}
	b.refill(l.nowFunc())
	return &Limit{
		Key:       key,
		Available: int(b.available),
		Capacity:  b.capacity,
		Window:    b.window,
	}
}

// Forget drops the key's bucket. Called when its session completes.
func (l *SessionLimiter) Forget(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}

// Len returns the number of tracked buckets.
func (l *SessionLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Close shuts the limiter down. Later Allow calls return false.
func (l *SessionLimiter) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.buckets = make(map[string]*bucket)
	return nil
}

func (l *SessionLimiter) newDefaultBucket() *bucket {
	return &bucket{
		capacity:   l.cfg.DefaultCapacity,
		available:  float64(l.cfg.DefaultCapacity),
		window:     l.cfg.DefaultWindow,
		lastRefill: l.nowFunc(),
	}
}
