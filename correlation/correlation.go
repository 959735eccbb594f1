package correlation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/wirekit/logging"
	"github.com/vinayprograms/wirekit/protocol"
)

// Common errors.
var (
	// ErrDuplicateID indicates the request id already has a live entry.
	ErrDuplicateID = errors.New("request id already pending")

	// ErrNotFound indicates no live entry exists for the id.
	ErrNotFound = errors.New("no pending request for id")

	// ErrCapacityExceeded indicates the pending map is at capacity.
	ErrCapacityExceeded = errors.New("pending request capacity exceeded")

	// ErrTimeout indicates the entry expired before a response arrived.
	ErrTimeout = errors.New("request timed out")

	// ErrCancelled indicates the entry was cancelled by the caller.
	ErrCancelled = errors.New("request cancelled")

	// ErrConnectionClosed indicates the entry's session went away.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrClosed indicates the manager has been shut down.
	ErrClosed = errors.New("correlation manager closed")

	// ErrInvalidID indicates an empty request id.
	ErrInvalidID = errors.New("invalid request id")
)

// Config controls correlation behavior.
type Config struct {
	// DefaultTimeout applies when Register is called with timeout <= 0.
	// Default: 30 seconds.
	DefaultTimeout time.Duration

	// SweepInterval is how often expired entries are collected.
	// Default: 5 seconds.
	SweepInterval time.Duration

	// MaxPending bounds the number of live entries.
	// Default: 1000.
	MaxPending int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 30 * time.Second,
		SweepInterval:  5 * time.Second,
		MaxPending:     1000,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.DefaultTimeout <= 0 {
		return errors.New("correlation: default timeout must be positive")
	}
	if c.SweepInterval <= 0 {
		return errors.New("correlation: sweep interval must be positive")
	}
	if c.MaxPending <= 0 {
		return errors.New("correlation: max pending must be positive")
	}
	return nil
}

// Outcome is what a pending request eventually resolves to: either a
// correlated response message or a terminal error (timeout, cancel,
// connection closed).
type Outcome struct {
	Response *protocol.Message
	Err      error
}

// Pending is the caller's handle on a registered request. The outcome
// slot fires exactly once.
type Pending struct {
	id        string
	sessionID string
	createdAt time.Time
	deadline  time.Time
	done      chan Outcome
}

// ID returns the request id.
func (p *Pending) ID() string { return p.id }

// SessionID returns the session the request belongs to.
func (p *Pending) SessionID() string { return p.sessionID }

// CreatedAt returns when the entry was registered.
func (p *Pending) CreatedAt() time.Time { return p.createdAt }

// Deadline returns when the entry expires.
func (p *Pending) Deadline() time.Time { return p.deadline }

// Done returns the single-use outcome slot.
func (p *Pending) Done() <-chan Outcome { return p.done }

// Await blocks until the outcome fires or ctx ends.
func (p *Pending) Await(ctx context.Context) (*protocol.Message, error) {
	select {
	case out := <-p.done:
		return out.Response, out.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// expired reports whether the entry's deadline has passed.
func (p *Pending) expired(now time.Time) bool {
	return now.After(p.deadline)
}

// Manager tracks pending requests by id and resolves them exactly once.
// Safe for concurrent use. The pending map is reachable only through
// this API.
type Manager struct {
	cfg    Config
	logger *logging.Logger

	mu      sync.Mutex
	pending map[string]*Pending

	closed atomic.Bool
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewManager creates a manager and starts its background sweep.
func NewManager(cfg Config, logger *logging.Logger) (*Manager, error) {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if cfg.MaxPending == 0 {
		cfg.MaxPending = DefaultConfig().MaxPending
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Discard()
	}

	m := &Manager{
		cfg:     cfg,
		logger:  logger.WithComponent("correlation"),
		pending: make(map[string]*Pending),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go m.sweepLoop()
	return m, nil
}

// NewID mints a fresh request id.
func NewID() string {
	return uuid.NewString()
}

// Register creates a pending entry for id. The entry resolves through
// Resolve, Cancel, CancelAllForSession, or the timeout sweep, and
// through exactly one of them, exactly once.
func (m *Manager) Register(id, sessionID string, timeout time.Duration) (*Pending, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}

	now := time.Now()
	p := &Pending{
		id:        id,
		sessionID: sessionID,
		createdAt: now,
		deadline:  now.Add(timeout),
		done:      make(chan Outcome, 1),
	}

	m.mu.Lock()
	// Rechecked under the lock: a concurrent Close drains the map and
	// an entry inserted after that drain would never resolve.
	if m.closed.Load() {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if _, exists := m.pending[id]; exists {
		m.mu.Unlock()
		return nil, ErrDuplicateID
	}
	if len(m.pending) >= m.cfg.MaxPending {
		m.mu.Unlock()
		return nil, ErrCapacityExceeded
	}
	m.pending[id] = p
	m.mu.Unlock()

	m.logger.Debug("registered", map[string]interface{}{
		"id":      id,
		"timeout": timeout.String(),
	})
	return p, nil
}

// Resolve delivers a response to the waiting slot.
// Returns ErrNotFound for ids that are unknown or already resolved;
// callers treat that as a stale or duplicate response, log it, and
// move on.
func (m *Manager) Resolve(id string, resp *protocol.Message) error {
	p, err := m.take(id)
	if err != nil {
		return err
	}
	p.done <- Outcome{Response: resp}
	return nil
}

// Cancel resolves the entry with ErrCancelled.
func (m *Manager) Cancel(id string) error {
	p, err := m.take(id)
	if err != nil {
		return err
	}
	p.done <- Outcome{Err: ErrCancelled}
	return nil
}

// CancelAllForSession resolves every pending entry registered under the
// session with ErrConnectionClosed and returns how many it resolved.
// Entries for other sessions are untouched.
func (m *Manager) CancelAllForSession(sessionID string) int {
	m.mu.Lock()
	var taken []*Pending
	for id, p := range m.pending {
		if p.sessionID == sessionID {
			delete(m.pending, id)
			taken = append(taken, p)
		}
	}
	m.mu.Unlock()

	for _, p := range taken {
		p.done <- Outcome{Err: ErrConnectionClosed}
	}
	if len(taken) > 0 {
		m.logger.Info("cancelled session entries", map[string]interface{}{
			"session": sessionID,
			"count":   len(taken),
		})
	}
	return len(taken)
}

// Len returns the number of live entries.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Close stops the sweep and resolves every remaining entry with
// ErrConnectionClosed. Idempotent.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	close(m.stopCh)
	<-m.doneCh

	m.mu.Lock()
	taken := make([]*Pending, 0, len(m.pending))
	for id, p := range m.pending {
		delete(m.pending, id)
		taken = append(taken, p)
	}
	m.mu.Unlock()

	for _, p := range taken {
		p.done <- Outcome{Err: ErrConnectionClosed}
	}
	return nil
}

// take removes and returns the live entry for id.
// Removal under the lock is what makes resolution exactly-once: the
// second caller for the same id finds nothing.
func (m *Manager) take(id string) (*Pending, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	m.mu.Lock()
	p, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

// sweepLoop periodically resolves expired entries with ErrTimeout.
// One coalesced ticker serves the whole map.
func (m *Manager) sweepLoop() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			m.sweep(now)
		}
	}
}

// sweep collects expired entries under the lock, then delivers timeouts
// outside it.
func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	var expired []*Pending
	for id, p := range m.pending {
		if p.expired(now) {
			delete(m.pending, id)
			expired = append(expired, p)
		}
	}
	m.mu.Unlock()

	for _, p := range expired {
		p.done <- Outcome{Err: ErrTimeout}
	}
	if len(expired) > 0 {
		m.logger.Debug("swept expired entries", map[string]interface{}{
			"count": len(expired),
		})
	}
}
