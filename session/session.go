package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/wirekit/correlation"
	"github.com/vinayprograms/wirekit/logging"
	"github.com/vinayprograms/wirekit/protocol"
)

// Common errors.
var (
	// ErrSessionExists indicates RegisterSession saw a duplicate id.
	ErrSessionExists = errors.New("session already registered")

	// ErrSessionNotFound indicates the session id is unknown.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClosed indicates the session completed while a caller
	// was waiting on it.
	ErrSessionClosed = errors.New("session closed")

	// ErrSessionBusy indicates a second concurrent reply waiter on a
	// session that does not allow pipelining.
	ErrSessionBusy = errors.New("session busy with a pending request")

	// ErrNoWaiter indicates Dispatch found nobody awaiting a reply.
	ErrNoWaiter = errors.New("no reply waiter for session")

	// ErrCapacityExceeded indicates the session table is full.
	ErrCapacityExceeded = errors.New("session capacity exceeded")

	// ErrClosed indicates the coordinator is shut down.
	ErrClosed = errors.New("coordinator closed")

	// ErrInvalidID indicates an empty session id.
	ErrInvalidID = errors.New("session id must not be empty")
)

// Config controls the session coordinator.
type Config struct {
	// IdleTimeout completes sessions with no activity for this long.
	// 0 disables the idle monitor.
	IdleTimeout time.Duration

	// SweepInterval is how often the idle monitor looks for stale
	// sessions.
	SweepInterval time.Duration

	// AllowPipelining permits multiple concurrent reply waiters per
	// session, keyed by request id. Off, a second waiter gets
	// ErrSessionBusy.
	AllowPipelining bool

	// MaxSessions caps the session table. 0 means unlimited.
	MaxSessions int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:   5 * time.Minute,
		SweepInterval: 30 * time.Second,
		MaxSessions:   0,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.IdleTimeout < 0 {
		return errors.New("session: IdleTimeout must not be negative")
	}
	if c.IdleTimeout > 0 && c.SweepInterval <= 0 {
		return errors.New("session: SweepInterval must be positive when IdleTimeout is set")
	}
	if c.MaxSessions < 0 {
		return errors.New("session: MaxSessions must not be negative")
	}
	return nil
}

// Session is a point-in-time snapshot of one session record.
type Session struct {
	ID           string
	Remote       string
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// record is the live session state.
type record struct {
	id        string
	remote    string
	createdAt time.Time

	mu         sync.Mutex
	lastActive time.Time
	closed     bool

	// waiters holds reply slots. Without pipelining there is at most
	// one, stored under the empty key.
	waiters map[string]chan replyOutcome
}

type replyOutcome struct {
	msg *protocol.Message
	err error
}

func (r *record) touch(now time.Time) {
	r.mu.Lock()
	r.lastActive = now
	r.mu.Unlock()
}

func (r *record) snapshot() Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Session{
		ID:           r.id,
		Remote:       r.remote,
		CreatedAt:    r.createdAt,
		LastActiveAt: r.lastActive,
	}
}

// Inbound is the per-session handle given to the transport side.
// Delivering through it keeps the activity clock honest.
type Inbound struct {
	coord *Coordinator
	rec   *record
}

// SessionID returns the owning session's id.
func (in *Inbound) SessionID() string {
	return in.rec.id
}

// Deliver routes one inbound message for this session: responses go
// to any reply waiter, everything else only stamps activity and is
// left to the caller to process.
func (in *Inbound) Deliver(msg *protocol.Message) error {
	in.rec.touch(time.Now())
	if msg.IsResponse() {
		err := in.coord.Dispatch(in.rec.id, msg)
		if err == ErrNoWaiter {
			return nil
		}
		return err
	}
	return nil
}

// Coordinator multiplexes sessions over one engine. All methods are
// safe for concurrent use.
type Coordinator struct {
	cfg    Config
	corr   *correlation.Manager
	logger *logging.Logger

	mu       sync.Mutex
	sessions map[string]*record
	closed   atomic.Bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCoordinator creates a coordinator over the given correlation
// manager and starts the idle monitor when configured.
func NewCoordinator(cfg Config, corr *correlation.Manager, logger *logging.Logger) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Discard()
	}

	c := &Coordinator{
		cfg:      cfg,
		corr:     corr,
		logger:   logger.WithComponent("session"),
		sessions: make(map[string]*record),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	if cfg.IdleTimeout > 0 {
		go c.idleLoop()
	} else {
		close(c.doneCh)
	}
	return c, nil
}

// RegisterSession adds a session record and returns its inbound
// handle.
func (c *Coordinator) RegisterSession(id string) (*Inbound, error) {
	return c.RegisterSessionRemote(id, "")
}

// RegisterSessionRemote is RegisterSession with a peer address for
// diagnostics.
func (c *Coordinator) RegisterSessionRemote(id, remote string) (*Inbound, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if c.closed.Load() {
		return nil, ErrClosed
	}

	now := time.Now()
	rec := &record{
		id:         id,
		remote:     remote,
		createdAt:  now,
		lastActive: now,
		waiters:    make(map[string]chan replyOutcome),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Rechecked under the lock: a concurrent Close snapshots the map
	// and a record inserted after that snapshot would never complete.
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if _, exists := c.sessions[id]; exists {
		return nil, ErrSessionExists
	}
	if c.cfg.MaxSessions > 0 && len(c.sessions) >= c.cfg.MaxSessions {
		return nil, ErrCapacityExceeded
	}
	c.sessions[id] = rec

	c.logger.Debug("session registered", map[string]interface{}{"session": id})
	return &Inbound{coord: c, rec: rec}, nil
}

// Touch stamps session activity.
func (c *Coordinator) Touch(id string) error {
	rec, err := c.lookup(id)
	if err != nil {
		return err
	}
	rec.touch(time.Now())
	return nil
}

// AwaitReply blocks until Dispatch delivers a message for the
// session, the context ends, or the session closes. A second
// concurrent waiter gets ErrSessionBusy unless pipelining is on.
func (c *Coordinator) AwaitReply(ctx context.Context, sessionID string) (*protocol.Message, error) {
	return c.await(ctx, sessionID, "")
}

// AwaitReplyFor waits for the reply matching one request id. Requires
// AllowPipelining; the id routes Dispatch to the right waiter.
func (c *Coordinator) AwaitReplyFor(ctx context.Context, sessionID, requestID string) (*protocol.Message, error) {
	if !c.cfg.AllowPipelining {
		return nil, ErrSessionBusy
	}
	if requestID == "" {
		return nil, ErrInvalidID
	}
	return c.await(ctx, sessionID, requestID)
}

func (c *Coordinator) await(ctx context.Context, sessionID, key string) (*protocol.Message, error) {
	rec, err := c.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	ch := make(chan replyOutcome, 1)

	rec.mu.Lock()
	if rec.closed {
		rec.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if _, busy := rec.waiters[key]; busy {
		rec.mu.Unlock()
		return nil, ErrSessionBusy
	}
	if !c.cfg.AllowPipelining && len(rec.waiters) > 0 {
		rec.mu.Unlock()
		return nil, ErrSessionBusy
	}
	rec.waiters[key] = ch
	rec.mu.Unlock()

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		return out.msg, nil
	case <-ctx.Done():
		rec.mu.Lock()
		if rec.waiters[key] == ch {
			delete(rec.waiters, key)
		}
		rec.mu.Unlock()
		// The dispatcher may have won the race after ctx fired.
		select {
		case out := <-ch:
			if out.err != nil {
				return nil, out.err
			}
			return out.msg, nil
		default:
			return nil, ctx.Err()
		}
	}
}

// Dispatch resolves the session's waiting reply slot. With pipelining
// the message's id selects the waiter.
func (c *Coordinator) Dispatch(sessionID string, msg *protocol.Message) error {
	rec, err := c.lookup(sessionID)
	if err != nil {
		return err
	}
	rec.touch(time.Now())

	key := ""
	if c.cfg.AllowPipelining && msg.ID != nil {
		key = protocol.IDKey(msg.ID)
	}

	rec.mu.Lock()
	ch, ok := rec.waiters[key]
	if !ok && key != "" {
		// Pipelined reply for a plain waiter.
		ch, ok = rec.waiters[""]
		key = ""
	}
	if ok {
		delete(rec.waiters, key)
	}
	rec.mu.Unlock()

	if !ok {
		return ErrNoWaiter
	}
	ch <- replyOutcome{msg: msg}
	return nil
}

// CompleteSession cancels the session's pending correlations, fails
// its reply waiters with ErrSessionClosed and removes the record.
func (c *Coordinator) CompleteSession(id string) error {
	c.mu.Lock()
	rec, ok := c.sessions[id]
	if ok {
		delete(c.sessions, id)
	}
	c.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	// Pending correlations first so nobody waits on a dead session.
	cancelled := 0
	if c.corr != nil {
		cancelled = c.corr.CancelAllForSession(id)
	}

	rec.mu.Lock()
	rec.closed = true
	waiters := rec.waiters
	rec.waiters = make(map[string]chan replyOutcome)
	rec.mu.Unlock()

	for _, ch := range waiters {
		ch <- replyOutcome{err: ErrSessionClosed}
	}

	c.logger.Info("session completed", map[string]interface{}{
		"session":   id,
		"cancelled": cancelled,
		"waiters":   len(waiters),
	})
	return nil
}

// Sessions returns snapshots of all live sessions.
func (c *Coordinator) Sessions() []Session {
	c.mu.Lock()
	recs := make([]*record, 0, len(c.sessions))
	for _, rec := range c.sessions {
		recs = append(recs, rec)
	}
	c.mu.Unlock()

	out := make([]Session, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.snapshot())
	}
	return out
}

// Len returns the live session count.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Close completes every session and stops the idle monitor.
// Idempotent.
func (c *Coordinator) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.stopCh)
	<-c.doneCh

	c.mu.Lock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.CompleteSession(id)
	}
	c.logger.Info("closed", map[string]interface{}{"sessions": len(ids)})
	return nil
}

func (c *Coordinator) lookup(id string) (*record, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return rec, nil
}

// idleLoop completes sessions quiet past IdleTimeout.
func (c *Coordinator) idleLoop() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case now := <-ticker.C:
			c.sweepIdle(now)
		}
	}
}

func (c *Coordinator) sweepIdle(now time.Time) {
	cutoff := now.Add(-c.cfg.IdleTimeout)

	c.mu.Lock()
	var stale []string
	for id, rec := range c.sessions {
		rec.mu.Lock()
		idle := rec.lastActive.Before(cutoff)
		rec.mu.Unlock()
		if idle {
			stale = append(stale, id)
		}
	}
	c.mu.Unlock()

	for _, id := range stale {
		c.logger.Warn("completing idle session", map[string]interface{}{"session": id})
		c.CompleteSession(id)
	}
}
