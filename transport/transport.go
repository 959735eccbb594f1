package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/wirekit/protocol"
)

// Common errors.
var (
	// ErrMissingHandler indicates Build was called with no handler attached.
	ErrMissingHandler = errors.New("no message handler attached")

	// ErrAlreadyRunning indicates Start was called on a running transport.
	ErrAlreadyRunning = errors.New("transport already running")

	// ErrNotConfigured indicates Start was called before configuration.
	ErrNotConfigured = errors.New("transport not configured")

	// ErrClosed indicates the transport is closed.
	ErrClosed = errors.New("transport closed")

	// ErrUnknownSession indicates Send targeted a session the transport
	// does not know.
	ErrUnknownSession = errors.New("unknown session")

	// ErrSendTimeout indicates the outbound write did not complete
	// within the configured write timeout.
	ErrSendTimeout = errors.New("send timeout")
)

// State is a transport lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateConfigured
	StateRunning
	StateFailed
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MessageContext wraps one inbound message with its session identity
// and adapter-specific payload. T is opaque to the engine core.
type MessageContext[T any] struct {
	// SessionID identifies the logical conversation the message
	// belongs to.
	SessionID string

	// Data is the adapter-specific payload (remote address, subjects,
	// auth metadata, ...).
	Data T

	// ReceivedAt is when the adapter finished parsing the message.
	ReceivedAt time.Time
}

// Handler receives transport events. Implementations must not block
// OnMessage with heavy work; hand off to the processing pipeline.
type Handler[T any] interface {
	// OnMessage is called once per successfully parsed inbound
	// message, in per-session FIFO order. A panic inside is recovered
	// by the transport and converted to OnError.
	OnMessage(msg *protocol.Message, mctx MessageContext[T])

	// OnError reports parse and I/O failures. It does not imply the
	// transport is dead: one malformed message is not a dead
	// connection.
	OnError(err error)

	// OnClose fires exactly once when the transport reaches a
	// terminal state. The protocol layer uses it to fail pending
	// correlation entries for affected sessions.
	OnClose()
}

// Transport is one I/O substrate carrying protocol messages. The
// handler reference is fixed at build time; there is deliberately no
// way to change it here.
type Transport[T any] interface {
	// Start moves the transport to Running and spawns its read loop.
	// Returns ErrNotConfigured without a handler, ErrAlreadyRunning if
	// already started, or a connection error if the I/O resource is
	// unavailable.
	Start() error

	// Send writes one outbound message to the session's reply path.
	// Non-blocking beyond the configured write timeout.
	Send(msg *protocol.Message, sessionID string) error

	// Close releases all resources and triggers OnClose. Idempotent.
	Close() error

	// Connected is a non-blocking liveness probe.
	Connected() bool

	// State returns the current lifecycle state.
	State() State
}

// Config holds settings common to all adapters.
type Config struct {
	// SendBuffer is the outbound queue size. Default: 100.
	SendBuffer int

	// WriteTimeout bounds Send when the outbound queue is full.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// MaxMessageSize limits inbound message size in bytes.
	// Default: 1 MiB.
	MaxMessageSize int64
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SendBuffer:     100,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 1024 * 1024,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SendBuffer <= 0 {
		c.SendBuffer = def.SendBuffer
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	return c
}

// stateMachine is the lifecycle tracker shared by the adapters.
type stateMachine struct {
	v atomic.Int32
}

func (s *stateMachine) get() State {
	return State(s.v.Load())
}

func (s *stateMachine) set(state State) {
	s.v.Store(int32(state))
}

// transition moves from exactly `from` to `to`, reporting whether the
// swap happened.
func (s *stateMachine) transition(from, to State) bool {
	return s.v.CompareAndSwap(int32(from), int32(to))
}

// checkStart validates the Created/Configured → Running transition and
// returns the error the contract requires for the current state.
func (s *stateMachine) checkStart() error {
	if s.transition(StateConfigured, StateRunning) {
		return nil
	}
	switch s.get() {
	case StateRunning:
		return ErrAlreadyRunning
	case StateClosed, StateFailed:
		return ErrClosed
	default:
		return ErrNotConfigured
	}
}

// dispatch hands one message to the handler, converting a panic into
// OnError so it never unwinds into transport internals.
func dispatch[T any](h Handler[T], msg *protocol.Message, mctx MessageContext[T], onPanic func(error)) {
	defer func() {
		if r := recover(); r != nil {
			onPanic(newHandlerPanicError(r))
		}
	}()
	h.OnMessage(msg, mctx)
}

func newHandlerPanicError(r interface{}) error {
	return &HandlerPanicError{Value: r}
}

// HandlerPanicError reports a panic recovered from Handler.OnMessage.
type HandlerPanicError struct {
	Value interface{}
}

func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("message handler panicked: %v", e.Value)
}

// salvageID pulls the id out of a malformed message so the parse-error
// reply can still correlate. Returns nil when nothing usable remains.
func salvageID(raw []byte) interface{} {
	var probe struct {
		ID interface{} `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil
	}
	return probe.ID
}
