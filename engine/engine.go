package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/wirekit/correlation"
	werrors "github.com/vinayprograms/wirekit/errors"
	"github.com/vinayprograms/wirekit/logging"
	"github.com/vinayprograms/wirekit/pipeline"
	"github.com/vinayprograms/wirekit/protocol"
	"github.com/vinayprograms/wirekit/ratelimit"
	"github.com/vinayprograms/wirekit/session"
	"github.com/vinayprograms/wirekit/shutdown"
	"github.com/vinayprograms/wirekit/telemetry"
	"github.com/vinayprograms/wirekit/transport"
)

// Common errors.
var (
	// ErrNotBound indicates the engine has no transport to send on.
	ErrNotBound = errors.New("engine not bound to a transport")

	// ErrMissingRouter indicates construction without a Router.
	ErrMissingRouter = errors.New("router is required")

	// ErrClosed indicates the engine is shut down.
	ErrClosed = errors.New("engine closed")
)

// Router is the business-logic callback invoked for every inbound
// request and notification. For requests the returned message is sent
// back to the session; for notifications the return value is ignored.
// Returning an error produces a JSON-RPC internal error reply.
type Router interface {
	Route(ctx context.Context, msg *protocol.Message, sessionID string) (*protocol.Message, error)
}

// RouterFunc adapts a function to Router.
type RouterFunc func(ctx context.Context, msg *protocol.Message, sessionID string) (*protocol.Message, error)

// Route implements Router.
func (f RouterFunc) Route(ctx context.Context, msg *protocol.Message, sessionID string) (*protocol.Message, error) {
	return f(ctx, msg, sessionID)
}

// Sender is the outbound half of a transport. Every adapter satisfies
// it.
type Sender interface {
	Send(msg *protocol.Message, sessionID string) error
}

// Config aggregates the component configurations.
type Config struct {
	Correlation correlation.Config
	Pipeline    pipeline.Config
	Session     session.Config
	RateLimit   ratelimit.Config

	// CallTimeout bounds Call when the caller's context has no
	// deadline. 0 uses the correlation default timeout.
	CallTimeout time.Duration
}

// Options carries the engine's collaborators.
type Options struct {
	// Router is required.
	Router Router

	// Logger defaults to a discard logger.
	Logger *logging.Logger

	// Tracer may be nil; spans are then no-ops.
	Tracer *telemetry.Tracer
}

// Stats counts engine-level message outcomes.
type Stats struct {
	Received      uint64
	Responses     uint64
	Dispatched    uint64
	Rejected      uint64
	RateLimited   uint64
	Unmatched     uint64
	HandlerErrors uint64
}

// Engine is the protocol core behind one transport. T is the
// transport's adapter payload type; the engine never inspects it.
type Engine[T any] struct {
	cfg    Config
	router Router
	logger *logging.Logger
	tracer *telemetry.Tracer

	corr     *correlation.Manager
	proc     *pipeline.Processor
	sessions *session.Coordinator
	limiter  *ratelimit.SessionLimiter

	mu     sync.RWMutex
	sender Sender

	closed atomic.Bool

	received      atomic.Uint64
	responses     atomic.Uint64
	dispatched    atomic.Uint64
	rejected      atomic.Uint64
	rateLimited   atomic.Uint64
	unmatched     atomic.Uint64
	handlerErrors atomic.Uint64
}

// New assembles an engine from its components.
func New[T any](cfg Config, opts Options) (*Engine[T], error) {
	if opts.Router == nil {
		return nil, ErrMissingRouter
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	corr, err := correlation.NewManager(cfg.Correlation, logger)
	if err != nil {
		return nil, err
	}
	proc, err := pipeline.NewProcessor(cfg.Pipeline, logger)
	if err != nil {
		corr.Close()
		return nil, err
	}
	sessions, err := session.NewCoordinator(cfg.Session, corr, logger)
	if err != nil {
		corr.Close()
		return nil, err
	}
	limiter, err := ratelimit.New(cfg.RateLimit)
	if err != nil {
		corr.Close()
		sessions.Close()
		return nil, err
	}

	if err := proc.Start(); err != nil {
		corr.Close()
		sessions.Close()
		limiter.Close()
		return nil, err
	}

	return &Engine[T]{
		cfg:      cfg,
		router:   opts.Router,
		logger:   logger.WithComponent("engine"),
		tracer:   opts.Tracer,
		corr:     corr,
		proc:     proc,
		sessions: sessions,
		limiter:  limiter,
	}, nil
}

// Bind attaches the transport's outbound half. Must happen before
// Call or Notify; inbound messages arriving earlier that need replies
// are dropped with a log.
func (e *Engine[T]) Bind(s Sender) {
	e.mu.Lock()
	e.sender = s
	e.mu.Unlock()
}

// Sessions exposes the session coordinator.
func (e *Engine[T]) Sessions() *session.Coordinator {
	return e.sessions
}

// Correlation exposes the correlation manager.
func (e *Engine[T]) Correlation() *correlation.Manager {
	return e.corr
}

// Pipeline exposes the processor, mainly for stats.
func (e *Engine[T]) Pipeline() *pipeline.Processor {
	return e.proc
}

// Limiter exposes the per-session rate limiter.
func (e *Engine[T]) Limiter() *ratelimit.SessionLimiter {
	return e.limiter
}

// Stats returns a snapshot of the engine counters.
func (e *Engine[T]) Stats() Stats {
	return Stats{
		Received:      e.received.Load(),
		Responses:     e.responses.Load(),
		Dispatched:    e.dispatched.Load(),
		Rejected:      e.rejected.Load(),
		RateLimited:   e.rateLimited.Load(),
		Unmatched:     e.unmatched.Load(),
		HandlerErrors: e.handlerErrors.Load(),
	}
}

// OnMessage implements transport.Handler. Responses resolve pending
// correlations; requests and notifications go through the pipeline.
func (e *Engine[T]) OnMessage(msg *protocol.Message, mctx transport.MessageContext[T]) {
	if e.closed.Load() {
		return
	}
	e.received.Add(1)
	e.trackSession(mctx.SessionID)

	switch {
	case msg.IsResponse():
		e.onResponse(msg, mctx.SessionID)
	case msg.IsRequest(), msg.IsNotification():
		e.onWork(msg, mctx.SessionID)
	default:
		e.unmatched.Add(1)
		e.logger.Warn("unclassifiable message dropped", map[string]interface{}{
			"session": mctx.SessionID,
		})
	}
}

// OnError implements transport.Handler. A per-session close from a
// multi-session transport tears that session down so its pending
// calls fail fast instead of waiting out the correlation timeout.
func (e *Engine[T]) OnError(err error) {
	e.handlerErrors.Add(1)

	var sc *transport.SessionClosedError
	if errors.As(err, &sc) {
		e.completeSession(sc.SessionID)
		e.logger.Info("session connection closed", map[string]interface{}{
			"session": sc.SessionID,
		})
		return
	}
	e.logger.Warn("transport error", map[string]interface{}{"error": err.Error()})
}

// OnClose implements transport.Handler. The transport is gone, so
// every session it carried completes and their pending calls fail
// fast.
func (e *Engine[T]) OnClose() {
	for _, s := range e.sessions.Sessions() {
		e.completeSession(s.ID)
	}
	e.logger.Info("transport closed, sessions completed")
}

// Call sends a request on the session and blocks until the
// correlated response, the context deadline, or the correlation
// timeout.
func (e *Engine[T]) Call(ctx context.Context, sessionID, method string, params interface{}) (*protocol.Message, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	sender := e.currentSender()
	if sender == nil {
		return nil, ErrNotBound
	}

	id := correlation.NewID()
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	timeout := e.cfg.CallTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	pending, err := e.corr.Register(id, sessionID, timeout)
	if err != nil {
		return nil, callError(err, sessionID, id)
	}

	ctx, span := e.tracer.StartCall(ctx, method, sessionID, id)

	if err := sender.Send(req, sessionID); err != nil {
		e.corr.Cancel(id)
		e.tracer.EndCall(span, err)
		return nil, werrors.Connection("request send failed",
			werrors.WithCause(err),
			werrors.WithSessionID(sessionID),
			werrors.WithRequestID(id))
	}

	resp, err := pending.Await(ctx)
	e.tracer.EndCall(span, err)
	if err != nil {
		return nil, callError(err, sessionID, id)
	}
	return resp, nil
}

// callError stamps a correlation failure with the taxonomy so callers
// branch on code and retryability instead of sentinel identity. The
// original error stays reachable through the chain.
func callError(err error, sessionID, requestID string) error {
	tag := []werrors.Option{
		werrors.WithSessionID(sessionID),
		werrors.WithRequestID(requestID),
	}
	opts := append([]werrors.Option{werrors.WithCause(err)}, tag...)
	switch {
	case errors.Is(err, correlation.ErrTimeout):
		return werrors.Timeout(requestID, opts...)
	case errors.Is(err, correlation.ErrCancelled):
		return werrors.New(werrors.ErrCodeCancelled, "call cancelled", opts...)
	case errors.Is(err, correlation.ErrConnectionClosed), errors.Is(err, correlation.ErrClosed):
		return werrors.New(werrors.ErrCodeConnectionClosed, "connection closed during call", opts...)
	case errors.Is(err, correlation.ErrDuplicateID):
		return werrors.DuplicateID(requestID, opts...)
	case errors.Is(err, correlation.ErrCapacityExceeded):
		return werrors.CapacityExceeded("pending request capacity exceeded", opts...)
	default:
		// Wrap classifies context errors as timeout or cancellation.
		return werrors.Wrap(err, "call failed", tag...)
	}
}

// Notify sends a notification on the session. No reply is expected.
func (e *Engine[T]) Notify(sessionID, method string, params interface{}) error {
	if e.closed.Load() {
		return ErrClosed
	}
	sender := e.currentSender()
	if sender == nil {
		return ErrNotBound
	}
	note, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	if err := sender.Send(note, sessionID); err != nil {
		return werrors.Connection("notification send failed",
			werrors.WithCause(err),
			werrors.WithSessionID(sessionID))
	}
	return nil
}

// Close tears the engine down in stages: pipeline drain first so
// in-flight requests finish, then correlations, sessions and the
// limiter.
func (e *Engine[T]) Close(ctx context.Context) error {
	if e.closed.Swap(true) {
		return nil
	}

	coord := shutdown.NewCoordinator(shutdown.DefaultConfig(), e.logger)
	if closer, ok := e.currentSender().(interface{ Close() error }); ok {
		coord.RegisterCloser("transport", shutdown.StageIntake, closer.Close)
	}
	coord.Register("pipeline", shutdown.StageDrain, func(context.Context) error {
		return e.proc.Shutdown()
	})
	coord.RegisterCloser("correlation", shutdown.StageState, e.corr.Close)
	coord.RegisterCloser("sessions", shutdown.StageSessions, e.sessions.Close)
	coord.RegisterCloser("ratelimit", shutdown.StageResources, e.limiter.Close)
	return coord.Shutdown(ctx)
}

func (e *Engine[T]) currentSender() Sender {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sender
}

// trackSession registers the session on first sight and stamps
// activity afterwards.
func (e *Engine[T]) trackSession(id string) {
	if id == "" {
		return
	}
	if err := e.sessions.Touch(id); err == session.ErrSessionNotFound {
		if _, rerr := e.sessions.RegisterSession(id); rerr != nil && rerr != session.ErrSessionExists {
			e.logger.Warn("session registration failed", map[string]interface{}{
				"session": id,
				"error":   rerr.Error(),
			})
		}
	}
}

// completeSession tears down one session's protocol state.
func (e *Engine[T]) completeSession(id string) {
	e.sessions.CompleteSession(id)
	e.limiter.Forget(id)
}

func (e *Engine[T]) onResponse(msg *protocol.Message, sessionID string) {
	e.responses.Add(1)
	key := protocol.IDKey(msg.ID)

	if err := e.corr.Resolve(key, msg); err == nil {
		return
	}

	// Not a tracked call: maybe a coordinator waiter wants it.
	if err := e.sessions.Dispatch(sessionID, msg); err == nil {
		return
	}

	e.unmatched.Add(1)
	e.logger.Debug("response with no matching request", map[string]interface{}{
		"session": sessionID,
		"id":      key,
	})
}

func (e *Engine[T]) onWork(msg *protocol.Message, sessionID string) {
	isRequest := msg.IsRequest()

	if !e.limiter.Allow(sessionID) {
		e.rateLimited.Add(1)
		if isRequest {
			e.reply(sessionID, protocol.NewErrorResponse(msg.ID, protocol.ErrServerBusy("rate limit exceeded")))
		} else {
			e.logger.Debug("notification dropped by rate limit", map[string]interface{}{
				"session": sessionID,
				"method":  msg.Method,
			})
		}
		return
	}

	requestID := protocol.IDKey(msg.ID)
	task := &pipeline.Task{
		ID:        requestID,
		SessionID: sessionID,
		Run: func(ctx context.Context) error {
			return e.process(ctx, msg, sessionID, requestID)
		},
	}
	if task.ID == "" {
		task.ID = msg.Method
	}

	if _, err := e.proc.Submit(task); err != nil {
		e.rejected.Add(1)
		if isRequest {
			e.reply(sessionID, protocol.NewErrorResponse(msg.ID, protocol.ErrServerBusy("server overloaded")))
		} else {
			e.logger.Warn("notification dropped under load", map[string]interface{}{
				"session": sessionID,
				"method":  msg.Method,
			})
		}
		return
	}
	e.dispatched.Add(1)
}

// process runs inside a pipeline worker.
func (e *Engine[T]) process(ctx context.Context, msg *protocol.Message, sessionID, requestID string) error {
	ctx, span := e.tracer.StartDispatch(ctx, msg.Method, sessionID, requestID)

	resp, err := e.router.Route(ctx, msg, sessionID)
	e.tracer.EndDispatch(span, err)

	if !msg.IsRequest() {
		// Notification outcomes are not reported to the peer.
		return err
	}

	if err != nil {
		e.reply(sessionID, protocol.NewErrorResponse(msg.ID, protocol.ErrInternal(err.Error())))
		return err
	}
	if resp == nil {
		resp = protocol.NewErrorResponse(msg.ID, protocol.ErrMethodNotFound(msg.Method))
	}
	e.reply(sessionID, resp)
	return nil
}

func (e *Engine[T]) reply(sessionID string, msg *protocol.Message) {
	sender := e.currentSender()
	if sender == nil {
		e.logger.Warn("reply dropped, no transport bound", map[string]interface{}{
			"session": sessionID,
		})
		return
	}
	if err := sender.Send(msg, sessionID); err != nil {
		e.logger.Warn("reply send failed", map[string]interface{}{
			"session": sessionID,
			"error":   err.Error(),
		})
	}
}
