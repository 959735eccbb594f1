package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vinayprograms/wirekit/logging"
	"github.com/vinayprograms/wirekit/protocol"
)

// WSMeta is the adapter payload for WebSocket messages.
type WSMeta struct {
	// RemoteAddr is the peer's network address.
	RemoteAddr string
}

// WebSocketConfig extends the base configuration with WebSocket
// specifics.
type WebSocketConfig struct {
	Config

	// PingInterval for keepalive pings. 0 disables pings.
	PingInterval time.Duration
}

// DefaultWebSocketConfig returns configuration with sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		Config:       DefaultConfig(),
		PingInterval: 30 * time.Second,
	}
}

func (c WebSocketConfig) withDefaults() WebSocketConfig {
	c.Config = c.Config.withDefaults()
	return c
}

// WebSocketBuilder wires a transport over one established connection
// (the client side, or a connection already accepted elsewhere).
type WebSocketBuilder struct {
	conn    *websocket.Conn
	cfg     WebSocketConfig
	handler Handler[WSMeta]
	logger  *logging.Logger
}

// NewWebSocketBuilder creates a builder over an existing connection.
func NewWebSocketBuilder(conn *websocket.Conn) *WebSocketBuilder {
	return &WebSocketBuilder{
		conn:   conn,
		cfg:    DefaultWebSocketConfig(),
		logger: logging.Discard(),
	}
}

// WithConfig replaces the transport configuration.
func (b *WebSocketBuilder) WithConfig(cfg WebSocketConfig) *WebSocketBuilder {
	b.cfg = cfg.withDefaults()
	return b
}

// WithLogger sets the logger.
func (b *WebSocketBuilder) WithLogger(l *logging.Logger) *WebSocketBuilder {
	if l != nil {
		b.logger = l
	}
	return b
}

// WithHandler attaches the message handler.
func (b *WebSocketBuilder) WithHandler(h Handler[WSMeta]) *WebSocketBuilder {
	b.handler = h
	return b
}

// Build produces the configured transport.
func (b *WebSocketBuilder) Build() (*WebSocketTransport, error) {
	if b.handler == nil {
		return nil, ErrMissingHandler
	}
	t := newWebSocketTransport(b.conn, b.cfg.withDefaults(), b.handler, b.logger)
	t.state.set(StateConfigured)
	return t, nil
}

// WebSocketTransport carries messages over one WebSocket connection.
// A connection is one session; its id is minted at build time.
type WebSocketTransport struct {
	conn   *websocket.Conn
	cfg    WebSocketConfig
	logger *logging.Logger

	handler   Handler[WSMeta]
	sessionID string

	state     stateMachine
	send      chan *protocol.Message
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	writeMu sync.Mutex
}

func newWebSocketTransport(conn *websocket.Conn, cfg WebSocketConfig, h Handler[WSMeta], l *logging.Logger) *WebSocketTransport {
	conn.SetReadLimit(cfg.MaxMessageSize)
	return &WebSocketTransport{
		conn:      conn,
		cfg:       cfg,
		handler:   h,
		logger:    l.WithComponent("transport.websocket"),
		sessionID: uuid.NewString(),
		send:      make(chan *protocol.Message, cfg.SendBuffer),
		done:      make(chan struct{}),
	}
}

// SessionID returns the connection's session id.
func (t *WebSocketTransport) SessionID() string {
	return t.sessionID
}

// Start spawns the read and write loops.
func (t *WebSocketTransport) Start() error {
	if err := t.state.checkStart(); err != nil {
		return err
	}

	t.wg.Add(2)
	go t.readLoop()
	go t.writeLoop()

	t.logger.Info("started", map[string]interface{}{
		"session": t.sessionID,
		"remote":  t.conn.RemoteAddr().String(),
	})
	return nil
}

// Send queues one outbound message. An empty session id targets the
// connection's only session.
func (t *WebSocketTransport) Send(msg *protocol.Message, sessionID string) error {
	if sessionID != "" && sessionID != t.sessionID {
		return ErrUnknownSession
	}
	if t.state.get() != StateRunning {
		return ErrClosed
	}

	timer := time.NewTimer(t.cfg.WriteTimeout)
	defer timer.Stop()

	select {
	case t.send <- msg:
		return nil
	case <-t.done:
		return ErrClosed
	case <-timer.C:
		return ErrSendTimeout
	}
}

// Close sends a close frame, releases the connection and fires OnClose
// exactly once. Idempotent. On a transport that never started, OnClose
// is skipped: the handler never saw the transport active.
func (t *WebSocketTransport) Close() error {
	t.closeOnce.Do(func() {
		started := t.state.get() == StateRunning || t.state.get() == StateFailed
		if !t.state.transition(StateRunning, StateClosed) && t.state.get() != StateFailed {
			t.state.set(StateClosed)
		}
		close(t.done)

		t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		t.conn.Close()

		if started {
			t.handler.OnClose()
		}
		t.logger.Info("closed", map[string]interface{}{"session": t.sessionID})
	})
	return nil
}

// Connected reports whether the transport is running.
func (t *WebSocketTransport) Connected() bool {
	return t.state.get() == StateRunning
}

// State returns the current lifecycle state.
func (t *WebSocketTransport) State() State {
	return t.state.get()
}

func (t *WebSocketTransport) readLoop() {
	defer t.wg.Done()

	remote := t.conn.RemoteAddr().String()
	for {
		select {
		case <-t.done:
			return
		default:
		}

		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.Close()
				return
			}
			t.fail(err)
			return
		}

		msg, parseErr := protocol.Parse(data)
		if parseErr != nil {
			t.handler.OnError(parseErr)
			t.replyParseError(data, parseErr)
			continue
		}

		mctx := MessageContext[WSMeta]{
			SessionID:  t.sessionID,
			Data:       WSMeta{RemoteAddr: remote},
			ReceivedAt: time.Now(),
		}
		dispatch(t.handler, msg, mctx, t.handler.OnError)
	}
}

func (t *WebSocketTransport) writeLoop() {
	defer t.wg.Done()

	ticker := t.pingTicker()
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			t.drain()
			return
		case <-ticker.C:
			t.writePing()
		case msg := <-t.send:
			t.write(msg)
		}
	}
}

// pingTicker returns the keepalive ticker, or one that never fires
// when pings are disabled.
func (t *WebSocketTransport) pingTicker() *time.Ticker {
	if t.cfg.PingInterval > 0 {
		return time.NewTicker(t.cfg.PingInterval)
	}
	ticker := time.NewTicker(time.Hour)
	ticker.Stop()
	return ticker
}

func (t *WebSocketTransport) writePing() {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
}

func (t *WebSocketTransport) drain() {
	for {
		select {
		case msg := <-t.send:
			t.write(msg)
		default:
			return
		}
	}
}

func (t *WebSocketTransport) write(msg *protocol.Message) {
	data, err := msg.Marshal()
	if err != nil {
		t.handler.OnError(err)
		return
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.cfg.WriteTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.handler.OnError(err)
	}
}

func (t *WebSocketTransport) replyParseError(raw []byte, parseErr error) {
	rpcErr, ok := parseErr.(*protocol.Error)
	if !ok {
		rpcErr = protocol.ErrParse(parseErr.Error())
	}

	select {
	case t.send <- protocol.NewErrorResponse(salvageID(raw), rpcErr):
	default:
	}
}

func (t *WebSocketTransport) fail(err error) {
	if t.state.transition(StateRunning, StateFailed) {
		t.logger.Error("read failed", map[string]interface{}{
			"session": t.sessionID,
			"error":   err.Error(),
		})
		t.handler.OnError(err)
		t.Close()
	}
}

// NewWebSocketUpgrader returns an upgrader suitable for the server
// side. Override CheckOrigin before exposing it publicly.
func NewWebSocketUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

// WebSocketServerBuilder wires a multi-connection server transport.
type WebSocketServerBuilder struct {
	cfg      WebSocketConfig
	upgrader *websocket.Upgrader
	handler  Handler[WSMeta]
	logger   *logging.Logger
}

// NewWebSocketServerBuilder creates a server builder.
func NewWebSocketServerBuilder() *WebSocketServerBuilder {
	return &WebSocketServerBuilder{
		cfg:      DefaultWebSocketConfig(),
		upgrader: NewWebSocketUpgrader(),
		logger:   logging.Discard(),
	}
}

// WithConfig replaces the per-connection configuration.
func (b *WebSocketServerBuilder) WithConfig(cfg WebSocketConfig) *WebSocketServerBuilder {
	b.cfg = cfg.withDefaults()
	return b
}

// WithUpgrader replaces the HTTP upgrader.
func (b *WebSocketServerBuilder) WithUpgrader(u *websocket.Upgrader) *WebSocketServerBuilder {
	if u != nil {
		b.upgrader = u
	}
	return b
}

// WithLogger sets the logger.
func (b *WebSocketServerBuilder) WithLogger(l *logging.Logger) *WebSocketServerBuilder {
	if l != nil {
		b.logger = l
	}
	return b
}

// WithHandler attaches the message handler shared by all connections.
func (b *WebSocketServerBuilder) WithHandler(h Handler[WSMeta]) *WebSocketServerBuilder {
	b.handler = h
	return b
}

// Build produces the configured server transport.
func (b *WebSocketServerBuilder) Build() (*WebSocketServer, error) {
	if b.handler == nil {
		return nil, ErrMissingHandler
	}
	s := &WebSocketServer{
		cfg:      b.cfg.withDefaults(),
		upgrader: b.upgrader,
		handler:  b.handler,
		logger:   b.logger.WithComponent("transport.websocket.server"),
		conns:    make(map[string]*WebSocketTransport),
	}
	s.state.set(StateConfigured)
	return s, nil
}

// WebSocketServer accepts many connections and maps each to its own
// session. It satisfies the same transport contract; Send routes by
// session id.
type WebSocketServer struct {
	cfg      WebSocketConfig
	upgrader *websocket.Upgrader
	logger   *logging.Logger

	handler Handler[WSMeta]

	state stateMachine
	mu    sync.RWMutex
	conns map[string]*WebSocketTransport
}

// Start moves the server to Running. Connections arrive through
// Accept; the server itself owns no listener.
func (s *WebSocketServer) Start() error {
	return s.state.checkStart()
}

// Accept upgrades one HTTP request and runs the connection as a new
// session. Intended for use inside an http.HandlerFunc.
func (s *WebSocketServer) Accept(w http.ResponseWriter, r *http.Request) (string, error) {
	if s.state.get() != StateRunning {
		return "", ErrClosed
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return "", err
	}

	ch := &sessionCleanupHandler{server: s, inner: s.handler}
	t := newWebSocketTransport(conn, s.cfg, ch, s.logger)
	ch.sessionID = t.sessionID
	t.state.set(StateConfigured)

	s.mu.Lock()
	s.conns[t.sessionID] = t
	s.mu.Unlock()

	if err := t.Start(); err != nil {
		s.dropSession(t.sessionID)
		conn.Close()
		return "", err
	}
	return t.sessionID, nil
}

// Send routes one outbound message to the named session.
func (s *WebSocketServer) Send(msg *protocol.Message, sessionID string) error {
	s.mu.RLock()
	t, ok := s.conns[sessionID]
	s.mu.RUnlock()
	if !ok {
		return ErrUnknownSession
	}
	return t.Send(msg, sessionID)
}

// Close shuts down every connection and fires OnClose once.
func (s *WebSocketServer) Close() error {
	if !s.state.transition(StateRunning, StateClosed) {
		if !s.state.transition(StateConfigured, StateClosed) {
			return nil
		}
	}

	s.mu.Lock()
	conns := make([]*WebSocketTransport, 0, len(s.conns))
	for _, t := range s.conns {
		conns = append(conns, t)
	}
	s.conns = make(map[string]*WebSocketTransport)
	s.mu.Unlock()

	for _, t := range conns {
		t.Close()
	}
	s.handler.OnClose()
	return nil
}

// Connected reports whether at least one connection is live.
func (s *WebSocketServer) Connected() bool {
	if s.state.get() != StateRunning {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns) > 0
}

// State returns the current lifecycle state.
func (s *WebSocketServer) State() State {
	return s.state.get()
}

// Sessions returns the live session ids.
func (s *WebSocketServer) Sessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	return ids
}

func (s *WebSocketServer) dropSession(id string) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}

// sessionCleanupHandler forwards events to the shared handler and
// removes the connection from the server's table when it closes. The
// server's own OnClose is reserved for full shutdown, so per-session
// closes surface as SessionClosedError through OnError.
type sessionCleanupHandler struct {
	server    *WebSocketServer
	inner     Handler[WSMeta]
	sessionID string
}

func (h *sessionCleanupHandler) OnMessage(msg *protocol.Message, mctx MessageContext[WSMeta]) {
	h.inner.OnMessage(msg, mctx)
}

func (h *sessionCleanupHandler) OnError(err error) {
	h.inner.OnError(err)
}

func (h *sessionCleanupHandler) OnClose() {
	h.server.dropSession(h.sessionID)
	h.inner.OnError(&SessionClosedError{SessionID: h.sessionID})
}

// SessionClosedError reports that one session of a multi-session
// transport closed while the transport itself stays up.
type SessionClosedError struct {
	SessionID string
}

func (e *SessionClosedError) Error() string {
	return "session closed: " + e.SessionID
}
