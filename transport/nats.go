package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/wirekit/logging"
	"github.com/vinayprograms/wirekit/protocol"
)

// NATSMeta is the adapter payload for NATS messages.
type NATSMeta struct {
	// Subject the message arrived on.
	Subject string

	// Reply is the peer's reply subject, empty for fire-and-forget.
	Reply string
}

// NATSConfig extends the base configuration with NATS specifics.
type NATSConfig struct {
	Config

	// URL is the server URL. Default: nats.DefaultURL.
	URL string

	// Name identifies the client to the server.
	Name string

	// Subject to subscribe to for inbound messages.
	Subject string

	// QueueGroup makes the subscription a queue subscription so a
	// pool of processes shares the subject. Empty for plain.
	QueueGroup string

	// ReconnectWait between reconnection attempts. Default: 2s.
	ReconnectWait time.Duration

	// MaxReconnects caps reconnection attempts. -1 is unlimited.
	MaxReconnects int

	// ConnectTimeout for the initial connection. Default: 5s.
	ConnectTimeout time.Duration
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Config:         DefaultConfig(),
		URL:            nats.DefaultURL,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}
}

func (c NATSConfig) withDefaults() NATSConfig {
	c.Config = c.Config.withDefaults()
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	return c
}

// NATSBuilder wires a transport over a NATS subject. Each distinct
// reply inbox observed on the subject becomes its own session.
type NATSBuilder struct {
	cfg     NATSConfig
	conn    *nats.Conn
	handler Handler[NATSMeta]
	logger  *logging.Logger
}

// NewNATSBuilder creates a builder subscribed to the given subject.
func NewNATSBuilder(subject string) *NATSBuilder {
	cfg := DefaultNATSConfig()
	cfg.Subject = subject
	return &NATSBuilder{
		cfg:    cfg,
		logger: logging.Discard(),
	}
}

// WithConfig replaces the transport configuration, keeping the
// builder's subject when the config leaves it empty.
func (b *NATSBuilder) WithConfig(cfg NATSConfig) *NATSBuilder {
	if cfg.Subject == "" {
		cfg.Subject = b.cfg.Subject
	}
	b.cfg = cfg.withDefaults()
	return b
}

// WithConn supplies an existing connection. Build then skips dialing
// and Close leaves the connection open.
func (b *NATSBuilder) WithConn(conn *nats.Conn) *NATSBuilder {
	b.conn = conn
	return b
}

// WithLogger sets the logger.
func (b *NATSBuilder) WithLogger(l *logging.Logger) *NATSBuilder {
	if l != nil {
		b.logger = l
	}
	return b
}

// WithHandler attaches the message handler.
func (b *NATSBuilder) WithHandler(h Handler[NATSMeta]) *NATSBuilder {
	b.handler = h
	return b
}

// Build produces the configured transport. The connection is dialed
// here when WithConn was not used; subscription happens in Start.
func (b *NATSBuilder) Build() (*NATSTransport, error) {
	if b.handler == nil {
		return nil, ErrMissingHandler
	}
	cfg := b.cfg.withDefaults()
	if cfg.Subject == "" {
		return nil, ErrNotConfigured
	}

	conn := b.conn
	ownsConn := false
	if conn == nil {
		var err error
		conn, err = nats.Connect(cfg.URL, natsOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("nats connect: %w", err)
		}
		ownsConn = true
	}

	t := &NATSTransport{
		conn:     conn,
		ownsConn: ownsConn,
		cfg:      cfg,
		handler:  b.handler,
		logger:   b.logger.WithComponent("transport.nats"),
		sessions: make(map[string]string),
		byReply:  make(map[string]string),
	}
	t.state.set(StateConfigured)
	return t, nil
}

func natsOptions(cfg NATSConfig) []nats.Option {
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	return opts
}

// NATSTransport carries messages over a NATS subject. Inbound
// messages are demultiplexed into sessions by reply inbox; Send
// publishes to the session's inbox.
type NATSTransport struct {
	conn     *nats.Conn
	ownsConn bool
	cfg      NATSConfig
	logger   *logging.Logger

	handler Handler[NATSMeta]
	sub     *nats.Subscription

	state     stateMachine
	closeOnce sync.Once

	mu       sync.Mutex
	sessions map[string]string // session id -> reply subject
	byReply  map[string]string // reply subject -> session id
}

// Start subscribes to the configured subject. NATS serializes
// callbacks per subscription, so inbound dispatch preserves arrival
// order.
func (t *NATSTransport) Start() error {
	if err := t.state.checkStart(); err != nil {
		return err
	}

	var (
		sub *nats.Subscription
		err error
	)
	if t.cfg.QueueGroup != "" {
		sub, err = t.conn.QueueSubscribe(t.cfg.Subject, t.cfg.QueueGroup, t.onInbound)
	} else {
		sub, err = t.conn.Subscribe(t.cfg.Subject, t.onInbound)
	}
	if err != nil {
		t.state.set(StateFailed)
		return fmt.Errorf("nats subscribe: %w", err)
	}
	t.sub = sub

	t.logger.Info("started", map[string]interface{}{
		"subject": t.cfg.Subject,
		"queue":   t.cfg.QueueGroup,
	})
	return nil
}

func (t *NATSTransport) onInbound(m *nats.Msg) {
	if t.state.get() != StateRunning {
		return
	}

	msg, parseErr := protocol.Parse(m.Data)
	if parseErr != nil {
		t.handler.OnError(parseErr)
		t.replyParseError(m, parseErr)
		return
	}

	mctx := MessageContext[NATSMeta]{
		SessionID:  t.sessionFor(m.Reply),
		Data:       NATSMeta{Subject: m.Subject, Reply: m.Reply},
		ReceivedAt: time.Now(),
	}
	dispatch(t.handler, msg, mctx, t.handler.OnError)
}

// sessionFor maps a reply inbox to a stable session id, minting one
// on first sight. Messages without a reply inbox share a single
// anonymous session that cannot be replied to.
func (t *NATSTransport) sessionFor(reply string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := reply
	if key == "" {
		key = "\x00anonymous"
	}
	if id, ok := t.byReply[key]; ok {
		return id
	}
	id := uuid.NewString()
	t.byReply[key] = id
	if reply != "" {
		t.sessions[id] = reply
	}
	return id
}

// Send publishes one outbound message to the session's reply inbox.
func (t *NATSTransport) Send(msg *protocol.Message, sessionID string) error {
	if t.state.get() != StateRunning {
		return ErrClosed
	}

	t.mu.Lock()
	reply, ok := t.sessions[sessionID]
	t.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}

	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	if err := t.conn.Publish(reply, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Close drains the subscription and fires OnClose exactly once. The
// connection is closed only if Build dialed it.
func (t *NATSTransport) Close() error {
	t.closeOnce.Do(func() {
		started := t.state.get() == StateRunning || t.state.get() == StateFailed
		if !t.state.transition(StateRunning, StateClosed) && t.state.get() != StateFailed {
			t.state.set(StateClosed)
		}
		if t.sub != nil {
			t.sub.Drain()
		}
		if t.ownsConn {
			t.conn.Close()
		}
		if started {
			t.handler.OnClose()
		}
		t.logger.Info("closed")
	})
	return nil
}

// Connected reports whether the transport is running with a live
// server connection.
func (t *NATSTransport) Connected() bool {
	return t.state.get() == StateRunning && t.conn.IsConnected()
}

// State returns the current lifecycle state.
func (t *NATSTransport) State() State {
	return t.state.get()
}

// CompleteSession forgets a session's reply inbox. Later sends to it
// fail with ErrUnknownSession.
func (t *NATSTransport) CompleteSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if reply, ok := t.sessions[sessionID]; ok {
		delete(t.sessions, sessionID)
		delete(t.byReply, reply)
	}
}

func (t *NATSTransport) replyParseError(m *nats.Msg, parseErr error) {
	if m.Reply == "" {
		return
	}
	rpcErr, ok := parseErr.(*protocol.Error)
	if !ok {
		rpcErr = protocol.ErrParse(parseErr.Error())
	}
	data, err := protocol.NewErrorResponse(salvageID(m.Data), rpcErr).Marshal()
	if err != nil {
		return
	}
	t.conn.Publish(m.Reply, data)
}
