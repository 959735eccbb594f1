package transport

import (
	"bufio"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/wirekit/logging"
	"github.com/vinayprograms/wirekit/protocol"
)

// StdioMeta is the adapter payload for stdio messages.
type StdioMeta struct {
	// Raw is the original line for passthrough scenarios.
	Raw []byte
}

// StdioBuilder wires a stdio transport. The handler attaches here and
// only here; StdioTransport has no handler mutator.
type StdioBuilder struct {
	reader  io.Reader
	writer  io.Writer
	cfg     Config
	handler Handler[StdioMeta]
	logger  *logging.Logger
}

// NewStdioBuilder creates a builder over a reader/writer pair
// (typically stdin/stdout or the two ends of a pipe).
func NewStdioBuilder(r io.Reader, w io.Writer) *StdioBuilder {
	return &StdioBuilder{
		reader: r,
		writer: w,
		cfg:    DefaultConfig(),
		logger: logging.Discard(),
	}
}

// WithConfig replaces the transport configuration.
func (b *StdioBuilder) WithConfig(cfg Config) *StdioBuilder {
	b.cfg = cfg.withDefaults()
	return b
}

// WithLogger sets the logger.
func (b *StdioBuilder) WithLogger(l *logging.Logger) *StdioBuilder {
	if l != nil {
		b.logger = l
	}
	return b
}

// WithHandler attaches the message handler.
func (b *StdioBuilder) WithHandler(h Handler[StdioMeta]) *StdioBuilder {
	b.handler = h
	return b
}

// Build produces the configured transport.
// Fails with ErrMissingHandler if WithHandler was never called.
func (b *StdioBuilder) Build() (*StdioTransport, error) {
	if b.handler == nil {
		return nil, ErrMissingHandler
	}
	t := &StdioTransport{
		reader:    b.reader,
		writer:    b.writer,
		cfg:       b.cfg.withDefaults(),
		handler:   b.handler,
		logger:    b.logger.WithComponent("transport.stdio"),
		sessionID: uuid.NewString(),
		send:      make(chan *protocol.Message, b.cfg.withDefaults().SendBuffer),
		done:      make(chan struct{}),
	}
	t.state.set(StateConfigured)
	return t, nil
}

// StdioTransport carries line-delimited JSON messages over a
// reader/writer pair. A pipe has exactly one peer, so the transport
// holds a single session minted at build time.
type StdioTransport struct {
	reader io.Reader
	writer io.Writer
	cfg    Config
	logger *logging.Logger

	handler   Handler[StdioMeta]
	sessionID string

	state     stateMachine
	send      chan *protocol.Message
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	writeMu sync.Mutex
}

// SessionID returns the transport's single session id.
func (t *StdioTransport) SessionID() string {
	return t.sessionID
}

// Start spawns the read and write loops.
func (t *StdioTransport) Start() error {
	if err := t.state.checkStart(); err != nil {
		return err
	}

	t.wg.Add(2)
	go t.readLoop()
	go t.writeLoop()

	t.logger.Info("started", map[string]interface{}{"session": t.sessionID})
	return nil
}

// Send queues one outbound message. An empty session id targets the
// transport's only session.
func (t *StdioTransport) Send(msg *protocol.Message, sessionID string) error {
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

// Close releases resources and fires OnClose exactly once. Idempotent.
// On a transport that never started, OnClose is skipped: the handler
// never saw the transport active.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		started := t.state.get() == StateRunning || t.state.get() == StateFailed
		if !t.state.transition(StateRunning, StateClosed) && t.state.get() != StateFailed {
			t.state.set(StateClosed)
		}
		close(t.done)
		// Unblock the read loop if the reader supports it.
		if rc, ok := t.reader.(io.Closer); ok {
			rc.Close()
		}
		if started {
			t.handler.OnClose()
		}
		t.logger.Info("closed")
	})
	return nil
}

// Connected reports whether the transport is running.
func (t *StdioTransport) Connected() bool {
	return t.state.get() == StateRunning
}

// State returns the current lifecycle state.
func (t *StdioTransport) State() State {
	return t.state.get()
}

// readLoop parses inbound lines and dispatches them in order. One
// goroutine per transport keeps per-session FIFO delivery trivially
// true.
func (t *StdioTransport) readLoop() {
	defer t.wg.Done()

	scanner := bufio.NewScanner(t.reader)
	scanner.Buffer(make([]byte, 64*1024), int(t.cfg.MaxMessageSize))

	for scanner.Scan() {
		select {
		case <-t.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msg, err := protocol.Parse(line)
		if err != nil {
			t.handler.OnError(err)
			t.replyParseError(line, err)
			continue
		}

		raw := make([]byte, len(line))
		copy(raw, line)
		mctx := MessageContext[StdioMeta]{
			SessionID:  t.sessionID,
			Data:       StdioMeta{Raw: raw},
			ReceivedAt: time.Now(),
		}
		dispatch(t.handler, msg, mctx, t.handler.OnError)
	}

	if err := scanner.Err(); err != nil {
		t.fail(err)
		return
	}
	// EOF: peer closed its end.
	t.Close()
}

// writeLoop serializes queued messages to the writer, draining the
// queue on shutdown.
func (t *StdioTransport) writeLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.done:
			t.drain()
			return
		case msg := <-t.send:
			t.write(msg)
		}
	}
}

// drain writes whatever is still queued at shutdown.
func (t *StdioTransport) drain() {
	for {
		select {
		case msg := <-t.send:
			t.write(msg)
		default:
			return
		}
	}
}

// write serializes one message followed by a newline.
func (t *StdioTransport) write(msg *protocol.Message) {
	data, err := msg.Marshal()
	if err != nil {
		t.handler.OnError(err)
		return
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.writer.Write(append(data, '\n')); err != nil {
		t.handler.OnError(err)
	}
}

// replyParseError answers a malformed inbound message with a JSON-RPC
// parse error, echoing the id when one can be salvaged.
func (t *StdioTransport) replyParseError(raw []byte, parseErr error) {
	rpcErr, ok := parseErr.(*protocol.Error)
	if !ok {
		rpcErr = protocol.ErrParse(parseErr.Error())
	}
	id := salvageID(raw)

	select {
	case t.send <- protocol.NewErrorResponse(id, rpcErr):
	default:
		// Send queue full; the error already reached OnError.
	}
}

// fail records an unrecoverable I/O error: OnError, then OnClose.
func (t *StdioTransport) fail(err error) {
	if t.state.transition(StateRunning, StateFailed) {
		t.logger.Error("read failed", map[string]interface{}{"error": err.Error()})
		t.handler.OnError(err)
		t.Close()
	}
}
