// Package transport defines the pluggable transport contract the
// protocol engine runs on, plus concrete adapters for stdio pipes,
// WebSocket connections, and NATS subjects.
//
// A Transport owns one I/O resource and exactly one Handler, attached
// through a builder before Start. The built transport type has no
// handler mutator at all: once Build returns, nobody can redirect
// where inbound messages go. Builders therefore fail with
// ErrMissingHandler rather than producing a half-configured transport.
//
//	tr, err := transport.NewStdioBuilder(os.Stdin, os.Stdout).
//		WithHandler(engine).
//		Build()
//	if err != nil { ... }
//	if err := tr.Start(); err != nil { ... }
//
// Inbound bytes parse into protocol.Message values, get wrapped in a
// MessageContext carrying the session id and adapter-specific payload,
// and are handed to Handler.OnMessage in per-session FIFO order. The
// handler must not do heavy work inline: it hands off to the
// processing pipeline so the read loop stays live.
//
// Lifecycle: Created → Configured (Build) → Running (Start) → Closed,
// with Failed reachable from Running on an unrecoverable I/O error
// (OnError fires, then OnClose). A malformed inbound message is NOT
// unrecoverable: it surfaces through OnError and the connection stays
// up.
package transport
