// Package correlation matches asynchronous JSON-RPC responses to the
// pending requests that caused them.
//
// A caller issuing an outbound request registers its id and receives a
// Pending handle with a single-use outcome slot. Exactly one of three
// things ever fires that slot: a correlated response, an explicit
// cancel, or a timeout found by the background sweep. Later resolution
// attempts for the same id report ErrNotFound and are harmless.
//
//	pending, err := mgr.Register("req-42", "sess-A", 5*time.Second)
//	if err != nil { ... }
//	resp, err := pending.Await(ctx)
//
// The pending map is bounded: registrations past MaxPending fail with
// ErrCapacityExceeded as a backpressure signal to the caller.
// The sweep is one coalesced ticker for the whole map, not a timer per
// request.
package correlation
