// Package protocol defines the JSON-RPC 2.0 wire message model.
//
// A single Message type covers requests, responses, and
// notifications, with classification helpers to tell them apart. Parse validates inbound bytes into a Message; Marshal
// produces the outbound encoding. The package deliberately knows
// nothing about transports, sessions, or correlation: it is the
// boundary type the rest of the engine passes around.
//
// Example:
//
//	msg, err := protocol.Parse(line)
//	if err != nil {
//		// err is a *protocol.Error with a standard JSON-RPC code
//	}
//	switch {
//	case msg.IsRequest():
//		// dispatch to a worker
//	case msg.IsResponse():
//		// correlate with a pending request
//	case msg.IsNotification():
//		// fire and forget
//	}
package protocol
