// Package errors provides the structured error taxonomy for wirekit.
//
// Every failure a caller can observe maps to an ErrorCode within an
// ErrorCategory, and the category determines the default retry
// semantics:
//
//   - transient (timeout, capacity, backpressure, rate limit): shed
//     load or retry, possibly with a fresh request id
//   - caller (duplicate id, unknown/busy/closed session): fix the
//     arguments, then retry
//   - configuration (missing handler, invalid config): fatal at
//     construction, nothing to retry
//   - connection: recoverable at the adapter level via reconnect,
//     fatal for the affected session
//   - internal (corruption, panic): invariant violations that must
//     propagate loudly
//
// Hot paths use per-package sentinel errors (correlation.ErrDuplicateID,
// pipeline.ErrBackpressure, ...); this package is for the points where
// errors cross component boundaries and need their category, metadata
// and cause chain attached:
//
//	err := errors.DuplicateID("req-42", errors.WithSessionID(sid))
//	if errors.IsRetryable(err) { ... }
package errors
