package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: request timeouts, capacity rejections, rate limiting.
	CategoryTransient ErrorCategory = "transient"

	// CategoryCaller indicates failures caused by the calling code.
	// Examples: duplicate request id, unknown session, busy session.
	// Retry with the same arguments will not help; retry with corrected
	// arguments (a fresh id, an open session) may.
	CategoryCaller ErrorCategory = "caller"

	// CategoryConfiguration indicates construction-time failures.
	// Examples: missing handler, invalid worker count. Fatal for the
	// component being built; nothing to retry.
	CategoryConfiguration ErrorCategory = "configuration"

	// CategoryConnection indicates transport-level failures.
	// Recoverable at the adapter level (reconnect), fatal for the
	// affected session.
	CategoryConnection ErrorCategory = "connection"

	// CategoryInternal indicates invariant violations and bugs.
	// Examples: corrupted pending map, recovered panics. These must
	// propagate loudly; downstream correctness depends on them.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryConnection:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for the engine's failure taxonomy.
const (
	// Transient errors
	ErrCodeTimeout      ErrorCode = "TIMEOUT"      // Pending request expired
	ErrCodeCapacity     ErrorCode = "CAPACITY"     // Correlation map at capacity
	ErrCodeBackpressure ErrorCode = "BACKPRESSURE" // All worker queues saturated
	ErrCodeRateLimited  ErrorCode = "RATE_LIMITED" // Session over its inbound budget

	// Caller errors
	ErrCodeDuplicateID     ErrorCode = "DUPLICATE_ID"      // Request id already pending
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"         // No pending entry for id
	ErrCodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND" // Unknown session id
	ErrCodeSessionClosed   ErrorCode = "SESSION_CLOSED"    // Session completed or swept
	ErrCodeSessionBusy     ErrorCode = "SESSION_BUSY"      // Reply slot already claimed
	ErrCodeCancelled       ErrorCode = "CANCELLED"         // Explicitly cancelled by caller

	// Configuration errors
	ErrCodeMissingHandler ErrorCode = "MISSING_HANDLER" // Build without a handler
	ErrCodeInvalidConfig  ErrorCode = "INVALID_CONFIG"  // Config failed validation

	// Connection errors
	ErrCodeConnection       ErrorCode = "CONNECTION"        // Transport I/O failure
	ErrCodeConnectionClosed ErrorCode = "CONNECTION_CLOSED" // Peer went away
	ErrCodeSendTimeout      ErrorCode = "SEND_TIMEOUT"      // Outbound write timed out

	// Internal errors
	ErrCodeInternal   ErrorCode = "INTERNAL"   // Unexpected internal error
	ErrCodeCorruption ErrorCode = "CORRUPTION" // Bookkeeping invariant violated
	ErrCodePanic      ErrorCode = "PANIC"      // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeCapacity, ErrCodeBackpressure, ErrCodeRateLimited:
		return CategoryTransient

	case ErrCodeDuplicateID, ErrCodeNotFound, ErrCodeSessionNotFound,
		ErrCodeSessionClosed, ErrCodeSessionBusy, ErrCodeCancelled:
		return CategoryCaller

	case ErrCodeMissingHandler, ErrCodeInvalidConfig:
		return CategoryConfiguration

	case ErrCodeConnection, ErrCodeConnectionClosed, ErrCodeSendTimeout:
		return CategoryConnection

	case ErrCodeInternal, ErrCodeCorruption, ErrCodePanic:
		return CategoryInternal

	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

// codeDescriptions provides human-readable descriptions for error codes.
var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:          "pending request timed out",
	ErrCodeCapacity:         "pending request capacity exceeded",
	ErrCodeBackpressure:     "worker queues saturated",
	ErrCodeRateLimited:      "session rate limit exceeded",
	ErrCodeDuplicateID:      "request id already pending",
	ErrCodeNotFound:         "no pending request for id",
	ErrCodeSessionNotFound:  "session not found",
	ErrCodeSessionClosed:    "session closed",
	ErrCodeSessionBusy:      "session already has a waiter",
	ErrCodeCancelled:        "request cancelled",
	ErrCodeMissingHandler:   "no message handler attached",
	ErrCodeInvalidConfig:    "invalid configuration",
	ErrCodeConnection:       "transport connection error",
	ErrCodeConnectionClosed: "connection closed",
	ErrCodeSendTimeout:      "outbound write timed out",
	ErrCodeInternal:         "internal error",
	ErrCodeCorruption:       "bookkeeping corruption detected",
	ErrCodePanic:            "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
