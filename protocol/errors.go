package protocol

import "fmt"

// Standard JSON-RPC 2.0 error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	// ServerBusy is an implementation-defined server error (reserved
	// range -32000..-32099) returned when the processing pipeline
	// rejects work under load.
	ServerBusy = -32000
)

// Error represents a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// ErrParse returns a parse error with detail.
func ErrParse(detail string) *Error {
	return &Error{Code: ParseError, Message: "Parse error", Data: detail}
}

// ErrInvalidRequest returns an invalid request error with detail.
func ErrInvalidRequest(detail string) *Error {
	return &Error{Code: InvalidRequest, Message: "Invalid Request", Data: detail}
}

// ErrMethodNotFound returns an error naming the unknown method.
func ErrMethodNotFound(method string) *Error {
	return &Error{Code: MethodNotFound, Message: "Method not found", Data: method}
}

// ErrInvalidParams returns an invalid params error with detail.
func ErrInvalidParams(detail string) *Error {
	return &Error{Code: InvalidParams, Message: "Invalid params", Data: detail}
}

// ErrInternal returns an internal error with detail.
func ErrInternal(detail string) *Error {
	return &Error{Code: InternalError, Message: "Internal error", Data: detail}
}

// ErrServerBusy returns a busy error for load-shed replies.
func ErrServerBusy(detail string) *Error {
	return &Error{Code: ServerBusy, Message: "Server busy", Data: detail}
}
