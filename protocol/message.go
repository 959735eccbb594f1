package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the only JSON-RPC protocol version this package accepts.
const Version = "2.0"

// Message represents a JSON-RPC 2.0 message of any shape.
// Exactly one of the three classifications holds for a valid message:
// request (id + method), notification (method, no id), or
// response (id + result or error).
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewRequest creates a request message. Params may be nil.
func NewRequest(id interface{}, method string, params interface{}) (*Message, error) {
	raw, err := marshalField(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return &Message{
		JSONRPC: Version,
		ID:      id,
		Method:  method,
		Params:  raw,
	}, nil
}

// NewNotification creates a notification message (no id, no reply expected).
func NewNotification(method string, params interface{}) (*Message, error) {
	raw, err := marshalField(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return &Message{
		JSONRPC: Version,
		Method:  method,
		Params:  raw,
	}, nil
}

// NewResponse creates a success response echoing the request id.
func NewResponse(id interface{}, result interface{}) (*Message, error) {
	raw, err := marshalField(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	if raw == nil {
		// A success response must carry a result member, even if null.
		raw = json.RawMessage("null")
	}
	return &Message{
		JSONRPC: Version,
		ID:      id,
		Result:  raw,
	}, nil
}

// NewErrorResponse creates an error response echoing the request id.
func NewErrorResponse(id interface{}, rpcErr *Error) *Message {
	return &Message{
		JSONRPC: Version,
		ID:      id,
		Error:   rpcErr,
	}
}

// IsRequest reports whether the message is a request (id and method).
func (m *Message) IsRequest() bool {
	return m.ID != nil && m.Method != ""
}

// IsNotification reports whether the message is a notification (method, no id).
func (m *Message) IsNotification() bool {
	return m.ID == nil && m.Method != ""
}

// IsResponse reports whether the message is a response (id, no method,
// result or error present).
func (m *Message) IsResponse() bool {
	return m.ID != nil && m.Method == "" && (m.Result != nil || m.Error != nil)
}

// IsError reports whether the message is an error response.
func (m *Message) IsError() bool {
	return m.Error != nil
}

// Marshal encodes the message for the wire.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalResult decodes the response result into v.
func (m *Message) UnmarshalResult(v interface{}) error {
	if m.Result == nil {
		return fmt.Errorf("message has no result")
	}
	return json.Unmarshal(m.Result, v)
}

// UnmarshalParams decodes the request/notification params into v.
func (m *Message) UnmarshalParams(v interface{}) error {
	if m.Params == nil {
		return fmt.Errorf("message has no params")
	}
	return json.Unmarshal(m.Params, v)
}

// Parse validates raw bytes into a Message.
// Malformed JSON yields *Error with ParseError; structurally invalid
// messages (wrong version, no method and no id, result and error both
// present) yield *Error with InvalidRequest.
func Parse(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &Error{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}

	if msg.JSONRPC != Version {
		return nil, &Error{Code: InvalidRequest, Message: "Invalid Request", Data: "jsonrpc must be 2.0"}
	}

	switch {
	case msg.Method != "":
		if msg.Result != nil || msg.Error != nil {
			return nil, &Error{Code: InvalidRequest, Message: "Invalid Request", Data: "request carries result or error"}
		}
	case msg.ID != nil:
		if msg.Result != nil && msg.Error != nil {
			return nil, &Error{Code: InvalidRequest, Message: "Invalid Request", Data: "response carries both result and error"}
		}
		if msg.Result == nil && msg.Error == nil {
			return nil, &Error{Code: InvalidRequest, Message: "Invalid Request", Data: "response carries neither result nor error"}
		}
	default:
		return nil, &Error{Code: InvalidRequest, Message: "Invalid Request", Data: "message has neither method nor id"}
	}

	return &msg, nil
}

// IDKey normalizes a message id to a map-key string.
// JSON numbers decode as float64; integral values normalize to their
// decimal form so "42" and 42 collide deliberately only with themselves.
func IDKey(id interface{}) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// marshalField encodes an optional message member, keeping nil as absent.
func marshalField(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}
