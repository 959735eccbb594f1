package protocol

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestParse_Request(t *testing.T) {
	data := []byte(`{"jsonrpc":"2.0","id":1,"method":"ping","params":{"echo":"hi"}}`)
	msg, err := Parse(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !msg.IsRequest() {
		t.Fatal("expected request classification")
	}
	if msg.Method != "ping" {
		t.Errorf("method = %q, want %q", msg.Method, "ping")
	}
	if IDKey(msg.ID) != "1" {
		t.Errorf("id key = %q, want %q", IDKey(msg.ID), "1")
	}
}

func TestParse_Notification(t *testing.T) {
	data := []byte(`{"jsonrpc":"2.0","method":"log","params":{"level":"info"}}`)
	msg, err := Parse(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !msg.IsNotification() {
		t.Fatal("expected notification classification")
	}
	if msg.IsRequest() || msg.IsResponse() {
		t.Error("notification misclassified")
	}
}

func TestParse_Response(t *testing.T) {
	data := []byte(`{"jsonrpc":"2.0","id":"abc","result":{"ok":true}}`)
	msg, err := Parse(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !msg.IsResponse() {
		t.Fatal("expected response classification")
	}
	var result struct {
		OK bool `json:"ok"`
	}
	if err := msg.UnmarshalResult(&result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !result.OK {
		t.Error("result.ok = false, want true")
	}
}

func TestParse_ErrorResponse(t *testing.T) {
	data := []byte(`{"jsonrpc":"2.0","id":7,"error":{"code":-32601,"message":"Method not found"}}`)
	msg, err := Parse(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !msg.IsResponse() || !msg.IsError() {
		t.Fatal("expected error response classification")
	}
	if msg.Error.Code != MethodNotFound {
		t.Errorf("code = %d, want %d", msg.Error.Code, MethodNotFound)
	}
}

func TestParse_MalformedJSON(t *testing.T) {
	_, err := Parse([]byte(`{not json`))
	if err == nil {
		t.Fatal("expected error")
	}
	rpcErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if rpcErr.Code != ParseError {
		t.Errorf("code = %d, want %d", rpcErr.Code, ParseError)
	}
}

func TestParse_WrongVersion(t *testing.T) {
	_, err := Parse([]byte(`{"jsonrpc":"1.0","id":1,"method":"x"}`))
	if err == nil {
		t.Fatal("expected error")
	}
	rpcErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if rpcErr.Code != InvalidRequest {
		t.Errorf("code = %d, want %d", rpcErr.Code, InvalidRequest)
	}
}

func TestParse_ResponseWithResultAndError(t *testing.T) {
	_, err := Parse([]byte(`{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`))
	if err == nil {
		t.Fatal("expected error for result+error response")
	}
}

func TestParse_ResponseWithNeither(t *testing.T) {
	_, err := Parse([]byte(`{"jsonrpc":"2.0","id":1}`))
	if err == nil {
		t.Fatal("expected error for empty response")
	}
}

func TestNewRequest_Marshal(t *testing.T) {
	msg, err := NewRequest(42, "sum", []int{1, 2, 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := msg.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Contains(data, []byte(`"method":"sum"`)) {
		t.Errorf("missing method in output: %s", data)
	}

	parsed, err := Parse(data)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if !parsed.IsRequest() {
		t.Error("round-tripped request misclassified")
	}
}

func TestNewResponse_NilResultBecomesNull(t *testing.T) {
	msg, err := NewResponse(1, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := msg.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Contains(data, []byte(`"result":null`)) {
		t.Errorf("expected null result: %s", data)
	}
}

func TestNewErrorResponse(t *testing.T) {
	msg := NewErrorResponse("req-9", ErrMethodNotFound("frobnicate"))
	if !msg.IsError() {
		t.Fatal("expected error response")
	}
	if msg.Error.Code != MethodNotFound {
		t.Errorf("code = %d, want %d", msg.Error.Code, MethodNotFound)
	}
}

func TestIDKey_Normalization(t *testing.T) {
	// JSON numbers decode as float64; the key must match the same id
	// minted as an int on the requesting side.
	var decoded struct {
		ID interface{} `json:"id"`
	}
	if err := json.Unmarshal([]byte(`{"id":42}`), &decoded); err != nil {
		t.Fatal(err)
	}
	if IDKey(decoded.ID) != IDKey(42) {
		t.Errorf("float64 key %q != int key %q", IDKey(decoded.ID), IDKey(42))
	}
	if IDKey("42") != "42" {
		t.Errorf("string key = %q, want %q", IDKey("42"), "42")
	}
	if IDKey(nil) != "" {
		t.Errorf("nil key = %q, want empty", IDKey(nil))
	}
}
