package mcp

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/QUSEIT/simacode-sub001/internal/mcperr"
)

func TestMessage_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		kind Kind
	}{
		{
			name: "request with params",
			msg:  Message{JSONRPC: "2.0", ID: "1", Method: "tools/call", Params: json.RawMessage(`{"name":"read","arguments":{"path":"/tmp"}}`)},
			kind: KindRequest,
		},
		{
			name: "request without params",
			msg:  Message{JSONRPC: "2.0", ID: "abc", Method: "tools/list"},
			kind: KindRequest,
		},
		{
			name: "request with empty params",
			msg:  Message{JSONRPC: "2.0", ID: "2", Method: "ping", Params: json.RawMessage(`{}`)},
			kind: KindRequest,
		},
		{
			name: "request with null params",
			msg:  Message{JSONRPC: "2.0", ID: "3", Method: "ping", Params: json.RawMessage(`null`)},
			kind: KindRequest,
		},
		{
			name: "request with empty-string id",
			msg:  Message{JSONRPC: "2.0", EmptyID: true, Method: "tools/list"},
			kind: KindRequest,
		},
		{
			name: "response with empty-string id",
			msg:  Message{JSONRPC: "2.0", EmptyID: true, Result: json.RawMessage(`{}`)},
			kind: KindResponse,
		},
		{
			name: "notification",
			msg:  Message{JSONRPC: "2.0", Method: "notifications/initialized"},
			kind: KindNotification,
		},
		{
			name: "response",
			msg:  Message{JSONRPC: "2.0", ID: "4", Result: json.RawMessage(`{"tools":[]}`)},
			kind: KindResponse,
		},
		{
			name: "response with null result",
			msg:  Message{JSONRPC: "2.0", ID: "5", Result: json.RawMessage(`null`)},
			kind: KindResponse,
		},
		{
			name: "error response",
			msg:  Message{JSONRPC: "2.0", ID: "6", Error: &RPCError{Code: CodeToolNotFound, Message: "Tool not found: x", Data: json.RawMessage(`{"toolName":"x"}`)}},
			kind: KindErrorResponse,
		},
		{
			name: "error response without id",
			msg:  Message{JSONRPC: "2.0", Error: &RPCError{Code: CodeParseError, Message: "Parse error"}},
			kind: KindErrorResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.Kind(); got != tt.kind {
				t.Fatalf("Kind() = %v, want %v", got, tt.kind)
			}

			data, err := Encode(&tt.msg)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if strings.ContainsRune(string(data), '\n') {
				t.Fatalf("encoded message contains a newline: %s", data)
			}

			got, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode(%s): %v", data, err)
			}
			if !reflect.DeepEqual(*got, tt.msg) {
				t.Errorf("round trip mismatch\n got: %+v\nwant: %+v", *got, tt.msg)
			}
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ``},
		{"not json", `this is not valid json`},
		{"array", `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`},
		{"missing version", `{"id":1,"method":"ping"}`},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"ping"}`},
		{"no kind", `{"jsonrpc":"2.0","id":1}`},
		{"result and error", `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`},
		{"method and result", `{"jsonrpc":"2.0","id":1,"method":"ping","result":{}}`},
		{"result without id", `{"jsonrpc":"2.0","result":{}}`},
		{"bad id", `{"jsonrpc":"2.0","id":{"x":1},"method":"ping"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, mcperr.ErrProtocol) {
				t.Errorf("expected protocol error, got %v", err)
			}
		})
	}
}

func TestDecode_NumericID(t *testing.T) {
	msg, err := Decode([]byte(`{"jsonrpc":"2.0","id":42,"result":{}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.ID != "42" {
		t.Errorf("ID = %q, want %q", msg.ID, "42")
	}
	if msg.Kind() != KindResponse {
		t.Errorf("Kind = %v, want response", msg.Kind())
	}
}

func TestEncode_RejectsInvalidShape(t *testing.T) {
	if _, err := Encode(&Message{JSONRPC: "2.0", ID: "1"}); err == nil {
		t.Fatal("expected error for message without method, result or error")
	}
}

func TestNewResponse_NilResult(t *testing.T) {
	msg, err := NewResponse("7", nil)
	if err != nil {
		t.Fatalf("NewResponse: %v", err)
	}
	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(data) != `{"jsonrpc":"2.0","id":"7","result":null}` {
		t.Errorf("encoded = %s", data)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{CodeToolNotFound, mcperr.ErrToolNotFound},
		{CodeResourceNotFound, mcperr.ErrResourceNotFound},
		{CodePermissionDenied, mcperr.ErrSecurity},
		{CodeToolCallTimeout, mcperr.ErrTimeout},
		{CodeInternalError, mcperr.ErrProtocol},
	}
	for _, tt := range tests {
		err := classify("tools/call", &RPCError{Code: tt.code, Message: "x"})
		if !errors.Is(err, tt.want) {
			t.Errorf("code %d: got %v, want %v", tt.code, err, tt.want)
		}
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) || rpcErr.Code != tt.code {
			t.Errorf("code %d: RPCError not reachable through errors.As", tt.code)
		}
	}
}

func TestDecode_EmptyStringIDIsNotAbsent(t *testing.T) {
	tests := []struct {
		data string
		kind Kind
	}{
		{`{"jsonrpc":"2.0","id":"","method":"x"}`, KindRequest},
		{`{"jsonrpc":"2.0","id":null,"method":"x"}`, KindNotification},
		{`{"jsonrpc":"2.0","method":"x"}`, KindNotification},
	}
	for _, tt := range tests {
		msg, err := Decode([]byte(tt.data))
		if err != nil {
			t.Fatalf("Decode(%s): %v", tt.data, err)
		}
		if got := msg.Kind(); got != tt.kind {
			t.Errorf("Decode(%s).Kind() = %v, want %v", tt.data, got, tt.kind)
		}
	}

	msg, _ := Decode([]byte(`{"jsonrpc":"2.0","id":"","method":"x"}`))
	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(data), `"id":""`) {
		t.Errorf("empty id not re-encoded: %s", data)
	}
}
