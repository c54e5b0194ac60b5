// Package mcp implements the MCP client runtime: the JSON-RPC envelope,
// request correlation, the stdio and socket transports, connection timeouts
// and the per-server Client.
package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/QUSEIT/simacode-sub001/internal/mcperr"
)

// JSONRPCVersion is the only envelope version accepted on the wire.
const JSONRPCVersion = "2.0"

// JSON-RPC error codes
const (
	// Standard JSON-RPC errors
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// MCP-specific custom errors (-32000 to -32099)
	CodeServerNotFound      = -32000
	CodeServerFailedToStart = -32001
	CodeToolCallTimeout     = -32002
	CodeServerNotRunning    = -32003
	CodeNamespaceNotFound   = -32004
	CodeToolNotFound        = -32005
	CodeResourceNotFound    = -32006
	CodePermissionDenied    = -32007
)

// Kind is the message kind determined by which envelope fields are set.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindNotification
	KindResponse
	KindErrorResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	case KindErrorResponse:
		return "error-response"
	default:
		return "invalid"
	}
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// NewRPCError creates a new RPC error with optional data.
func NewRPCError(code int, message string, data any) *RPCError {
	err := &RPCError{Code: code, Message: message}
	if data != nil {
		if dataBytes, jsonErr := json.Marshal(data); jsonErr == nil {
			err.Data = dataBytes
		}
	}
	return err
}

func ErrParseError(detail string) *RPCError {
	return NewRPCError(CodeParseError, "Parse error: "+detail, nil)
}

func ErrInvalidRequest(detail string) *RPCError {
	return NewRPCError(CodeInvalidRequest, "Invalid Request: "+detail, nil)
}

func ErrMethodNotFound(method string) *RPCError {
	return NewRPCError(CodeMethodNotFound, fmt.Sprintf("Method not found: %s", method), nil)
}

func ErrInvalidParams(detail string) *RPCError {
	return NewRPCError(CodeInvalidParams, "Invalid params: "+detail, nil)
}

func ErrInternalError(detail string) *RPCError {
	return NewRPCError(CodeInternalError, "Internal error: "+detail, nil)
}

func ErrToolNotFound(toolName string) *RPCError {
	return NewRPCError(CodeToolNotFound, fmt.Sprintf("Tool not found: %s", toolName), map[string]string{"toolName": toolName})
}

func ErrResourceNotFound(uri string) *RPCError {
	return NewRPCError(CodeResourceNotFound, fmt.Sprintf("Resource not found: %s", uri), map[string]string{"uri": uri})
}

func ErrPermissionDenied(toolName string) *RPCError {
	return NewRPCError(CodePermissionDenied, fmt.Sprintf("Permission denied: %s", toolName), map[string]string{"toolName": toolName})
}

// classify wraps an error object returned by a server in the runtime's
// error taxonomy. The *RPCError stays reachable through errors.As.
func classify(op string, e *RPCError) error {
	kind := mcperr.KindProtocol
	switch e.Code {
	case CodeToolNotFound:
		kind = mcperr.KindToolNotFound
	case CodeResourceNotFound:
		kind = mcperr.KindResourceNotFound
	case CodePermissionDenied:
		kind = mcperr.KindSecurity
	case CodeToolCallTimeout:
		kind = mcperr.KindTimeout
	}
	return mcperr.New(kind, op, e)
}

// Message is one JSON-RPC envelope. An empty ID means the id is absent
// unless EmptyID is set, which carries the legal id "".
type Message struct {
	JSONRPC string
	ID      string
	EmptyID bool
	Method  string
	Params  json.RawMessage
	Result  json.RawMessage
	Error   *RPCError
}

// HasID reports whether the envelope carries an id.
func (m *Message) HasID() bool { return m.ID != "" || m.EmptyID }

// Kind classifies the message. A message that fits none of the four shapes
// is KindInvalid.
func (m *Message) Kind() Kind {
	switch {
	case m.Method != "":
		if m.Result != nil || m.Error != nil {
			return KindInvalid
		}
		if m.HasID() {
			return KindRequest
		}
		return KindNotification
	case m.Error != nil:
		if m.Result != nil {
			return KindInvalid
		}
		return KindErrorResponse
	case m.HasID() && m.Result != nil:
		return KindResponse
	default:
		return KindInvalid
	}
}

// NewRequest builds a request envelope, marshaling params unless it is nil.
func NewRequest(id, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds an id-less request envelope.
func NewNotification(method string, params any) (*Message, error) {
	return NewRequest("", method, params)
}

// NewResponse builds a success response. A nil result encodes as null.
func NewResponse(id string, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Message{JSONRPC: JSONRPCVersion, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id string, rpcErr *RPCError) *Message {
	return &Message{JSONRPC: JSONRPCVersion, ID: id, Error: rpcErr}
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return raw, nil
}

// wireMessage is the on-the-wire shape. ID is kept raw so numeric ids from
// peers can be accepted.
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Encode serializes m as a single line (no trailing newline).
func Encode(m *Message) ([]byte, error) {
	if m.Kind() == KindInvalid {
		return nil, mcperr.Protocol("encode", fmt.Errorf("invalid message shape"))
	}
	w := wireMessage{
		JSONRPC: m.JSONRPC,
		Method:  m.Method,
		Params:  m.Params,
		Result:  m.Result,
		Error:   m.Error,
	}
	if w.JSONRPC == "" {
		w.JSONRPC = JSONRPCVersion
	}
	if m.HasID() {
		id, err := json.Marshal(m.ID)
		if err != nil {
			return nil, mcperr.Protocol("encode", err)
		}
		w.ID = id
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, mcperr.Protocol("encode", err)
	}
	return data, nil
}

// Decode parses one envelope. Payloads that are not JSON objects, carry a
// version other than 2.0, or match none of the message kinds are rejected
// with a protocol error.
func Decode(data []byte) (*Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, mcperr.Protocol("decode", errors.New("not a JSON object"))
	}

	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, mcperr.Protocol("decode", err)
	}
	if w.JSONRPC != JSONRPCVersion {
		return nil, mcperr.Protocol("decode", fmt.Errorf("unsupported jsonrpc version %q", w.JSONRPC))
	}

	id, present, err := decodeID(w.ID)
	if err != nil {
		return nil, mcperr.Protocol("decode", err)
	}

	m := &Message{
		JSONRPC: w.JSONRPC,
		ID:      id,
		EmptyID: present && id == "",
		Method:  w.Method,
		Params:  w.Params,
		Result:  w.Result,
		Error:   w.Error,
	}
	if m.Kind() == KindInvalid {
		return nil, mcperr.Protocol("decode", errors.New("not a valid JSON-RPC envelope"))
	}
	return m, nil
}

// decodeID accepts string and numeric ids; a missing or null id is absent.
func decodeID(raw json.RawMessage) (id string, present bool, err error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false, fmt.Errorf("invalid id: %w", err)
		}
		return s, true, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", false, fmt.Errorf("invalid id %s", raw)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return "", false, fmt.Errorf("invalid id %s", raw)
	}
	return n.String(), true, nil
}
