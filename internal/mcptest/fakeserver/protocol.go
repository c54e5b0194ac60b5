// Package fakeserver provides a fake MCP server for testing.
package fakeserver

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Config controls the fake server's behavior.
type Config struct {
	// Tools to return from tools/list
	Tools []Tool `json:"tools"`

	// PageSize splits tools/list into pages linked by nextCursor (0 = one page)
	PageSize int `json:"pageSize"`

	// Resources to return from resources/list; ResourceText holds the
	// resources/read contents by uri.
	Resources    []Resource        `json:"resources"`
	ResourceText map[string]string `json:"resourceText"`

	// Per-method delays (simulate slow responses)
	// NOTE: Use short delays (10-50ms) in tests to avoid slow suite.
	Delays map[string]time.Duration `json:"delays"`

	// Per-method forced errors (JSON-RPC error responses)
	Errors map[string]JSONRPCError `json:"errors"`

	// Methods that are read but never answered
	NoRespond []string `json:"noRespond"`

	// Crash behavior
	CrashOnMethod     string `json:"crashOnMethod"`     // crash when this method is called
	CrashOnNthRequest int    `json:"crashOnNthRequest"` // crash on Nth request (0 = never)
	CrashExitCode     int    `json:"crashExitCode"`     // exit code when crashing

	// Retry testing: fail on specific attempt, succeed on others
	FailOnAttempt map[string]int `json:"failOnAttempt"` // method -> attempt number to fail (1-indexed)

	// Protocol version negotiation
	ProtocolVersion  string   `json:"protocolVersion"`  // reported in initialize (default: requested version)
	RejectedVersions []string `json:"rejectedVersions"` // initialize fails for these versions

	// Async tool calls: advertise capabilities.experimental.asyncToolCalls and
	// send AsyncProgressSteps progress notifications before the result.
	AsyncToolCalls     bool `json:"asyncToolCalls"`
	AsyncProgressSteps int  `json:"asyncProgressSteps"`

	// Protocol edge cases for stream realism
	// These options test that the client handles interleaved messages correctly.
	SendNotificationBeforeResponse bool `json:"sendNotificationBeforeResponse"` // send a notification before each response
	SendMismatchedIDFirst          bool `json:"sendMismatchedIDFirst"`          // send a response with wrong ID before correct one
	SendPingBeforeResponse         bool `json:"sendPingBeforeResponse"`         // send a server->client ping before each response

	// Protocol edge cases
	Malformed bool `json:"malformed"` // write invalid JSON

	// Tool call handling
	ToolHandler   ToolHandler `json:"-"`             // Custom handler for tools/call (not JSON-serializable)
	EchoToolCalls bool        `json:"echoToolCalls"` // If true, tools/call returns the tool name and arguments as text
}

// Tool represents an MCP tool definition.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"inputSchema,omitempty"`
}

// Resource represents an MCP resource.
type Resource struct {
	URI      string `json:"uri"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// rpcRequest is a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcResponse is a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// rpcNotification is a JSON-RPC 2.0 notification.
type rpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// InitializeResult is the result of the initialize request.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
	Capabilities    Capabilities `json:"capabilities"`
}

// ServerInfo describes the server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities describes server capabilities.
type Capabilities struct {
	Tools        *ToolsCapability `json:"tools,omitempty"`
	Resources    *struct{}        `json:"resources,omitempty"`
	Experimental map[string]any   `json:"experimental,omitempty"`
}

// ToolsCapability indicates the server supports tools.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ToolsListResult is the result of tools/list.
type ToolsListResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// ToolCallParams is the params for tools/call.
type ToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolCallResult is the result of tools/call.
type ToolCallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock represents a content block in a tool result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolHandler is a function that handles a tool call.
type ToolHandler func(name string, arguments json.RawMessage) ([]ContentBlock, bool, error)

// writer serializes NDJSON lines onto out.
type writer struct {
	mu  sync.Mutex
	out io.Writer
}

func (w *writer) line(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.out.Write(append(data, '\n'))
}

func (w *writer) notify(method string, params any) {
	w.line(rpcNotification{JSONRPC: "2.0", Method: method, Params: params})
}

// noise writes the configured stream-realism messages ahead of a response.
func (w *writer) noise(cfg Config) {
	if cfg.SendNotificationBeforeResponse {
		w.notify("test/noise", nil)
	}
	if cfg.SendMismatchedIDFirst {
		w.line(rpcResponse{JSONRPC: "2.0", ID: json.RawMessage(`99999`), Result: json.RawMessage(`{}`)})
	}
	if cfg.SendPingBeforeResponse {
		w.line(rpcRequest{JSONRPC: "2.0", ID: json.RawMessage(`"server-ping"`), Method: "ping"})
	}
}

// writeResponse writes a JSON-RPC response with NDJSON framing.
func (w *writer) writeResponse(id json.RawMessage, result any, cfg Config) error {
	w.noise(cfg)
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return err
	}
	w.line(rpcResponse{JSONRPC: "2.0", ID: id, Result: resultJSON})
	return nil
}

// writeErrorResponse writes a JSON-RPC error response with NDJSON framing.
func (w *writer) writeErrorResponse(id json.RawMessage, rpcErr JSONRPCError, cfg Config) {
	w.noise(cfg)
	w.line(rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcErr})
}
