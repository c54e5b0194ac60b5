package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/QUSEIT/simacode-sub001/internal/mcp"
	"github.com/QUSEIT/simacode-sub001/internal/unified"
)

// Catalog is the tool surface the server exposes. *unified.Registry
// implements it.
type Catalog interface {
	ListTools(ctx context.Context) []unified.ToolInfo
	ExecuteTool(ctx context.Context, name string, args json.RawMessage) <-chan mcp.ToolEvent
}

// Options configures the MCP server.
type Options struct {
	Catalog         Catalog
	Stdin           io.Reader
	Stdout          io.Writer
	ServerName      string
	ServerVersion   string
	ProtocolVersion string
	Logger          *slog.Logger
}

// Server answers MCP requests from one client.
type Server struct {
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	initialized bool
	inflight    map[string]context.CancelFunc // request id -> cancel

	reader  *bufio.Reader
	writer  io.Writer
	writeMu sync.Mutex
	calls   sync.WaitGroup
}

// New creates a server. Nothing is read until Run.
func New(opts Options) *Server {
	if opts.ServerName == "" {
		opts.ServerName = "simacode-mcp"
	}
	if opts.ProtocolVersion == "" {
		opts.ProtocolVersion = mcp.SupportedProtocolVersions[0]
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		opts:     opts,
		logger:   logger.With("component", "server"),
		inflight: make(map[string]context.CancelFunc),
		reader:   bufio.NewReader(opts.Stdin),
		writer:   opts.Stdout,
	}
}

// readResult holds a line read from stdin and any error.
type readResult struct {
	line []byte
	err  error
}

// Run processes requests until stdin closes or ctx is cancelled. Tool
// calls run concurrently; Run waits for them before returning.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.calls.Wait()
	}()

	lines := make(chan readResult)
	go func() {
		defer close(lines)
		for {
			line, err := s.reader.ReadBytes('\n')
			if len(line) > 0 {
				line = append([]byte(nil), line...)
			}
			select {
			case lines <- readResult{line, err}:
				if err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case r, ok := <-lines:
			if !ok {
				return nil
			}
			// EOF without a trailing newline still carries a message
			if line := bytes.TrimSpace(r.line); len(line) > 0 {
				s.handleMessage(ctx, line)
			}
			if r.err != nil {
				if errors.Is(r.err, io.EOF) {
					s.logger.Debug("client closed connection")
					return nil
				}
				return fmt.Errorf("read request: %w", r.err)
			}
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, data []byte) {
	s.logger.Debug("recv", "message", string(data))

	var msg rpcMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(nil, errParse(err.Error()))
		return
	}
	if msg.JSONRPC != mcp.JSONRPCVersion {
		s.sendError(msg.ID, errInvalidRequest("jsonrpc must be 2.0"))
		return
	}

	if len(msg.ID) == 0 {
		s.handleNotification(msg.Method, msg.Params)
		return
	}
	if msg.Method == "" {
		// a response to something we never send
		return
	}

	if msg.Method == mcp.MethodToolsCall {
		s.calls.Add(1)
		go func() {
			defer s.calls.Done()
			s.respond(msg.ID, s.handleToolsCall(ctx, msg.ID, msg.Params))
		}()
		return
	}
	s.respond(msg.ID, s.handleRequest(ctx, msg.Method, msg.Params))
}

type reply struct {
	result any
	err    *mcp.RPCError
}

func (s *Server) respond(id json.RawMessage, r reply) {
	if r.err != nil {
		s.sendError(id, r.err)
		return
	}
	s.sendResult(id, r.result)
}

func (s *Server) handleRequest(ctx context.Context, method string, params json.RawMessage) reply {
	switch method {
	case mcp.MethodInitialize:
		return s.handleInitialize(params)
	case mcp.MethodPing:
		return reply{result: struct{}{}}
	case mcp.MethodToolsList:
		return s.handleToolsList(ctx)
	default:
		return reply{err: errMethodNotFound(method)}
	}
}

func (s *Server) handleNotification(method string, params json.RawMessage) {
	switch method {
	case mcp.MethodInitialized:
		s.logger.Debug("client initialized")
	case "notifications/cancelled":
		var p struct {
			RequestID json.RawMessage `json:"requestId"`
			Reason    string          `json:"reason"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		s.mu.Lock()
		cancel, ok := s.inflight[string(p.RequestID)]
		s.mu.Unlock()
		if ok {
			s.logger.Info("tool call cancelled by client", "id", string(p.RequestID), "reason", p.Reason)
			cancel()
		}
	default:
		s.logger.Debug("unknown notification", "method", method)
	}
}

func (s *Server) handleInitialize(params json.RawMessage) reply {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return reply{err: errInvalidRequest("already initialized")}
	}
	var req initializeRequest
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return reply{err: errInvalidParams(err.Error())}
		}
	}
	s.logger.Info("initialize", "client", req.ClientInfo.Name, "clientVersion", req.ClientInfo.Version, "protocol", req.ProtocolVersion)
	s.initialized = true

	return reply{result: initializeResult{
		ProtocolVersion: s.opts.ProtocolVersion,
		ServerInfo:      mcp.Implementation{Name: s.opts.ServerName, Version: s.opts.ServerVersion},
		Capabilities:    capabilities{Tools: &mcp.ListChangedCapability{}},
	}}
}

func (s *Server) ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

func (s *Server) handleToolsList(ctx context.Context) reply {
	if !s.ready() {
		return reply{err: errInvalidRequest("not initialized")}
	}
	infos := s.opts.Catalog.ListTools(ctx)
	tools := make([]wireTool, 0, len(infos))
	for _, ti := range infos {
		schema := ti.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		tools = append(tools, wireTool{Name: ti.Name, Description: ti.Description, InputSchema: schema})
	}
	return reply{result: toolsListResult{Tools: tools}}
}

func (s *Server) handleToolsCall(ctx context.Context, id json.RawMessage, params json.RawMessage) reply {
	if !s.ready() {
		return reply{err: errInvalidRequest("not initialized")}
	}
	var req toolsCallRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return reply{err: errInvalidParams(err.Error())}
	}
	if req.Name == "" {
		return reply{err: errInvalidParams("name is required")}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	key := string(id)
	s.mu.Lock()
	s.inflight[key] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
	}()

	var token json.RawMessage
	if req.Meta != nil {
		token = req.Meta.ProgressToken
	}

	var last mcp.ToolEvent
	for ev := range s.opts.Catalog.ExecuteTool(ctx, req.Name, req.Arguments) {
		if !ev.Terminal() {
			if len(token) > 0 {
				s.sendNotification("notifications/progress", progressParams{
					ProgressToken: token,
					Progress:      ev.Progress,
					Total:         ev.Total,
					Message:       ev.Message,
				})
			}
			continue
		}
		last = ev
	}

	switch {
	case last.Type == mcp.ToolEventResult && last.Result != nil:
		return reply{result: last.Result}
	case last.Err != nil:
		return reply{err: toRPCError(req.Name, last.Err)}
	default:
		return reply{err: toRPCError(req.Name, errors.New("tool call ended without a result"))}
	}
}

func (s *Server) sendResult(id json.RawMessage, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.sendError(id, newRPCError(mcp.CodeInternalError, "Internal error: "+err.Error(), nil))
		return
	}
	s.send(rpcResponse{JSONRPC: mcp.JSONRPCVersion, ID: id, Result: raw})
}

func (s *Server) sendError(id json.RawMessage, rpcErr *mcp.RPCError) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	s.send(rpcResponse{JSONRPC: mcp.JSONRPCVersion, ID: id, Error: rpcErr})
}

func (s *Server) sendNotification(method string, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		s.logger.Warn("marshal notification", "method", method, "error", err)
		return
	}
	s.send(rpcMessage{JSONRPC: mcp.JSONRPCVersion, Method: method, Params: raw})
}

// send writes one line-delimited message.
func (s *Server) send(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warn("marshal response", "error", err)
		return
	}
	s.logger.Debug("send", "message", string(data))

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, _ = s.writer.Write(append(data, '\n'))
}

// JSON-RPC message types. IDs stay raw so numeric ids are echoed back as
// numbers.

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *mcp.RPCError   `json:"error,omitempty"`
}

type initializeRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    any                `json:"capabilities"`
	ClientInfo      mcp.Implementation `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      mcp.Implementation `json:"serverInfo"`
	Capabilities    capabilities       `json:"capabilities"`
}

type capabilities struct {
	Tools *mcp.ListChangedCapability `json:"tools,omitempty"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type toolsListResult struct {
	Tools []wireTool `json:"tools"`
}

type toolsCallRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      *struct {
		ProgressToken json.RawMessage `json:"progressToken,omitempty"`
	} `json:"_meta,omitempty"`
}

type progressParams struct {
	ProgressToken json.RawMessage `json:"progressToken"`
	Progress      float64         `json:"progress"`
	Total         float64         `json:"total,omitempty"`
	Message       string          `json:"message,omitempty"`
}
