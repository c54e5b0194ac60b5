package fakeserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"time"
)

// Serve runs the fake MCP server, reading requests from in and writing responses to out.
// It handles initialize, ping, tools and resources methods, with configurable
// delays, errors, crashes and async tool calls.
func Serve(ctx context.Context, in io.Reader, out io.Writer, cfg Config) error {
	reader := bufio.NewReader(in)
	w := &writer{out: out}
	requestCount := 0
	methodAttempts := make(map[string]int) // track attempts per method for FailOnAttempt

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Read JSON-RPC request (NDJSON framing - read until newline)
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		var req rpcRequest
		if err := json.Unmarshal(bytes.TrimSpace(line), &req); err != nil {
			return err
		}
		if req.Method == "" {
			// client's answer to a server-initiated request
			continue
		}

		requestCount++
		methodAttempts[req.Method]++

		// Check crash conditions
		if cfg.CrashOnNthRequest > 0 && requestCount >= cfg.CrashOnNthRequest {
			os.Exit(cfg.CrashExitCode)
		}
		if cfg.CrashOnMethod != "" && req.Method == cfg.CrashOnMethod {
			os.Exit(cfg.CrashExitCode)
		}

		// Apply delay if configured
		if delay, ok := cfg.Delays[req.Method]; ok {
			time.Sleep(delay)
		}

		isNotification := len(req.ID) == 0
		if isNotification || slices.Contains(cfg.NoRespond, req.Method) {
			continue
		}

		// Check for Malformed response mode
		if cfg.Malformed {
			out.Write([]byte("this is not valid json\n"))
			continue
		}

		// Check for FailOnAttempt (for retry testing)
		if failAttempt, ok := cfg.FailOnAttempt[req.Method]; ok {
			if methodAttempts[req.Method] == failAttempt {
				w.writeErrorResponse(req.ID, JSONRPCError{
					Code: -32603, Message: "Simulated failure on attempt",
				}, cfg)
				continue
			}
		}

		// Check for forced error
		if rpcErr, ok := cfg.Errors[req.Method]; ok {
			w.writeErrorResponse(req.ID, rpcErr, cfg)
			continue
		}

		handle(w, req, cfg)
	}
}

func handle(w *writer, req rpcRequest, cfg Config) {
	switch req.Method {
	case "initialize":
		var params struct {
			ProtocolVersion string `json:"protocolVersion"`
		}
		_ = json.Unmarshal(req.Params, &params)
		if slices.Contains(cfg.RejectedVersions, params.ProtocolVersion) {
			w.writeErrorResponse(req.ID, JSONRPCError{
				Code: -32602, Message: "Unsupported protocol version: " + params.ProtocolVersion,
			}, cfg)
			return
		}
		version := cfg.ProtocolVersion
		if version == "" {
			version = params.ProtocolVersion
		}
		caps := Capabilities{Tools: &ToolsCapability{}}
		if cfg.Resources != nil {
			caps.Resources = &struct{}{}
		}
		if cfg.AsyncToolCalls {
			caps.Experimental = map[string]any{"asyncToolCalls": true}
		}
		w.writeResponse(req.ID, InitializeResult{
			ProtocolVersion: version,
			ServerInfo:      ServerInfo{Name: "fake-server", Version: "1.0.0"},
			Capabilities:    caps,
		}, cfg)

	case "ping":
		w.writeResponse(req.ID, struct{}{}, cfg)

	case "tools/list":
		w.writeResponse(req.ID, toolsPage(req.Params, cfg), cfg)

	case "tools/call":
		result, rpcErr := callTool(req.Params, cfg)
		if rpcErr != nil {
			w.writeErrorResponse(req.ID, *rpcErr, cfg)
			return
		}
		w.writeResponse(req.ID, result, cfg)

	case "tools/call_async":
		if !cfg.AsyncToolCalls {
			w.writeErrorResponse(req.ID, JSONRPCError{Code: -32601, Message: "Method not found"}, cfg)
			return
		}
		callAsync(w, req, cfg)

	case "resources/list":
		if cfg.Resources == nil {
			w.writeErrorResponse(req.ID, JSONRPCError{Code: -32601, Message: "Method not found"}, cfg)
			return
		}
		w.writeResponse(req.ID, map[string]any{"resources": cfg.Resources}, cfg)

	case "resources/read":
		var params struct {
			URI string `json:"uri"`
		}
		_ = json.Unmarshal(req.Params, &params)
		text, ok := cfg.ResourceText[params.URI]
		if !ok {
			w.writeErrorResponse(req.ID, JSONRPCError{Code: -32002, Message: "Resource not found"}, cfg)
			return
		}
		w.writeResponse(req.ID, map[string]any{
			"contents": []map[string]string{{"uri": params.URI, "mimeType": "text/plain", "text": text}},
		}, cfg)

	default:
		w.writeErrorResponse(req.ID, JSONRPCError{
			Code: -32601, Message: "Method not found",
		}, cfg)
	}
}

func toolsPage(raw json.RawMessage, cfg Config) ToolsListResult {
	tools := cfg.Tools
	if tools == nil {
		tools = []Tool{}
	}
	if cfg.PageSize <= 0 {
		return ToolsListResult{Tools: tools}
	}

	var params struct {
		Cursor string `json:"cursor"`
	}
	_ = json.Unmarshal(raw, &params)
	start, _ := strconv.Atoi(params.Cursor)
	end := min(start+cfg.PageSize, len(tools))
	if start > end {
		start = end
	}
	page := ToolsListResult{Tools: tools[start:end]}
	if end < len(tools) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page
}

func callTool(raw json.RawMessage, cfg Config) (ToolCallResult, *JSONRPCError) {
	var params ToolCallParams
	_ = json.Unmarshal(raw, &params)

	known := slices.ContainsFunc(cfg.Tools, func(t Tool) bool { return t.Name == params.Name })
	if !known && cfg.ToolHandler == nil {
		return ToolCallResult{}, &JSONRPCError{Code: -32602, Message: "Unknown tool: " + params.Name}
	}

	switch {
	case cfg.ToolHandler != nil:
		content, isError, err := cfg.ToolHandler(params.Name, params.Arguments)
		if err != nil {
			return ToolCallResult{}, &JSONRPCError{Code: -32603, Message: err.Error()}
		}
		return ToolCallResult{Content: content, IsError: isError}, nil
	case cfg.EchoToolCalls:
		args := string(params.Arguments)
		if args == "" {
			args = "{}"
		}
		return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: fmt.Sprintf("%s:%s", params.Name, args)}}}, nil
	default:
		return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: "ok: " + params.Name}}}, nil
	}
}

// callAsync acknowledges the request and then streams progress and the
// result as notifications keyed by the request id.
func callAsync(w *writer, req rpcRequest, cfg Config) {
	var requestID string
	if err := json.Unmarshal(req.ID, &requestID); err != nil {
		requestID = string(req.ID)
	}

	w.writeResponse(req.ID, map[string]bool{"accepted": true}, cfg)

	for i := 1; i <= cfg.AsyncProgressSteps; i++ {
		w.notify("notifications/tools/progress", map[string]any{
			"requestId": requestID,
			"progress":  i,
			"total":     cfg.AsyncProgressSteps,
			"message":   fmt.Sprintf("step %d", i),
		})
	}

	result, rpcErr := callTool(req.Params, cfg)
	if rpcErr != nil {
		w.notify("notifications/tools/error", map[string]any{"requestId": requestID, "error": rpcErr})
		return
	}
	w.notify("notifications/tools/result", map[string]any{"requestId": requestID, "result": result})
}
