// Package server exposes the unified tool catalog as an MCP server over
// newline-delimited JSON-RPC on stdio.
package server

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/QUSEIT/simacode-sub001/internal/mcp"
	"github.com/QUSEIT/simacode-sub001/internal/mcperr"
)

// newRPCError creates an error object with optional data.
func newRPCError(code int, message string, data any) *mcp.RPCError {
	err := &mcp.RPCError{Code: code, Message: message}
	if data != nil {
		if raw, jsonErr := json.Marshal(data); jsonErr == nil {
			err.Data = raw
		}
	}
	return err
}

func errParse(detail string) *mcp.RPCError {
	return newRPCError(mcp.CodeParseError, "Parse error: "+detail, nil)
}

func errInvalidRequest(detail string) *mcp.RPCError {
	return newRPCError(mcp.CodeInvalidRequest, "Invalid Request: "+detail, nil)
}

func errMethodNotFound(method string) *mcp.RPCError {
	return newRPCError(mcp.CodeMethodNotFound, fmt.Sprintf("Method not found: %s", method), nil)
}

func errInvalidParams(detail string) *mcp.RPCError {
	return newRPCError(mcp.CodeInvalidParams, "Invalid params: "+detail, nil)
}

// toRPCError maps a tool execution error onto the wire. Upstream error
// objects pass through unchanged.
func toRPCError(tool string, err error) *mcp.RPCError {
	var rpcErr *mcp.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	var server string
	var e *mcperr.Error
	if errors.As(err, &e) {
		server = e.Server
	}
	data := map[string]string{"toolName": tool}
	if server != "" {
		data["serverId"] = server
	}

	switch mcperr.KindOf(err) {
	case mcperr.KindToolNotFound:
		return newRPCError(mcp.CodeToolNotFound, fmt.Sprintf("Tool not found: %s", tool), data)
	case mcperr.KindResourceNotFound:
		return newRPCError(mcp.CodeResourceNotFound, err.Error(), data)
	case mcperr.KindSecurity:
		return newRPCError(mcp.CodePermissionDenied, err.Error(), data)
	case mcperr.KindTimeout:
		return newRPCError(mcp.CodeToolCallTimeout, fmt.Sprintf("Tool call timeout: %s", tool), data)
	case mcperr.KindConnection:
		return newRPCError(mcp.CodeServerNotRunning, err.Error(), data)
	case mcperr.KindProtocol:
		return newRPCError(mcp.CodeInvalidParams, err.Error(), data)
	default:
		return newRPCError(mcp.CodeInternalError, "Internal error: "+err.Error(), data)
	}
}
