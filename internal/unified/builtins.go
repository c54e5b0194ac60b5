package unified

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/QUSEIT/simacode-sub001/internal/mcp"
	"github.com/QUSEIT/simacode-sub001/internal/mcperr"
)

// ToolSet is a source of tools executed in-process. Built-in tools share
// the list and execute contract of MCP tools.
type ToolSet interface {
	Tools() []mcp.Tool
	Execute(ctx context.Context, name string, args json.RawMessage) <-chan mcp.ToolEvent
}

// BuiltinFunc runs a built-in tool.
type BuiltinFunc func(ctx context.Context, args json.RawMessage) (*mcp.ToolResult, error)

// BuiltIns is a ToolSet backed by Go functions.
type BuiltIns struct {
	mu    sync.RWMutex
	order []string
	tools map[string]mcp.Tool
	funcs map[string]BuiltinFunc
}

func NewBuiltIns() *BuiltIns {
	return &BuiltIns{tools: make(map[string]mcp.Tool), funcs: make(map[string]BuiltinFunc)}
}

// Add registers a tool. Names must be unique.
func (b *BuiltIns) Add(tool mcp.Tool, fn BuiltinFunc) error {
	if tool.Name == "" || fn == nil {
		return mcperr.Configuration("add builtin", fmt.Errorf("builtin needs a name and a function"))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tools[tool.Name]; ok {
		return mcperr.Configuration("add builtin", fmt.Errorf("builtin %q already exists", tool.Name))
	}
	b.order = append(b.order, tool.Name)
	b.tools[tool.Name] = tool
	b.funcs[tool.Name] = fn
	return nil
}

// Tools returns the tools in registration order.
func (b *BuiltIns) Tools() []mcp.Tool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]mcp.Tool, 0, len(b.order))
	for _, n := range b.order {
		out = append(out, b.tools[n])
	}
	return out
}

// Execute runs name and yields its single terminal event.
func (b *BuiltIns) Execute(ctx context.Context, name string, args json.RawMessage) <-chan mcp.ToolEvent {
	b.mu.RLock()
	fn, ok := b.funcs[name]
	b.mu.RUnlock()
	if !ok {
		return mcp.Single(mcp.ErrorEvent("", mcperr.ToolNotFound(name)))
	}

	out := make(chan mcp.ToolEvent, 1)
	go func() {
		defer close(out)
		result, err := fn(ctx, args)
		if err != nil {
			out <- mcp.ErrorEvent("", err)
			return
		}
		out <- mcp.ResultEvent("", result)
	}()
	return out
}
