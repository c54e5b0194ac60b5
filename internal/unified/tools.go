package unified

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/QUSEIT/simacode-sub001/internal/discovery"
	"github.com/QUSEIT/simacode-sub001/internal/mcp"
	"github.com/QUSEIT/simacode-sub001/internal/registry"
)

// ToolInfo describes one tool of the catalog.
type ToolInfo struct {
	Name        string          `json:"name"`
	Tool        string          `json:"tool"`
	Description string          `json:"description,omitempty"`
	Server      string          `json:"server,omitempty"`
	Namespace   string          `json:"namespace,omitempty"`
	BuiltIn     bool            `json:"builtin,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Category    string          `json:"category,omitempty"`
	UsageCount  int             `json:"usageCount"`
	SuccessRate float64         `json:"successRate"`
}

// SearchResult is a ranked search hit.
type SearchResult struct {
	ToolInfo
	Match discovery.MatchKind `json:"match"`
}

func builtinInfo(t mcp.Tool) ToolInfo {
	return ToolInfo{
		Name:        t.Name,
		Tool:        t.Name,
		Description: t.Description,
		BuiltIn:     true,
		InputSchema: t.InputSchema,
		Category:    discovery.Categorize(t.Name, t.Description),
	}
}

func (r *Registry) entryInfo(e registry.Entry) ToolInfo {
	info := ToolInfo{
		Name:        e.FullName,
		Tool:        e.Tool.Name,
		Description: e.Tool.Description,
		Server:      e.Server,
		Namespace:   e.Namespace,
		InputSchema: e.Tool.InputSchema,
	}
	if meta, ok := r.mgr.Discovery().Get(e.Server, e.Tool.Name); ok {
		info.Category = meta.Category
		info.UsageCount = meta.UsageCount
		info.SuccessRate = meta.SuccessRate
	} else {
		info.Category = discovery.Categorize(e.Tool.Name, e.Tool.Description)
	}
	return info
}

func (r *Registry) builtin(name string) (mcp.Tool, bool) {
	for _, t := range r.builtins.Tools() {
		if t.Name == name {
			return t, true
		}
	}
	return mcp.Tool{}, false
}

// ListTools returns the built-in tools followed by every registered MCP
// tool ordered by full name.
func (r *Registry) ListTools(ctx context.Context) []ToolInfo {
	var out []ToolInfo
	for _, t := range r.builtins.Tools() {
		out = append(out, builtinInfo(t))
	}
	for _, e := range r.tools.List() {
		if ctx.Err() != nil {
			break
		}
		out = append(out, r.entryInfo(e))
	}
	return out
}

// SearchTools ranks tools against query. Built-ins whose name contains the
// query come first as exact hits.
func (r *Registry) SearchTools(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	var out []SearchResult
	q := strings.ToLower(strings.TrimSpace(query))
	for _, t := range r.builtins.Tools() {
		if q != "" && strings.Contains(strings.ToLower(t.Name), q) {
			out = append(out, SearchResult{ToolInfo: builtinInfo(t), Match: discovery.MatchExact})
		}
	}

	hits, err := r.mgr.Discovery().Search(ctx, query, 0)
	for _, h := range hits {
		e, ok := r.tools.Lookup(h.Server, h.Tool.Name)
		if !ok {
			continue
		}
		out = append(out, SearchResult{ToolInfo: r.entryInfo(e), Match: h.Match})
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

// GetToolInfo looks up a built-in name, a full name, an alias or a bare
// tool name.
func (r *Registry) GetToolInfo(name string) (ToolInfo, bool) {
	if t, ok := r.builtin(name); ok {
		return builtinInfo(t), true
	}
	e, ok := r.tools.Resolve(name)
	if !ok {
		return ToolInfo{}, false
	}
	return r.entryInfo(e), true
}
