package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/QUSEIT/simacode-sub001/internal/mcp"
	"github.com/QUSEIT/simacode-sub001/internal/mcperr"
	"github.com/QUSEIT/simacode-sub001/internal/unified"
)

// ManagerPrefix marks the tools served by the gateway itself.
const ManagerPrefix = "simacode."

const defaultLogLines = 50

// ServerInfo is one row of simacode.servers_list.
type ServerInfo struct {
	Name        string  `json:"name"`
	Kind        string  `json:"kind"`
	State       string  `json:"state"`
	Health      string  `json:"health"`
	Version     string  `json:"version,omitempty"`
	Uptime      string  `json:"uptime,omitempty"`
	ToolCount   int     `json:"toolCount"`
	SuccessRate float64 `json:"successRate"`
	LastError   string  `json:"lastError,omitempty"`
}

type managerTools struct {
	reg *unified.Registry
}

// AddManagerTools registers the gateway's own tools on b. They bypass
// server permissions since they never reach an upstream server.
func AddManagerTools(b *unified.BuiltIns, reg *unified.Registry) error {
	m := &managerTools{reg: reg}
	defs := []struct {
		name, desc, schema string
		fn                 unified.BuiltinFunc
	}{
		{
			"servers_list", "List configured MCP servers with connection state and health",
			`{"type":"object","properties":{}}`,
			m.serversList,
		},
		{
			"search_tools", "Search the tool catalog by name, description or category",
			`{"type":"object","properties":{"query":{"type":"string"},"limit":{"type":"integer","minimum":0}},"required":["query"]}`,
			m.searchTools,
		},
		{
			"reconnect_server", "Reconnect an MCP server and refresh its tools",
			`{"type":"object","properties":{"server":{"type":"string"}},"required":["server"]}`,
			m.reconnectServer,
		},
		{
			"server_logs", "Show recent stderr lines of a stdio server",
			`{"type":"object","properties":{"server":{"type":"string"},"lines":{"type":"integer","minimum":0}},"required":["server"]}`,
			m.serverLogs,
		},
	}
	for _, d := range defs {
		tool := mcp.Tool{Name: ManagerPrefix + d.name, Description: d.desc, InputSchema: json.RawMessage(d.schema)}
		if err := b.Add(tool, d.fn); err != nil {
			return err
		}
	}
	return nil
}

func (m *managerTools) serversList(ctx context.Context, _ json.RawMessage) (*mcp.ToolResult, error) {
	statuses := m.reg.Manager().Statuses()
	servers := make([]ServerInfo, 0, len(statuses))
	for _, st := range statuses {
		info := ServerInfo{
			Name:        st.Name,
			Kind:        string(st.Kind),
			State:       st.State.String(),
			Health:      string(st.Health.Status),
			Version:     st.ServerInfo.Version,
			ToolCount:   st.Tools,
			SuccessRate: st.Health.SuccessRate(),
		}
		if !st.ConnectedAt.IsZero() {
			info.Uptime = time.Since(st.ConnectedAt).Round(time.Second).String()
		}
		if st.LastError != nil {
			info.LastError = st.LastError.Error()
		}
		servers = append(servers, info)
	}
	return textResult(mustJSON(servers)), nil
}

func (m *managerTools) searchTools(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
	var args struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return nil, mcperr.Protocol("search_tools", err)
	}
	hits, err := m.reg.SearchTools(ctx, args.Query, args.Limit)
	if err != nil {
		return nil, err
	}
	return textResult(mustJSON(hits)), nil
}

func (m *managerTools) reconnectServer(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
	var args struct {
		Server string `json:"server"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return nil, mcperr.Protocol("reconnect_server", err)
	}
	mgr := m.reg.Manager()
	if mgr.Client(args.Server) == nil {
		return mcp.TextResult(fmt.Sprintf("Server %s is not configured", args.Server), true), nil
	}
	if err := mgr.Reconnect(ctx, args.Server); err != nil {
		return nil, err
	}
	tools, err := mgr.ServerTools(ctx, args.Server)
	if err != nil {
		return nil, err
	}
	res := m.reg.Tools().RegisterServerTools(args.Server, tools)
	return textResult(fmt.Sprintf("Reconnected %s (tools: %d, failed: %d)", args.Server, res.Registered, res.Failed)), nil
}

func (m *managerTools) serverLogs(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
	var args struct {
		Server string `json:"server"`
		Lines  int    `json:"lines"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return nil, mcperr.Protocol("server_logs", err)
	}
	if args.Lines <= 0 {
		args.Lines = defaultLogLines
	}
	c := m.reg.Manager().Client(args.Server)
	if c == nil {
		return mcp.TextResult(fmt.Sprintf("Server %s is not configured", args.Server), true), nil
	}

	logs := c.Logs()
	if len(logs) > args.Lines {
		logs = logs[len(logs)-args.Lines:]
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Last %d log lines from %s:\n", len(logs), args.Server)
	for _, line := range logs {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return textResult(sb.String()), nil
}

func textResult(text string) *mcp.ToolResult {
	return mcp.TextResult(text, false)
}

// mustJSON marshals v for a text block, panicking on error.
func mustJSON(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		panic(err)
	}
	return string(b)
}
