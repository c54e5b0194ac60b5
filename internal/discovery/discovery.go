// Package discovery indexes the tools offered by MCP servers and answers
// lookup, search and recommendation queries over them.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/QUSEIT/simacode-sub001/internal/mcp"
)

// DefaultTTL is how long a server's index stays fresh.
const DefaultTTL = 5 * time.Minute

// Source enumerates servers and fetches their tool lists. The server
// manager implements it; discovery never owns clients.
type Source interface {
	ServerNames() []string
	ServerTools(ctx context.Context, server string) ([]mcp.Tool, error)
}

// Options configures a Discovery.
type Options struct {
	TTL    time.Duration
	Logger *slog.Logger
	Now    func() time.Time
}

type serverIndex struct {
	tools     map[string]*ToolMetadata
	order     []string
	refreshed time.Time
	stale     bool
}

// Discovery is the tool index. All methods are safe for concurrent use.
type Discovery struct {
	src    Source
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	servers map[string]*serverIndex
}

// New creates an empty index over src. src may be nil when the index is only
// fed through Index and Upsert.
func New(src Source, opts Options) *Discovery {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Discovery{
		src:     src,
		ttl:     opts.TTL,
		logger:  opts.Logger.With("component", "discovery"),
		now:     opts.Now,
		servers: make(map[string]*serverIndex),
	}
}

// Index replaces the index of server with tools. Usage statistics and
// registration times of tools that are still present carry over.
func (d *Discovery) Index(server string, tools []mcp.Tool) {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	old := d.servers[server]
	idx := &serverIndex{
		tools:     make(map[string]*ToolMetadata, len(tools)),
		order:     make([]string, 0, len(tools)),
		refreshed: now,
	}
	for _, tool := range tools {
		if _, dup := idx.tools[tool.Name]; dup {
			continue
		}
		var prev *ToolMetadata
		if old != nil {
			prev = old.tools[tool.Name]
		}
		idx.tools[tool.Name] = newMetadata(server, tool, prev, now)
		idx.order = append(idx.order, tool.Name)
	}
	d.servers[server] = idx
}

func newMetadata(server string, tool mcp.Tool, prev *ToolMetadata, now time.Time) *ToolMetadata {
	tool.Server = server
	m := &ToolMetadata{
		Tool:         tool,
		Server:       server,
		Category:     Categorize(tool.Name, tool.Description),
		Keywords:     keywords(tool),
		Tokens:       CountTokens(tool),
		RegisteredAt: now,
		DiscoveredAt: now,
	}
	if prev != nil {
		m.UsageCount = prev.UsageCount
		m.SuccessCount = prev.SuccessCount
		m.SuccessRate = prev.SuccessRate
		m.AvgLatency = prev.AvgLatency
		m.LastUsed = prev.LastUsed
		m.RegisteredAt = prev.RegisteredAt
	}
	return m
}

// Upsert adds or replaces a single tool, keeping its usage statistics.
func (d *Discovery) Upsert(server string, tool mcp.Tool) {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	idx, ok := d.servers[server]
	if !ok {
		idx = &serverIndex{tools: make(map[string]*ToolMetadata), refreshed: now}
		d.servers[server] = idx
	}
	prev, exists := idx.tools[tool.Name]
	idx.tools[tool.Name] = newMetadata(server, tool, prev, now)
	if !exists {
		idx.order = append(idx.order, tool.Name)
	}
}

// RemoveTool drops one tool. It reports whether the tool was indexed.
func (d *Discovery) RemoveTool(server, tool string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx, ok := d.servers[server]
	if !ok {
		return false
	}
	if _, ok := idx.tools[tool]; !ok {
		return false
	}
	delete(idx.tools, tool)
	for i, name := range idx.order {
		if name == tool {
			idx.order = append(idx.order[:i], idx.order[i+1:]...)
			break
		}
	}
	return true
}

// Remove drops the whole index of server.
func (d *Discovery) Remove(server string) {
	d.mu.Lock()
	delete(d.servers, server)
	d.mu.Unlock()
}

// Invalidate marks server stale so the next Tools call refetches it.
func (d *Discovery) Invalidate(server string) {
	d.mu.Lock()
	if idx, ok := d.servers[server]; ok {
		idx.stale = true
	}
	d.mu.Unlock()
}

// Refresh refetches server from the source and reindexes it.
func (d *Discovery) Refresh(ctx context.Context, server string) error {
	if d.src == nil {
		return errors.New("discovery: no source")
	}
	tools, err := d.src.ServerTools(ctx, server)
	if err != nil {
		d.logger.Warn("refresh failed", "server", server, "error", err)
		return fmt.Errorf("refresh %s: %w", server, err)
	}
	d.Index(server, tools)
	d.logger.Debug("refreshed", "server", server, "tools", len(tools))
	return nil
}

// RefreshAll refreshes every server the source knows and drops servers it
// no longer reports. Per-server failures are joined.
func (d *Discovery) RefreshAll(ctx context.Context) error {
	if d.src == nil {
		return errors.New("discovery: no source")
	}
	names := d.src.ServerNames()
	known := make(map[string]bool, len(names))
	var errs []error
	for _, name := range names {
		known[name] = true
		if err := d.Refresh(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}

	d.mu.Lock()
	for name := range d.servers {
		if !known[name] {
			delete(d.servers, name)
		}
	}
	d.mu.Unlock()
	return errors.Join(errs...)
}

func (d *Discovery) needsRefresh(server string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	idx, ok := d.servers[server]
	return !ok || idx.stale || d.now().Sub(idx.refreshed) > d.ttl
}

// Tools refreshes stale servers, then lists every indexed tool in server
// order. Tools of servers whose refresh failed are served from the previous
// index and the failures are returned alongside.
func (d *Discovery) Tools(ctx context.Context) ([]ToolMetadata, error) {
	var errs []error
	if d.src != nil {
		for _, name := range d.src.ServerNames() {
			if d.needsRefresh(name) {
				if err := d.Refresh(ctx, name); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	return d.All(), errors.Join(errs...)
}

// All lists the index as it is, without refreshing.
func (d *Discovery) All() []ToolMetadata {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []ToolMetadata
	for _, server := range d.serverOrder() {
		idx := d.servers[server]
		for _, name := range idx.order {
			out = append(out, *idx.tools[name])
		}
	}
	return out
}

// ServerTools lists the indexed tools of one server.
func (d *Discovery) ServerTools(server string) []ToolMetadata {
	d.mu.RLock()
	defer d.mu.RUnlock()
	idx, ok := d.servers[server]
	if !ok {
		return nil
	}
	out := make([]ToolMetadata, 0, len(idx.order))
	for _, name := range idx.order {
		out = append(out, *idx.tools[name])
	}
	return out
}

// serverOrder follows the source's order, then any extra indexed servers by
// name. Must be called with d.mu held.
func (d *Discovery) serverOrder() []string {
	var order []string
	seen := make(map[string]bool)
	if d.src != nil {
		for _, name := range d.src.ServerNames() {
			if _, ok := d.servers[name]; ok && !seen[name] {
				order = append(order, name)
				seen[name] = true
			}
		}
	}
	var rest []string
	for name := range d.servers {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}

// Get returns the metadata of one tool.
func (d *Discovery) Get(server, tool string) (ToolMetadata, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	idx, ok := d.servers[server]
	if !ok {
		return ToolMetadata{}, false
	}
	m, ok := idx.tools[tool]
	if !ok {
		return ToolMetadata{}, false
	}
	return *m, true
}

// Find returns every tool named exactly name, in server order.
func (d *Discovery) Find(name string) []ToolMetadata {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []ToolMetadata
	for _, server := range d.serverOrder() {
		if m, ok := d.servers[server].tools[name]; ok {
			out = append(out, *m)
		}
	}
	return out
}

// ByCategory lists the tools of one category.
func (d *Discovery) ByCategory(category string) []ToolMetadata {
	var out []ToolMetadata
	for _, m := range d.All() {
		if m.Category == category {
			out = append(out, m)
		}
	}
	return out
}

// Categories counts tools per category.
func (d *Discovery) Categories() map[string]int {
	out := make(map[string]int)
	for _, m := range d.All() {
		out[m.Category]++
	}
	return out
}

// RecordUsage folds one invocation into the statistics of a tool. Unknown
// tools are ignored.
func (d *Discovery) RecordUsage(server, tool string, success bool, latency time.Duration) {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	idx, ok := d.servers[server]
	if !ok {
		return
	}
	m, ok := idx.tools[tool]
	if !ok {
		return
	}
	m.UsageCount++
	if success {
		m.SuccessCount++
	}
	m.SuccessRate = float64(m.SuccessCount) / float64(m.UsageCount)
	m.AvgLatency += (latency - m.AvgLatency) / time.Duration(m.UsageCount)
	m.LastUsed = now
}
