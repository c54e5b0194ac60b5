// Package registry is the write side of the tool catalog. It names tools
// through the namespace manager, indexes them in discovery and answers
// lookups by full name, alias or bare tool name.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/QUSEIT/simacode-sub001/internal/discovery"
	"github.com/QUSEIT/simacode-sub001/internal/mcp"
	"github.com/QUSEIT/simacode-sub001/internal/mcperr"
	"github.com/QUSEIT/simacode-sub001/internal/namespace"
)

// Servers is the view of the server manager the registry needs.
type Servers interface {
	ServerNames() []string
	ServerTools(ctx context.Context, server string) ([]mcp.Tool, error)
}

// Options configures a Registry.
type Options struct {
	Logger *slog.Logger

	// NamespaceFor picks the namespace of a server's tools. Nil uses the
	// server name.
	NamespaceFor func(server string) string

	// MaxConcurrent bounds DiscoverAndRegisterAll fan-out.
	MaxConcurrent int
}

// Entry is one registered tool.
type Entry struct {
	FullName     string
	Tool         mcp.Tool
	Server       string
	Namespace    string
	RegisteredAt time.Time
	UpdatedAt    time.Time
}

// Result summarizes a RegisterServerTools call.
type Result struct {
	Registered int
	Failed     int
	Errors     []error
}

// Registry holds the registered tools.
type Registry struct {
	servers Servers
	ns      *namespace.Manager
	disc    *discovery.Discovery
	opts    Options
	logger  *slog.Logger

	mu       sync.RWMutex
	entries  map[string]*Entry
	byServer map[string]map[string]string // server -> tool -> full name
}

// New creates an empty registry. servers may be nil when tools are only
// registered explicitly.
func New(servers Servers, ns *namespace.Manager, disc *discovery.Discovery, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	return &Registry{
		servers:  servers,
		ns:       ns,
		disc:     disc,
		opts:     opts,
		logger:   logger.With("component", "registry"),
		entries:  make(map[string]*Entry),
		byServer: make(map[string]map[string]string),
	}
}

// Namespaces exposes the namespace manager.
func (r *Registry) Namespaces() *namespace.Manager { return r.ns }

func (r *Registry) namespaceFor(server string) string {
	if r.opts.NamespaceFor != nil {
		if ns := r.opts.NamespaceFor(server); ns != "" {
			return ns
		}
	}
	return server
}

// RegisterTool names and indexes one tool. Registering the same tool again
// returns its existing name and refreshes the stored definition.
func (r *Registry) RegisterTool(server string, tool mcp.Tool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.register(server, tool)
}

func (r *Registry) register(server string, tool mcp.Tool) (string, error) {
	ns := r.namespaceFor(server)
	full, err := r.ns.RegisterToolName(tool.Name, server, ns)
	if err != nil {
		return "", mcperr.WithServer(err, server)
	}
	tool.Server = server
	now := time.Now()
	if e, ok := r.entries[full]; ok {
		e.Tool = tool
		e.UpdatedAt = now
	} else {
		r.entries[full] = &Entry{
			FullName:     full,
			Tool:         tool,
			Server:       server,
			Namespace:    ns,
			RegisteredAt: now,
			UpdatedAt:    now,
		}
	}
	if r.byServer[server] == nil {
		r.byServer[server] = make(map[string]string)
	}
	r.byServer[server][tool.Name] = full
	if r.disc != nil {
		r.disc.Upsert(server, tool)
	}
	return full, nil
}

// UpdateTool replaces the definition of a registered tool, keeping its name
// and usage statistics. Unknown tools are registered.
func (r *Registry) UpdateTool(server string, tool mcp.Tool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	full, ok := r.byServer[server][tool.Name]
	if !ok {
		return r.register(server, tool)
	}
	tool.Server = server
	e := r.entries[full]
	e.Tool = tool
	e.UpdatedAt = time.Now()
	if r.disc != nil {
		r.disc.Upsert(server, tool)
	}
	return full, nil
}

// UnregisterTool removes one tool of server.
func (r *Registry) UnregisterTool(server, tool string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unregister(server, tool)
}

func (r *Registry) unregister(server, tool string) bool {
	full, ok := r.byServer[server][tool]
	if !ok {
		return false
	}
	delete(r.byServer[server], tool)
	if len(r.byServer[server]) == 0 {
		delete(r.byServer, server)
	}
	delete(r.entries, full)
	r.ns.UnregisterTool(full)
	if r.disc != nil {
		r.disc.RemoveTool(server, tool)
	}
	return true
}

// RegisterServerTools registers every tool of server and counts outcomes.
func (r *Registry) RegisterServerTools(server string, tools []mcp.Tool) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res Result
	for _, t := range tools {
		if _, err := r.register(server, t); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, err)
			r.logger.Warn("tool registration failed", "server", server, "tool", t.Name, "error", err)
			continue
		}
		res.Registered++
	}
	return res
}

// UnregisterServerTools removes every tool of server and returns how many
// were removed.
func (r *Registry) UnregisterServerTools(server string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for tool := range r.byServer[server] {
		if r.unregister(server, tool) {
			n++
		}
	}
	return n
}

// DiscoverAndRegisterAll fetches every server's tools and registers them.
// It returns the number of tools registered; a failing server is reported
// in the joined error while the others are still registered. Calling it
// again with unchanged servers leaves the catalog unchanged.
func (r *Registry) DiscoverAndRegisterAll(ctx context.Context) (int, error) {
	if r.servers == nil {
		return 0, errors.New("registry: no server source")
	}

	var (
		g     errgroup.Group
		mu    sync.Mutex
		total int
		errs  []error
	)
	g.SetLimit(r.opts.MaxConcurrent)
	for _, name := range r.servers.ServerNames() {
		g.Go(func() error {
			tools, err := r.servers.ServerTools(ctx, name)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("discover %s: %w", name, err))
				mu.Unlock()
				return nil
			}
			res := r.RegisterServerTools(name, tools)
			mu.Lock()
			total += res.Registered
			errs = append(errs, res.Errors...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	r.logger.Debug("discovery registration finished", "registered", total, "errors", len(errs))
	return total, errors.Join(errs...)
}

// List returns every entry sorted by full name.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// ServerEntries lists the entries of one server sorted by full name.
func (r *Registry) ServerEntries(server string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entry
	for _, full := range r.byServer[server] {
		out = append(out, *r.entries[full])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out
}

// Get looks up a full name.
func (r *Registry) Get(full string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[full]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Lookup finds the entry of tool on server.
func (r *Registry) Lookup(server, tool string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	full, ok := r.byServer[server][tool]
	if !ok {
		return Entry{}, false
	}
	return *r.entries[full], true
}

// Resolve accepts a full name, an alias or a bare tool name. Bare names
// resolve to the first server exposing the tool in server order.
func (r *Registry) Resolve(name string) (Entry, bool) {
	if e, ok := r.Get(name); ok {
		return e, true
	}
	if tn, ok := r.ns.Resolve(name); ok {
		if e, ok := r.Get(tn.FullName); ok {
			return e, true
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, server := range r.serverOrder() {
		if full, ok := r.byServer[server][name]; ok {
			return *r.entries[full], true
		}
	}
	return Entry{}, false
}

// serverOrder must be called with r.mu held.
func (r *Registry) serverOrder() []string {
	var order []string
	seen := make(map[string]bool)
	if r.servers != nil {
		for _, s := range r.servers.ServerNames() {
			if _, ok := r.byServer[s]; ok {
				order = append(order, s)
				seen[s] = true
			}
		}
	}
	var rest []string
	for s := range r.byServer {
		if !seen[s] {
			rest = append(rest, s)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}

// Owner returns the server that owns name.
func (r *Registry) Owner(name string) (string, bool) {
	e, ok := r.Resolve(name)
	return e.Server, ok
}
