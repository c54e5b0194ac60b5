// Package namespace assigns collision-free full names to tools registered by
// many servers and keeps them in a bounded namespace tree.
package namespace

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/QUSEIT/simacode-sub001/internal/mcperr"
)

// Policy decides what happens when a full name is already owned by another
// server.
type Policy string

const (
	PolicySuffix Policy = "suffix" // ns:tool_2, ns:tool_3, ...
	PolicyAlias  Policy = "alias"  // ns:tool@server plus alias server.tool
	PolicyReject Policy = "reject"
)

// ParsePolicy converts a config string. Empty means PolicySuffix.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(s)) {
	case "", PolicySuffix:
		return PolicySuffix, nil
	case PolicyAlias:
		return PolicyAlias, nil
	case PolicyReject:
		return PolicyReject, nil
	}
	return "", mcperr.Configuration("namespace policy", fmt.Errorf("unknown collision policy %q", s))
}

const (
	DefaultSeparator = ":"
	DefaultMaxDepth  = 4
)

// Config configures a Manager.
type Config struct {
	Separator string
	MaxDepth  int
	Policy    Policy
	Logger    *slog.Logger
}

// Entry is one namespace.
type Entry struct {
	Name        string
	Description string
	Server      string // set for namespaces created implicitly by a server
	Parent      string
	Children    []string
	Aliases     []string
	Tools       []string // full names
	CreatedAt   time.Time
}

// ToolName is a registered tool.
type ToolName struct {
	FullName  string
	Tool      string
	Server    string
	Namespace string
}

type ownerKey struct{ server, tool, ns string }

// Manager owns the namespace tree and the name tables.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.RWMutex
	namespaces map[string]*Entry
	tools      map[string]ToolName
	aliases    map[string]string // alias -> full name
	owners     map[ownerKey]string
}

// NewManager creates an empty manager.
func NewManager(cfg Config) *Manager {
	if cfg.Separator == "" {
		cfg.Separator = DefaultSeparator
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicySuffix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:        cfg,
		logger:     logger.With("component", "namespace"),
		namespaces: make(map[string]*Entry),
		tools:      make(map[string]ToolName),
		aliases:    make(map[string]string),
		owners:     make(map[ownerKey]string),
	}
}

// Separator returns the namespace/tool separator.
func (m *Manager) Separator() string { return m.cfg.Separator }

func (m *Manager) validName(name string) error {
	if name == "" {
		return mcperr.Configuration("namespace", fmt.Errorf("empty namespace name"))
	}
	if strings.Contains(name, m.cfg.Separator) {
		return mcperr.Configuration("namespace", fmt.Errorf("namespace %q contains separator %q", name, m.cfg.Separator))
	}
	return nil
}

// depth must be called with m.mu held.
func (m *Manager) depth(name string) int {
	d := 0
	for name != "" {
		d++
		e, ok := m.namespaces[name]
		if !ok {
			break
		}
		name = e.Parent
	}
	return d
}

// CreateNamespace adds a namespace under parent ("" for a root).
func (m *Manager) CreateNamespace(name, description, parent string) (Entry, error) {
	if err := m.validName(name); err != nil {
		return Entry{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.create(name, description, parent, "")
	if err != nil {
		return Entry{}, err
	}
	return copyEntry(e), nil
}

// create must be called with m.mu held.
func (m *Manager) create(name, description, parent, server string) (*Entry, error) {
	if _, ok := m.namespaces[name]; ok {
		return nil, mcperr.Configuration("create namespace", fmt.Errorf("namespace %q already exists", name))
	}
	if parent != "" {
		p, ok := m.namespaces[parent]
		if !ok {
			return nil, mcperr.Configuration("create namespace", fmt.Errorf("parent namespace %q not found", parent))
		}
		if m.depth(parent)+1 > m.cfg.MaxDepth {
			return nil, mcperr.Configuration("create namespace", fmt.Errorf("namespace %q exceeds max depth %d", name, m.cfg.MaxDepth))
		}
		p.Children = append(p.Children, name)
	}
	e := &Entry{
		Name:        name,
		Description: description,
		Server:      server,
		Parent:      parent,
		CreatedAt:   time.Now(),
	}
	m.namespaces[name] = e
	return e, nil
}

// RegisterToolName assigns a full name to tool from server inside ns. An
// empty ns means the server's own namespace, created on first use. The same
// (server, tool, ns) always gets the same name back.
func (m *Manager) RegisterToolName(tool, server, ns string) (string, error) {
	if tool == "" {
		return "", mcperr.Configuration("register tool", fmt.Errorf("empty tool name"))
	}
	if ns == "" {
		ns = server
	}
	if err := m.validName(ns); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := ownerKey{server: server, tool: tool, ns: ns}
	if full, ok := m.owners[key]; ok {
		return full, nil
	}

	entry, ok := m.namespaces[ns]
	if !ok {
		var err error
		if entry, err = m.create(ns, "", "", server); err != nil {
			return "", err
		}
	}

	full := ns + m.cfg.Separator + tool
	var alias string
	if _, taken := m.lookup(full); taken {
		switch m.cfg.Policy {
		case PolicyReject:
			owner := m.tools[full].Server
			return "", mcperr.Configuration("register tool",
				fmt.Errorf("tool name %q already registered by server %q", full, owner))
		case PolicyAlias:
			full = full + "@" + server
			alias = server + "." + tool
			if _, taken := m.lookup(full); taken {
				return "", mcperr.Configuration("register tool", fmt.Errorf("tool name %q already registered", full))
			}
		default:
			base := full
			for i := 2; ; i++ {
				full = base + "_" + strconv.Itoa(i)
				if _, taken := m.lookup(full); !taken {
					break
				}
			}
		}
		m.logger.Debug("tool name collision resolved", "tool", tool, "server", server, "name", full, "policy", m.cfg.Policy)
	}

	m.tools[full] = ToolName{FullName: full, Tool: tool, Server: server, Namespace: ns}
	m.owners[key] = full
	entry.Tools = append(entry.Tools, full)
	if alias != "" {
		if _, taken := m.lookup(alias); !taken {
			m.addAlias(alias, full)
		}
	}
	return full, nil
}

// lookup resolves a full name or alias. Must be called with m.mu held.
func (m *Manager) lookup(name string) (ToolName, bool) {
	if t, ok := m.tools[name]; ok {
		return t, true
	}
	if full, ok := m.aliases[name]; ok {
		t, ok := m.tools[full]
		return t, ok
	}
	return ToolName{}, false
}

func (m *Manager) addAlias(alias, full string) {
	m.aliases[alias] = full
	t := m.tools[full]
	if e, ok := m.namespaces[t.Namespace]; ok {
		e.Aliases = append(e.Aliases, alias)
	}
}

// AddAlias makes alias resolve to the registered full name.
func (m *Manager) AddAlias(alias, full string) error {
	if alias == "" {
		return mcperr.Configuration("add alias", fmt.Errorf("empty alias"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tools[full]; !ok {
		return mcperr.ToolNotFound(full)
	}
	if _, taken := m.lookup(alias); taken {
		return mcperr.Configuration("add alias", fmt.Errorf("name %q already in use", alias))
	}
	m.addAlias(alias, full)
	return nil
}

// Resolve looks up a full name or an alias.
func (m *Manager) Resolve(name string) (ToolName, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookup(name)
}

// UnregisterTool removes a full name and every alias pointing at it.
func (m *Manager) UnregisterTool(full string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unregister(full)
}

func (m *Manager) unregister(full string) bool {
	t, ok := m.tools[full]
	if !ok {
		return false
	}
	delete(m.tools, full)
	delete(m.owners, ownerKey{server: t.Server, tool: t.Tool, ns: t.Namespace})

	e := m.namespaces[t.Namespace]
	for alias, target := range m.aliases {
		if target == full {
			delete(m.aliases, alias)
			if e != nil {
				e.Aliases = remove(e.Aliases, alias)
			}
		}
	}
	if e != nil {
		e.Tools = remove(e.Tools, full)
	}
	return true
}

// UnregisterServer removes every tool name owned by server and returns how
// many were removed.
func (m *Manager) UnregisterServer(server string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for full, t := range m.tools {
		if t.Server == server && m.unregister(full) {
			n++
		}
	}
	return n
}

// ToolsOf lists the names owned by server, sorted.
func (m *Manager) ToolsOf(server string) []ToolName {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ToolName
	for _, t := range m.tools {
		if t.Server == server {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out
}

// Namespace returns one entry.
func (m *Manager) Namespace(name string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.namespaces[name]
	if !ok {
		return Entry{}, false
	}
	return copyEntry(e), true
}

// Node is one level of the namespace tree.
type Node struct {
	Entry    Entry
	Children []Node
}

// Hierarchy returns the subtree at root, or every root tree when root is "".
func (m *Manager) Hierarchy(root string) ([]Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if root != "" {
		e, ok := m.namespaces[root]
		if !ok {
			return nil, mcperr.Configuration("namespace hierarchy", fmt.Errorf("namespace %q not found", root))
		}
		return []Node{m.node(e)}, nil
	}
	var roots []string
	for name, e := range m.namespaces {
		if e.Parent == "" {
			roots = append(roots, name)
		}
	}
	sort.Strings(roots)
	out := make([]Node, 0, len(roots))
	for _, name := range roots {
		out = append(out, m.node(m.namespaces[name]))
	}
	return out, nil
}

func (m *Manager) node(e *Entry) Node {
	n := Node{Entry: copyEntry(e)}
	children := append([]string(nil), e.Children...)
	sort.Strings(children)
	for _, c := range children {
		if ce, ok := m.namespaces[c]; ok {
			n.Children = append(n.Children, m.node(ce))
		}
	}
	return n
}

// Stats reports namespace and tool counts.
type Stats struct {
	Namespaces   int
	Tools        int
	Aliases      int
	PerNamespace map[string]int
	PerServer    map[string]int
}

// Stats returns current counts.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{
		Namespaces:   len(m.namespaces),
		Tools:        len(m.tools),
		Aliases:      len(m.aliases),
		PerNamespace: make(map[string]int, len(m.namespaces)),
		PerServer:    make(map[string]int),
	}
	for name, e := range m.namespaces {
		s.PerNamespace[name] = len(e.Tools)
	}
	for _, t := range m.tools {
		s.PerServer[t.Server]++
	}
	return s
}

func copyEntry(e *Entry) Entry {
	c := *e
	c.Children = append([]string(nil), e.Children...)
	c.Aliases = append([]string(nil), e.Aliases...)
	c.Tools = append([]string(nil), e.Tools...)
	return c
}

func remove(s []string, v string) []string {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}
