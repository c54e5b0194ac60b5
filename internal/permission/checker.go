// Package permission enforces per-server security policies on tool calls.
package permission

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/QUSEIT/simacode-sub001/internal/config"
)

// Decision is the outcome of a check. Reason is empty when allowed.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// pathKeys are argument names treated as filesystem paths.
var pathKeys = []string{"path", "file", "dir", "directory", "folder", "root", "source", "destination", "target", "dest", "src", "cwd"}

// Checker evaluates tool calls against the security policy of the server
// that owns the tool. Servers without a policy allow everything.
type Checker struct {
	mu       sync.RWMutex
	policies map[string]config.SecurityPolicy
	logger   *slog.Logger
}

// New creates a Checker with no policies.
func New(logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		policies: make(map[string]config.SecurityPolicy),
		logger:   logger.With("component", "permission"),
	}
}

// FromConfig creates a Checker holding every server policy of cfg.
func FromConfig(cfg *config.Config, logger *slog.Logger) *Checker {
	c := New(logger)
	for _, srv := range cfg.ServerList() {
		c.SetPolicy(srv.Name, srv.Security)
	}
	return c
}

// SetPolicy replaces the policy of server.
func (c *Checker) SetPolicy(server string, p config.SecurityPolicy) {
	c.mu.Lock()
	c.policies[server] = p
	c.mu.Unlock()
}

// RemovePolicy drops the policy of server.
func (c *Checker) RemovePolicy(server string) {
	c.mu.Lock()
	delete(c.policies, server)
	c.mu.Unlock()
}

// MaxExecutionTime returns the call limit of server, zero if unset.
func (c *Checker) MaxExecutionTime(server string) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policies[server].MaxExecutionTime.Std()
}

// Allowed reports whether tool on server may run with args.
func (c *Checker) Allowed(server, tool string, args json.RawMessage) (bool, string) {
	d := c.Check(server, tool, args)
	return d.Allowed, d.Reason
}

// Check evaluates, in order: denied operations, allowed operations,
// read-only mode, then every path-like argument against the denied and
// allowed path prefixes.
func (c *Checker) Check(server, tool string, args json.RawMessage) Decision {
	c.mu.RLock()
	p, ok := c.policies[server]
	c.mu.RUnlock()
	if !ok {
		return allow()
	}

	d := c.check(p, tool, args)
	if !d.Allowed {
		c.logger.Info("tool call denied", "server", server, "tool", tool, "reason", d.Reason)
	}
	return d
}

func (c *Checker) check(p config.SecurityPolicy, tool string, args json.RawMessage) Decision {
	if pat, ok := c.matchAny(p.DeniedOperations, tool); ok {
		return deny("operation %s matches denied pattern %q", tool, pat)
	}
	if len(p.AllowedOperations) > 0 {
		if _, ok := c.matchAny(p.AllowedOperations, tool); !ok {
			return deny("operation %s is not in the allowed operations", tool)
		}
	}
	if p.ReadOnly && Classify(tool) == Mutating {
		return deny("server is read-only and %s modifies state", tool)
	}

	if len(p.AllowedPaths) == 0 && len(p.DeniedPaths) == 0 {
		return allow()
	}
	paths, err := pathArgs(args)
	if err != nil {
		return deny("arguments are not a JSON object: %v", err)
	}
	for _, raw := range paths {
		pth := cleanPath(raw)
		for _, denied := range p.DeniedPaths {
			if under(pth, cleanPath(denied)) {
				return deny("path %s is under denied path %s", raw, denied)
			}
		}
		if len(p.AllowedPaths) == 0 {
			continue
		}
		inside := false
		for _, allowed := range p.AllowedPaths {
			if under(pth, cleanPath(allowed)) {
				inside = true
				break
			}
		}
		if !inside {
			return deny("path %s is outside the allowed paths", raw)
		}
	}
	return allow()
}

func (c *Checker) matchAny(patterns []string, name string) (string, bool) {
	for _, pat := range patterns {
		matched, err := path.Match(pat, name)
		if err != nil {
			c.logger.Debug("glob match error", "pattern", pat, "tool", name, "error", err)
			continue
		}
		if matched {
			return pat, true
		}
	}
	return "", false
}

// pathArgs collects string values of path-like keys, including string
// arrays, from the top level of args.
func pathArgs(args json.RawMessage) ([]string, error) {
	if len(args) == 0 || string(args) == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(args, &m); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		if isPathKey(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var out []string
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			out = append(out, v)
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
		}
	}
	return out, nil
}

func isPathKey(key string) bool {
	words := splitWords(key)
	for _, w := range words {
		for _, pk := range pathKeys {
			if w == pk || w == pk+"s" {
				return true
			}
		}
	}
	return false
}

func cleanPath(p string) string {
	return filepath.Clean(strings.TrimPrefix(p, "file://"))
}

// under reports whether p is base or inside it.
func under(p, base string) bool {
	if p == base || base == string(filepath.Separator) {
		return true
	}
	return strings.HasPrefix(p, base+string(filepath.Separator))
}
