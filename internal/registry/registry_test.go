package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QUSEIT/simacode-sub001/internal/discovery"
	"github.com/QUSEIT/simacode-sub001/internal/mcp"
	"github.com/QUSEIT/simacode-sub001/internal/namespace"
)

type fakeServers struct {
	mu    sync.Mutex
	names []string
	tools map[string][]mcp.Tool
	errs  map[string]error
}

func newFakeServers() *fakeServers {
	return &fakeServers{tools: map[string][]mcp.Tool{}, errs: map[string]error{}}
}

func (f *fakeServers) set(server string, names ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tools[server]; !ok {
		f.names = append(f.names, server)
	}
	tools := make([]mcp.Tool, 0, len(names))
	for _, n := range names {
		tools = append(tools, mcp.Tool{Name: n, Description: n + " tool"})
	}
	f.tools[server] = tools
}

func (f *fakeServers) ServerNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.names...)
}

func (f *fakeServers) ServerTools(ctx context.Context, server string) ([]mcp.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[server]; err != nil {
		return nil, err
	}
	return f.tools[server], nil
}

func newTestRegistry(servers Servers) (*Registry, *discovery.Discovery) {
	disc := discovery.New(nil, discovery.Options{})
	return New(servers, namespace.NewManager(namespace.Config{}), disc, Options{}), disc
}

func fullNames(entries []Entry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.FullName)
	}
	return out
}

func TestDiscoverAndRegisterAll_Idempotent(t *testing.T) {
	servers := newFakeServers()
	servers.set("fs", "read", "write")
	servers.set("sec", "scan")
	r, disc := newTestRegistry(servers)
	ctx := context.Background()

	n, err := r.DiscoverAndRegisterAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	first := r.List()

	n, err = r.DiscoverAndRegisterAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, fullNames(first), fullNames(r.List()))
	assert.Equal(t, []string{"fs:read", "fs:write", "sec:scan"}, fullNames(r.List()))
	assert.Len(t, disc.All(), 3)
	assert.Equal(t, 3, r.Namespaces().Stats().Tools)
}

func TestDiscoverAndRegisterAll_PropagatesServerFailure(t *testing.T) {
	servers := newFakeServers()
	servers.set("fs", "read")
	servers.set("broken")
	servers.errs["broken"] = errors.New("connection refused")
	r, _ := newTestRegistry(servers)

	n, err := r.DiscoverAndRegisterAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, r.Count())
}

func TestRegisterServerTools_CountsFailures(t *testing.T) {
	disc := discovery.New(nil, discovery.Options{})
	ns := namespace.NewManager(namespace.Config{Policy: namespace.PolicyReject})
	r := New(nil, ns, disc, Options{NamespaceFor: func(string) string { return "shared" }})

	res := r.RegisterServerTools("a", []mcp.Tool{{Name: "echo"}, {Name: "time"}})
	assert.Equal(t, Result{Registered: 2}, res)

	res = r.RegisterServerTools("b", []mcp.Tool{{Name: "echo"}, {Name: "other"}})
	assert.Equal(t, 1, res.Registered)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
}

func TestResolve(t *testing.T) {
	servers := newFakeServers()
	servers.set("b", "echo")
	servers.set("a", "echo", "only_a")
	r, _ := newTestRegistry(servers)
	_, err := r.DiscoverAndRegisterAll(context.Background())
	require.NoError(t, err)

	e, ok := r.Resolve("a:echo")
	require.True(t, ok)
	assert.Equal(t, "a", e.Server)

	// Bare names follow server order
	e, ok = r.Resolve("echo")
	require.True(t, ok)
	assert.Equal(t, "b", e.Server)

	e, ok = r.Lookup("a", "only_a")
	require.True(t, ok)
	assert.Equal(t, "a:only_a", e.FullName)
	_, ok = r.Lookup("b", "only_a")
	assert.False(t, ok)

	require.NoError(t, r.Namespaces().AddAlias("solo", "a:only_a"))
	owner, ok := r.Owner("solo")
	require.True(t, ok)
	assert.Equal(t, "a", owner)

	_, ok = r.Resolve("nothing")
	assert.False(t, ok)
}

func TestUpdateToolKeepsOtherEntries(t *testing.T) {
	r, disc := newTestRegistry(nil)
	_, err := r.RegisterTool("fs", mcp.Tool{Name: "read", Description: "v1"})
	require.NoError(t, err)
	_, err = r.RegisterTool("fs", mcp.Tool{Name: "write", Description: "v1"})
	require.NoError(t, err)
	disc.RecordUsage("fs", "read", true, 0)

	full, err := r.UpdateTool("fs", mcp.Tool{Name: "read", Description: "v2"})
	require.NoError(t, err)
	assert.Equal(t, "fs:read", full)

	e, _ := r.Get("fs:read")
	assert.Equal(t, "v2", e.Tool.Description)
	other, _ := r.Get("fs:write")
	assert.Equal(t, "v1", other.Tool.Description)

	meta, _ := disc.Get("fs", "read")
	assert.Equal(t, 1, meta.UsageCount, "usage survives update")
	assert.Equal(t, "v2", meta.Tool.Description)
}

func TestUnregister(t *testing.T) {
	servers := newFakeServers()
	servers.set("fs", "read", "write")
	servers.set("sec", "scan")
	r, disc := newTestRegistry(servers)
	_, err := r.DiscoverAndRegisterAll(context.Background())
	require.NoError(t, err)

	assert.True(t, r.UnregisterTool("fs", "read"))
	assert.False(t, r.UnregisterTool("fs", "read"))
	_, ok := r.Namespaces().Resolve("fs:read")
	assert.False(t, ok)

	assert.Equal(t, 1, r.UnregisterServerTools("fs"))
	assert.Equal(t, 0, r.UnregisterServerTools("fs"))
	assert.Equal(t, []string{"sec:scan"}, fullNames(r.List()))
	assert.Len(t, disc.All(), 1)
	assert.Empty(t, r.ServerEntries("fs"))
}
