package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QUSEIT/simacode-sub001/internal/mcp"
)

type fakeSource struct {
	mu    sync.Mutex
	names []string
	tools map[string][]mcp.Tool
	errs  map[string]error
	calls map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{tools: map[string][]mcp.Tool{}, errs: map[string]error{}, calls: map[string]int{}}
}

func (f *fakeSource) set(server string, tools ...mcp.Tool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tools[server]; !ok {
		f.names = append(f.names, server)
	}
	f.tools[server] = tools
}

func (f *fakeSource) ServerNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.names...)
}

func (f *fakeSource) ServerTools(ctx context.Context, server string) ([]mcp.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[server]++
	if err := f.errs[server]; err != nil {
		return nil, err
	}
	return f.tools[server], nil
}

func tool(name, desc string) mcp.Tool { return mcp.Tool{Name: name, Description: desc} }

type clock struct{ t time.Time }

func (c *clock) now() time.Time      { return c.t }
func (c *clock) add(d time.Duration) { c.t = c.t.Add(d) }

func TestCategorize(t *testing.T) {
	tests := []struct {
		name, desc, want string
	}{
		{"read_file", "Read a file", "file"},
		{"write_file", "", "file"},
		{"scan", "Scan for vulnerabilities", "search"},
		{"git_commit", "", "vcs"},
		{"run_query", "Run a SQL query", "database"},
		{"http_get", "", "network"},
		{"do_thing", "sends an email", "communication"},
		{"mystery", "does something", CategoryGeneral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Categorize(tt.name, tt.desc))
		})
	}
}

func TestCountTokens(t *testing.T) {
	n := CountTokens(mcp.Tool{Name: "read_file", Description: "Read a file from disk", InputSchema: []byte(`{"type":"object"}`)})
	assert.Greater(t, n, 5)
	assert.Zero(t, CountTokens(mcp.Tool{}))
}

func TestDiscovery_TTLAndInvalidate(t *testing.T) {
	src := newFakeSource()
	src.set("fs", tool("read_file", "Read a file"))
	c := &clock{t: time.Unix(1000, 0)}
	d := New(src, Options{TTL: time.Minute, Now: c.now})
	ctx := context.Background()

	tools, err := d.Tools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "fs", tools[0].Tool.Server)
	assert.Equal(t, "file", tools[0].Category)

	_, _ = d.Tools(ctx)
	assert.Equal(t, 1, src.calls["fs"], "fresh index must not be refetched")

	c.add(2 * time.Minute)
	_, _ = d.Tools(ctx)
	assert.Equal(t, 2, src.calls["fs"], "expired index must be refetched")

	d.Invalidate("fs")
	_, _ = d.Tools(ctx)
	assert.Equal(t, 3, src.calls["fs"])
}

func TestDiscovery_RefreshFailureKeepsOldIndex(t *testing.T) {
	src := newFakeSource()
	src.set("fs", tool("read_file", ""))
	d := New(src, Options{})
	ctx := context.Background()

	require.NoError(t, d.Refresh(ctx, "fs"))
	src.errs["fs"] = errors.New("boom")
	d.Invalidate("fs")

	tools, err := d.Tools(ctx)
	assert.Error(t, err)
	assert.Len(t, tools, 1)
}

func TestDiscovery_RefreshAllDropsUnknownServers(t *testing.T) {
	src := newFakeSource()
	src.set("a", tool("x", ""))
	d := New(src, Options{})
	d.Index("gone", []mcp.Tool{tool("y", "")})

	require.NoError(t, d.RefreshAll(context.Background()))
	assert.Len(t, d.All(), 1)
	assert.Nil(t, d.ServerTools("gone"))
}

func TestDiscovery_UsageSurvivesReindex(t *testing.T) {
	d := New(nil, Options{})
	d.Index("fs", []mcp.Tool{tool("read_file", ""), tool("write_file", "")})

	d.RecordUsage("fs", "read_file", true, 10*time.Millisecond)
	d.RecordUsage("fs", "read_file", false, 30*time.Millisecond)
	d.RecordUsage("fs", "nope", true, time.Millisecond)

	m, ok := d.Get("fs", "read_file")
	require.True(t, ok)
	assert.Equal(t, 2, m.UsageCount)
	assert.InDelta(t, 0.5, m.SuccessRate, 1e-9)
	assert.Equal(t, 20*time.Millisecond, m.AvgLatency)
	assert.False(t, m.LastUsed.IsZero())

	d.Index("fs", []mcp.Tool{tool("read_file", "changed")})
	m, _ = d.Get("fs", "read_file")
	assert.Equal(t, 2, m.UsageCount)
	assert.Equal(t, "changed", m.Tool.Description)
	_, ok = d.Get("fs", "write_file")
	assert.False(t, ok)
}

func TestDiscovery_UpsertAndRemoveTool(t *testing.T) {
	d := New(nil, Options{})
	d.Upsert("fs", tool("a", ""))
	d.Upsert("fs", tool("b", ""))
	d.RecordUsage("fs", "a", true, 0)
	d.Upsert("fs", tool("a", "new"))

	m, _ := d.Get("fs", "a")
	assert.Equal(t, 1, m.UsageCount)
	assert.Equal(t, []string{"a", "b"}, names(d.ServerTools("fs")))

	assert.True(t, d.RemoveTool("fs", "a"))
	assert.False(t, d.RemoveTool("fs", "a"))
	assert.Equal(t, []string{"b"}, names(d.ServerTools("fs")))
}

func names(ms []ToolMetadata) []string {
	var out []string
	for _, m := range ms {
		out = append(out, m.Tool.Name)
	}
	return out
}

func TestDiscovery_FindInServerOrder(t *testing.T) {
	src := newFakeSource()
	src.set("b", tool("echo", ""))
	src.set("a", tool("echo", ""))
	d := New(src, Options{})
	require.NoError(t, d.RefreshAll(context.Background()))

	found := d.Find("echo")
	require.Len(t, found, 2)
	assert.Equal(t, "b", found[0].Server)
	assert.Equal(t, "a", found[1].Server)
}

func TestDiscovery_Search(t *testing.T) {
	src := newFakeSource()
	src.set("fs",
		tool("read_file", "Read the contents of a file"),
		tool("write_file", "Write content to a file"),
		tool("list_directory", "List entries of a directory"),
	)
	src.set("sec", tool("scan", "Scan a host for open ports"))
	d := New(src, Options{})
	ctx := context.Background()

	results, err := d.Search(ctx, "read_file", 0)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, MatchExact, results[0].Match)
	assert.Equal(t, "read_file", results[0].Tool.Name)

	results, _ = d.Search(ctx, "file", 0)
	got := map[string]MatchKind{}
	for _, r := range results {
		got[r.Tool.Name] = r.Match
	}
	assert.Equal(t, MatchFuzzy, got["read_file"])
	assert.Equal(t, MatchFuzzy, got["write_file"])
	assert.Equal(t, MatchCategory, got["list_directory"])
	assert.NotContains(t, got, "scan")

	results, _ = d.Search(ctx, "open ports", 0)
	require.Len(t, results, 1)
	assert.Equal(t, "scan", results[0].Tool.Name)
	assert.Equal(t, MatchKeyword, results[0].Match)

	results, _ = d.Search(ctx, "file", 1)
	assert.Len(t, results, 1)
}

func TestDiscovery_FuzzySubsequence(t *testing.T) {
	d := New(nil, Options{})
	d.Index("fs", []mcp.Tool{tool("read_file", ""), tool("list_directory", "")})

	results := d.Fuzzy("rdfl", 0)
	require.NotEmpty(t, results)
	assert.Equal(t, "read_file", results[0].Tool.Name)
}

func TestDiscovery_KeywordsRanking(t *testing.T) {
	d := New(nil, Options{})
	d.Index("x", []mcp.Tool{
		tool("a", "send an email message"),
		tool("b", "send a message"),
		tool("c", "unrelated"),
	})
	results := d.Keywords("send email message", 0)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Tool.Name)
	assert.Equal(t, 3.0, results[0].Score)
}

func TestDiscovery_Recommendations(t *testing.T) {
	c := &clock{t: time.Unix(100000, 0)}
	d := New(nil, Options{Now: c.now})
	d.Index("fs", []mcp.Tool{tool("read_file", "Read a file"), tool("write_file", "Write a file"), tool("ping", "")})

	d.RecordUsage("fs", "write_file", true, 0)
	c.add(48 * time.Hour)
	d.RecordUsage("fs", "read_file", true, 0)

	recs := d.Recommendations("", 0)
	require.Len(t, recs, 2)
	assert.Equal(t, "read_file", recs[0].Tool.Name, "recently used tool ranks first")

	recs = d.Recommendations("write", 1)
	require.Len(t, recs, 1)
	assert.Equal(t, "write_file", recs[0].Tool.Name)
}

func TestDiscovery_Categories(t *testing.T) {
	d := New(nil, Options{})
	d.Index("x", []mcp.Tool{tool("read_file", ""), tool("write_file", ""), tool("scan", "")})
	assert.Equal(t, map[string]int{"file": 2, "search": 1}, d.Categories())
	assert.Len(t, d.ByCategory("file"), 2)
}
