package updates

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QUSEIT/simacode-sub001/internal/discovery"
	"github.com/QUSEIT/simacode-sub001/internal/events"
	"github.com/QUSEIT/simacode-sub001/internal/mcp"
	"github.com/QUSEIT/simacode-sub001/internal/mcperr"
	"github.com/QUSEIT/simacode-sub001/internal/namespace"
	"github.com/QUSEIT/simacode-sub001/internal/registry"
	"github.com/QUSEIT/simacode-sub001/internal/testutil"
)

type recordingApplier struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingApplier) record(s string) {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.mu.Unlock()
}

func (r *recordingApplier) RegisterTool(server string, tool mcp.Tool) (string, error) {
	r.record("register " + server + "/" + tool.Name)
	return server + ":" + tool.Name, nil
}

func (r *recordingApplier) UpdateTool(server string, tool mcp.Tool) (string, error) {
	r.record("update " + server + "/" + tool.Name)
	return server + ":" + tool.Name, nil
}

func (r *recordingApplier) UnregisterTool(server, tool string) bool {
	r.record("unregister " + server + "/" + tool)
	return true
}

func (r *recordingApplier) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func tool(name, desc, schema string) mcp.Tool {
	t := mcp.Tool{Name: name, Description: desc}
	if schema != "" {
		t.InputSchema = json.RawMessage(schema)
	}
	return t
}

func TestHash_IgnoresSchemaFormatting(t *testing.T) {
	a, err := Hash(tool("read", "Read a file", `{"type":"object","properties":{"path":{"type":"string"}}}`))
	require.NoError(t, err)
	b, err := Hash(tool("read", "Read a file", `{ "properties": {"path": {"type": "string"}}, "type": "object" }`))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := Hash(tool("read", "Read a text file", `{"type":"object","properties":{"path":{"type":"string"}}}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	_, err = Hash(tool("bad", "", `{not json`))
	assert.Error(t, err)
}

func TestDetectChanges(t *testing.T) {
	m := NewManager(&recordingApplier{}, Options{})

	changes, err := m.DetectChanges("fs", []mcp.Tool{tool("read", "v1", ""), tool("write", "v1", "")})
	require.NoError(t, err)
	require.Len(t, changes, 2)
	for _, c := range changes {
		assert.Equal(t, ChangeAdded, c.Type)
		assert.Nil(t, c.Old)
		require.NotNil(t, c.New)
		assert.Equal(t, 1, c.New.Version)
	}

	changes, err = m.DetectChanges("fs", []mcp.Tool{tool("read", "v1", ""), tool("write", "v1", "")})
	require.NoError(t, err)
	assert.Empty(t, changes, "unchanged tools produce no updates")

	changes, err = m.DetectChanges("fs", []mcp.Tool{tool("read", "v2", ""), tool("list", "v1", "")})
	require.NoError(t, err)
	require.Len(t, changes, 3)

	byTool := map[string]ToolUpdate{}
	for _, c := range changes {
		byTool[c.Tool] = c
	}
	assert.Equal(t, ChangeModified, byTool["read"].Type)
	assert.Equal(t, 1, byTool["read"].Old.Version)
	assert.Equal(t, 2, byTool["read"].New.Version)
	assert.Equal(t, ChangeAdded, byTool["list"].Type)
	assert.Equal(t, ChangeRemoved, byTool["write"].Type)
	assert.Equal(t, PriorityHigh, byTool["write"].Priority)

	snap, ok := m.Snapshot("fs", "read")
	require.True(t, ok)
	assert.Equal(t, 2, snap.Version)
	_, ok = m.Snapshot("fs", "write")
	assert.False(t, ok)

	m.ForgetServer("fs")
	_, ok = m.Snapshot("fs", "read")
	assert.False(t, ok)
}

func TestQueueUpdate_Validates(t *testing.T) {
	m := NewManager(&recordingApplier{}, Options{})

	_, err := m.QueueUpdate(ToolUpdate{Type: ChangeRemoved, Tool: "x"})
	assert.ErrorIs(t, err, mcperr.ErrConfiguration)

	_, err = m.QueueUpdate(ToolUpdate{Type: ChangeAdded, Tool: "x", Server: "s"})
	assert.ErrorIs(t, err, mcperr.ErrConfiguration)

	id, err := m.QueueUpdate(ToolUpdate{Type: ChangeRemoved, Tool: "x", Server: "s"})
	require.NoError(t, err)
	assert.Len(t, id, 26)
	assert.Equal(t, 1, m.Pending())
}

func TestProcessPending_PriorityOrder(t *testing.T) {
	app := &recordingApplier{}
	m := NewManager(app, Options{MaxConcurrent: 1})
	now := time.Now()

	snap, err := TakeSnapshot(tool("b", "", ""))
	require.NoError(t, err)
	_, err = m.QueueUpdate(ToolUpdate{Type: ChangeAdded, Server: "s", Tool: "b", Priority: PriorityNormal, New: &snap, Timestamp: now})
	require.NoError(t, err)
	_, err = m.QueueUpdate(ToolUpdate{Type: ChangeRemoved, Server: "s", Tool: "a", Priority: PriorityHigh, Timestamp: now.Add(time.Second)})
	require.NoError(t, err)
	snapC, err := TakeSnapshot(tool("c", "", ""))
	require.NoError(t, err)
	_, err = m.QueueUpdate(ToolUpdate{Type: ChangeModified, Server: "s", Tool: "c", Priority: PriorityLow, New: &snapC, Timestamp: now.Add(-time.Second)})
	require.NoError(t, err)

	n := m.ProcessPending(context.Background())
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"unregister s/a", "register s/b", "update s/c"}, app.Calls())

	stats := m.Stats()
	assert.Equal(t, Stats{Queued: 3, Applied: 3, Batches: 1}, stats)
	assert.Len(t, m.History(0), 3)
	assert.Len(t, m.History(2), 2)
}

// Updating one tool must leave every other registry entry untouched.
func TestApply_IsolatesToTargetTool(t *testing.T) {
	disc := discovery.New(nil, discovery.Options{})
	reg := registry.New(nil, namespace.NewManager(namespace.Config{}), disc, registry.Options{})
	for _, n := range []string{"read", "write", "list"} {
		_, err := reg.RegisterTool("fs", tool(n, "v1", ""))
		require.NoError(t, err)
	}
	_, err := reg.RegisterTool("sec", tool("scan", "v1", ""))
	require.NoError(t, err)
	disc.RecordUsage("fs", "write", true, 10*time.Millisecond)

	m := NewManager(reg, Options{})
	_, err = m.DetectChanges("fs", []mcp.Tool{tool("read", "v1", ""), tool("write", "v1", ""), tool("list", "v1", "")})
	require.NoError(t, err)

	changes, err := m.DetectChanges("fs", []mcp.Tool{tool("read", "v2", ""), tool("write", "v1", ""), tool("list", "v1", "")})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	_, err = m.QueueAll(changes)
	require.NoError(t, err)
	assert.Equal(t, 1, m.ProcessPending(context.Background()))

	e, ok := reg.Get("fs:read")
	require.True(t, ok)
	assert.Equal(t, "v2", e.Tool.Description)
	for _, full := range []string{"fs:write", "fs:list", "sec:scan"} {
		e, ok := reg.Get(full)
		require.True(t, ok, full)
		assert.Equal(t, "v1", e.Tool.Description, full)
	}
	meta, ok := disc.Get("fs", "write")
	require.True(t, ok)
	assert.Equal(t, 1, meta.UsageCount)
	assert.Equal(t, 4, reg.Count())
}

func TestStartAppliesInBackground(t *testing.T) {
	app := &recordingApplier{}
	bus := events.NewBus(nil)
	defer bus.Close()
	collector := testutil.NewEventCollector()
	bus.Subscribe(collector.Handler)

	m := NewManager(app, Options{BatchWindow: 20 * time.Millisecond, Bus: bus})
	applied := make(chan Applied, 4)
	m.OnApplied(func(a Applied) { applied <- a })

	m.Start(context.Background())
	m.Start(context.Background())
	defer m.Stop()

	id, err := m.QueueUpdate(ToolUpdate{Type: ChangeRemoved, Server: "s", Tool: "gone"})
	require.NoError(t, err)

	select {
	case a := <-applied:
		assert.Equal(t, id, a.Update.ID)
		assert.NoError(t, a.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("update not applied")
	}

	_, ok := collector.WaitFor(func(e events.Event) bool {
		return e.Type() == events.EventToolUpdated
	}, time.Second)
	assert.True(t, ok)

	m.Stop()
	m.Stop()
	assert.Equal(t, 0, m.Pending())
}
