package autodiscovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QUSEIT/simacode-sub001/internal/config"
	"github.com/QUSEIT/simacode-sub001/internal/events"
	"github.com/QUSEIT/simacode-sub001/internal/mcp"
	"github.com/QUSEIT/simacode-sub001/internal/mcperr"
	"github.com/QUSEIT/simacode-sub001/internal/testutil"
	"github.com/QUSEIT/simacode-sub001/internal/updates"
)

type fakeSource struct {
	mu    sync.Mutex
	names []string
	tools map[string][]mcp.Tool
	errs  map[string]error
	calls int
}

func newFakeSource() *fakeSource {
	return &fakeSource{tools: map[string][]mcp.Tool{}, errs: map[string]error{}}
}

// set replaces server's tools; pairs are name, description.
func (f *fakeSource) set(server string, pairs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tools[server]; !ok {
		f.names = append(f.names, server)
	}
	var tools []mcp.Tool
	for i := 0; i+1 < len(pairs); i += 2 {
		tools = append(tools, mcp.Tool{Name: pairs[i], Description: pairs[i+1]})
	}
	f.tools[server] = tools
}

func (f *fakeSource) drop(server string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tools, server)
	for i, n := range f.names {
		if n == server {
			f.names = append(f.names[:i], f.names[i+1:]...)
			break
		}
	}
}

func (f *fakeSource) ServerNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.names...)
}

func (f *fakeSource) ServerTools(ctx context.Context, server string) ([]mcp.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[server]; err != nil {
		return nil, err
	}
	return f.tools[server], nil
}

func (f *fakeSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRegistry struct {
	mu    sync.Mutex
	tools map[string]string // server/tool -> description
	ops   []string
}

func newFakeRegistry() *fakeRegistry { return &fakeRegistry{tools: map[string]string{}} }

func (r *fakeRegistry) RegisterTool(server string, tool mcp.Tool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[server+"/"+tool.Name] = tool.Description
	r.ops = append(r.ops, "register "+server+"/"+tool.Name)
	return server + ":" + tool.Name, nil
}

func (r *fakeRegistry) UpdateTool(server string, tool mcp.Tool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[server+"/"+tool.Name] = tool.Description
	r.ops = append(r.ops, "update "+server+"/"+tool.Name)
	return server + ":" + tool.Name, nil
}

func (r *fakeRegistry) UnregisterTool(server, tool string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tools[server+"/"+tool]
	delete(r.tools, server+"/"+tool)
	r.ops = append(r.ops, "unregister "+server+"/"+tool)
	return ok
}

func (r *fakeRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tools)
}

func (r *fakeRegistry) Desc(key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tools[key]
}

func passive(src Source, reg Registry) *AutoDiscovery {
	return New(src, reg, Options{AutoRegister: true, AutoUnregister: true})
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModePassive, "Active": ModeActive, " reactive ": ModeReactive} {
		got, err := ParseMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseMode("eager")
	assert.ErrorIs(t, err, mcperr.ErrConfiguration)
}

func TestOptionsFromSettings(t *testing.T) {
	off := false
	opts, err := OptionsFromSettings(config.DiscoverySettings{Mode: "active", Interval: config.Duration(time.Minute), AutoRemove: &off})
	require.NoError(t, err)
	assert.Equal(t, ModeActive, opts.Mode)
	assert.Equal(t, time.Minute, opts.Interval)
	assert.True(t, opts.AutoRegister)
	assert.False(t, opts.AutoUnregister)
}

func TestRunCycle_Diffing(t *testing.T) {
	src := newFakeSource()
	src.set("fs", "read", "v1", "write", "v1")
	reg := newFakeRegistry()
	ad := passive(src, reg)

	var (
		mu  sync.Mutex
		got []Event
	)
	ad.OnEvent(func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})
	ctx := context.Background()

	sum, err := ad.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Servers: 1, Added: 2}, sum)
	assert.Equal(t, 2, reg.Len())

	// Nothing changed
	sum, err = ad.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Servers: 1}, sum)

	src.set("fs", "read", "v2", "list", "v1")
	sum, err = ad.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Servers: 1, Added: 1, Removed: 1, Updated: 1}, sum)
	assert.Equal(t, "v2", reg.Desc("fs/read"))
	assert.Equal(t, 2, reg.Len())
	assert.Equal(t, []string{"list", "read"}, ad.Known("fs"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 4)
	assert.Equal(t, EventToolsAdded, got[0].Type)
	assert.Equal(t, []string{"read", "write"}, got[0].Tools)
	assert.Equal(t, Event{Type: EventToolsAdded, Server: "fs", Tools: []string{"list"}}, withoutTime(got[1]))
	assert.Equal(t, Event{Type: EventToolsRemoved, Server: "fs", Tools: []string{"write"}}, withoutTime(got[2]))
	assert.Equal(t, Event{Type: EventToolsUpdated, Server: "fs", Tools: []string{"read"}}, withoutTime(got[3]))

	stats := ad.Stats()
	assert.Equal(t, 3, stats.Cycles)
	assert.Equal(t, 3, stats.Added)
	assert.Equal(t, 1, stats.Removed)
	assert.Equal(t, 1, stats.Updated)
	assert.False(t, stats.LastCycle.IsZero())
}

func withoutTime(e Event) Event {
	e.Time = time.Time{}
	return e
}

func TestRunCycle_SeedSuppressesInitialAdds(t *testing.T) {
	src := newFakeSource()
	src.set("fs", "read", "v1")
	reg := newFakeRegistry()
	ad := passive(src, reg)
	require.NoError(t, ad.Seed("fs", []mcp.Tool{{Name: "read", Description: "v1"}}))

	sum, err := ad.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Servers: 1}, sum)
	assert.Zero(t, reg.Len())
}

func TestRunCycle_FailedServerSkipped(t *testing.T) {
	src := newFakeSource()
	src.set("fs", "read", "v1")
	src.set("sec", "scan", "v1")
	reg := newFakeRegistry()
	ad := passive(src, reg)
	ctx := context.Background()

	_, err := ad.RunCycle(ctx)
	require.NoError(t, err)

	src.errs["sec"] = errors.New("connection refused")
	src.set("fs", "read", "v1", "write", "v1")
	sum, err := ad.RunCycle(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sec")
	assert.Equal(t, []string{"sec"}, sum.Failed)
	assert.Equal(t, 1, sum.Added)
	assert.Equal(t, "v1", reg.Desc("sec/scan"), "failed server keeps its tools")
	assert.Equal(t, 1, ad.Stats().Failures)
}

func TestRunCycle_FailedServerPublishesError(t *testing.T) {
	src := newFakeSource()
	src.set("sec", "scan", "v1")
	src.errs["sec"] = errors.New("connection refused")
	bus := events.NewBus(nil)
	defer bus.Close()
	collector := testutil.NewEventCollector()
	bus.Subscribe(collector.Handler)

	ad := New(src, newFakeRegistry(), Options{AutoRegister: true, Bus: bus})
	_, err := ad.RunCycle(context.Background())
	require.Error(t, err)

	ev, ok := collector.WaitFor(func(e events.Event) bool {
		return e.Type() == events.EventError
	}, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, "sec", ev.Server())
	assert.ErrorContains(t, ev.(events.ErrorEvent).Err, "connection refused")
}

func TestRunCycle_RemovedServerUnregisters(t *testing.T) {
	src := newFakeSource()
	src.set("fs", "read", "v1")
	src.set("sec", "scan", "v1")
	reg := newFakeRegistry()
	ad := passive(src, reg)
	ctx := context.Background()

	_, err := ad.RunCycle(ctx)
	require.NoError(t, err)
	src.drop("sec")

	sum, err := ad.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Removed)
	assert.Equal(t, 1, reg.Len())
	assert.Empty(t, ad.Known("sec"))
}

func TestRunCycle_PolicyOff(t *testing.T) {
	src := newFakeSource()
	src.set("fs", "read", "v1")
	reg := newFakeRegistry()
	ad := New(src, reg, Options{})
	ctx := context.Background()

	sum, err := ad.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Added)
	assert.Zero(t, reg.Len())
}

func TestRunCycle_UpdatesGoThroughQueue(t *testing.T) {
	src := newFakeSource()
	src.set("fs", "read", "v1", "write", "v1")
	reg := newFakeRegistry()
	um := updates.NewManager(reg, updates.Options{})
	ad := New(src, reg, Options{AutoRegister: true, AutoUnregister: true, Updater: um})
	ctx := context.Background()

	_, err := ad.RunCycle(ctx)
	require.NoError(t, err)
	src.set("fs", "read", "v2", "write", "v1")
	_, err = ad.RunCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, "v1", reg.Desc("fs/read"), "queued, not yet applied")
	assert.Equal(t, 1, um.Pending())
	assert.Equal(t, 1, um.ProcessPending(ctx))
	assert.Equal(t, "v2", reg.Desc("fs/read"))
}

func TestReactive_BusTriggersCycle(t *testing.T) {
	src := newFakeSource()
	src.set("fs", "read", "v1")
	reg := newFakeRegistry()
	bus := events.NewBus(nil)
	defer bus.Close()
	collector := testutil.NewEventCollector()
	bus.Subscribe(collector.Handler)

	ad := New(src, reg, Options{Mode: ModeReactive, AutoRegister: true, AutoUnregister: true, Bus: bus})
	require.NoError(t, ad.Start(context.Background()))
	defer ad.Stop()

	bus.Publish(events.NewServerAddedEvent("fs"))

	ev, ok := collector.WaitFor(func(e events.Event) bool {
		return e.Type() == events.EventToolsChanged
	}, 2*time.Second)
	require.True(t, ok)
	changed := ev.(events.ToolsChangedEvent)
	assert.Equal(t, "fs", changed.Server())
	assert.Equal(t, []string{"read"}, changed.Added)
	assert.Equal(t, 1, reg.Len())
}

func TestReactive_ConfigWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcp.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schemaVersion":1,"servers":{}}`), 0o600))

	src := newFakeSource()
	reloaded := make(chan *config.Config, 4)
	ad := New(src, newFakeRegistry(), Options{
		Mode:           ModeReactive,
		ConfigPath:     path,
		Debounce:       20 * time.Millisecond,
		OnConfigChange: func(c *config.Config) { reloaded <- c },
	})
	require.NoError(t, ad.Start(context.Background()))
	defer ad.Stop()

	// Give the watcher a moment to register the directory
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"schemaVersion":1,"servers":{"fs":{"command":"fs-server"}}}`), 0o600))

	select {
	case cfg := <-reloaded:
		require.NotNil(t, cfg.GetServer("fs"))
	case <-time.After(3 * time.Second):
		t.Fatal("config change not observed")
	}
	assert.Eventually(t, func() bool { return ad.Stats().Cycles >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestActive_Schedule(t *testing.T) {
	src := newFakeSource()
	src.set("fs", "read", "v1")
	ad := New(src, newFakeRegistry(), Options{Mode: ModeActive, Interval: time.Second})
	require.NoError(t, ad.Start(context.Background()))
	require.NoError(t, ad.Start(context.Background()))

	assert.Eventually(t, func() bool { return src.Calls() >= 1 }, 3*time.Second, 20*time.Millisecond)
	ad.Stop()
	ad.Stop()

	calls := src.Calls()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, calls, src.Calls(), "no cycles after Stop")
}

func TestActive_InvalidSchedule(t *testing.T) {
	ad := New(newFakeSource(), newFakeRegistry(), Options{Mode: ModeActive, Schedule: "not a schedule"})
	err := ad.Start(context.Background())
	assert.ErrorIs(t, err, mcperr.ErrConfiguration)
}

func TestReactive_StopWaitsForConfigReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcp.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schemaVersion":1,"servers":{}}`), 0o600))

	var (
		mu      sync.Mutex
		applied int
	)
	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	ad := New(newFakeSource(), newFakeRegistry(), Options{
		Mode:       ModeReactive,
		ConfigPath: path,
		Debounce:   20 * time.Millisecond,
		OnConfigChange: func(*config.Config) {
			entered <- struct{}{}
			<-release
			mu.Lock()
			applied++
			mu.Unlock()
		},
	})
	require.NoError(t, ad.Start(context.Background()))

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"schemaVersion":1,"servers":{"fs":{"command":"fs-server"}}}`), 0o600))
	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("config change not observed")
	}

	stopped := make(chan struct{})
	go func() {
		ad.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a config reload was still running")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the reload finished")
	}

	mu.Lock()
	got := applied
	mu.Unlock()
	assert.Equal(t, 1, got)

	// No reloads once stopped
	require.NoError(t, os.WriteFile(path, []byte(`{"schemaVersion":1,"servers":{}}`), 0o600))
	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, applied)
	assert.Empty(t, entered)
}
