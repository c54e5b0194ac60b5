// Package autodiscovery keeps the tool registry in step with what the
// connected servers advertise, on demand, on a schedule or in reaction to
// server and config changes.
package autodiscovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/QUSEIT/simacode-sub001/internal/config"
	"github.com/QUSEIT/simacode-sub001/internal/events"
	"github.com/QUSEIT/simacode-sub001/internal/mcp"
	"github.com/QUSEIT/simacode-sub001/internal/mcperr"
	"github.com/QUSEIT/simacode-sub001/internal/updates"
)

// Mode selects what starts a discovery cycle.
type Mode string

const (
	ModePassive  Mode = "passive"
	ModeActive   Mode = "active"
	ModeReactive Mode = "reactive"
)

// ParseMode parses a mode name. Empty means passive.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", ModePassive:
		return ModePassive, nil
	case ModeActive, ModeReactive:
		return m, nil
	}
	return "", mcperr.Configuration("discovery mode", fmt.Errorf("unknown mode %q", s))
}

// Source lists servers and their current tools.
type Source interface {
	ServerNames() []string
	ServerTools(ctx context.Context, server string) ([]mcp.Tool, error)
}

// Registry receives the changes a cycle finds.
type Registry interface {
	RegisterTool(server string, tool mcp.Tool) (string, error)
	UpdateTool(server string, tool mcp.Tool) (string, error)
	UnregisterTool(server, tool string) bool
}

// Updater is the dynamic update queue. *updates.Manager implements it.
type Updater interface {
	QueueUpdate(u updates.ToolUpdate) (string, error)
}

// EventType is the kind of a discovery Event.
type EventType string

const (
	EventToolsAdded   EventType = "tools_added"
	EventToolsRemoved EventType = "tools_removed"
	EventToolsUpdated EventType = "tools_updated"
	EventServerFailed EventType = "server_failed"
)

// Event reports one kind of change on one server.
type Event struct {
	Type   EventType
	Server string
	Tools  []string
	Err    error
	Time   time.Time
}

// Summary is the outcome of one cycle.
type Summary struct {
	Servers int
	Added   int
	Removed int
	Updated int
	Failed  []string
}

// Stats accumulates over all cycles.
type Stats struct {
	Cycles           int
	ServersProcessed int
	Added            int
	Removed          int
	Updated          int
	Failures         int
	LastCycle        time.Time
	LastDuration     time.Duration
}

// Options configures an AutoDiscovery.
type Options struct {
	Mode Mode

	// Interval drives ACTIVE mode unless Schedule, a cron expression or
	// descriptor, is set.
	Interval time.Duration
	Schedule string

	AutoRegister   bool
	AutoUnregister bool

	// ConfigPath is watched in REACTIVE mode when set. OnConfigChange runs
	// with the reloaded file before the triggered cycle.
	ConfigPath     string
	OnConfigChange func(*config.Config)

	MaxConcurrent int
	Debounce      time.Duration

	Logger  *slog.Logger
	Bus     *events.Bus
	Updater Updater
}

const (
	DefaultInterval = 5 * time.Minute
	DefaultDebounce = 150 * time.Millisecond
)

// OptionsFromSettings maps config settings onto Options.
func OptionsFromSettings(s config.DiscoverySettings) (Options, error) {
	mode, err := ParseMode(s.Mode)
	if err != nil {
		return Options{}, err
	}
	unregister := true
	if s.AutoRemove != nil {
		unregister = *s.AutoRemove
	}
	return Options{
		Mode:           mode,
		Interval:       s.Interval.Std(),
		Schedule:       s.Schedule,
		AutoRegister:   true,
		AutoUnregister: unregister,
	}, nil
}

// AutoDiscovery runs discovery cycles.
type AutoDiscovery struct {
	src    Source
	reg    Registry
	opts   Options
	logger *slog.Logger

	cycleMu sync.Mutex // one cycle at a time

	mu        sync.Mutex
	known     map[string]map[string]updates.Snapshot // server -> tool -> snapshot
	stats     Stats
	callbacks []func(Event)

	running     bool
	cancel      context.CancelFunc
	cron        *cron.Cron
	unsubscribe func()
	trigger     chan struct{}
	wg          sync.WaitGroup
}

// New creates a stopped AutoDiscovery.
func New(src Source, reg Registry, opts Options) *AutoDiscovery {
	if opts.Mode == "" {
		opts.Mode = ModePassive
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoDiscovery{
		src:     src,
		reg:     reg,
		opts:    opts,
		logger:  logger.With("component", "autodiscovery"),
		known:   make(map[string]map[string]updates.Snapshot),
		trigger: make(chan struct{}, 1),
	}
}

// Mode returns the configured mode.
func (a *AutoDiscovery) Mode() Mode { return a.opts.Mode }

// OnEvent registers a change callback. Callbacks run on the cycle goroutine.
func (a *AutoDiscovery) OnEvent(fn func(Event)) {
	a.mu.Lock()
	a.callbacks = append(a.callbacks, fn)
	a.mu.Unlock()
}

// Seed records tools already registered for server so the next cycle only
// reports real differences.
func (a *AutoDiscovery) Seed(server string, tools []mcp.Tool) error {
	snaps, err := snapshotAll(tools)
	a.mu.Lock()
	a.known[server] = snaps
	a.mu.Unlock()
	return err
}

func snapshotAll(tools []mcp.Tool) (map[string]updates.Snapshot, error) {
	out := make(map[string]updates.Snapshot, len(tools))
	var errs []error
	for _, t := range tools {
		s, err := updates.TakeSnapshot(t)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[t.Name] = s
	}
	return out, errors.Join(errs...)
}

type fetched struct {
	server string
	tools  []mcp.Tool
	err    error
}

// RunCycle fetches every server's tools, diffs them against what the last
// cycle saw and applies the differences. A failing server is logged and
// skipped; its tools are left as they were. The returned error joins the
// server failures.
func (a *AutoDiscovery) RunCycle(ctx context.Context) (Summary, error) {
	a.cycleMu.Lock()
	defer a.cycleMu.Unlock()

	start := time.Now()
	names := a.src.ServerNames()
	results := make([]fetched, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.MaxConcurrent)
	for i, name := range names {
		g.Go(func() error {
			tools, err := a.src.ServerTools(gctx, name)
			results[i] = fetched{server: name, tools: tools, err: err}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Summary{}, err
	}

	var (
		sum  Summary
		errs []error
		seen = make(map[string]bool, len(names))
	)
	for _, r := range results {
		seen[r.server] = true
		sum.Servers++
		if r.err != nil {
			a.logger.Warn("discovery skipped server", "server", r.server, "error", r.err)
			sum.Failed = append(sum.Failed, r.server)
			errs = append(errs, fmt.Errorf("%s: %w", r.server, r.err))
			a.emit(Event{Type: EventServerFailed, Server: r.server, Err: r.err, Time: time.Now()})
			a.opts.Bus.Publish(events.NewErrorEvent(r.server, r.err, "tool discovery failed"))
			continue
		}
		added, removed, updated := a.syncServer(r.server, r.tools)
		sum.Added += added
		sum.Removed += removed
		sum.Updated += updated
	}

	// Servers that left the manager lose their tools.
	a.mu.Lock()
	var gone []string
	for server := range a.known {
		if !seen[server] {
			gone = append(gone, server)
		}
	}
	a.mu.Unlock()
	sort.Strings(gone)
	for _, server := range gone {
		_, removed, _ := a.syncServer(server, nil)
		sum.Removed += removed
		a.mu.Lock()
		delete(a.known, server)
		a.mu.Unlock()
	}

	a.mu.Lock()
	a.stats.Cycles++
	a.stats.ServersProcessed += sum.Servers
	a.stats.Added += sum.Added
	a.stats.Removed += sum.Removed
	a.stats.Updated += sum.Updated
	a.stats.Failures += len(sum.Failed)
	a.stats.LastCycle = start
	a.stats.LastDuration = time.Since(start)
	a.mu.Unlock()

	a.logger.Debug("discovery cycle done",
		"servers", sum.Servers, "added", sum.Added, "removed", sum.Removed,
		"updated", sum.Updated, "failed", len(sum.Failed), "duration", time.Since(start))
	return sum, errors.Join(errs...)
}

// syncServer diffs and applies one server's tools.
func (a *AutoDiscovery) syncServer(server string, tools []mcp.Tool) (int, int, int) {
	current, err := snapshotAll(tools)
	if err != nil {
		a.logger.Warn("tool snapshot failed", "server", server, "error", err)
	}

	a.mu.Lock()
	prev := a.known[server]
	a.mu.Unlock()

	var added, removed, updated []string
	for _, t := range tools {
		snap, ok := current[t.Name]
		if !ok {
			continue
		}
		old, existed := prev[t.Name]
		switch {
		case !existed:
			added = append(added, t.Name)
			if a.opts.AutoRegister {
				if _, err := a.reg.RegisterTool(server, t); err != nil {
					a.logger.Warn("register discovered tool", "server", server, "tool", t.Name, "error", err)
				}
			}
		case old.Hash != snap.Hash:
			snap.Version = old.Version + 1
			current[t.Name] = snap
			updated = append(updated, t.Name)
			a.applyUpdate(server, t, old, snap)
		default:
			current[t.Name] = old
		}
	}
	for name := range prev {
		if _, ok := current[name]; ok {
			continue
		}
		removed = append(removed, name)
		if a.opts.AutoUnregister {
			a.reg.UnregisterTool(server, name)
		}
	}
	a.mu.Lock()
	a.known[server] = current
	a.mu.Unlock()

	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(updated)

	now := time.Now()
	if len(added) > 0 {
		a.emit(Event{Type: EventToolsAdded, Server: server, Tools: added, Time: now})
	}
	if len(removed) > 0 {
		a.emit(Event{Type: EventToolsRemoved, Server: server, Tools: removed, Time: now})
	}
	if len(updated) > 0 {
		a.emit(Event{Type: EventToolsUpdated, Server: server, Tools: updated, Time: now})
	}
	if len(added)+len(removed)+len(updated) > 0 {
		a.opts.Bus.Publish(events.NewToolsChangedEvent(server, added, removed, updated))
	}
	return len(added), len(removed), len(updated)
}

func (a *AutoDiscovery) applyUpdate(server string, tool mcp.Tool, old, snap updates.Snapshot) {
	if a.opts.Updater != nil {
		_, err := a.opts.Updater.QueueUpdate(updates.ToolUpdate{
			Type:     updates.ChangeModified,
			Tool:     tool.Name,
			Server:   server,
			Priority: updates.PriorityNormal,
			Old:      &old,
			New:      &snap,
		})
		if err == nil {
			return
		}
		a.logger.Warn("queue tool update, applying directly", "server", server, "tool", tool.Name, "error", err)
	}
	if _, err := a.reg.UpdateTool(server, tool); err != nil {
		a.logger.Warn("update discovered tool", "server", server, "tool", tool.Name, "error", err)
	}
}

func (a *AutoDiscovery) emit(ev Event) {
	a.mu.Lock()
	callbacks := append([]func(Event)(nil), a.callbacks...)
	a.mu.Unlock()
	for _, fn := range callbacks {
		fn(ev)
	}
}

// Trigger requests a cycle in REACTIVE mode. Requests made while one is
// pending collapse into it.
func (a *AutoDiscovery) Trigger() {
	select {
	case a.trigger <- struct{}{}:
	default:
	}
}

// Start begins scheduled or reactive discovery. PASSIVE mode starts nothing.
func (a *AutoDiscovery) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	switch a.opts.Mode {
	case ModePassive:
	case ModeActive:
		schedule := a.opts.Schedule
		if schedule == "" {
			schedule = "@every " + a.opts.Interval.String()
		}
		c := cron.New()
		if _, err := c.AddFunc(schedule, func() { a.runLogged(ctx) }); err != nil {
			cancel()
			return mcperr.Configuration("discovery schedule", fmt.Errorf("invalid schedule %q: %w", schedule, err))
		}
		c.Start()
		a.cron = c
	case ModeReactive:
		a.unsubscribe = a.opts.Bus.Subscribe(func(e events.Event) {
			switch e.Type() {
			case events.EventServerAdded, events.EventServerRemoved:
				a.Trigger()
			}
		})
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.reactiveLoop(ctx)
		}()
		if a.opts.ConfigPath != "" {
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				a.watchConfig(ctx)
			}()
		}
	}
	a.cancel = cancel
	a.running = true
	a.logger.Info("auto-discovery started", "mode", a.opts.Mode)
	return nil
}

func (a *AutoDiscovery) runLogged(ctx context.Context) {
	if _, err := a.RunCycle(ctx); err != nil && ctx.Err() == nil {
		a.logger.Debug("discovery cycle had failures", "error", err)
	}
}

func (a *AutoDiscovery) reactiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.trigger:
			a.runLogged(ctx)
		}
	}
}

// Stop cancels every task and waits for running cycles to finish.
func (a *AutoDiscovery) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel, c, unsub := a.cancel, a.cron, a.unsubscribe
	a.cancel, a.cron, a.unsubscribe = nil, nil, nil
	a.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	cancel()
	if c != nil {
		<-c.Stop().Done()
	}
	a.wg.Wait()
	a.logger.Info("auto-discovery stopped")
}

// Stats returns accumulated counters.
func (a *AutoDiscovery) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Known returns the tool names the last cycle saw on server, sorted.
func (a *AutoDiscovery) Known(server string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.known[server]))
	for n := range a.known[server] {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
