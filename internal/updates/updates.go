// Package updates detects fine-grained changes to server tool definitions
// and applies them to the registry through a bounded, batching queue.
package updates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/QUSEIT/simacode-sub001/internal/events"
	"github.com/QUSEIT/simacode-sub001/internal/mcp"
	"github.com/QUSEIT/simacode-sub001/internal/mcperr"
)

// ChangeType is the kind of a ToolUpdate.
type ChangeType int

const (
	ChangeAdded ChangeType = iota
	ChangeModified
	ChangeRemoved
)

func (c ChangeType) String() string {
	switch c {
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	case ChangeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Priority orders the queue; higher runs first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// ToolUpdate is one queued change. It is not modified after QueueUpdate.
type ToolUpdate struct {
	ID        string
	Type      ChangeType
	Tool      string
	Server    string
	Priority  Priority
	Old       *Snapshot
	New       *Snapshot
	Timestamp time.Time
}

// Applier performs updates. The tool registry implements it.
type Applier interface {
	RegisterTool(server string, tool mcp.Tool) (string, error)
	UpdateTool(server string, tool mcp.Tool) (string, error)
	UnregisterTool(server, tool string) bool
}

// Applied is a history record.
type Applied struct {
	Update    ToolUpdate
	Err       error
	AppliedAt time.Time
}

// Stats counts queue activity.
type Stats struct {
	Queued  int
	Applied int
	Failed  int
	Batches int
	Pending int
}

// Options configures a Manager.
type Options struct {
	MaxConcurrent int
	BatchWindow   time.Duration
	HistorySize   int
	Logger        *slog.Logger
	Bus           *events.Bus
}

const (
	DefaultMaxConcurrent = 3
	DefaultHistorySize   = 256
)

// Manager owns the snapshots and the update queue.
type Manager struct {
	applier Applier
	opts    Options
	logger  *slog.Logger

	mu        sync.Mutex
	snapshots map[string]map[string]Snapshot // server -> tool -> snapshot
	pending   []ToolUpdate
	history   []Applied
	stats     Stats
	callbacks []func(Applied)

	signal  chan struct{}
	applyMu sync.Mutex // one batch at a time
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewManager creates a stopped manager applying updates through applier.
func NewManager(applier Applier, opts Options) *Manager {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		applier:   applier,
		opts:      opts,
		logger:    logger.With("component", "updates"),
		snapshots: make(map[string]map[string]Snapshot),
		signal:    make(chan struct{}, 1),
	}
}

// OnApplied registers a callback run after each update is applied.
func (m *Manager) OnApplied(fn func(Applied)) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, fn)
	m.mu.Unlock()
}

// DetectChanges compares tools with the stored snapshots of server, stores
// the new snapshots and returns the differences. Nothing is queued.
func (m *Manager) DetectChanges(server string, tools []mcp.Tool) ([]ToolUpdate, error) {
	now := time.Now()
	current := make(map[string]Snapshot, len(tools))
	var errs []error
	for _, t := range tools {
		snap, err := TakeSnapshot(t)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		snap.TakenAt = now
		current[t.Name] = snap
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.snapshots[server]
	var out []ToolUpdate
	for _, t := range tools {
		snap, ok := current[t.Name]
		if !ok {
			continue
		}
		old, existed := prev[t.Name]
		switch {
		case !existed:
			s := snap
			out = append(out, ToolUpdate{Type: ChangeAdded, Tool: t.Name, Server: server, Priority: PriorityNormal, New: &s, Timestamp: now})
		case old.Hash != snap.Hash:
			snap.Version = old.Version + 1
			current[t.Name] = snap
			o, s := old, snap
			out = append(out, ToolUpdate{Type: ChangeModified, Tool: t.Name, Server: server, Priority: PriorityNormal, Old: &o, New: &s, Timestamp: now})
		default:
			current[t.Name] = old
		}
	}
	var removed []string
	for name := range prev {
		if _, ok := current[name]; !ok {
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	for _, name := range removed {
		o := prev[name]
		out = append(out, ToolUpdate{Type: ChangeRemoved, Tool: name, Server: server, Priority: PriorityHigh, Old: &o, Timestamp: now})
	}
	// keep snapshots of tools that failed to hash
	for name, s := range prev {
		if _, ok := current[name]; !ok && containsTool(tools, name) {
			current[name] = s
		}
	}
	m.snapshots[server] = current
	return out, errors.Join(errs...)
}

func containsTool(tools []mcp.Tool, name string) bool {
	for _, t := range tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Snapshot returns the stored snapshot of one tool.
func (m *Manager) Snapshot(server, tool string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[server][tool]
	return s, ok
}

// ForgetServer drops the snapshots of server.
func (m *Manager) ForgetServer(server string) {
	m.mu.Lock()
	delete(m.snapshots, server)
	m.mu.Unlock()
}

// QueueUpdate validates u, assigns an id when it has none and queues it.
func (m *Manager) QueueUpdate(u ToolUpdate) (string, error) {
	if u.Server == "" || u.Tool == "" {
		return "", mcperr.Configuration("queue update", errors.New("update needs a server and a tool"))
	}
	if (u.Type == ChangeAdded || u.Type == ChangeModified) && u.New == nil {
		return "", mcperr.Configuration("queue update", fmt.Errorf("%s update of %s has no new snapshot", u.Type, u.Tool))
	}
	if u.Type < ChangeAdded || u.Type > ChangeRemoved {
		return "", mcperr.Configuration("queue update", fmt.Errorf("unknown change type %d", u.Type))
	}
	if u.ID == "" {
		u.ID = ulid.Make().String()
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.pending = append(m.pending, u)
	m.stats.Queued++
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return u.ID, nil
}

// QueueAll queues every update and returns their ids.
func (m *Manager) QueueAll(us []ToolUpdate) ([]string, error) {
	ids := make([]string, 0, len(us))
	for _, u := range us {
		id, err := m.QueueUpdate(u)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Pending returns the number of queued updates.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Apply performs one update through the applier.
func (m *Manager) Apply(ctx context.Context, u ToolUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch u.Type {
	case ChangeAdded:
		_, err := m.applier.RegisterTool(u.Server, u.New.Tool)
		return err
	case ChangeModified:
		_, err := m.applier.UpdateTool(u.Server, u.New.Tool)
		return err
	case ChangeRemoved:
		m.applier.UnregisterTool(u.Server, u.Tool)
		return nil
	}
	return fmt.Errorf("unknown change type %d", u.Type)
}

// ProcessPending drains the queue and applies it: highest priority first,
// oldest first within a priority. Updates of the same tool run in order;
// different tools run concurrently up to MaxConcurrent. It returns how many
// updates were applied successfully.
func (m *Manager) ProcessPending(ctx context.Context) int {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	m.mu.Unlock()
	if len(batch) == 0 {
		return 0
	}

	sort.SliceStable(batch, func(i, j int) bool {
		if batch[i].Priority != batch[j].Priority {
			return batch[i].Priority > batch[j].Priority
		}
		return batch[i].Timestamp.Before(batch[j].Timestamp)
	})

	var keys []string
	groups := make(map[string][]ToolUpdate)
	for _, u := range batch {
		k := u.Server + "/" + u.Tool
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], u)
	}

	var (
		g  errgroup.Group
		mu sync.Mutex
		ok int
	)
	g.SetLimit(m.opts.MaxConcurrent)
	for _, k := range keys {
		g.Go(func() error {
			for _, u := range groups[k] {
				err := m.Apply(ctx, u)
				m.finish(u, err)
				if err == nil {
					mu.Lock()
					ok++
					mu.Unlock()
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	m.stats.Batches++
	m.mu.Unlock()
	m.logger.Debug("update batch applied", "updates", len(batch), "ok", ok)
	return ok
}

func (m *Manager) finish(u ToolUpdate, err error) {
	rec := Applied{Update: u, Err: err, AppliedAt: time.Now()}

	m.mu.Lock()
	if err != nil {
		m.stats.Failed++
	} else {
		m.stats.Applied++
	}
	m.history = append(m.history, rec)
	if over := len(m.history) - m.opts.HistorySize; over > 0 {
		m.history = append([]Applied(nil), m.history[over:]...)
	}
	callbacks := append([]func(Applied)(nil), m.callbacks...)
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("update failed", "id", u.ID, "server", u.Server, "tool", u.Tool, "change", u.Type, "error", err)
	}
	m.opts.Bus.Publish(events.NewToolUpdatedEvent(u.Server, u.ID, u.Tool, u.Type.String(), err))
	for _, fn := range callbacks {
		fn(rec)
	}
}

// Start runs the background loop. Start on a running manager is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)
}

func (m *Manager) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.signal:
		}
		if w := m.opts.BatchWindow; w > 0 {
			timer := time.NewTimer(w)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		m.ProcessPending(ctx)
	}
}

// Stop cancels the loop and waits for an in-flight batch to finish.
// Updates still queued stay queued.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Stats returns queue counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Pending = len(m.pending)
	return s
}

// History returns up to limit of the most recent applied updates, newest
// last. limit <= 0 returns all retained records.
func (m *Manager) History(limit int) []Applied {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]Applied(nil), h...)
}
