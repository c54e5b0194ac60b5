// Package manager owns the MCP clients of a runtime. It serializes connect
// and disconnect per server, fans requests out across servers and feeds the
// health monitor and the discovery index.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/QUSEIT/simacode-sub001/internal/config"
	"github.com/QUSEIT/simacode-sub001/internal/discovery"
	"github.com/QUSEIT/simacode-sub001/internal/events"
	"github.com/QUSEIT/simacode-sub001/internal/health"
	"github.com/QUSEIT/simacode-sub001/internal/mcp"
	"github.com/QUSEIT/simacode-sub001/internal/mcperr"
	"github.com/QUSEIT/simacode-sub001/internal/process"
	"github.com/QUSEIT/simacode-sub001/internal/telemetry"
)

// Options configures a Manager. Zero values fall back to DefaultSettings,
// a health monitor and a discovery index built from Settings.
type Options struct {
	Settings  config.Settings
	Logger    *slog.Logger
	Bus       *events.Bus
	Observer  telemetry.Observer
	Tracker   *process.PIDTracker
	Health    *health.Monitor
	Discovery *discovery.Discovery

	// Client is the template for every client. Timeout, Logger, Bus and
	// Tracker are filled in per server.
	Client mcp.ClientOptions
}

// Manager is the sole owner of the clients.
type Manager struct {
	opts     Options
	logger   *slog.Logger
	observer telemetry.Observer
	health   *health.Monitor
	disc     *discovery.Discovery

	mu      sync.RWMutex
	clients map[string]*mcp.Client
	order   []string
	locks   map[string]*sync.Mutex
}

// New creates a manager with no servers.
func New(opts Options) *Manager {
	if opts.Settings == (config.Settings{}) {
		opts.Settings = config.DefaultSettings()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		opts:     opts,
		logger:   logger.With("component", "manager"),
		observer: telemetry.OrNop(opts.Observer),
		clients:  make(map[string]*mcp.Client),
		locks:    make(map[string]*sync.Mutex),
	}

	m.health = opts.Health
	if m.health == nil {
		s := opts.Settings
		m.health = health.NewMonitor(health.Config{
			Interval: s.HealthCheckInterval.Std(),
			Thresholds: health.Thresholds{
				Critical:    s.CriticalAfter,
				Failed:      s.FailedAfter,
				HighLatency: s.HighLatencyThreshold.Std(),
			},
			Recovery: health.RecoveryConfig{
				Enabled:     s.Recovery.Enabled,
				MaxAttempts: s.Recovery.MaxAttempts,
				Backoff:     s.Recovery.Backoff.Std(),
			},
			Logger:   logger,
			Bus:      opts.Bus,
			Observer: opts.Observer,
		})
	}
	m.disc = opts.Discovery
	if m.disc == nil {
		m.disc = discovery.New(m, discovery.Options{TTL: opts.Settings.Discovery.TTL.Std(), Logger: logger})
	}
	return m
}

// Health returns the monitor the manager registers servers with.
func (m *Manager) Health() *health.Monitor { return m.health }

// Discovery returns the tool index fed by the manager.
func (m *Manager) Discovery() *discovery.Discovery { return m.disc }

func (m *Manager) lockFor(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}

// Client returns the client of name, or nil.
func (m *Manager) Client(name string) *mcp.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clients[name]
}

// ServerNames lists servers in the order they were added.
func (m *Manager) ServerNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.order)
}

func (m *Manager) clientOptions(cfg config.ServerConfig) mcp.ClientOptions {
	opts := m.opts.Client
	opts.Logger = m.opts.Logger
	opts.Bus = m.opts.Bus
	opts.Tracker = m.opts.Tracker
	if opts.Timeout == 0 {
		opts.Timeout = cfg.TimeoutOr(m.opts.Settings.DefaultTimeout.Std())
	}
	return opts
}

// AddServer creates, registers and connects a client for cfg. A connect
// failure leaves the client registered in the Error state, so health
// recovery or Reconnect can bring it up later, and returns the error.
func (m *Manager) AddServer(ctx context.Context, cfg config.ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	client := mcp.NewClient(cfg, m.clientOptions(cfg))
	m.mu.Lock()
	if _, exists := m.clients[cfg.Name]; exists {
		m.mu.Unlock()
		return mcperr.WithServer(mcperr.Configuration("add server", fmt.Errorf("server %q already exists", cfg.Name)), cfg.Name)
	}
	m.clients[cfg.Name] = client
	m.order = append(m.order, cfg.Name)
	m.mu.Unlock()

	m.opts.Bus.Publish(events.NewServerAddedEvent(cfg.Name))
	m.health.Register(cfg.Name, healthTarget{m: m, name: cfg.Name})

	lock := m.lockFor(cfg.Name)
	lock.Lock()
	err := client.Connect(ctx)
	lock.Unlock()
	if err != nil {
		m.logger.Warn("server added but not connected", "server", cfg.Name, "error", err)
		return err
	}

	if err := m.disc.Refresh(ctx, cfg.Name); err != nil {
		m.logger.Warn("initial discovery failed", "server", cfg.Name, "error", err)
	}
	m.logger.Info("server added", "server", cfg.Name, "kind", cfg.Kind)
	return nil
}

// AddServers adds servers concurrently, bounded by Settings.MaxConcurrent.
// Every failure is joined into the returned error; successful servers stay.
func (m *Manager) AddServers(ctx context.Context, cfgs []config.ServerConfig) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(m.limit())
	for _, cfg := range cfgs {
		g.Go(func() error {
			if err := m.AddServer(ctx, cfg); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", cfg.Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// RemoveServer disconnects and forgets name. Unknown names report false
// without an error.
func (m *Manager) RemoveServer(ctx context.Context, name string) (bool, error) {
	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	client, ok := m.clients[name]
	if ok {
		delete(m.clients, name)
		m.order = slices.DeleteFunc(m.order, func(s string) bool { return s == name })
	}
	m.mu.Unlock()
	if !ok {
		return false, nil
	}

	m.health.Unregister(name)
	m.disc.Remove(name)
	err := client.Disconnect(ctx)
	m.opts.Bus.Publish(events.NewServerRemovedEvent(name))
	m.logger.Info("server removed", "server", name)
	return true, err
}

// Reconnect disconnects and connects name again, then marks its discovery
// index stale.
func (m *Manager) Reconnect(ctx context.Context, name string) error {
	client := m.Client(name)
	if client == nil {
		return mcperr.WithServer(mcperr.Configuration("reconnect", fmt.Errorf("unknown server %q", name)), name)
	}

	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	_ = client.Disconnect(ctx)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	m.disc.Invalidate(name)
	return nil
}

func (m *Manager) limit() int {
	if n := m.opts.Settings.MaxConcurrent; n > 0 {
		return n
	}
	return 4
}

func (m *Manager) readyClients() []*mcp.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*mcp.Client, 0, len(m.order))
	for _, name := range m.order {
		if c := m.clients[name]; c.State() == events.StateReady {
			out = append(out, c)
		}
	}
	return out
}

// GetAllTools lists the tools of every Ready server concurrently. Failed
// servers are missing from the map and their errors are joined.
func (m *Manager) GetAllTools(ctx context.Context) (map[string][]mcp.Tool, error) {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	out := make(map[string][]mcp.Tool)
	g.SetLimit(m.limit())
	for _, c := range m.readyClients() {
		g.Go(func() error {
			tools, err := c.ListTools(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
				return nil
			}
			out[c.Name()] = tools
			return nil
		})
	}
	_ = g.Wait()
	return out, errors.Join(errs...)
}

// ServerTools fetches a fresh tool list from one server. Unknown servers
// yield an empty list.
func (m *Manager) ServerTools(ctx context.Context, name string) ([]mcp.Tool, error) {
	c := m.Client(name)
	if c == nil {
		return nil, nil
	}
	return c.RefreshTools(ctx)
}

// FindTool returns the first Ready server, in insertion order, exposing a
// tool called name.
func (m *Manager) FindTool(ctx context.Context, name string) (string, mcp.Tool, bool) {
	for _, c := range m.readyClients() {
		tools, err := c.ListTools(ctx)
		if err != nil {
			continue
		}
		for _, t := range tools {
			if t.Name == name {
				return c.Name(), t, true
			}
		}
	}
	return "", mcp.Tool{}, false
}

// SearchTools delegates to the discovery index.
func (m *Manager) SearchTools(ctx context.Context, query string, limit int) ([]discovery.Result, error) {
	return m.disc.Search(ctx, query, limit)
}

func (m *Manager) route(server, tool string) (*mcp.Client, error) {
	c := m.Client(server)
	if c == nil {
		return nil, mcperr.WithServer(mcperr.ToolNotFound(tool), server)
	}
	return c, nil
}

// CallTool invokes tool on server and records the outcome.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args json.RawMessage) (*mcp.ToolResult, error) {
	c, err := m.route(server, tool)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	result, err := c.CallTool(ctx, tool, args)
	m.record(c, tool, false, time.Since(start), err == nil && !result.IsError, err)
	return result, err
}

// CallToolAsync invokes tool on server and streams its events. The outcome
// is recorded when the terminal event passes through.
func (m *Manager) CallToolAsync(ctx context.Context, server, tool string, args json.RawMessage, timeout time.Duration) (<-chan mcp.ToolEvent, error) {
	c, err := m.route(server, tool)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	in, err := c.CallToolAsync(ctx, tool, args, timeout)
	if err != nil {
		m.record(c, tool, true, time.Since(start), false, err)
		return nil, err
	}

	out := make(chan mcp.ToolEvent, 1)
	go func() {
		defer close(out)
		for ev := range in {
			if ev.Terminal() {
				ok := ev.Type == mcp.ToolEventResult && ev.Result != nil && !ev.Result.IsError
				m.record(c, tool, true, time.Since(start), ok, ev.Err)
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				// drain so the producer can finish
				for range in {
				}
				return
			}
		}
	}()
	return out, nil
}

func (m *Manager) record(c *mcp.Client, tool string, async bool, latency time.Duration, success bool, err error) {
	m.disc.RecordUsage(c.Name(), tool, success, latency)
	kind := ""
	if err != nil {
		kind = mcperr.KindOf(err).String()
	} else if !success {
		kind = "tool_error"
	}
	m.observer.ObserveInvoke(telemetry.InvokeObservation{
		Server:    c.Name(),
		Tool:      tool,
		Transport: string(c.Config().Kind),
		Async:     async,
		Duration:  latency,
		Success:   success,
		ErrorKind: kind,
	})
}

// Status summarizes one server for display.
type Status struct {
	Name        string
	Kind        config.ServerKind
	State       events.ClientState
	LastError   error
	ServerInfo  mcp.Implementation
	ConnectedAt time.Time
	Tools       int
	Health      health.Metrics
}

// Statuses reports every server in insertion order.
func (m *Manager) Statuses() []Status {
	var out []Status
	for _, name := range m.ServerNames() {
		c := m.Client(name)
		if c == nil {
			continue
		}
		met, _ := m.health.Metrics(name)
		out = append(out, Status{
			Name:        name,
			Kind:        c.Config().Kind,
			State:       c.State(),
			LastError:   c.LastError(),
			ServerInfo:  c.ServerInfo(),
			ConnectedAt: c.ConnectedAt(),
			Tools:       len(m.disc.ServerTools(name)),
			Health:      met,
		})
	}
	return out
}

// Start runs the health monitor.
func (m *Manager) Start(ctx context.Context) {
	m.health.Start(ctx)
}

// Close stops health checks and disconnects every server concurrently.
func (m *Manager) Close(ctx context.Context) error {
	m.health.Stop()

	m.mu.RLock()
	clients := make([]*mcp.Client, 0, len(m.clients))
	for _, name := range m.order {
		clients = append(clients, m.clients[name])
	}
	m.mu.RUnlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, c := range clients {
		g.Go(func() error {
			lock := m.lockFor(c.Name())
			lock.Lock()
			defer lock.Unlock()
			if err := c.Disconnect(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// healthTarget lets the monitor check and recover a server without owning
// its client.
type healthTarget struct {
	m    *Manager
	name string
}

func (t healthTarget) Ping(ctx context.Context) error {
	c := t.m.Client(t.name)
	if c == nil {
		return mcperr.WithServer(mcperr.Connection("ping", errors.New("server removed")), t.name)
	}
	return c.Ping(ctx)
}

func (t healthTarget) Reconnect(ctx context.Context) error {
	return t.m.Reconnect(ctx, t.name)
}
