// Package unified is the single entry point the host application uses: one
// tool catalog over built-in tools and every configured MCP server.
package unified

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/QUSEIT/simacode-sub001/internal/autodiscovery"
	"github.com/QUSEIT/simacode-sub001/internal/config"
	"github.com/QUSEIT/simacode-sub001/internal/discovery"
	"github.com/QUSEIT/simacode-sub001/internal/events"
	"github.com/QUSEIT/simacode-sub001/internal/health"
	"github.com/QUSEIT/simacode-sub001/internal/manager"
	"github.com/QUSEIT/simacode-sub001/internal/mcp"
	"github.com/QUSEIT/simacode-sub001/internal/namespace"
	"github.com/QUSEIT/simacode-sub001/internal/permission"
	"github.com/QUSEIT/simacode-sub001/internal/process"
	"github.com/QUSEIT/simacode-sub001/internal/registry"
	"github.com/QUSEIT/simacode-sub001/internal/telemetry"
	"github.com/QUSEIT/simacode-sub001/internal/updates"
)

// PermissionChecker decides whether a call may run. The reason explains a
// denial. Built-in tools are checked with server set to BuiltInServer.
type PermissionChecker interface {
	Allowed(server, tool string, args json.RawMessage) (bool, string)
}

// BuiltInServer is the server name permission checks see for built-in tools.
const BuiltInServer = ""

// policyHolder is implemented by checkers that follow config reloads.
type policyHolder interface {
	SetPolicy(server string, p config.SecurityPolicy)
	RemovePolicy(server string)
}

// Options configures a Registry.
type Options struct {
	Config *config.Config

	// ConfigPath is watched for changes when discovery runs in reactive
	// mode with watchConfig set.
	ConfigPath string

	Logger   *slog.Logger
	Bus      *events.Bus
	Observer telemetry.Observer
	Tracker  *process.PIDTracker
	Client   mcp.ClientOptions

	BuiltIns    ToolSet
	Permissions PermissionChecker
}

// Registry wires the server manager, tool registry, health monitor,
// auto-discovery and update queue together.
type Registry struct {
	opts     Options
	logger   *slog.Logger
	builtins ToolSet
	perms    PermissionChecker

	mgr     *manager.Manager
	tools   *registry.Registry
	updates *updates.Manager
	auto    *autodiscovery.AutoDiscovery

	schemas schemaCache

	mu          sync.Mutex
	cfg         *config.Config
	initialized bool
}

// New builds a Registry from opts. Nothing connects until Initialize.
func New(opts Options) (*Registry, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := cfg.Settings

	policy, err := namespace.ParsePolicy(s.Namespace.CollisionPolicy)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		opts:     opts,
		logger:   logger.With("component", "unified"),
		builtins: opts.BuiltIns,
		perms:    opts.Permissions,
		cfg:      cfg,
	}
	if r.builtins == nil {
		r.builtins = NewBuiltIns()
	}
	if r.perms == nil {
		r.perms = permission.FromConfig(cfg, logger)
	}

	r.mgr = manager.New(manager.Options{
		Settings: s,
		Logger:   logger,
		Bus:      opts.Bus,
		Observer: opts.Observer,
		Tracker:  opts.Tracker,
		Client:   opts.Client,
	})
	ns := namespace.NewManager(namespace.Config{MaxDepth: s.Namespace.MaxDepth, Policy: policy, Logger: logger})
	r.tools = registry.New(r.mgr, ns, r.mgr.Discovery(), registry.Options{
		Logger:        logger,
		NamespaceFor:  r.namespaceFor,
		MaxConcurrent: s.MaxConcurrent,
	})
	r.updates = updates.NewManager(r.tools, updates.Options{
		MaxConcurrent: s.Updates.MaxConcurrent,
		BatchWindow:   s.Updates.BatchWindow.Std(),
		Logger:        logger,
		Bus:           opts.Bus,
	})

	adOpts, err := autodiscovery.OptionsFromSettings(s.Discovery)
	if err != nil {
		return nil, err
	}
	adOpts.Logger = logger
	adOpts.Bus = opts.Bus
	adOpts.Updater = r.updates
	adOpts.MaxConcurrent = s.MaxConcurrent
	if s.Discovery.WatchConfig && opts.ConfigPath != "" {
		adOpts.ConfigPath = opts.ConfigPath
		adOpts.OnConfigChange = func(c *config.Config) {
			if err := r.ApplyConfig(context.Background(), c); err != nil {
				r.logger.Warn("apply reloaded config", "error", err)
			}
		}
	}
	r.auto = autodiscovery.New(r.mgr, r.tools, adOpts)

	r.mgr.Health().OnAlert(func(a health.Alert) {
		r.logger.Warn("server health alert", "server", a.Server, "status", a.Status, "previous", a.Previous, "error", a.LastError)
	})
	return r, nil
}

func (r *Registry) namespaceFor(server string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if srv, ok := r.cfg.Servers[server]; ok {
		return srv.NamespaceOrName()
	}
	return server
}

// Config returns the active configuration.
func (r *Registry) Config() *config.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

func (r *Registry) Manager() *manager.Manager { return r.mgr }
func (r *Registry) Tools() *registry.Registry { return r.tools }
func (r *Registry) Discovery() *discovery.Discovery { return r.mgr.Discovery() }
func (r *Registry) Health() *health.Monitor { return r.mgr.Health() }
func (r *Registry) Updates() *updates.Manager { return r.updates }
func (r *Registry) AutoDiscovery() *autodiscovery.AutoDiscovery { return r.auto }

// Initialize connects every enabled server, registers their tools and
// starts the background components. A server that fails to connect is
// logged and left to health recovery; it does not fail Initialize.
func (r *Registry) Initialize(ctx context.Context) error {
	r.mu.Lock()
	if r.initialized {
		r.mu.Unlock()
		return nil
	}
	r.initialized = true
	servers := r.cfg.EnabledServers()
	r.mu.Unlock()

	if err := r.mgr.AddServers(ctx, servers); err != nil {
		r.logger.Warn("some servers failed to start", "error", err)
	}
	n, err := r.tools.DiscoverAndRegisterAll(ctx)
	if err != nil {
		r.logger.Warn("tool registration incomplete", "error", err)
	}
	for _, name := range r.mgr.ServerNames() {
		r.seed(name)
	}

	bg := context.WithoutCancel(ctx)
	r.mgr.Start(bg)
	r.updates.Start(bg)
	if err := r.auto.Start(bg); err != nil {
		r.updates.Stop()
		_ = r.mgr.Close(ctx)
		r.mu.Lock()
		r.initialized = false
		r.mu.Unlock()
		return fmt.Errorf("start auto-discovery: %w", err)
	}

	r.logger.Info("tool registry initialized", "servers", len(servers), "tools", n)
	return nil
}

// seed tells auto-discovery what is already registered for server.
func (r *Registry) seed(server string) {
	entries := r.tools.ServerEntries(server)
	if len(entries) == 0 {
		return
	}
	tools := make([]mcp.Tool, 0, len(entries))
	for _, e := range entries {
		tools = append(tools, e.Tool)
	}
	if err := r.auto.Seed(server, tools); err != nil {
		r.logger.Debug("seed discovery snapshots", "server", server, "error", err)
	}
}

// Shutdown stops background work and disconnects every server.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.initialized {
		r.mu.Unlock()
		return nil
	}
	r.initialized = false
	r.mu.Unlock()

	r.auto.Stop()
	r.updates.Stop()
	err := r.mgr.Close(ctx)
	r.logger.Info("tool registry shut down")
	return err
}

// ApplyConfig moves the running set of servers to cfg: removed servers are
// disconnected and their tools unregistered, new servers are added and
// changed servers are restarted. Settings changes need a restart.
func (r *Registry) ApplyConfig(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	old := r.cfg
	r.cfg = cfg
	r.mu.Unlock()

	var removed, added []config.ServerConfig
	for name, srv := range old.Servers {
		next, ok := cfg.Servers[name]
		if !ok || !next.IsEnabled() || !reflect.DeepEqual(srv, next) {
			removed = append(removed, srv)
		}
	}
	for _, srv := range cfg.EnabledServers() {
		prev, ok := old.Servers[srv.Name]
		if !ok || !prev.IsEnabled() || !reflect.DeepEqual(prev, srv) {
			added = append(added, srv)
		}
	}

	holder, _ := r.perms.(policyHolder)
	for _, srv := range removed {
		r.tools.UnregisterServerTools(srv.Name)
		r.updates.ForgetServer(srv.Name)
		if holder != nil {
			holder.RemovePolicy(srv.Name)
		}
		if _, err := r.mgr.RemoveServer(ctx, srv.Name); err != nil {
			r.logger.Warn("remove server", "server", srv.Name, "error", err)
		}
	}
	for _, srv := range added {
		if holder != nil {
			holder.SetPolicy(srv.Name, srv.Security)
		}
		if err := r.mgr.AddServer(ctx, srv); err != nil {
			r.logger.Warn("add server", "server", srv.Name, "error", err)
			continue
		}
		tools, err := r.mgr.ServerTools(ctx, srv.Name)
		if err != nil {
			r.logger.Warn("list tools of added server", "server", srv.Name, "error", err)
			continue
		}
		res := r.tools.RegisterServerTools(srv.Name, tools)
		if res.Failed > 0 {
			r.logger.Warn("some tools failed to register", "server", srv.Name, "failed", res.Failed)
		}
		r.seed(srv.Name)
	}

	r.logger.Info("config applied", "removed", len(removed), "added", len(added))
	return nil
}
