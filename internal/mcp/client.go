package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/QUSEIT/simacode-sub001/internal/config"
	"github.com/QUSEIT/simacode-sub001/internal/events"
	"github.com/QUSEIT/simacode-sub001/internal/mcperr"
	"github.com/QUSEIT/simacode-sub001/internal/process"
)

const (
	// DefaultTimeout is the default timeout for RPC calls.
	DefaultTimeout = 30 * time.Second

	// disconnectTimeout bounds the background teardown after a failure.
	disconnectTimeout = 15 * time.Second
)

// DialFunc creates the transport for a server. It is called on every
// Connect.
type DialFunc func(ctx context.Context, cfg config.ServerConfig) (Transport, error)

// ClientOptions configures a Client.
type ClientOptions struct {
	Logger  *slog.Logger
	Bus     *events.Bus
	Tracker *process.PIDTracker

	// Info identifies this runtime to servers.
	Info Implementation

	// Timeout bounds every request. Zero uses the server config's timeout,
	// then DefaultTimeout.
	Timeout          time.Duration
	LivenessInterval time.Duration
	AsyncQueueSize   int
	ShutdownGrace    time.Duration

	// Dial overrides transport selection. Nil uses NewTransport.
	Dial DialFunc
}

// Client binds one Connection and Protocol to one server.
//
// States move Disconnected -> Connecting -> Ready and from there to Error on
// a transport failure or back to Disconnected. A client in Error stays there
// until Connect is called again.
type Client struct {
	cfg     config.ServerConfig
	opts    ClientOptions
	logger  *slog.Logger
	timeout time.Duration

	// connMu serializes Connect and Disconnect.
	connMu sync.Mutex

	mu              sync.RWMutex
	state           events.ClientState
	lastErr         error
	gen             uint64
	conn            *Connection
	proto           *Protocol
	init            InitializeResult
	protocolVersion string
	connectedAt     time.Time
	tools           []Tool
	toolsCached     bool
	resources       []Resource
	resourcesCached bool
}

// NewClient creates a disconnected client for cfg.
func NewClient(cfg config.ServerConfig, opts ClientOptions) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Info.Name == "" {
		opts.Info = Implementation{Name: "simacode-mcp", Version: "0.1.0"}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = cfg.TimeoutOr(DefaultTimeout)
	}
	return &Client{
		cfg:     cfg,
		opts:    opts,
		logger:  logger.With("component", "client", "server", cfg.Name),
		timeout: timeout,
		state:   events.StateDisconnected,
	}
}

// Name returns the server name.
func (c *Client) Name() string { return c.cfg.Name }

// Config returns the server configuration.
func (c *Client) Config() config.ServerConfig { return c.cfg }

// Timeout returns the per-request timeout.
func (c *Client) Timeout() time.Duration { return c.timeout }

// State returns the current state.
func (c *Client) State() events.ClientState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastError returns the error that moved the client to Error, if any.
func (c *Client) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// ServerInfo returns the server's self-description from initialize.
func (c *Client) ServerInfo() Implementation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.init.ServerInfo
}

// Capabilities returns the capabilities negotiated during initialize.
func (c *Client) Capabilities() ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.init.Capabilities
}

// ProtocolVersion returns the negotiated protocol version.
func (c *Client) ProtocolVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.protocolVersion
}

// SupportsAsync reports whether the server advertised async tool calls.
func (c *Client) SupportsAsync() bool {
	return c.Capabilities().AsyncToolCalls()
}

// ConnectedAt returns when the client last became Ready.
func (c *Client) ConnectedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectedAt
}

// Logs returns the retained stderr lines of a stdio server.
func (c *Client) Logs() []string {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil
	}
	if pt, ok := conn.Transport().(*ProcessTransport); ok {
		return pt.Logs()
	}
	return nil
}

func (c *Client) setState(state events.ClientState, err error) {
	c.mu.Lock()
	old := c.state
	c.state = state
	c.lastErr = err
	if state == events.StateReady {
		c.connectedAt = time.Now()
	}
	c.mu.Unlock()

	if old != state {
		c.logger.Debug("state changed", "from", old, "to", state)
		c.opts.Bus.Publish(events.NewStateChangedEvent(c.cfg.Name, old, state, err))
	}
}

// Connect opens the transport, performs the initialize handshake trying
// protocol versions newest first, and moves the client to Ready. A client
// that is already Ready is left untouched.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.State() == events.StateReady {
		return nil
	}
	c.teardown(ctx)

	c.setState(events.StateConnecting, nil)
	if err := c.connect(ctx); err != nil {
		err = mcperr.WithServer(err, c.cfg.Name)
		c.teardown(ctx)
		c.setState(events.StateError, err)
		c.logger.Warn("connect failed", "error", err)
		return err
	}
	c.setState(events.StateReady, nil)
	c.logger.Info("connected", "protocolVersion", c.ProtocolVersion(), "serverName", c.ServerInfo().Name)
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	var (
		t   Transport
		err error
	)
	if c.opts.Dial != nil {
		t, err = c.opts.Dial(ctx, c.cfg)
	} else {
		t, err = NewTransport(c.cfg, TransportOptions{
			Logger:        c.opts.Logger,
			Bus:           c.opts.Bus,
			Tracker:       c.opts.Tracker,
			ShutdownGrace: c.opts.ShutdownGrace,
		})
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	conn := NewConnection(t, ConnectionConfig{
		ConnectTimeout:   c.timeout,
		SendTimeout:      c.timeout,
		LivenessInterval: c.opts.LivenessInterval,
		OnLost:           func(err error) { c.fail(gen, err) },
		Logger:           c.logger,
	})
	proto := NewProtocol(conn, ProtocolOptions{
		Logger:         c.logger,
		OnNotification: c.handleNotification,
		OnClose:        func(err error) { c.fail(gen, err) },
		AsyncQueueSize: c.opts.AsyncQueueSize,
	})

	c.mu.Lock()
	c.conn, c.proto = conn, proto
	c.mu.Unlock()

	if err := conn.Connect(ctx); err != nil {
		return err
	}
	proto.Start()

	result, version, err := c.initialize(ctx, proto)
	if err != nil {
		return err
	}
	if err := proto.Notify(ctx, MethodInitialized, nil); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	c.mu.Lock()
	c.init = result
	c.protocolVersion = version
	c.mu.Unlock()
	return nil
}

// initialize tries each supported version until one is accepted.
func (c *Client) initialize(ctx context.Context, proto *Protocol) (InitializeResult, string, error) {
	var lastErr error
	for _, version := range SupportedProtocolVersions {
		params := initializeParams{
			ProtocolVersion: version,
			Capabilities:    map[string]any{},
			ClientInfo:      c.opts.Info,
		}

		var result InitializeResult
		err := proto.CallInto(ctx, MethodInitialize, params, c.timeout, &result)
		if err != nil {
			if isProtocolVersionError(err) {
				lastErr = err
				continue
			}
			return InitializeResult{}, "", fmt.Errorf("initialize: %w", err)
		}

		negotiated := result.ProtocolVersion
		if negotiated == "" {
			negotiated = version
		}
		if !slices.Contains(SupportedProtocolVersions, negotiated) {
			c.logger.Warn("server answered with an unknown protocol version", "version", negotiated)
		}
		return result, negotiated, nil
	}
	return InitializeResult{}, "", mcperr.Protocol(MethodInitialize, fmt.Errorf("all protocol versions rejected: %w", lastErr))
}

// isProtocolVersionError checks if an error indicates a protocol version rejection.
func isProtocolVersionError(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	msg := strings.ToLower(rpcErr.Message)
	return strings.Contains(msg, "protocol") && strings.Contains(msg, "version") ||
		strings.Contains(msg, "protocolversion") ||
		strings.Contains(msg, "unsupported version")
}

// fail moves a Ready client of generation gen to Error and releases its
// transport in the background.
func (c *Client) fail(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.state != events.StateReady {
		c.mu.Unlock()
		return
	}
	conn, proto := c.conn, c.proto
	c.clearCachesLocked()
	c.mu.Unlock()

	err = mcperr.WithServer(err, c.cfg.Name)
	c.logger.Warn("connection lost", "error", err)
	c.setState(events.StateError, err)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		proto.Close()
		if err := conn.Disconnect(ctx); err != nil {
			c.logger.Debug("teardown after failure", "error", err)
		}
	}()
}

// teardown closes the current connection, if any. Caller holds connMu.
func (c *Client) teardown(ctx context.Context) {
	c.mu.Lock()
	conn, proto := c.conn, c.proto
	c.conn, c.proto = nil, nil
	c.gen++
	c.clearCachesLocked()
	c.mu.Unlock()

	if proto != nil {
		proto.Close()
	}
	if conn != nil {
		if err := conn.Disconnect(ctx); err != nil {
			c.logger.Debug("disconnect", "error", err)
		}
	}
}

func (c *Client) clearCachesLocked() {
	c.tools, c.toolsCached = nil, false
	c.resources, c.resourcesCached = nil, false
}

// Disconnect closes the connection and clears cached lists.
func (c *Client) Disconnect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.State() == events.StateDisconnected {
		return nil
	}
	c.teardown(ctx)
	c.setState(events.StateDisconnected, nil)
	c.logger.Info("disconnected")
	return nil
}

func (c *Client) handleNotification(msg *Message) {
	switch msg.Method {
	case MethodToolsListChanged:
		c.mu.Lock()
		c.tools, c.toolsCached = nil, false
		c.mu.Unlock()
		c.logger.Info("server tool list changed")
	case "notifications/message":
		var p struct {
			Level string `json:"level"`
			Data  any    `json:"data"`
		}
		if json.Unmarshal(msg.Params, &p) == nil {
			c.opts.Bus.Publish(events.NewLogReceivedEvent(c.cfg.Name, fmt.Sprintf("[%s] %v", p.Level, p.Data)))
		}
	default:
		c.logger.Debug("ignoring notification", "method", msg.Method)
	}
}

// session returns the protocol of a Ready client.
func (c *Client) session(op string) (*Protocol, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != events.StateReady || c.proto == nil {
		return nil, &mcperr.Error{
			Kind:   mcperr.KindConnection,
			Op:     op,
			Server: c.cfg.Name,
			Err:    fmt.Errorf("client is %s", c.state),
		}
	}
	return c.proto, nil
}

// Ping checks liveness with a ping request.
func (c *Client) Ping(ctx context.Context) error {
	proto, err := c.session(MethodPing)
	if err != nil {
		return err
	}
	_, err = proto.Call(ctx, MethodPing, nil, c.timeout)
	return mcperr.WithServer(err, c.cfg.Name)
}

// ListTools returns the server's tools, from cache when available.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	c.mu.RLock()
	if c.toolsCached {
		tools := slices.Clone(c.tools)
		c.mu.RUnlock()
		return tools, nil
	}
	c.mu.RUnlock()
	return c.RefreshTools(ctx)
}

// RefreshTools fetches the tool list, following pagination cursors, and
// replaces the cache.
func (c *Client) RefreshTools(ctx context.Context) ([]Tool, error) {
	proto, err := c.session(MethodToolsList)
	if err != nil {
		return nil, err
	}

	var tools []Tool
	cursor := ""
	for {
		var page toolsListResult
		if err := proto.CallInto(ctx, MethodToolsList, listParams{Cursor: cursor}, c.timeout, &page); err != nil {
			return nil, mcperr.WithServer(err, c.cfg.Name)
		}
		for _, t := range page.Tools {
			t.Server = c.cfg.Name
			tools = append(tools, t)
		}
		if page.NextCursor == "" || page.NextCursor == cursor {
			break
		}
		cursor = page.NextCursor
	}
	if tools == nil {
		tools = []Tool{}
	}

	c.mu.Lock()
	c.tools, c.toolsCached = tools, true
	c.mu.Unlock()
	return slices.Clone(tools), nil
}

// ListResources returns the server's resources, from cache when available.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	c.mu.RLock()
	if c.resourcesCached {
		res := slices.Clone(c.resources)
		c.mu.RUnlock()
		return res, nil
	}
	c.mu.RUnlock()
	return c.RefreshResources(ctx)
}

// RefreshResources fetches the resource list and replaces the cache.
// Servers without resource support yield an empty list.
func (c *Client) RefreshResources(ctx context.Context) ([]Resource, error) {
	proto, err := c.session(MethodResourcesList)
	if err != nil {
		return nil, err
	}

	resources := []Resource{}
	cursor := ""
	for {
		var page resourcesListResult
		err := proto.CallInto(ctx, MethodResourcesList, listParams{Cursor: cursor}, c.timeout, &page)
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == CodeMethodNotFound {
			break
		}
		if err != nil {
			return nil, mcperr.WithServer(err, c.cfg.Name)
		}
		for _, r := range page.Resources {
			r.Server = c.cfg.Name
			resources = append(resources, r)
		}
		if page.NextCursor == "" || page.NextCursor == cursor {
			break
		}
		cursor = page.NextCursor
	}

	c.mu.Lock()
	c.resources, c.resourcesCached = resources, true
	c.mu.Unlock()
	return slices.Clone(resources), nil
}

// ReadResource reads one resource by uri.
func (c *Client) ReadResource(ctx context.Context, uri string) ([]ResourceContents, error) {
	proto, err := c.session(MethodResourcesRead)
	if err != nil {
		return nil, err
	}

	var result resourceReadResult
	err = proto.CallInto(ctx, MethodResourcesRead, resourceReadParams{URI: uri}, c.timeout, &result)
	var rpcErr *RPCError
	// MCP servers report a missing resource as -32002
	if errors.As(err, &rpcErr) && (rpcErr.Code == CodeResourceNotFound || rpcErr.Code == -32002) {
		return nil, mcperr.WithServer(mcperr.ResourceNotFound(uri), c.cfg.Name)
	}
	if err != nil {
		return nil, mcperr.WithServer(err, c.cfg.Name)
	}
	if len(result.Contents) == 0 {
		return nil, mcperr.WithServer(mcperr.ResourceNotFound(uri), c.cfg.Name)
	}
	return result.Contents, nil
}

// CallTool invokes a tool and waits for its result. A tool-level failure is
// returned as a result with IsError set, not as an error.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*ToolResult, error) {
	return c.CallToolWithTimeout(ctx, name, arguments, c.timeout)
}

// CallToolWithTimeout is CallTool with an explicit budget.
func (c *Client) CallToolWithTimeout(ctx context.Context, name string, arguments json.RawMessage, timeout time.Duration) (*ToolResult, error) {
	proto, err := c.session(MethodToolsCall)
	if err != nil {
		return nil, err
	}

	var result ToolResult
	err = proto.CallInto(ctx, MethodToolsCall, toolCallParams{Name: name, Arguments: arguments}, timeout, &result)
	if err != nil {
		if isUnknownToolError(err) {
			return nil, mcperr.WithServer(mcperr.ToolNotFound(name), c.cfg.Name)
		}
		return nil, mcperr.WithServer(err, c.cfg.Name)
	}
	return &result, nil
}

func isUnknownToolError(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	if rpcErr.Code == CodeToolNotFound {
		return true
	}
	msg := strings.ToLower(rpcErr.Message)
	return rpcErr.Code == CodeInvalidParams && (strings.Contains(msg, "unknown tool") || strings.Contains(msg, "tool not found"))
}

// CallToolAsync invokes a tool and streams its events. Servers without the
// async extension get one synchronous tools/call whose outcome becomes the
// single terminal event. A non-positive timeout uses the client timeout.
func (c *Client) CallToolAsync(ctx context.Context, name string, arguments json.RawMessage, timeout time.Duration) (<-chan ToolEvent, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	proto, err := c.session(MethodToolsCallAsync)
	if err != nil {
		return nil, err
	}

	if !c.SupportsAsync() {
		out := make(chan ToolEvent, 1)
		go func() {
			defer close(out)
			result, err := c.CallToolWithTimeout(ctx, name, arguments, timeout)
			switch {
			case err == nil:
				out <- ResultEvent("", result)
			case mcperr.IsTimeout(err):
				out <- ToolEvent{Type: ToolEventTimeout, Err: err, Time: time.Now()}
			default:
				out <- ErrorEvent("", err)
			}
		}()
		return out, nil
	}

	ch, err := proto.CallAsync(ctx, MethodToolsCallAsync, toolCallParams{Name: name, Arguments: arguments}, timeout)
	if err != nil {
		return nil, mcperr.WithServer(err, c.cfg.Name)
	}
	return ch, nil
}
