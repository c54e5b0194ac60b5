package health

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/QUSEIT/simacode-sub001/internal/events"
	"github.com/QUSEIT/simacode-sub001/internal/mcperr"
	"github.com/QUSEIT/simacode-sub001/internal/telemetry"
)

// Target is a server that can be checked.
type Target interface {
	Ping(ctx context.Context) error
}

// Reconnector is implemented by targets that support recovery.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// TargetFuncs adapts plain functions into a recoverable Target.
type TargetFuncs struct {
	PingFunc      func(ctx context.Context) error
	ReconnectFunc func(ctx context.Context) error
}

func (f TargetFuncs) Ping(ctx context.Context) error { return f.PingFunc(ctx) }

func (f TargetFuncs) Reconnect(ctx context.Context) error {
	if f.ReconnectFunc == nil {
		return errors.New("reconnect not supported")
	}
	return f.ReconnectFunc(ctx)
}

// RecoveryConfig bounds automatic reconnects.
type RecoveryConfig struct {
	Enabled     bool
	MaxAttempts int
	Backoff     time.Duration
}

// Config configures a Monitor.
type Config struct {
	Interval   time.Duration
	Timeout    time.Duration
	Thresholds Thresholds
	Recovery   RecoveryConfig
	Logger     *slog.Logger
	Bus        *events.Bus
	Observer   telemetry.Observer
}

const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 10 * time.Second
)

type entry struct {
	target  Target
	metrics Metrics
	cancel  context.CancelFunc
	checkMu sync.Mutex // one check or recovery at a time
}

// Monitor runs periodic checks for registered servers.
type Monitor struct {
	cfg      Config
	logger   *slog.Logger
	observer telemetry.Observer

	mu      sync.Mutex
	entries map[string]*entry
	alerts  []func(Alert)
	runCtx  context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewMonitor creates a stopped monitor.
func NewMonitor(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	def := DefaultThresholds()
	if cfg.Thresholds.Critical <= 0 {
		cfg.Thresholds.Critical = def.Critical
	}
	if cfg.Thresholds.Failed <= 0 {
		cfg.Thresholds.Failed = def.Failed
	}
	if cfg.Thresholds.HighLatency <= 0 {
		cfg.Thresholds.HighLatency = def.HighLatency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:      cfg,
		logger:   logger.With("component", "health"),
		observer: telemetry.OrNop(cfg.Observer),
		entries:  make(map[string]*entry),
	}
}

// Thresholds returns the thresholds in use.
func (m *Monitor) Thresholds() Thresholds { return m.cfg.Thresholds }

// OnAlert registers a callback for transitions into CRITICAL or FAILED.
// Callbacks run synchronously on the checking goroutine.
func (m *Monitor) OnAlert(fn func(Alert)) {
	m.mu.Lock()
	m.alerts = append(m.alerts, fn)
	m.mu.Unlock()
}

// Register adds a server. Registering an existing name replaces its target
// and resets its metrics.
func (m *Monitor) Register(name string, target Target) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.entries[name]; ok && old.cancel != nil {
		old.cancel()
	}
	e := &entry{target: target, metrics: Metrics{Server: name, Status: StatusUnknown}}
	m.entries[name] = e
	if m.runCtx != nil {
		m.spawn(name, e)
	}
}

// Unregister removes a server and stops its check loop.
func (m *Monitor) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[name]; ok {
		if e.cancel != nil {
			e.cancel()
		}
		delete(m.entries, name)
	}
}

// Metrics returns a copy of the metrics for name.
func (m *Monitor) Metrics(name string) (Metrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		return Metrics{}, false
	}
	return e.metrics, true
}

// All returns metrics for every registered server, sorted by name.
func (m *Monitor) All() []Metrics {
	m.mu.Lock()
	out := make([]Metrics, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.metrics)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Server < out[j].Server })
	return out
}

// Reset clears the history of name, including an exhausted recovery, so
// that checks resume.
func (m *Monitor) Reset(name string) bool {
	m.mu.Lock()
	e, ok := m.entries[name]
	if !ok {
		m.mu.Unlock()
		return false
	}
	prev := e.metrics.Status
	e.metrics = Metrics{Server: name, Status: StatusUnknown}
	m.mu.Unlock()

	if prev != StatusUnknown {
		m.cfg.Bus.Publish(events.NewHealthChangedEvent(name, string(prev), string(StatusUnknown), ""))
	}
	m.logger.Info("health reset", "server", name)
	return true
}

// Check pings name once, records the outcome and runs recovery when due.
func (m *Monitor) Check(ctx context.Context, name string) (Metrics, error) {
	m.mu.Lock()
	e, ok := m.entries[name]
	m.mu.Unlock()
	if !ok {
		return Metrics{}, mcperr.Configuration("health check", errors.New("server not registered: "+name))
	}

	e.checkMu.Lock()
	defer e.checkMu.Unlock()

	if cur, _ := m.Metrics(name); cur.RecoveryExhausted {
		return cur, nil
	}

	checkCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	start := time.Now()
	err := e.target.Ping(checkCtx)
	latency := time.Since(start)
	cancel()
	if err != nil && checkCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		err = mcperr.Timeout("ping", err)
	}

	metrics := m.Record(name, latency, err)
	if metrics.Status.Unhealthy() {
		metrics = m.recover(ctx, name, e)
	}
	return metrics, nil
}

// Record applies one check result to the counters of name and returns the
// updated metrics. Unknown names are ignored.
func (m *Monitor) Record(name string, latency time.Duration, err error) Metrics {
	m.mu.Lock()
	e, ok := m.entries[name]
	if !ok {
		m.mu.Unlock()
		return Metrics{}
	}
	met := &e.metrics
	prev := met.Status
	met.TotalChecks++
	met.LastLatency = latency
	met.LastCheck = time.Now()
	met.LastError = err
	if err == nil {
		met.SuccessfulChecks++
		met.ConsecutiveFailures = 0
		met.LastSuccessLatency = latency
		met.RecoveryAttempts = 0
	} else {
		met.ConsecutiveFailures++
	}
	met.Status = DeriveStatus(*met, m.cfg.Thresholds)
	snapshot := *met
	m.mu.Unlock()

	m.observer.ObserveHealth(telemetry.HealthObservation{
		Server:              name,
		Status:              string(snapshot.Status),
		PreviousStatus:      string(prev),
		ConsecutiveFailures: snapshot.ConsecutiveFailures,
		Duration:            latency,
		ErrorKind:           errorKind(err),
	})
	m.transition(snapshot, prev)
	return snapshot
}

// recover attempts one reconnect per unhealthy check. Once MaxAttempts have
// been spent the server is pinned FAILED.
func (m *Monitor) recover(ctx context.Context, name string, e *entry) Metrics {
	rc, ok := e.target.(Reconnector)
	if !m.cfg.Recovery.Enabled || !ok {
		cur, _ := m.Metrics(name)
		return cur
	}

	m.mu.Lock()
	met := &e.metrics
	if met.RecoveryAttempts >= m.cfg.Recovery.MaxAttempts {
		prev := met.Status
		met.RecoveryExhausted = true
		met.Status = DeriveStatus(*met, m.cfg.Thresholds)
		snapshot := *met
		m.mu.Unlock()

		m.logger.Warn("recovery exhausted, server marked failed", "server", name, "attempts", snapshot.RecoveryAttempts)
		m.transition(snapshot, prev)
		return snapshot
	}
	met.RecoveryAttempts++
	attempt := met.RecoveryAttempts
	m.mu.Unlock()

	if backoff := m.cfg.Recovery.Backoff; backoff > 0 && attempt > 1 {
		select {
		case <-ctx.Done():
			cur, _ := m.Metrics(name)
			return cur
		case <-time.After(backoff):
		}
	}

	m.logger.Info("attempting recovery", "server", name, "attempt", attempt, "max", m.cfg.Recovery.MaxAttempts)
	if err := rc.Reconnect(ctx); err != nil {
		m.logger.Warn("recovery failed", "server", name, "attempt", attempt, "error", err)
	} else {
		m.logger.Info("recovery reconnected", "server", name, "attempt", attempt)
	}
	cur, _ := m.Metrics(name)
	return cur
}

func (m *Monitor) transition(cur Metrics, prev Status) {
	if cur.Status == prev {
		return
	}
	lastErr := ""
	if cur.LastError != nil {
		lastErr = cur.LastError.Error()
	}
	m.logger.Info("health status changed", "server", cur.Server, "from", prev, "to", cur.Status)
	m.cfg.Bus.Publish(events.NewHealthChangedEvent(cur.Server, string(prev), string(cur.Status), lastErr))

	if !cur.Status.Unhealthy() {
		return
	}
	alert := Alert{
		Server:    cur.Server,
		Status:    cur.Status,
		Previous:  prev,
		Timestamp: cur.LastCheck,
		LastError: cur.LastError,
	}
	m.mu.Lock()
	callbacks := append([]func(Alert)(nil), m.alerts...)
	m.mu.Unlock()
	for _, fn := range callbacks {
		fn(alert)
	}
}

// Start launches a check loop per registered server. Servers registered
// later get their own loop. Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runCtx != nil {
		return
	}
	m.runCtx, m.stop = context.WithCancel(ctx)
	for name, e := range m.entries {
		m.spawn(name, e)
	}
	m.logger.Debug("health monitor started", "servers", len(m.entries), "interval", m.cfg.Interval)
}

// spawn must be called with m.mu held.
func (m *Monitor) spawn(name string, e *entry) {
	ctx, cancel := context.WithCancel(m.runCtx)
	e.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop(ctx, name)
	}()
}

func (m *Monitor) loop(ctx context.Context, name string) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := m.Check(ctx, name); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop cancels every check loop and waits for them to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop := m.stop
	m.runCtx, m.stop = nil, nil
	for _, e := range m.entries {
		e.cancel = nil
	}
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	m.wg.Wait()
}

func errorKind(err error) string {
	if err == nil {
		return ""
	}
	return mcperr.KindOf(err).String()
}
