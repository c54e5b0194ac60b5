package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/QUSEIT/simacode-sub001/internal/mcperr"
)

// DefaultLivenessInterval is how often a Connection polls its transport.
const DefaultLivenessInterval = time.Second

// abandonGrace is how long a timed-out operation is given to hand back a
// result that raced with its deadline, so a message read at the last moment
// is not lost.
const abandonGrace = 50 * time.Millisecond

// ConnectionConfig holds the per-operation budgets of a Connection. A zero
// timeout disables that bound.
type ConnectionConfig struct {
	ConnectTimeout   time.Duration
	SendTimeout      time.Duration
	ReceiveTimeout   time.Duration
	LivenessInterval time.Duration

	// OnLost is called at most once, from the liveness goroutine, when the
	// transport stops reporting IsConnected.
	OnLost func(error)
	Logger *slog.Logger
}

// Connection wraps a Transport with enforced timeouts and a liveness task.
// It satisfies Transport itself.
type Connection struct {
	t      Transport
	cfg    ConnectionConfig
	logger *slog.Logger

	mu       sync.Mutex
	stop     chan struct{}
	wg       sync.WaitGroup
	lostOnce sync.Once
}

// NewConnection wraps t.
func NewConnection(t Transport, cfg ConnectionConfig) *Connection {
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = DefaultLivenessInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{t: t, cfg: cfg, logger: logger}
}

// Transport returns the wrapped transport.
func (c *Connection) Transport() Transport { return c.t }

// Connect opens the transport within ConnectTimeout and starts the liveness
// task.
func (c *Connection) Connect(ctx context.Context) error {
	_, err := withTimeout(ctx, c.cfg.ConnectTimeout, "connect", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.t.Connect(ctx)
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop == nil {
		c.stop = make(chan struct{})
		c.wg.Add(1)
		go c.liveness(c.stop)
	}
	return nil
}

// Disconnect stops the liveness task and closes the transport.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.mu.Unlock()
	c.wg.Wait()
	return c.t.Disconnect(ctx)
}

// Send writes msg within SendTimeout.
func (c *Connection) Send(ctx context.Context, msg []byte) error {
	_, err := withTimeout(ctx, c.cfg.SendTimeout, "send", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.t.Send(ctx, msg)
	})
	return err
}

// Receive reads one message within ReceiveTimeout.
func (c *Connection) Receive(ctx context.Context) ([]byte, error) {
	return withTimeout(ctx, c.cfg.ReceiveTimeout, "receive", c.t.Receive)
}

// IsConnected delegates to the transport.
func (c *Connection) IsConnected() bool { return c.t.IsConnected() }

func (c *Connection) liveness(stop <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.LivenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if c.t.IsConnected() {
				continue
			}
			c.logger.Warn("transport lost")
			c.lostOnce.Do(func() {
				if c.cfg.OnLost != nil {
					c.cfg.OnLost(mcperr.Connection("liveness", errors.New("transport disconnected")))
				}
			})
			return
		}
	}
}

// withTimeout runs fn and gives up after d even when fn ignores its context.
// Cancellation of the parent ctx is returned as is; only the local deadline
// becomes a timeout error.
func withTimeout[T any](ctx context.Context, d time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}

	opCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(opCtx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return r.v, mcperr.Timeout(op, fmt.Errorf("exceeded %s", d))
		}
		return r.v, r.err
	case <-opCtx.Done():
	}

	cancel()
	timer := time.NewTimer(abandonGrace)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.err == nil {
			return r.v, nil
		}
	case <-timer.C:
	}

	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	return zero, mcperr.Timeout(op, fmt.Errorf("exceeded %s", d))
}
