package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/QUSEIT/simacode-sub001/internal/config"
	"github.com/QUSEIT/simacode-sub001/internal/events"
	"github.com/QUSEIT/simacode-sub001/internal/mcperr"
	"github.com/QUSEIT/simacode-sub001/internal/process"
)

// Transport is the byte-level channel to one MCP server. Each Send carries
// exactly one encoded message and each Receive returns exactly one.
type Transport interface {
	// Connect opens the channel. It must be called before Send or Receive.
	Connect(ctx context.Context) error
	// Disconnect releases the channel. It is safe to call more than once.
	Disconnect(ctx context.Context) error
	// Send writes one message.
	Send(ctx context.Context, msg []byte) error
	// Receive reads the next message. Cancelling ctx abandons the read
	// without closing the channel.
	Receive(ctx context.Context) ([]byte, error)
	// IsConnected reports whether the channel is still usable.
	IsConnected() bool
}

// TransportOptions carries the collaborators shared by transports.
type TransportOptions struct {
	Logger  *slog.Logger
	Bus     *events.Bus
	Tracker *process.PIDTracker

	// ShutdownGrace is how long each stdio shutdown stage waits before
	// escalating. Zero uses process.GracefulShutdownTimeout.
	ShutdownGrace time.Duration
}

// NewTransport selects a transport for cfg by its kind.
func NewTransport(cfg config.ServerConfig, opts TransportOptions) (Transport, error) {
	switch cfg.Kind {
	case config.ServerKindStdio, "":
		return NewProcessTransport(cfg, opts), nil
	case config.ServerKindSocket:
		return NewSocketTransport(cfg, opts.Logger), nil
	default:
		return nil, mcperr.Configuration("transport", fmt.Errorf("unknown transport kind %q", cfg.Kind))
	}
}

// errTransportClosed is returned once a transport's read side has ended.
var errTransportClosed = errors.New("transport closed")

// inbox hands messages from a transport's reader goroutine to Receive.
// The reader pushes until the peer goes away, then calls finish once.
type inbox struct {
	ch       chan []byte
	done     chan struct{}
	stop     chan struct{}
	err      error
	stopOnce sync.Once
}

func newInbox(size int) *inbox {
	return &inbox{
		ch:   make(chan []byte, size),
		done: make(chan struct{}),
		stop: make(chan struct{}),
	}
}

// push delivers one message. It returns false once the inbox was halted.
func (b *inbox) push(data []byte) bool {
	select {
	case b.ch <- data:
		return true
	case <-b.stop:
		return false
	}
}

// finish records why the reader ended. Must be called exactly once.
func (b *inbox) finish(err error) {
	if err == nil {
		err = errTransportClosed
	}
	b.err = err
	close(b.done)
}

// halt tells the reader to stop delivering.
func (b *inbox) halt() {
	b.stopOnce.Do(func() { close(b.stop) })
}

func (b *inbox) finished() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// pop returns the next message. Messages already buffered are returned
// before the reader's terminal error.
func (b *inbox) pop(ctx context.Context) ([]byte, error) {
	select {
	case data := <-b.ch:
		return data, nil
	case <-b.done:
		select {
		case data := <-b.ch:
			return data, nil
		default:
			return nil, b.err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
