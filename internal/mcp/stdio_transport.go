package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/QUSEIT/simacode-sub001/internal/config"
	"github.com/QUSEIT/simacode-sub001/internal/mcperr"
	"github.com/QUSEIT/simacode-sub001/internal/process"
)

// MaxLineSize bounds one NDJSON message.
const MaxLineSize = 10 * 1024 * 1024

const (
	inboxSize = 64
	exitWait  = 100 * time.Millisecond
)

// StreamTransport speaks newline-delimited JSON over a pair of streams.
// ProcessTransport uses it over a subprocess's stdio; tests use it over
// io.Pipe.
type StreamTransport struct {
	r      io.Reader
	w      io.WriteCloser
	logger *slog.Logger

	writeMu   sync.Mutex
	startOnce sync.Once
	inbox     *inbox
	closed    atomic.Bool
}

// NewStreamTransport creates a transport reading from r and writing to w.
func NewStreamTransport(r io.Reader, w io.WriteCloser, logger *slog.Logger) *StreamTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamTransport{
		r:      r,
		w:      w,
		logger: logger,
		inbox:  newInbox(inboxSize),
	}
}

// Connect starts the reader goroutine. Calling it again is a no-op.
func (t *StreamTransport) Connect(ctx context.Context) error {
	if t.closed.Load() {
		return mcperr.Connection("connect", errTransportClosed)
	}
	t.startOnce.Do(func() { go t.readLoop() })
	return nil
}

func (t *StreamTransport) readLoop() {
	scanner := bufio.NewScanner(t.r)
	scanner.Buffer(make([]byte, 64*1024), MaxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		msg := make([]byte, len(line))
		copy(msg, line)
		if !t.inbox.push(msg) {
			t.inbox.finish(errTransportClosed)
			return
		}
	}

	err := scanner.Err()
	switch {
	case errors.Is(err, bufio.ErrTooLong):
		t.logger.Warn("message exceeds line limit", "limit", MaxLineSize)
		err = mcperr.Protocol("receive", fmt.Errorf("message exceeds %d bytes", MaxLineSize))
	case err == nil:
		err = mcperr.Connection("receive", io.EOF)
	default:
		err = mcperr.Connection("receive", err)
	}
	t.inbox.finish(err)
}

// Send writes msg followed by a newline.
func (t *StreamTransport) Send(ctx context.Context, msg []byte) error {
	if t.closed.Load() {
		return mcperr.Connection("send", errTransportClosed)
	}
	if bytes.IndexByte(msg, '\n') >= 0 {
		return mcperr.Protocol("send", errors.New("message contains a newline"))
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	buf := make([]byte, 0, len(msg)+1)
	buf = append(buf, msg...)
	buf = append(buf, '\n')
	if _, err := t.w.Write(buf); err != nil {
		return mcperr.Connection("send", err)
	}
	return nil
}

// Receive returns the next line.
func (t *StreamTransport) Receive(ctx context.Context) ([]byte, error) {
	return t.inbox.pop(ctx)
}

// IsConnected reports whether the peer is still reachable.
func (t *StreamTransport) IsConnected() bool {
	return !t.closed.Load() && !t.inbox.finished()
}

// Disconnect closes the write side and stops delivery.
func (t *StreamTransport) Disconnect(ctx context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	t.inbox.halt()
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.w.Close()
}

// ProcessTransport runs an MCP server as a subprocess and talks NDJSON over
// its stdio. Disconnect closes stdin, then escalates to SIGTERM and SIGKILL.
type ProcessTransport struct {
	cfg    config.ServerConfig
	opts   TransportOptions
	logger *slog.Logger

	mu     sync.Mutex
	proc   *process.Process
	stream *StreamTransport
}

// NewProcessTransport creates a transport for a stdio server. Nothing is
// spawned until Connect.
func NewProcessTransport(cfg config.ServerConfig, opts TransportOptions) *ProcessTransport {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessTransport{
		cfg:    cfg,
		opts:   opts,
		logger: logger.With("component", "stdio-transport", "server", cfg.Name),
	}
}

// Connect spawns the server process.
func (t *ProcessTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.proc != nil && !t.proc.Exited() {
		return nil
	}

	proc, err := process.Start(ctx, process.Options{
		Name:    t.cfg.Name,
		Command: t.cfg.Command,
		Args:    t.cfg.Args,
		Dir:     t.cfg.Cwd,
		Env:     t.cfg.Env,
		Logger:  t.opts.Logger,
		Bus:     t.opts.Bus,
		Tracker: t.opts.Tracker,
	})
	if err != nil {
		return mcperr.Connection("spawn", err)
	}

	t.proc = proc
	t.stream = NewStreamTransport(proc.Stdout(), proc.Stdin(), t.logger)
	return t.stream.Connect(ctx)
}

func (t *ProcessTransport) current() (*process.Process, *StreamTransport) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.proc, t.stream
}

// Send writes one message to the server's stdin.
func (t *ProcessTransport) Send(ctx context.Context, msg []byte) error {
	proc, stream := t.current()
	if stream == nil {
		return mcperr.Connection("send", errors.New("not connected"))
	}
	if proc.Exited() {
		return t.exitError("send", proc)
	}
	return stream.Send(ctx, msg)
}

// Receive reads one message from the server's stdout. When the process has
// exited the error carries its exit status and last stderr line.
func (t *ProcessTransport) Receive(ctx context.Context) ([]byte, error) {
	proc, stream := t.current()
	if stream == nil {
		return nil, mcperr.Connection("receive", errors.New("not connected"))
	}
	data, err := stream.Receive(ctx)
	if err != nil && mcperr.IsConnection(err) {
		// stdout closes slightly before Wait returns
		select {
		case <-proc.Done():
			return nil, t.exitError("receive", proc)
		case <-time.After(exitWait):
		case <-ctx.Done():
		}
	}
	return data, err
}

func (t *ProcessTransport) exitError(op string, proc *process.Process) error {
	msg := "process exited"
	if exitErr := proc.ExitErr(); exitErr != nil {
		msg += ": " + exitErr.Error()
	}
	if logs := proc.Logs(); len(logs) > 0 {
		msg += "; stderr: " + strings.TrimSpace(logs[len(logs)-1])
	}
	return mcperr.Connection(op, errors.New(msg))
}

// IsConnected reports whether the process is alive and its stdout open.
func (t *ProcessTransport) IsConnected() bool {
	proc, stream := t.current()
	return proc != nil && !proc.Exited() && stream.IsConnected()
}

// Disconnect stops the process.
func (t *ProcessTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	proc, stream := t.proc, t.stream
	t.proc, t.stream = nil, nil
	t.mu.Unlock()

	if proc == nil {
		return nil
	}
	stream.inbox.halt()
	stream.closed.Store(true)
	if err := proc.Stop(ctx, t.opts.ShutdownGrace); err != nil {
		return mcperr.Connection("disconnect", err)
	}
	return nil
}

// Logs returns the retained stderr lines of the current process.
func (t *ProcessTransport) Logs() []string {
	proc, _ := t.current()
	if proc == nil {
		return nil
	}
	return proc.Logs()
}
