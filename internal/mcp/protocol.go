package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/QUSEIT/simacode-sub001/internal/mcperr"
)

var errProtocolClosed = errors.New("protocol closed")

// ProtocolOptions configures a Protocol.
type ProtocolOptions struct {
	Logger *slog.Logger

	// OnNotification receives server notifications that do not belong to an
	// async call. It runs on the read goroutine and must not block.
	OnNotification func(*Message)

	// OnClose is called once when the read loop ends because the transport
	// failed. It is not called after Close.
	OnClose func(error)

	AsyncQueueSize int
}

// Protocol correlates requests and responses over a Transport. A single read
// goroutine routes every response to its caller by id, so any number of
// calls may be outstanding at once.
type Protocol struct {
	t      Transport
	opts   ProtocolOptions
	logger *slog.Logger

	mu       sync.Mutex
	pending  map[string]chan *Message
	async    map[string]*asyncCall
	closed   bool
	explicit bool
	err      error

	done      chan struct{}
	cancel    context.CancelFunc
	startOnce sync.Once
}

// NewProtocol creates a Protocol over t. Start must be called before Call.
func NewProtocol(t Transport, opts ProtocolOptions) *Protocol {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Protocol{
		t:       t,
		opts:    opts,
		logger:  logger,
		pending: make(map[string]chan *Message),
		async:   make(map[string]*asyncCall),
		done:    make(chan struct{}),
	}
}

// Start launches the read loop.
func (p *Protocol) Start() {
	p.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		go p.readLoop(ctx)
	})
}

// Done is closed when the protocol stops.
func (p *Protocol) Done() <-chan struct{} { return p.done }

// Err returns why the protocol stopped, or nil while it is running.
func (p *Protocol) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close stops the read loop and fails outstanding calls.
func (p *Protocol) Close() {
	p.mu.Lock()
	p.explicit = true
	p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	p.shutdown(mcperr.Connection("close", errProtocolClosed))
}

func (p *Protocol) shutdown(err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.err = err
	explicit := p.explicit
	close(p.done)
	p.mu.Unlock()

	if !explicit && p.opts.OnClose != nil {
		p.opts.OnClose(err)
	}
}

func (p *Protocol) readLoop(ctx context.Context) {
	for {
		data, err := p.t.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if mcperr.IsTimeout(err) {
				continue
			}
			p.logger.Warn("read loop ended", "error", err)
			p.shutdown(err)
			return
		}

		msg, err := Decode(data)
		if err != nil {
			p.logger.Warn("dropping undecodable message", "error", err, "bytes", len(data))
			continue
		}
		p.dispatch(ctx, msg)
	}
}

func (p *Protocol) dispatch(ctx context.Context, msg *Message) {
	switch msg.Kind() {
	case KindResponse, KindErrorResponse:
		p.mu.Lock()
		ch, isPending := p.pending[msg.ID]
		delete(p.pending, msg.ID)
		call, isAsync := p.async[msg.ID]
		p.mu.Unlock()

		switch {
		case isPending:
			ch <- msg
		case isAsync:
			p.asyncResponse(call, msg)
		default:
			p.logger.Debug("dropping response with unknown id", "id", msg.ID)
		}

	case KindNotification:
		if id, ev, ok := asyncEvent(msg); ok {
			p.mu.Lock()
			call := p.async[id]
			p.mu.Unlock()
			if call != nil {
				call.deliver(ev)
				return
			}
			p.logger.Debug("dropping async notification for unknown request", "requestId", id)
			return
		}
		if p.opts.OnNotification != nil {
			p.opts.OnNotification(msg)
		}

	case KindRequest:
		go p.answer(ctx, msg)
	}
}

// asyncResponse handles the direct response to a tools/call_async request.
// An error fails the call; a result carrying content is final; anything
// else is an acknowledgement and the result follows as a notification.
func (p *Protocol) asyncResponse(call *asyncCall, msg *Message) {
	if msg.Error != nil {
		call.deliver(ErrorEvent(call.id, classify(MethodToolsCallAsync, msg.Error)))
		return
	}
	var result ToolResult
	if err := json.Unmarshal(msg.Result, &result); err == nil && result.Content != nil {
		call.deliver(ResultEvent(call.id, &result))
	}
}

// answer replies to server-initiated requests. Only ping is supported.
func (p *Protocol) answer(ctx context.Context, req *Message) {
	var resp *Message
	if req.Method == MethodPing {
		resp = &Message{JSONRPC: JSONRPCVersion, ID: req.ID, Result: json.RawMessage(`{}`)}
	} else {
		resp = NewErrorResponse(req.ID, ErrMethodNotFound(req.Method))
	}
	resp.EmptyID = req.EmptyID
	if err := p.send(ctx, resp); err != nil {
		p.logger.Debug("failed to answer server request", "method", req.Method, "error", err)
	}
}

func (p *Protocol) send(ctx context.Context, msg *Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	return p.t.Send(ctx, data)
}

func (p *Protocol) register(id string) (chan *Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, p.err
	}
	ch := make(chan *Message, 1)
	p.pending[id] = ch
	return ch, nil
}

func (p *Protocol) unregister(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// Call sends a request and waits for the response with the same id. A zero
// timeout waits until ctx is done.
func (p *Protocol) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := uuid.NewString()
	req, err := NewRequest(id, method, params)
	if err != nil {
		return nil, mcperr.Protocol(method, err)
	}

	ch, err := p.register(id)
	if err != nil {
		return nil, err
	}

	if err := p.send(ctx, req); err != nil {
		p.unregister(id)
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, classify(method, resp.Error)
		}
		return resp.Result, nil
	case <-expired:
		p.unregister(id)
		return nil, mcperr.Timeout(method, fmt.Errorf("no response after %s", timeout))
	case <-ctx.Done():
		p.unregister(id)
		return nil, ctx.Err()
	case <-p.done:
		return nil, p.Err()
	}
}

// CallInto is Call followed by unmarshaling the result into out.
func (p *Protocol) CallInto(ctx context.Context, method string, params any, timeout time.Duration, out any) error {
	raw, err := p.Call(ctx, method, params, timeout)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return mcperr.Protocol(method, fmt.Errorf("decode result: %w", err))
	}
	return nil
}

// Notify sends a notification without waiting.
func (p *Protocol) Notify(ctx context.Context, method string, params any) error {
	msg, err := NewNotification(method, params)
	if err != nil {
		return mcperr.Protocol(method, err)
	}
	return p.send(ctx, msg)
}

// CallAsync sends a request whose id keys a delivery queue and returns the
// resulting event sequence. The channel closes after one terminal event, on
// timeout, or when ctx is cancelled.
func (p *Protocol) CallAsync(ctx context.Context, method string, params any, timeout time.Duration) (<-chan ToolEvent, error) {
	id := uuid.NewString()
	req, err := NewRequest(id, method, params)
	if err != nil {
		return nil, mcperr.Protocol(method, err)
	}

	call := newAsyncCall(id, p.opts.AsyncQueueSize, p.logger)
	p.mu.Lock()
	if p.closed {
		err := p.err
		p.mu.Unlock()
		return nil, err
	}
	p.async[id] = call
	p.mu.Unlock()

	if err := p.send(ctx, req); err != nil {
		p.removeAsync(id)
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	out := make(chan ToolEvent, 1)
	go p.pump(ctx, call, timeout, out)
	return out, nil
}

func (p *Protocol) removeAsync(id string) {
	p.mu.Lock()
	delete(p.async, id)
	p.mu.Unlock()
}

// pump moves events from call's queue to out until the terminal event.
func (p *Protocol) pump(ctx context.Context, call *asyncCall, timeout time.Duration, out chan<- ToolEvent) {
	defer close(out)
	defer p.removeAsync(call.id)

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	emit := func(ev ToolEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case ev := <-call.progress:
			if !emit(ev) {
				return
			}
		case ev := <-call.terminal:
			for drained := false; !drained; {
				select {
				case pe := <-call.progress:
					if !emit(pe) {
						return
					}
				default:
					drained = true
				}
			}
			emit(ev)
			return
		case <-expired:
			emit(ToolEvent{
				Type:      ToolEventTimeout,
				RequestID: call.id,
				Err:       mcperr.Timeout(MethodToolsCallAsync, fmt.Errorf("no result after %s", timeout)),
				Time:      time.Now(),
			})
			return
		case <-p.done:
			emit(ErrorEvent(call.id, p.Err()))
			return
		case <-ctx.Done():
			select {
			case out <- ErrorEvent(call.id, ctx.Err()):
			default:
			}
			return
		}
	}
}
