package mcp

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// DefaultAsyncQueueSize bounds the progress events buffered per async call.
const DefaultAsyncQueueSize = 32

// ToolEventType is the kind of event yielded by an async tool call.
type ToolEventType int

const (
	ToolEventProgress ToolEventType = iota
	ToolEventResult
	ToolEventError
	ToolEventTimeout
)

func (t ToolEventType) String() string {
	switch t {
	case ToolEventProgress:
		return "progress"
	case ToolEventResult:
		return "result"
	case ToolEventError:
		return "error"
	case ToolEventTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ToolEvent is one item of the sequence produced by CallToolAsync or
// ExecuteTool. Exactly one terminal event (Result, Error or Timeout) ends
// every sequence.
type ToolEvent struct {
	Type      ToolEventType
	RequestID string
	Progress  float64
	Total     float64
	Message   string
	Result    *ToolResult
	Err       error
	Time      time.Time
}

// Terminal reports whether e ends its sequence.
func (e ToolEvent) Terminal() bool { return e.Type != ToolEventProgress }

// ResultEvent wraps a final result.
func ResultEvent(id string, r *ToolResult) ToolEvent {
	return ToolEvent{Type: ToolEventResult, RequestID: id, Result: r, Time: time.Now()}
}

// ErrorEvent wraps a final error.
func ErrorEvent(id string, err error) ToolEvent {
	return ToolEvent{Type: ToolEventError, RequestID: id, Err: err, Time: time.Now()}
}

// Single returns a closed channel holding only ev.
func Single(ev ToolEvent) <-chan ToolEvent {
	ch := make(chan ToolEvent, 1)
	ch <- ev
	close(ch)
	return ch
}

type asyncProgressParams struct {
	RequestID string  `json:"requestId"`
	Progress  float64 `json:"progress,omitempty"`
	Total     float64 `json:"total,omitempty"`
	Message   string  `json:"message,omitempty"`
}

type asyncResultParams struct {
	RequestID string     `json:"requestId"`
	Result    ToolResult `json:"result"`
}

type asyncErrorParams struct {
	RequestID string   `json:"requestId"`
	Error     RPCError `json:"error"`
}

// asyncCall is the delivery queue of one in-flight async request. The read
// loop never blocks on it: progress is dropped when the queue is full and the
// terminal slot is reserved.
type asyncCall struct {
	id       string
	progress chan ToolEvent
	terminal chan ToolEvent
	once     sync.Once
	finished bool // set by the read goroutine only
	logger   *slog.Logger
}

func newAsyncCall(id string, size int, logger *slog.Logger) *asyncCall {
	if size <= 0 {
		size = DefaultAsyncQueueSize
	}
	return &asyncCall{
		id:       id,
		progress: make(chan ToolEvent, size),
		terminal: make(chan ToolEvent, 1),
		logger:   logger,
	}
}

// deliver is called from the read goroutine. Progress arriving after the
// terminal event is discarded.
func (a *asyncCall) deliver(ev ToolEvent) {
	if ev.Terminal() {
		a.once.Do(func() {
			a.finished = true
			a.terminal <- ev
		})
		return
	}
	if a.finished {
		return
	}
	select {
	case a.progress <- ev:
	default:
		a.logger.Warn("async progress queue full, dropping event", "requestId", a.id)
	}
}

// asyncEvent decodes one of the async notifications. The bool is false when
// msg is not an async notification.
func asyncEvent(msg *Message) (string, ToolEvent, bool) {
	now := time.Now()
	switch msg.Method {
	case MethodAsyncProgress:
		var p asyncProgressParams
		if json.Unmarshal(msg.Params, &p) != nil || p.RequestID == "" {
			return "", ToolEvent{}, false
		}
		return p.RequestID, ToolEvent{
			Type:      ToolEventProgress,
			RequestID: p.RequestID,
			Progress:  p.Progress,
			Total:     p.Total,
			Message:   p.Message,
			Time:      now,
		}, true
	case MethodAsyncResult:
		var p asyncResultParams
		if json.Unmarshal(msg.Params, &p) != nil || p.RequestID == "" {
			return "", ToolEvent{}, false
		}
		result := p.Result
		return p.RequestID, ResultEvent(p.RequestID, &result), true
	case MethodAsyncError:
		var p asyncErrorParams
		if json.Unmarshal(msg.Params, &p) != nil || p.RequestID == "" {
			return "", ToolEvent{}, false
		}
		rpcErr := p.Error
		return p.RequestID, ErrorEvent(p.RequestID, classify(MethodToolsCallAsync, &rpcErr)), true
	}
	return "", ToolEvent{}, false
}
