package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Handler is a function that handles events.
type Handler func(Event)

const defaultBuffer = 100

// Bus is a goroutine-safe event bus for dispatching events.
// A nil *Bus is valid and discards everything published to it.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	ch       chan Event
	done     chan struct{}
	once     sync.Once
	dropped  atomic.Int64
	logger   *slog.Logger
}

// NewBus creates a new event bus. logger may be nil.
func NewBus(logger *slog.Logger) *Bus {
	b := newBus(defaultBuffer, logger)
	go b.run()
	return b
}

func newBus(size int, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make([]Handler, 0),
		ch:       make(chan Event, size),
		done:     make(chan struct{}),
		logger:   logger.With("component", "events"),
	}
}

func (b *Bus) run() {
	for {
		select {
		case event := <-b.ch:
			b.dispatch(event)
		case <-b.done:
			return
		}
	}
}

func (b *Bus) dispatch(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		if h != nil {
			h(event)
		}
	}
}

// Subscribe registers a handler to receive events.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(h Handler) func() {
	if b == nil {
		return func() {}
	}
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	idx := len(b.handlers) - 1
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		// Mark as nil rather than removing to preserve indices
		if idx < len(b.handlers) {
			b.handlers[idx] = nil
		}
	}
}

// Publish sends an event to all subscribers without blocking.
// Events are dropped (and counted) when the buffer is full.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.ch <- event:
	default:
		b.dropped.Add(1)
		b.logger.Warn("dropping event", "type", event.Type().String(), "server", event.Server())
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Close shuts down the event bus. It is safe to call more than once.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.once.Do(func() { close(b.done) })
}
