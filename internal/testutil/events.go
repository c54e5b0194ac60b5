package testutil

import (
	"sync"
	"time"

	"github.com/QUSEIT/simacode-sub001/internal/events"
)

// EventCollector is a thread-safe event collector for test assertions.
// Subscribe it to an event bus and then query collected events.
type EventCollector struct {
	mu     sync.Mutex
	events []events.Event
	states map[string][]events.ClientState
	cond   *sync.Cond
}

// NewEventCollector creates a new EventCollector.
func NewEventCollector() *EventCollector {
	ec := &EventCollector{
		events: make([]events.Event, 0),
		states: make(map[string][]events.ClientState),
	}
	ec.cond = sync.NewCond(&ec.mu)
	return ec
}

// Handler returns a function suitable for bus.Subscribe().
func (c *EventCollector) Handler(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = append(c.events, e)
	if evt, ok := e.(events.StateChangedEvent); ok {
		c.states[evt.Server()] = append(c.states[evt.Server()], evt.NewState)
	}

	c.cond.Broadcast()
}

// Events returns all collected events.
func (c *EventCollector) Events() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]events.Event, len(c.events))
	copy(result, c.events)
	return result
}

// OfType returns the collected events of type t.
func (c *EventCollector) OfType(t events.EventType) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result []events.Event
	for _, e := range c.events {
		if e.Type() == t {
			result = append(result, e)
		}
	}
	return result
}

// StatesFor returns all states observed for a server.
func (c *EventCollector) StatesFor(server string) []events.ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]events.ClientState, len(c.states[server]))
	copy(result, c.states[server])
	return result
}

// WaitFor blocks until an event satisfying match is collected or timeout
// expires. Returns the matching event and true, or nil and false on timeout.
func (c *EventCollector) WaitFor(match func(events.Event) bool, timeout time.Duration) (events.Event, bool) {
	deadline := time.Now().Add(timeout)

	// Wake waiters once the deadline passes
	timer := time.AfterFunc(timeout, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer timer.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		for _, e := range c.events {
			if match(e) {
				return e, true
			}
		}
		if time.Now().After(deadline) {
			return nil, false
		}
		c.cond.Wait()
	}
}

// WaitForState blocks until the state is observed for server or timeout expires.
func (c *EventCollector) WaitForState(server string, state events.ClientState, timeout time.Duration) bool {
	_, ok := c.WaitFor(func(e events.Event) bool {
		evt, isState := e.(events.StateChangedEvent)
		return isState && evt.Server() == server && evt.NewState == state
	}, timeout)
	return ok
}

// Clear resets the collector's state.
func (c *EventCollector) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = make([]events.Event, 0)
	c.states = make(map[string][]events.ClientState)
}
