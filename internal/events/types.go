// Package events provides the in-process event system of the MCP runtime.
package events

import (
	"time"
)

// ClientState is the connection state of one MCP client.
type ClientState int

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateReady
	StateError
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// EventType identifies the kind of event.
type EventType int

const (
	EventStateChanged EventType = iota
	EventServerAdded
	EventServerRemoved
	EventHealthChanged
	EventToolsChanged
	EventToolUpdated
	EventLogReceived
	EventError
)

func (e EventType) String() string {
	switch e {
	case EventStateChanged:
		return "state_changed"
	case EventServerAdded:
		return "server_added"
	case EventServerRemoved:
		return "server_removed"
	case EventHealthChanged:
		return "health_changed"
	case EventToolsChanged:
		return "tools_changed"
	case EventToolUpdated:
		return "tool_updated"
	case EventLogReceived:
		return "log_received"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is the base interface for all events.
type Event interface {
	Type() EventType
	Server() string
	Timestamp() time.Time
}

type baseEvent struct {
	server    string
	timestamp time.Time
}

func (e baseEvent) Server() string       { return e.server }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBase(server string) baseEvent {
	return baseEvent{server: server, timestamp: time.Now()}
}

// StateChangedEvent is emitted when a client's connection state changes.
type StateChangedEvent struct {
	baseEvent
	OldState ClientState
	NewState ClientState
	Err      error
}

func (e StateChangedEvent) Type() EventType { return EventStateChanged }

func NewStateChangedEvent(server string, oldState, newState ClientState, err error) StateChangedEvent {
	return StateChangedEvent{baseEvent: newBase(server), OldState: oldState, NewState: newState, Err: err}
}

// ServerAddedEvent is emitted after a server joins the managed set.
type ServerAddedEvent struct{ baseEvent }

func (e ServerAddedEvent) Type() EventType { return EventServerAdded }

func NewServerAddedEvent(server string) ServerAddedEvent {
	return ServerAddedEvent{newBase(server)}
}

// ServerRemovedEvent is emitted after a server leaves the managed set.
type ServerRemovedEvent struct{ baseEvent }

func (e ServerRemovedEvent) Type() EventType { return EventServerRemoved }

func NewServerRemovedEvent(server string) ServerRemovedEvent {
	return ServerRemovedEvent{newBase(server)}
}

// HealthChangedEvent is emitted when a server's derived health status changes.
// Status values are the health package's status strings.
type HealthChangedEvent struct {
	baseEvent
	OldStatus string
	NewStatus string
	LastError string
}

func (e HealthChangedEvent) Type() EventType { return EventHealthChanged }

func NewHealthChangedEvent(server, oldStatus, newStatus, lastError string) HealthChangedEvent {
	return HealthChangedEvent{baseEvent: newBase(server), OldStatus: oldStatus, NewStatus: newStatus, LastError: lastError}
}

// ToolsChangedEvent is emitted by a discovery cycle that saw a difference.
type ToolsChangedEvent struct {
	baseEvent
	Added   []string
	Removed []string
	Updated []string
}

func (e ToolsChangedEvent) Type() EventType { return EventToolsChanged }

func NewToolsChangedEvent(server string, added, removed, updated []string) ToolsChangedEvent {
	return ToolsChangedEvent{baseEvent: newBase(server), Added: added, Removed: removed, Updated: updated}
}

// ToolUpdatedEvent is emitted when a queued tool update has been applied.
type ToolUpdatedEvent struct {
	baseEvent
	UpdateID string
	Tool     string
	Change   string
	Err      error
}

func (e ToolUpdatedEvent) Type() EventType { return EventToolUpdated }

func NewToolUpdatedEvent(server, updateID, tool, change string, err error) ToolUpdatedEvent {
	return ToolUpdatedEvent{baseEvent: newBase(server), UpdateID: updateID, Tool: tool, Change: change, Err: err}
}

// LogReceivedEvent is emitted when stderr output is received from a server.
type LogReceivedEvent struct {
	baseEvent
	Line string
}

func (e LogReceivedEvent) Type() EventType { return EventLogReceived }

func NewLogReceivedEvent(server, line string) LogReceivedEvent {
	return LogReceivedEvent{baseEvent: newBase(server), Line: line}
}

// ErrorEvent is emitted when an error occurs.
type ErrorEvent struct {
	baseEvent
	Err     error
	Message string
}

func (e ErrorEvent) Type() EventType { return EventError }

func NewErrorEvent(server string, err error, message string) ErrorEvent {
	return ErrorEvent{baseEvent: newBase(server), Err: err, Message: message}
}
