// Package mcperr defines the error taxonomy shared by the MCP runtime.
//
// Every failure that crosses a package boundary is an *Error carrying a Kind.
// Callers branch on the kind with errors.Is against the sentinels below or
// with KindOf.
package mcperr

import (
	"errors"
	"fmt"
)

// Kind classifies a runtime failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnection
	KindTimeout
	KindProtocol
	KindToolNotFound
	KindResourceNotFound
	KindSecurity
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	case KindToolNotFound:
		return "tool_not_found"
	case KindResourceNotFound:
		return "resource_not_found"
	case KindSecurity:
		return "security"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is.
var (
	ErrConnection       = errors.New("connection error")
	ErrTimeout          = errors.New("timeout")
	ErrProtocol         = errors.New("protocol error")
	ErrToolNotFound     = errors.New("tool not found")
	ErrResourceNotFound = errors.New("resource not found")
	ErrSecurity         = errors.New("permission denied")
	ErrConfiguration    = errors.New("configuration error")
)

var sentinels = map[Kind]error{
	KindConnection:       ErrConnection,
	KindTimeout:          ErrTimeout,
	KindProtocol:         ErrProtocol,
	KindToolNotFound:     ErrToolNotFound,
	KindResourceNotFound: ErrResourceNotFound,
	KindSecurity:         ErrSecurity,
	KindConfiguration:    ErrConfiguration,
}

// Error is a classified runtime failure.
type Error struct {
	Kind   Kind
	Op     string // operation, e.g. "tools/call" or "connect"
	Server string // owning server, if any
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Server != "" {
		msg = fmt.Sprintf("[%s] %s", e.Server, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// New builds an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithServer returns a copy of err tagged with server when err is an *Error
// without one. Other errors are returned unchanged.
func WithServer(err error, server string) error {
	var e *Error
	if !errors.As(err, &e) || e.Server != "" {
		return err
	}
	cp := *e
	cp.Server = server
	return &cp
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func Connection(op string, err error) *Error { return New(KindConnection, op, err) }
func Timeout(op string, err error) *Error    { return New(KindTimeout, op, err) }
func Protocol(op string, err error) *Error   { return New(KindProtocol, op, err) }
func Security(op string, err error) *Error   { return New(KindSecurity, op, err) }

func Configuration(op string, err error) *Error {
	return New(KindConfiguration, op, err)
}

// ToolNotFound reports a lookup miss for name.
func ToolNotFound(name string) *Error {
	return New(KindToolNotFound, "lookup", fmt.Errorf("tool %q", name))
}

// ResourceNotFound reports a lookup miss for uri.
func ResourceNotFound(uri string) *Error {
	return New(KindResourceNotFound, "lookup", fmt.Errorf("resource %q", uri))
}

func IsTimeout(err error) bool    { return errors.Is(err, ErrTimeout) }
func IsConnection(err error) bool { return errors.Is(err, ErrConnection) }
