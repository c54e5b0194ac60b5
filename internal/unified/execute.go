package unified

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/QUSEIT/simacode-sub001/internal/events"
	"github.com/QUSEIT/simacode-sub001/internal/mcp"
	"github.com/QUSEIT/simacode-sub001/internal/mcperr"
)

// ExecuteTool runs name and streams its events. It never returns an error
// directly: every failure, including an unknown tool, arrives as the single
// terminal event of the channel.
func (r *Registry) ExecuteTool(ctx context.Context, name string, args json.RawMessage) <-chan mcp.ToolEvent {
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}

	if t, ok := r.builtin(name); ok {
		if allowed, reason := r.perms.Allowed(BuiltInServer, name, args); !allowed {
			return fail(mcperr.Security("execute "+name, errors.New(reason)))
		}
		if err := r.schemas.validate("builtin/"+name, t.InputSchema, args); err != nil {
			return fail(err)
		}
		return r.builtins.Execute(ctx, name, args)
	}

	e, ok := r.tools.Resolve(name)
	if !ok {
		return fail(mcperr.ToolNotFound(name))
	}
	server, tool := e.Server, e.Tool.Name

	if allowed, reason := r.perms.Allowed(server, tool, args); !allowed {
		return fail(mcperr.WithServer(mcperr.Security("execute "+tool, errors.New(reason)), server))
	}
	if err := r.schemas.validate(e.FullName, e.Tool.InputSchema, args); err != nil {
		return fail(mcperr.WithServer(err, server))
	}

	c := r.mgr.Client(server)
	if c == nil || c.State() != events.StateReady {
		return fail(mcperr.WithServer(mcperr.Connection("execute "+tool, fmt.Errorf("server %s is not connected", server)), server))
	}

	ch, err := r.mgr.CallToolAsync(ctx, server, tool, args, r.execTimeout(server))
	if err != nil {
		return fail(err)
	}
	return ch
}

func fail(err error) <-chan mcp.ToolEvent {
	return mcp.Single(mcp.ErrorEvent("", err))
}

// execTimeout is the server's maxExecutionTime, or zero for the client
// default.
func (r *Registry) execTimeout(server string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.Servers[server].Security.MaxExecutionTime.Std()
}

type compiledSchema struct {
	raw      string
	resolved *jsonschema.Resolved
}

// schemaCache holds resolved input schemas by tool key. An entry is
// recompiled when the tool's schema text changes.
type schemaCache struct {
	mu      sync.Mutex
	entries map[string]compiledSchema
}

func (c *schemaCache) resolve(key string, raw json.RawMessage) (*jsonschema.Resolved, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cs, ok := c.entries[key]; ok && cs.raw == string(raw) {
		return cs.resolved, nil
	}

	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, err
	}
	if c.entries == nil {
		c.entries = make(map[string]compiledSchema)
	}
	c.entries[key] = compiledSchema{raw: string(raw), resolved: resolved}
	return resolved, nil
}

// validate checks args against schema. Tools without a schema, or with one
// that does not resolve, accept any arguments.
func (c *schemaCache) validate(key string, schema, args json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	resolved, err := c.resolve(key, schema)
	if err != nil {
		return nil
	}
	var instance any
	if err := json.Unmarshal(args, &instance); err != nil {
		return mcperr.Protocol("validate arguments", fmt.Errorf("arguments are not valid JSON: %w", err))
	}
	if err := resolved.Validate(instance); err != nil {
		return mcperr.Protocol("validate arguments", fmt.Errorf("invalid arguments: %w", err))
	}
	return nil
}
