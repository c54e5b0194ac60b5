package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/QUSEIT/simacode-sub001/internal/config"
	"github.com/QUSEIT/simacode-sub001/internal/mcp"
	"github.com/QUSEIT/simacode-sub001/internal/process"
	"github.com/QUSEIT/simacode-sub001/internal/server"
	"github.com/QUSEIT/simacode-sub001/internal/unified"
)

const shutdownTimeout = 10 * time.Second

// runtime is a connected gateway shared by the commands.
type runtime struct {
	reg    *unified.Registry
	logger *slog.Logger

	closeTelemetry func(context.Context) error
}

// newLogger writes text logs to w. Stdout is reserved for command output
// and the MCP protocol.
func newLogger(level string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

func (o *globalOptions) resolveConfigPath() (string, error) {
	if o.configPath != "" {
		return o.configPath, nil
	}
	return config.ConfigPath()
}

// openRuntime loads the config, connects every enabled server and
// registers their tools.
func openRuntime(ctx context.Context, opts *globalOptions, stderr io.Writer) (*runtime, error) {
	logger, err := newLogger(opts.logLevel, stderr)
	if err != nil {
		return nil, err
	}

	path, err := opts.resolveConfigPath()
	if err != nil {
		return nil, fmt.Errorf("failed to get config path: %w", err)
	}
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.Info("loaded config", "path", path, "servers", len(cfg.Servers))

	observer, closeTelemetry, err := setupTelemetry(ctx, opts.otlpEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	tracker, err := process.NewPIDTracker("", logger)
	if err != nil {
		logger.Warn("pid tracking disabled", "error", err)
		tracker = nil
	} else if n := tracker.CleanupOrphans(); n > 0 {
		logger.Info("cleaned up orphaned servers", "count", n)
	}

	builtins := unified.NewBuiltIns()
	reg, err := unified.New(unified.Options{
		Config:     cfg,
		ConfigPath: path,
		Logger:     logger,
		Observer:   observer,
		Tracker:    tracker,
		BuiltIns:   builtins,
		Client: mcp.ClientOptions{
			Info: mcp.Implementation{Name: "simacode-mcp", Version: version},
		},
	})
	if err != nil {
		_ = closeTelemetry(ctx)
		return nil, err
	}
	if err := server.AddManagerTools(builtins, reg); err != nil {
		_ = closeTelemetry(ctx)
		return nil, err
	}
	if err := reg.Initialize(ctx); err != nil {
		_ = closeTelemetry(ctx)
		return nil, err
	}
	return &runtime{reg: reg, logger: logger, closeTelemetry: closeTelemetry}, nil
}

// Close disconnects every server and flushes telemetry.
func (rt *runtime) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(rt.reg.Shutdown(ctx), rt.closeTelemetry(ctx))
}
