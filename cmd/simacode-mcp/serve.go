package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/QUSEIT/simacode-sub001/internal/server"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run as an MCP server on stdio",
		Long: `Run simacode-mcp as an MCP server that exposes the unified tool catalog.

This mode is intended to be spawned by an MCP client:

  {
    "simacode": {
      "command": "simacode-mcp",
      "args": ["serve"]
    }
  }

Tools are named <namespace>:<tool>. The gateway's own tools
(simacode.servers_list, simacode.search_tools, ...) are listed with them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
	// stdio is the only transport; the flag is accepted for client configs
	// written for other gateways
	cmd.Flags().Bool("stdio", true, "Use stdio transport (always enabled)")
	_ = cmd.Flags().MarkHidden("stdio")
	return cmd
}

func runServe(cmd *cobra.Command, opts *globalOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			rt.logger.Warn("shutdown", "error", err)
		}
	}()

	rt.logger.Info("simacode-mcp serve starting", "version", version, "tools", len(rt.reg.ListTools(ctx)))

	srv := server.New(server.Options{
		Catalog:       rt.reg,
		Stdin:         cmd.InOrStdin(),
		Stdout:        cmd.OutOrStdout(),
		ServerName:    "simacode-mcp",
		ServerVersion: version,
		Logger:        rt.logger,
	})
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server error: %w", err)
	}

	rt.logger.Info("simacode-mcp serve exiting")
	return nil
}
