package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set at build time via ldflags)
var (
	version = "dev"
	commit  = "unknown"
)

// globalOptions holds the persistent flags shared by every command.
type globalOptions struct {
	configPath   string
	logLevel     string
	otlpEndpoint string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "simacode-mcp",
		Short: "Unified MCP tool gateway",
		Long: `simacode-mcp connects to every configured MCP server and presents their
tools as one catalog with namespaced names, permission checks, health
monitoring and automatic discovery.

Use 'simacode-mcp serve' to expose the catalog to an MCP client over stdio.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to config file (default: ~/.config/simacode/mcp.json)")
	flags.StringVarP(&opts.logLevel, "log-level", "l", "warn", "Log level (debug, info, warn, error)")
	flags.StringVar(&opts.otlpEndpoint, "otlp-endpoint", "", "Export traces over OTLP/HTTP to host:port")

	root.AddCommand(
		newServeCmd(opts),
		newListCmd(opts),
		newSearchCmd(opts),
		newStatusCmd(opts),
		newCallCmd(opts),
	)
	return root
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
