package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/QUSEIT/simacode-sub001/internal/mcp"
)

func newCallCmd(opts *globalOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "call <tool> [json-arguments]",
		Short: "Call a tool and print its result",
		Long: `Call one tool of the unified catalog. The tool may be named by its full
name, an alias or a bare tool name. Progress is printed to stderr.

Examples:
  simacode-mcp call fs:read_file '{"path":"/tmp/notes.txt"}'
  simacode-mcp call simacode.servers_list`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var arguments json.RawMessage
			if len(args) == 2 {
				arguments = json.RawMessage(args[1])
				if !json.Valid(arguments) {
					return fmt.Errorf("arguments are not valid JSON: %s", args[1])
				}
			}

			rt, err := openRuntime(cmd.Context(), opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			t := newTheme()
			var last mcp.ToolEvent
			for ev := range rt.reg.ExecuteTool(ctx, args[0], arguments) {
				if !ev.Terminal() {
					fmt.Fprintln(cmd.ErrOrStderr(), t.Muted.Render(progressLine(ev)))
					continue
				}
				last = ev
			}

			switch {
			case last.Err != nil:
				return fmt.Errorf("call %s: %w", args[0], last.Err)
			case last.Result == nil:
				return errors.New("call ended without a result")
			}
			for _, block := range last.Result.Content {
				if block.Type == "text" {
					fmt.Fprintln(cmd.OutOrStdout(), block.Text)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "[%s content]\n", block.Type)
				}
			}
			if last.Result.IsError {
				return fmt.Errorf("tool %s reported an error", args[0])
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Overall timeout for the call (0 uses the server limit)")
	return cmd
}

func progressLine(ev mcp.ToolEvent) string {
	line := fmt.Sprintf("progress %.0f", ev.Progress)
	if ev.Total > 0 {
		line += fmt.Sprintf("/%.0f", ev.Total)
	}
	if ev.Message != "" {
		line += ": " + ev.Message
	}
	return line
}
