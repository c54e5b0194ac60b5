package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/QUSEIT/simacode-sub001/internal/unified"
)

const maxDescription = 60

func newListCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every tool in the unified catalog",
		Long: `Connect to the configured MCP servers and list their tools.

By default, outputs a human-readable table. Use --json for machine-readable output.

Examples:
  simacode-mcp list
  simacode-mcp list --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()

			tools := rt.reg.ListTools(cmd.Context())
			if asJSON {
				return outputJSON(cmd.OutOrStdout(), tools)
			}
			return outputTools(cmd.OutOrStdout(), tools)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func outputJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func outputTools(w io.Writer, tools []unified.ToolInfo) error {
	if len(tools) == 0 {
		fmt.Fprintln(w, "No tools available")
		return nil
	}

	t := newTheme()
	rows := make([][]string, 0, len(tools))
	for _, ti := range tools {
		server := ti.Server
		if ti.BuiltIn {
			server = t.Muted.Render("built-in")
		}
		rows = append(rows, []string{
			t.Primary.Render(ti.Name),
			server,
			ti.Category,
			humanize.Comma(int64(ti.UsageCount)),
			truncate(ti.Description, maxDescription),
		})
	}
	fmt.Fprint(w, t.table([]string{"NAME", "SERVER", "CATEGORY", "USES", "DESCRIPTION"}, rows))
	fmt.Fprintf(w, "\n%s\n", t.Muted.Render(fmt.Sprintf("%d tools", len(tools))))
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
