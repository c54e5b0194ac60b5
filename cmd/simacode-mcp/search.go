package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newSearchCmd(opts *globalOptions) *cobra.Command {
	var (
		asJSON bool
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search tools by name, description or category",
		Long: `Search the unified catalog. Exact name matches rank first, then fuzzy
name matches, keyword matches and category matches.

Examples:
  simacode-mcp search read
  simacode-mcp search "file write" --limit 5`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()

			hits, err := rt.reg.SearchTools(cmd.Context(), strings.Join(args, " "), limit)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if asJSON {
				return outputJSON(w, hits)
			}
			if len(hits) == 0 {
				fmt.Fprintln(w, "No matching tools")
				return nil
			}

			t := newTheme()
			rows := make([][]string, 0, len(hits))
			for _, h := range hits {
				rows = append(rows, []string{
					t.Primary.Render(h.Name),
					string(h.Match),
					h.Category,
					truncate(h.Description, maxDescription),
				})
			}
			fmt.Fprint(w, t.table([]string{"NAME", "MATCH", "CATEGORY", "DESCRIPTION"}, rows))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum number of results")
	return cmd
}
