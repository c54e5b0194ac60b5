package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/QUSEIT/simacode-sub001/internal/manager"
)

// serverStatus is the JSON view of one server.
type serverStatus struct {
	Name                string     `json:"name"`
	Kind                string     `json:"kind"`
	State               string     `json:"state"`
	Health              string     `json:"health"`
	Tools               int        `json:"tools"`
	ConnectedAt         *time.Time `json:"connectedAt,omitempty"`
	SuccessRate         float64    `json:"successRate"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastError           string     `json:"lastError,omitempty"`
}

func toServerStatus(st manager.Status) serverStatus {
	out := serverStatus{
		Name:                st.Name,
		Kind:                string(st.Kind),
		State:               st.State.String(),
		Health:              string(st.Health.Status),
		Tools:               st.Tools,
		SuccessRate:         st.Health.SuccessRate(),
		ConsecutiveFailures: st.Health.ConsecutiveFailures,
	}
	if !st.ConnectedAt.IsZero() {
		at := st.ConnectedAt
		out.ConnectedAt = &at
	}
	if st.LastError != nil {
		out.LastError = st.LastError.Error()
	}
	return out
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connection state and health of every server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()

			// one probe so health reflects the current state
			for _, name := range rt.reg.Manager().ServerNames() {
				_, _ = rt.reg.Health().Check(cmd.Context(), name)
			}

			var statuses []serverStatus
			for _, st := range rt.reg.Manager().Statuses() {
				statuses = append(statuses, toServerStatus(st))
			}
			w := cmd.OutOrStdout()
			if asJSON {
				return outputJSON(w, statuses)
			}
			if len(statuses) == 0 {
				fmt.Fprintln(w, "No servers configured")
				return nil
			}

			t := newTheme()
			var rows [][]string
			for _, st := range rt.reg.Manager().Statuses() {
				connected := "-"
				if !st.ConnectedAt.IsZero() {
					connected = humanize.Time(st.ConnectedAt)
				}
				lastErr := ""
				if st.LastError != nil {
					lastErr = t.Danger.Render(truncate(st.LastError.Error(), maxDescription))
				}
				rows = append(rows, []string{
					st.Name,
					string(st.Kind),
					t.StateIcon(st.State.String()),
					t.HealthPill(st.Health.Status),
					fmt.Sprint(st.Tools),
					connected,
					lastErr,
				})
			}
			fmt.Fprint(w, t.table([]string{"NAME", "KIND", "STATE", "HEALTH", "TOOLS", "CONNECTED", "ERROR"}, rows))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}
