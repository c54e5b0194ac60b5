package main

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/QUSEIT/simacode-sub001/internal/health"
)

// theme holds the styles of the table output.
type theme struct {
	Title   lipgloss.Style
	Header  lipgloss.Style
	Muted   lipgloss.Style
	Primary lipgloss.Style
	Success lipgloss.Style
	Warn    lipgloss.Style
	Danger  lipgloss.Style
}

func newTheme() theme {
	primary := lipgloss.AdaptiveColor{Light: "#EA580C", Dark: "#FB923C"}
	return theme{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(primary),
		Header:  lipgloss.NewStyle().Bold(true).Underline(true),
		Muted:   lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#A9B1D6"}),
		Primary: lipgloss.NewStyle().Foreground(primary),
		Success: lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#0F7B0F", Dark: "#9ECE6A"}),
		Warn:    lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#FBBF24"}),
		Danger:  lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#B00020", Dark: "#F7768E"}),
	}
}

// StateIcon renders a connection state with its icon.
func (t theme) StateIcon(state string) string {
	switch state {
	case "ready":
		return t.Success.Render("● " + state)
	case "connecting":
		return t.Warn.Render("◐ " + state)
	case "error":
		return t.Danger.Render("✖ " + state)
	default:
		return t.Muted.Render("○ " + state)
	}
}

// HealthPill renders a health status.
func (t theme) HealthPill(s health.Status) string {
	switch s {
	case health.StatusHealthy:
		return t.Success.Render(string(s))
	case health.StatusDegraded:
		return t.Warn.Render(string(s))
	case health.StatusCritical, health.StatusFailed:
		return t.Danger.Render(string(s))
	case "":
		return t.Muted.Render(string(health.StatusUnknown))
	default:
		return t.Muted.Render(string(s))
	}
}

// table renders rows under a styled header. Column widths follow the
// visible width so styled cells stay aligned.
func (t theme) table(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	render := func(cells []string, style *lipgloss.Style) string {
		var line string
		for i, cell := range cells {
			if style != nil {
				cell = style.Render(cell)
			}
			if i < len(cells)-1 {
				cell = lipgloss.NewStyle().Width(widths[i] + 2).Render(cell)
			}
			line += cell
		}
		return line + "\n"
	}

	out := render(header, &t.Header)
	for _, row := range rows {
		out += render(row, nil)
	}
	return out
}
