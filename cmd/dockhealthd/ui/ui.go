// Package ui renders terminal output for the dockhealthd CLI.
package ui

import (
	"fmt"
	"os"

	"dockhealth/internal/health"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
)

var (
	purple = lipgloss.Color("99")
	green  = lipgloss.Color("76")
	red    = lipgloss.Color("204")
	yellow = lipgloss.Color("214")
	dim    = lipgloss.Color("243")
	faint  = lipgloss.Color("238")
)

var (
	successStyle = lipgloss.NewStyle().Foreground(green)
	errorStyle   = lipgloss.NewStyle().Foreground(red)
	warnStyle    = lipgloss.NewStyle().Foreground(yellow)
	mutedStyle   = lipgloss.NewStyle().Foreground(dim)
)

// ConfigureColor disables styling when noColor is set, NO_COLOR is present or
// stdout is not a terminal.
func ConfigureColor(noColor bool) {
	if noColor || os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.NewOutput(os.Stdout).ColorProfile())
}

func Muted(s string) string { return mutedStyle.Render(s) }

// Health renders h in its status color.
func Health(h health.Health) string {
	switch h {
	case health.Healthy:
		return successStyle.Render(h.String())
	case health.Starting:
		return warnStyle.Render(h.String())
	default:
		return errorStyle.Render(h.String())
	}
}

func InfoMsg(format string, a ...any) string {
	return lipgloss.NewStyle().Foreground(purple).Render("●") + " " + fmt.Sprintf(format, a...)
}

// Table renders a styled table with rounded borders.
func Table(headers []string, rows [][]string) string {
	headerStyle := lipgloss.NewStyle().
		Foreground(purple).
		Bold(true).
		Padding(0, 1)

	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	oddStyle := cellStyle.Foreground(dim)
	evenStyle := cellStyle

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(faint)).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case row%2 == 0:
				return evenStyle
			default:
				return oddStyle
			}
		}).
		Headers(headers...).
		Rows(rows...)

	return t.String()
}
