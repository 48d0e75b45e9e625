package tui

import (
	"github.com/charmbracelet/lipgloss"

	"grimm.is/tunnelboard/internal/lifecycle"
)

// Palette
var (
	ColorAccent = lipgloss.Color("#A8D8EA")
	ColorDeep   = lipgloss.Color("#596E79")
	ColorText   = lipgloss.Color("#E0E0E0")
	ColorAlert  = lipgloss.Color("#FF6B6B")
	ColorGood   = lipgloss.Color("#4ECDC4")
	ColorWarn   = lipgloss.Color("#FFE66D")
	ColorMuted  = lipgloss.Color("#6c757d")
)

// Styles
var (
	StyleTitle = lipgloss.NewStyle().
			Foreground(ColorAccent).
			Bold(true)

	StyleSubtitle = lipgloss.NewStyle().
			Foreground(ColorDeep).
			Italic(true)

	StyleHeader = lipgloss.NewStyle().
			Foreground(ColorDeep).
			Bold(true).
			Padding(0, 1)

	StyleCell = lipgloss.NewStyle().Padding(0, 1)

	StyleStatusGood = lipgloss.NewStyle().Foreground(ColorGood).Bold(true)
	StyleStatusBad  = lipgloss.NewStyle().Foreground(ColorAlert).Bold(true)
	StyleStatusWarn = lipgloss.NewStyle().Foreground(ColorWarn).Bold(true)
	StyleMuted      = lipgloss.NewStyle().Foreground(ColorMuted)

	StyleApp = lipgloss.NewStyle().Margin(1, 2)

	StyleHelp = lipgloss.NewStyle().Foreground(ColorMuted).Faint(true)
)

// StateStyle colours an entry state.
func StateStyle(state lifecycle.State) lipgloss.Style {
	switch state {
	case lifecycle.StateRunning:
		return StyleStatusGood
	case lifecycle.StateFailed:
		return StyleStatusBad
	case lifecycle.StateInitializing, lifecycle.StateStopping:
		return StyleStatusWarn
	default:
		return StyleMuted
	}
}
