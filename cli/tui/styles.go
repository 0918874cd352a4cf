// Package tui provides the Bubble Tea dashboard behind `cardrelay stats --tui`.
//
// The dashboard is read-only and shows the same payloads as the json
// output of `stats` and `sessions`.
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/cardrelay/types"
)

// Palette, adaptive to light and dark terminals.
var (
	accentColor  = lipgloss.AdaptiveColor{Light: "#5B21B6", Dark: "#A78BFA"}
	infoColor    = lipgloss.AdaptiveColor{Light: "#1D4ED8", Dark: "#60A5FA"}
	goodColor    = lipgloss.AdaptiveColor{Light: "#047857", Dark: "#34D399"}
	warnColor    = lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#FBBF24"}
	badColor     = lipgloss.AdaptiveColor{Light: "#B91C1C", Dark: "#F87171"}
	dimColor     = lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#9CA3AF"}
	emphColor    = lipgloss.AdaptiveColor{Light: "#111827", Dark: "#F9FAFB"}
	statBoxWidth = 16
)

var (
	TitleStyle   = lipgloss.NewStyle().Bold(true).Foreground(accentColor).MarginBottom(1)
	SectionStyle = lipgloss.NewStyle().Bold(true).Foreground(infoColor).MarginTop(1)
	HelpStyle    = lipgloss.NewStyle().Foreground(dimColor).MarginTop(1)
	ErrorStyle   = lipgloss.NewStyle().Foreground(badColor)

	// StatBoxStyle frames one counter; the border takes the counter's color.
	StatBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1).
			Width(statBoxWidth).
			Align(lipgloss.Center)
	StatValueStyle = lipgloss.NewStyle().Bold(true).Foreground(emphColor)
	StatLabelStyle = lipgloss.NewStyle().Foreground(dimColor)
)

var stateStyles = map[types.SessionState]lipgloss.Style{
	types.StateActive:   lipgloss.NewStyle().Foreground(goodColor),
	types.StateDegraded: lipgloss.NewStyle().Foreground(warnColor),
	types.StateStopped:  lipgloss.NewStyle().Foreground(dimColor),
}

// StateStyle returns the style for a session state.
func StateStyle(state types.SessionState) lipgloss.Style {
	if s, ok := stateStyles[state]; ok {
		return s
	}
	return lipgloss.NewStyle().Foreground(emphColor)
}
