// Package tui renders loop state and branch reports in the terminal.
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"ralph/internal/loop"
)

// Color constants
const (
	ColorPrimary   = "39"  // Blue
	ColorSuccess   = "42"  // Green
	ColorWarning   = "214" // Orange
	ColorError     = "196" // Red
	ColorMuted     = "245" // Gray
	ColorHighlight = "212" // Pink
)

// Styles contains all styles for ralph output
type Styles struct {
	Title    lipgloss.Style
	Subtitle lipgloss.Style
	Label    lipgloss.Style
	Value    lipgloss.Style
	Status   lipgloss.Style
	Success  lipgloss.Style
	Error    lipgloss.Style
	Warning  lipgloss.Style
	Muted    lipgloss.Style
	Branch   lipgloss.Style
	Duration lipgloss.Style
	Border   lipgloss.Style
}

// DefaultStyles returns the default ralph styles
func DefaultStyles() Styles {
	return Styles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color(ColorPrimary)),
		Subtitle: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorHighlight)),
		Label: lipgloss.NewStyle().
			Width(14).
			Foreground(lipgloss.Color(ColorMuted)),
		Value: lipgloss.NewStyle(),
		Status: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorMuted)),
		Success: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorSuccess)),
		Error: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorError)),
		Warning: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorWarning)),
		Muted: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorMuted)),
		Branch: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color(ColorPrimary)),
		Duration: lipgloss.NewStyle().
			Foreground(lipgloss.Color(ColorMuted)),
		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color(ColorMuted)).
			Padding(0, 1),
	}
}

// Status icons
const (
	IconRunning   = "●"
	IconWaiting   = "○"
	IconSuccess   = "✓"
	IconFailed    = "✗"
	IconCancelled = "⊘"
	IconLimit     = "⚠"
)

// OutcomeIcon returns the icon for a terminal outcome.
func OutcomeIcon(kind loop.OutcomeKind) string {
	switch kind {
	case loop.OutcomeCompletion:
		return IconSuccess
	case loop.OutcomeMaxIterations:
		return IconLimit
	case loop.OutcomeCancelled:
		return IconCancelled
	default:
		return IconFailed
	}
}

// OutcomeStyle returns the style for a terminal outcome.
func (s Styles) OutcomeStyle(kind loop.OutcomeKind) lipgloss.Style {
	switch kind {
	case loop.OutcomeCompletion:
		return s.Success
	case loop.OutcomeMaxIterations, loop.OutcomeCancelled:
		return s.Warning
	default:
		return s.Error
	}
}
