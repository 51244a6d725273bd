package render

import (
	"io"

	"github.com/charmbracelet/lipgloss"
)

// Color palette.
var (
	primaryColor = lipgloss.Color("#7C3AED") // Purple
	successColor = lipgloss.Color("#10B981") // Green
	warningColor = lipgloss.Color("#F59E0B") // Amber
	errorColor   = lipgloss.Color("#EF4444") // Red
	mutedColor   = lipgloss.Color("#6B7280") // Gray
)

// styles are the lipgloss styles of the summary box, bound to one output.
type styles struct {
	title   lipgloss.Style
	label   lipgloss.Style
	value   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	failure lipgloss.Style
	box     lipgloss.Style
}

// newStyles builds styles for w. With noColor only layout is kept.
func newStyles(w io.Writer, noColor bool) styles {
	re := lipgloss.NewRenderer(w)
	s := styles{
		title:   re.NewStyle().Bold(true).MarginBottom(1),
		label:   re.NewStyle().Width(18),
		value:   re.NewStyle(),
		success: re.NewStyle(),
		warning: re.NewStyle(),
		failure: re.NewStyle(),
		box:     re.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 2),
	}
	if noColor {
		return s
	}
	s.title = s.title.Foreground(primaryColor)
	s.label = s.label.Foreground(mutedColor)
	s.success = s.success.Foreground(successColor)
	s.warning = s.warning.Foreground(warningColor)
	s.failure = s.failure.Foreground(errorColor)
	s.box = s.box.BorderForeground(mutedColor)
	return s
}

// state picks the style for a sync outcome.
func (s styles) state(state string) lipgloss.Style {
	switch state {
	case StateSynced:
		return s.success
	case StatePartial:
		return s.warning
	case StateFailed:
		return s.failure
	default:
		return s.value
	}
}
