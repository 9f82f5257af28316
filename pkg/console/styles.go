package console

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/ormasoftchile/apiline/pkg/step"
)

// Step state glyphs convey meaning without relying on color alone.
const (
	GlyphPending   = "○"
	GlyphCurrent   = "▸"
	GlyphExecuting = "⟳"
	GlyphPassed    = "✓"
	GlyphFailed    = "✗"
	GlyphSkipped   = "⏭"
)

// Value display widths, in terminal cells.
const (
	valueWidth = 60
	bodyWidth  = 100
)

var (
	colorGreen  = lipgloss.Color("42")
	colorRed    = lipgloss.Color("196")
	colorYellow = lipgloss.Color("214")
	colorCyan   = lipgloss.Color("51")
	colorDim    = lipgloss.Color("240")
	colorWhite  = lipgloss.Color("255")
)

var headerStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(colorCyan)

var (
	stepNormal = lipgloss.NewStyle().
			Foreground(colorWhite)

	stepCurrent = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorYellow)

	stepPassed = lipgloss.NewStyle().
			Foreground(colorGreen)

	stepFailed = lipgloss.NewStyle().
			Foreground(colorRed)

	stepSkipped = lipgloss.NewStyle().
			Faint(true)
)

var (
	dimStyle  = lipgloss.NewStyle().Foreground(colorDim)
	warnStyle = lipgloss.NewStyle().Foreground(colorYellow)
	errStyle  = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
	okStyle   = lipgloss.NewStyle().Foreground(colorGreen).Bold(true)
	nameStyle = lipgloss.NewStyle().Foreground(colorCyan)
)

// stateGlyph returns the glyph and style for a step line.
func stateGlyph(s step.State, current bool) (string, lipgloss.Style) {
	switch s {
	case step.Completed:
		return GlyphPassed, stepPassed
	case step.Failed:
		return GlyphFailed, stepFailed
	case step.Skipped:
		return GlyphSkipped, stepSkipped
	case step.Executing:
		return GlyphExecuting, stepCurrent
	}
	if current {
		return GlyphCurrent, stepCurrent
	}
	return GlyphPending, stepNormal
}

// statusStyle colors an HTTP status by class.
func statusStyle(code int) lipgloss.Style {
	switch {
	case code >= 200 && code < 300:
		return okStyle
	case code >= 400:
		return errStyle
	default:
		return warnStyle
	}
}

// truncate shortens s to width terminal cells.
func truncate(s string, width int) string {
	return runewidth.Truncate(s, width, "...")
}
