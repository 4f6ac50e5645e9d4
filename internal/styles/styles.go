// Package styles holds the terminal styling used by leasekeeper commands.
// Styling is only applied when the output is a terminal and NO_COLOR is unset,
// so piped output and tests see plain text.
package styles

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	// Colors chosen to meet WCAG AA contrast on dark backgrounds.
	PrimaryColor = lipgloss.Color("#A78BFA") // Purple
	SuccessColor = lipgloss.Color("#10B981") // Green
	WarningColor = lipgloss.Color("#F59E0B") // Amber
	ErrorColor   = lipgloss.Color("#F87171") // Red
	MutedColor   = lipgloss.Color("#9CA3AF") // Gray

	Title   = lipgloss.NewStyle().Bold(true).Foreground(PrimaryColor)
	Success = lipgloss.NewStyle().Foreground(SuccessColor)
	Warning = lipgloss.NewStyle().Foreground(WarningColor).Bold(true)
	Error   = lipgloss.NewStyle().Foreground(ErrorColor).Bold(true)
	Muted   = lipgloss.NewStyle().Foreground(MutedColor)
	Label   = lipgloss.NewStyle().Foreground(MutedColor).Width(14)
)

// Enabled reports whether w should receive styled output.
func Enabled(w io.Writer) bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// Printer renders styles for one writer.
type Printer struct {
	enabled bool
}

// NewPrinter creates a Printer for w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{enabled: Enabled(w)}
}

// Render applies style to s when styling is enabled.
func (p *Printer) Render(style lipgloss.Style, s string) string {
	if p == nil || !p.enabled {
		return s
	}
	return style.Render(s)
}

// Success renders s as a success message.
func (p *Printer) Success(s string) string { return p.Render(Success, s) }

// Warning renders s as a warning.
func (p *Printer) Warning(s string) string { return p.Render(Warning, s) }

// Error renders s as an error.
func (p *Printer) Error(s string) string { return p.Render(Error, s) }

// Muted renders s de-emphasised.
func (p *Printer) Muted(s string) string { return p.Render(Muted, s) }

// Title renders s as a heading.
func (p *Printer) Title(s string) string { return p.Render(Title, s) }

// Field renders a "label: value" line with an aligned label.
func (p *Printer) Field(label, value string) string {
	if p == nil || !p.enabled {
		return label + ": " + value
	}
	return Label.Render(label+":") + " " + value
}
