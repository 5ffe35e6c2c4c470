package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/raphaelgruber/distill/internal/models"
	"golang.org/x/term"
)

// Theme holds the color scheme for terminal output.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// isTerminal reports whether f is an interactive terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// printer renders output styled on a terminal and plain otherwise.
type printer struct {
	w      io.Writer
	theme  Theme
	styled bool
}

func newPrinter(f *os.File) *printer {
	return &printer{w: f, theme: defaultTheme, styled: isTerminal(f)}
}

func (p *printer) render(style lipgloss.Style, s string) string {
	if !p.styled {
		return s
	}
	return style.Render(s)
}

func (p *printer) printf(format string, args ...any) {
	fmt.Fprintf(p.w, format, args...)
}

// event prints one status event as a single line.
func (p *printer) event(ev models.StatusEvent, label string) {
	pct := "    "
	if ev.Progress != nil {
		pct = fmt.Sprintf("%3d%%", *ev.Progress)
	}
	stage := fmt.Sprintf("%-10s", ev.Stage)

	switch ev.Kind {
	case models.EventCompleted:
		p.printf("%s %s %s\n", p.render(p.theme.completedStyle(), "✓ "+stage), pct, label)
	case models.EventFailed:
		p.printf("%s %s %s\n", p.render(p.theme.errorStyle(), "✗ "+stage), label,
			p.render(p.theme.hintStyle(), ev.Error))
	default:
		p.printf("%s %s %s\n", p.render(p.theme.statusStyle(), "• "+stage), pct, label)
	}
}

// table prints rows with left-aligned columns.
func (p *printer) table(header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	line := func(cells []string) string {
		parts := make([]string, len(cells))
		for i, c := range cells {
			parts[i] = fmt.Sprintf("%-*s", widths[i], c)
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}

	p.printf("%s\n", p.render(p.theme.statusStyle().Bold(true), line(header)))
	for _, row := range rows {
		p.printf("%s\n", line(row))
	}
}

// shortID abbreviates ids for display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
