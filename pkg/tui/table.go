package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

// table renders fixed width bordered rows.
type table struct {
	widths []int
	border lipgloss.Style
}

func (t table) line(left, mid, right string) string {
	parts := make([]string, len(t.widths))
	for i, w := range t.widths {
		parts[i] = strings.Repeat("─", w+2)
	}
	return t.border.Render(left+strings.Join(parts, mid)+right) + "\n"
}

func (t table) top() string    { return t.line("┌", "┬", "┐") }
func (t table) sep() string    { return t.line("├", "┼", "┤") }
func (t table) bottom() string { return t.line("└", "┴", "┘") }

// row renders cells, which may carry ANSI styling.
func (t table) row(cells ...string) string {
	var b strings.Builder
	bar := t.border.Render("│")
	b.WriteString(bar)
	for i, w := range t.widths {
		cell := ""
		if i < len(cells) {
			cell = cells[i]
		}
		fmt.Fprintf(&b, " %s ", padRight(cell, w))
		b.WriteString(bar)
	}
	b.WriteString("\n")
	return b.String()
}

// truncate shortens s to max display columns.
func truncate(s string, max int) string {
	if runewidth.StringWidth(s) <= max {
		return s
	}
	if max <= 3 {
		return runewidth.Truncate(s, max, "")
	}
	return runewidth.Truncate(s, max, "...")
}

func padRight(s string, width int) string {
	visible := runewidth.StringWidth(stripAnsi(s))
	if visible >= width {
		return s
	}
	return s + strings.Repeat(" ", width-visible)
}

// stripAnsi removes ANSI escape codes from a string
func stripAnsi(s string) string {
	var result strings.Builder
	inEscape := false
	for _, r := range s {
		if r == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if r == 'm' {
				inEscape = false
			}
			continue
		}
		result.WriteRune(r)
	}
	return result.String()
}

// lastLine returns the last non-empty line of s.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
