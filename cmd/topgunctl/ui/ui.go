// Package ui renders topgunctl's status/lock/topic output with
// lipgloss, picking a color profile through termenv so output degrades
// gracefully when piped or when NO_COLOR is set.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
)

var profile = termenv.EnvColorProfile()

// Palette — muted, professional, dark-terminal friendly.
var (
	purple = lipgloss.Color("99")
	green  = lipgloss.Color("76")
	red    = lipgloss.Color("204")
	yellow = lipgloss.Color("214")
	dim    = lipgloss.Color("243")
	faint  = lipgloss.Color("238")
)

var (
	AccentStyle  = lipgloss.NewStyle().Foreground(purple)
	SuccessStyle = lipgloss.NewStyle().Foreground(green)
	ErrorStyle   = lipgloss.NewStyle().Foreground(red)
	WarnStyle    = lipgloss.NewStyle().Foreground(yellow)
	MutedStyle   = lipgloss.NewStyle().Foreground(dim)
	LabelStyle   = lipgloss.NewStyle().Foreground(dim)
	BoldStyle    = lipgloss.NewStyle().Bold(true)
)

// ColorEnabled reports whether the current terminal profile supports
// color output (respects NO_COLOR and non-tty stdout via termenv).
func ColorEnabled() bool {
	return profile != termenv.Ascii
}

func render(style lipgloss.Style, s string) string {
	if !ColorEnabled() {
		return s
	}
	return style.Render(s)
}

func Accent(s string) string { return render(AccentStyle, s) }
func Bold(s string) string   { return render(BoldStyle, s) }
func Muted(s string) string  { return render(MutedStyle, s) }

func Bool(v bool) string {
	if v {
		return render(SuccessStyle, "true")
	}
	return render(ErrorStyle, "false")
}

func SuccessMsg(format string, a ...any) string {
	return render(SuccessStyle, "✓") + " " + fmt.Sprintf(format, a...)
}

func WarnMsg(format string, a ...any) string {
	return render(WarnStyle, "!") + " " + fmt.Sprintf(format, a...)
}

func ErrorMsg(format string, a ...any) string {
	return render(ErrorStyle, "✗") + " " + fmt.Sprintf(format, a...)
}

func InfoMsg(format string, a ...any) string {
	return render(AccentStyle, "●") + " " + fmt.Sprintf(format, a...)
}

// LockMsg renders a lock acquisition outcome with its fencing token.
func LockMsg(name string, granted bool, token uint64) string {
	if !granted {
		return ErrorMsg("lock %q not granted", name)
	}
	return SuccessMsg("lock %q granted (fencing token %d)", name, token)
}

// Pair holds a key-value pair for KeyValues output.
type Pair struct {
	key   string
	value string
}

func KV(key, value string) Pair { return Pair{key: key, value: value} }

// KeyValues renders aligned "key:  value" lines.
func KeyValues(indent string, pairs ...Pair) string {
	maxLen := 0
	for _, p := range pairs {
		if len(p.key) > maxLen {
			maxLen = len(p.key)
		}
	}

	var sb strings.Builder
	for _, p := range pairs {
		label := fmt.Sprintf("%-*s", maxLen+1, p.key+":")
		sb.WriteString(indent + render(LabelStyle, label) + " " + p.value + "\n")
	}
	return sb.String()
}

// Table renders a styled table with rounded borders, falling back to
// an unstyled border when color is disabled.
func Table(headers []string, rows [][]string) string {
	if !ColorEnabled() {
		t := table.New().Headers(headers...).Rows(rows...)
		return t.String()
	}

	headerStyle := lipgloss.NewStyle().Foreground(purple).Bold(true).Padding(0, 1)
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
