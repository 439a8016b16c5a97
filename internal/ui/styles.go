// Package ui holds terminal styling for fl output.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"forgeline/internal/domain"
)

var (
	ColorPass   = lipgloss.AdaptiveColor{Light: "#86b300", Dark: "#c2d94c"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#f2ae49", Dark: "#ffb454"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "#f07171", Dark: "#f07178"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#828c99", Dark: "#6c7680"}
	ColorAccent = lipgloss.AdaptiveColor{Light: "#399ee6", Dark: "#59c2ff"}
)

var (
	PassStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	WarnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	FailStyle   = lipgloss.NewStyle().Foreground(ColorFail)
	MutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	AccentStyle = lipgloss.NewStyle().Foreground(ColorAccent)
	HeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)
)

const (
	IconPass = "✓"
	IconWarn = "⚠"
	IconFail = "✗"
	IconNext = "→"
)

// ShouldUseColor is false when NO_COLOR is set or stdout is not a terminal.
func ShouldUseColor() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func render(style lipgloss.Style, s string) string {
	if !ShouldUseColor() {
		return s
	}
	return style.Render(s)
}

func Pass(s string) string   { return render(PassStyle, s) }
func Warn(s string) string   { return render(WarnStyle, s) }
func Fail(s string) string   { return render(FailStyle, s) }
func Muted(s string) string  { return render(MutedStyle, s) }
func Accent(s string) string { return render(AccentStyle, s) }
func Header(s string) string { return render(HeaderStyle, s) }

// Status renders a workflow status with its semantic color.
func Status(s domain.Status) string {
	switch s {
	case domain.StatusCompleted:
		return Pass(IconPass + " " + string(s))
	case domain.StatusAbandoned:
		return Fail(IconFail + " " + string(s))
	default:
		return Accent(string(s))
	}
}

// Outcome renders a decision, marking forced acceptances.
func Outcome(o domain.Outcome, forced bool) string {
	switch {
	case forced:
		return Warn(IconWarn + " " + string(o) + " (forced)")
	case o == domain.Accepted:
		return Pass(IconPass + " " + string(o))
	default:
		return Fail(IconFail + " " + string(o))
	}
}
