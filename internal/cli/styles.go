package cli

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	Base     = lipgloss.Color("#1e1e2e")
	Text     = lipgloss.Color("#cdd6f4")
	Subtext0 = lipgloss.Color("#a6adc8")
	Surface0 = lipgloss.Color("#313244")

	Pink   = lipgloss.Color("#f5c2e7")
	Red    = lipgloss.Color("#f38ba8")
	Peach  = lipgloss.Color("#fab387")
	Yellow = lipgloss.Color("#f9e2af")
	Green  = lipgloss.Color("#a6e3a1")
	Teal   = lipgloss.Color("#94e2d5")
)

var (
	TitleStyle = lipgloss.NewStyle().
			Foreground(Pink).
			Bold(true)

	LabelStyle = lipgloss.NewStyle().
			Foreground(Subtext0).
			Width(10)

	ValueStyle = lipgloss.NewStyle().Foreground(Text)

	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Surface0).
			Padding(0, 1)

	ProgressBarEmptyStyle = lipgloss.NewStyle().Foreground(Surface0)

	StatusActive    = lipgloss.NewStyle().Foreground(Teal).Bold(true)
	StatusResumed   = lipgloss.NewStyle().Foreground(Yellow).Bold(true)
	StatusWarning   = lipgloss.NewStyle().Foreground(Peach).Bold(true)
	StatusCompleted = lipgloss.NewStyle().Foreground(Green).Bold(true)
	StatusFailed    = lipgloss.NewStyle().Foreground(Red).Bold(true)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(Base).
			Background(Red).
			Padding(0, 1)
)
