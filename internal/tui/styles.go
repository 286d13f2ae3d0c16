package tui

import "github.com/charmbracelet/lipgloss"

var (
	primaryColor = lipgloss.Color("#7C9CFF")
	accentColor  = lipgloss.Color("#C58BFF")
	onlineColor  = lipgloss.Color("#22C55E")
	mutedColor   = lipgloss.Color("#9CA3AF")
	errorColor   = lipgloss.Color("#EF4444")
	focusColor   = lipgloss.Color("#F59E0B")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(accentColor).
			Padding(0, 1)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	onlineStyle = lipgloss.NewStyle().
			Foreground(onlineColor)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	selectedItemStyle = lipgloss.NewStyle().
				Foreground(accentColor).
				Bold(true).
				PaddingLeft(1).
				Border(lipgloss.NormalBorder(), false, false, false, true).
				BorderForeground(accentColor)

	itemStyle = lipgloss.NewStyle().
			PaddingLeft(2)

	badgeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(primaryColor).
			Padding(0, 1)

	ownMessageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#2457D6")).
			Padding(0, 1)

	otherMessageStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FFFFFF")).
				Background(lipgloss.Color("#1E2C45")).
				Padding(0, 1)

	failedMessageStyle = otherMessageStyle.
				Background(lipgloss.Color("#7F1D1D"))
)

func focused(style lipgloss.Style, on bool) lipgloss.Style {
	if on {
		return style.BorderForeground(focusColor)
	}
	return style
}
