package monitor

import "github.com/charmbracelet/lipgloss"

// theme groups reusable styles for monitor regions.
type theme struct {
	header     lipgloss.Style
	headerMeta lipgloss.Style
	divider    lipgloss.Style
	gauge      lipgloss.Style
	gaugeWarn  lipgloss.Style
	eventTime  lipgloss.Style
	eventName  lipgloss.Style
	eventSkip  lipgloss.Style
	eventStop  lipgloss.Style
	eventBody  lipgloss.Style
	status     lipgloss.Style
	statusBusy lipgloss.Style
	statusErr  lipgloss.Style
	hint       lipgloss.Style
	viewport   lipgloss.Style
}

// defaultTheme keeps the retro terminal palette.
func defaultTheme() theme {
	return theme{
		header: lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("24")),
		headerMeta: lipgloss.NewStyle().
			Foreground(lipgloss.Color("223")),
		divider: lipgloss.NewStyle().
			Foreground(lipgloss.Color("130")),
		gauge: lipgloss.NewStyle().
			Foreground(lipgloss.Color("114")).
			Bold(true),
		gaugeWarn: lipgloss.NewStyle().
			Foreground(lipgloss.Color("203")).
			Bold(true),
		eventTime: lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")),
		eventName: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("44")),
		eventSkip: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214")),
		eventStop: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("203")),
		eventBody: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")),
		status: lipgloss.NewStyle().
			Foreground(lipgloss.Color("250")).
			Bold(true),
		statusBusy: lipgloss.NewStyle().
			Foreground(lipgloss.Color("222")).
			Bold(true),
		statusErr: lipgloss.NewStyle().
			Foreground(lipgloss.Color("203")).
			Bold(true),
		hint: lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")),
		viewport: lipgloss.NewStyle().
			Border(lipgloss.ThickBorder()).
			BorderForeground(lipgloss.Color("130")).
			Background(lipgloss.Color("233")).
			Padding(0, 1),
	}
}
