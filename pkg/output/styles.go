package output

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
)

var (
	colorTeal  = lipgloss.Color("#2dd4bf")
	colorGreen = lipgloss.Color("#10b981")
	colorRed   = lipgloss.Color("#f43f5e")
	colorAmber = lipgloss.Color("#f59e0b")
	colorGray  = lipgloss.Color("#a8a29e")
)

func cliStyles() *log.Styles {
	styles := log.DefaultStyles()
	styles.Levels[log.InfoLevel] = lipgloss.NewStyle().SetString("INFO").Foreground(colorTeal).Bold(true)
	styles.Levels[log.WarnLevel] = lipgloss.NewStyle().SetString("WARN").Foreground(colorAmber).Bold(true)
	styles.Levels[log.ErrorLevel] = lipgloss.NewStyle().SetString("ERROR").Foreground(colorRed).Bold(true)
	return styles
}

// colorStatus styles an instance status for TTY output.
func colorStatus(status string) string {
	switch status {
	case "running":
		return lipgloss.NewStyle().Foreground(colorGreen).Render(status)
	case "error":
		return lipgloss.NewStyle().Foreground(colorRed).Render(status)
	case "cached", "stopped":
		return lipgloss.NewStyle().Foreground(colorGray).Render(status)
	default:
		return status
	}
}
