// Package tui renders runs for humans: tables for status and history and a
// live bubbletea viewer that follows a run's event log.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Status icons.
const (
	iconPassed  = "[✓]"
	iconFailed  = "[✗]"
	iconError   = "[!]"
	iconTimeout = "[⧗]"
	iconSkipped = "[-]"
	iconRunning = "[●]"
	iconPending = "[○]"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("7"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	hintStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	borderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	passedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("28")) // Dark green

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")) // Red

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")) // Orange

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")) // Green

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")) // Gray
)

// statusStyle picks the style for a run or tool status.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case "passed":
		return passedStyle
	case "failed", "error":
		return failedStyle
	case "timeout", "aborted":
		return warnStyle
	case "running", "started":
		return runningStyle
	default:
		return mutedStyle
	}
}

func statusIcon(status string) string {
	switch status {
	case "passed":
		return iconPassed
	case "failed":
		return iconFailed
	case "error", "aborted":
		return iconError
	case "timeout":
		return iconTimeout
	case "skipped":
		return iconSkipped
	case "running", "started":
		return iconRunning
	default:
		return iconPending
	}
}

// renderStatus renders a status with its icon in its color.
func renderStatus(status string) string {
	return statusStyle(status).Render(statusIcon(status) + " " + status)
}

// formatDuration formats a duration compactly.
func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if m > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dh", h)
}
