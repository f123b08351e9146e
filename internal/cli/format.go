package cli

import (
	"github.com/fatih/color"

	"autocoder/pkg/persistence"
)

func okMark() string {
	return color.New(color.FgHiGreen).Sprint("✓")
}

// statusColor picks the colour of a run status.
func statusColor(status persistence.RunStatus) *color.Color {
	switch status {
	case persistence.RunCompleted:
		return color.New(color.FgHiGreen)
	case persistence.RunFailed, persistence.RunTimeout:
		return color.New(color.FgRed)
	case persistence.RunCancelled:
		return color.New(color.FgHiBlack)
	default:
		return color.New(color.FgYellow)
	}
}

func formatStatus(status persistence.RunStatus) string {
	return statusColor(status).Sprint(string(status))
}

func formatActive(active bool) string {
	if active {
		return color.New(color.FgHiGreen).Sprint("active")
	}
	return color.New(color.FgHiBlack).Sprint("stopped")
}
