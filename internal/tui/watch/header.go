package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// StatusState tracks gateway slot occupancy from /status polling.
type StatusState struct {
	Active        int
	Max           int
	Available     int
	UptimeSeconds int64
	Connected     bool
	LastCheck     time.Time
}

func renderHeader(status StatusState, ticker Ticker, spinner Spinner, theme Theme, width int) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("HEALTHY")
	statusIcon := "✅"
	if !status.Connected {
		statusText = theme.StatusFailed.Render("CONNECTING")
		statusIcon = "🔌"
	} else if status.Available == 0 && status.Max > 0 {
		statusText = theme.StatusRunning.Render("SATURATED")
		statusIcon = "⚠️"
	}

	uptime := time.Duration(status.UptimeSeconds) * time.Second
	uptimeStr := formatDuration(uptime)

	lastEventStr := "never"
	if !spinner.LastEvent().IsZero() {
		ago := time.Since(spinner.LastEvent()).Round(time.Second)
		lastEventStr = fmt.Sprintf("%s ago", ago)
	}

	// Title line with ticker and clock
	tickerStr := theme.Highlight.Render(ticker.Current())
	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	titleText := fmt.Sprintf(" PROMPTGATE WATCH %s", tickerStr)

	titleWidth := lipgloss.Width(titleText)
	clockWidth := lipgloss.Width(clock)
	pad := innerWidth - titleWidth - clockWidth - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s %s  ⏱ %s  Slots: %s %d/%d",
		statusIcon, statusText,
		uptimeStr,
		renderSlots(status, theme),
		status.Active, status.Max,
	)

	activityLine := fmt.Sprintf(" Last event: %s %s",
		lastEventStr,
		spinner.Render(theme),
	)

	content := lipgloss.JoinVertical(lipgloss.Left,
		titleLine,
		statsLine,
		activityLine,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

// renderSlots draws one cell per concurrency slot.
func renderSlots(status StatusState, theme Theme) string {
	if status.Max <= 0 {
		return theme.Dim.Render("-")
	}
	var b strings.Builder
	for i := 0; i < status.Max; i++ {
		if i < status.Active {
			b.WriteString(theme.SlotUsed.Render("▣"))
		} else {
			b.WriteString(theme.SlotFree.Render("▢"))
		}
	}
	return b.String()
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
