package tui

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/overseer/internal/events"
)

// Theme holds every style the monitor renders with.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusQueued  lipgloss.Style
	StatusDead    lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
	Table     table.Styles
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	ts := table.DefaultStyles()
	ts.Header = ts.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	ts.Selected = ts.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)

	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusQueued:  lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		StatusDead:    lipgloss.NewStyle().Foreground(lipgloss.Color("#666666")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
		Table:     ts,
	}
}

// statusStyle maps a submission status or event type to a color.
func (t Theme) statusStyle(status string) lipgloss.Style {
	switch status {
	case "succeeded", events.SubmissionCompleted:
		return t.StatusOK
	case "running", "retrying", events.AttemptStarted, events.AttemptRetried:
		return t.StatusRunning
	case "failed", "timed_out", events.SubmissionDropped:
		return t.StatusFailed
	case "cancelled", "dropped", events.SupervisorDestroyed:
		return t.StatusDead
	}
	return t.StatusQueued
}

func statusSymbol(status string) string {
	switch status {
	case "queued":
		return "○"
	case "running", "retrying":
		return "◉"
	case "succeeded":
		return "●"
	case "failed", "timed_out":
		return "✖"
	}
	return "·"
}

func (m *Model) row(s *SubmissionState) table.Row {
	var dur time.Duration
	switch {
	case s.StartedAt.IsZero():
	case s.FinishedAt.IsZero():
		dur = time.Since(s.StartedAt)
	default:
		dur = s.FinishedAt.Sub(s.StartedAt)
	}
	durStr := "-"
	if dur > 0 {
		durStr = formatDuration(dur)
	}

	try := "-"
	if s.Attempt > 0 {
		try = fmt.Sprintf("%d", s.Attempt)
	}

	return table.Row{
		m.theme.statusStyle(s.Status).Render(statusSymbol(s.Status)),
		shortID(s.ID),
		s.Worker,
		s.Status,
		try,
		fmt.Sprintf("%d", s.Messages),
		durStr,
		truncate(s.LastError, 30),
	}
}

func renderHeader(health HealthState, lastEvent time.Time, theme Theme, width int) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("HEALTHY")
	switch {
	case !health.Connected:
		statusText = theme.StatusFailed.Render("CONNECTING")
	case health.Destroyed || health.Status == "shutting_down":
		statusText = theme.StatusDead.Render("SHUTTING DOWN")
	case health.Status != "ok" && health.Status != "":
		statusText = theme.StatusFailed.Render("DEGRADED")
	}

	lastEventStr := "never"
	if !lastEvent.IsZero() {
		lastEventStr = fmt.Sprintf("%s ago", time.Since(lastEvent).Round(time.Second))
	}

	title := " OVERSEER MONITOR"
	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	pad := innerWidth - lipgloss.Width(title) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		title+strings.Repeat(" ", pad)+clock+" ",
		fmt.Sprintf(" %s  ⏱ %s  Active: %s  Queued: %s  Workers: %d",
			statusText,
			formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
			theme.StatusRunning.Render(fmt.Sprintf("%d", health.Active)),
			theme.StatusQueued.Render(fmt.Sprintf("%d", health.Queued)),
			health.Workers,
		),
		theme.Dim.Render(" Last event: "+lastEventStr),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENTS"),
			theme.Dim.Render("  Waiting for events..."),
		))
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENTS"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	))
}

func formatEvent(e events.Event, theme Theme) string {
	return fmt.Sprintf("%s %s %s",
		theme.Dim.Render(e.At.Local().Format("15:04:05")),
		theme.statusStyle(e.Type).Render(fmt.Sprintf("%-20s", e.Type)),
		describeEvent(e),
	)
}

func describeEvent(e events.Event) string {
	var data eventData
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	if data.SubmissionID != "" {
		parts = append(parts, "["+shortID(data.SubmissionID)+"]")
	}
	if data.Worker != "" {
		parts = append(parts, data.Worker)
	}
	if data.Attempt > 0 {
		parts = append(parts, fmt.Sprintf("attempt %d", data.Attempt))
	}
	if data.Result != "" {
		parts = append(parts, data.Result)
	}
	if data.Error != "" {
		parts = append(parts, truncate(data.Error, 40))
	}
	return strings.Join(parts, " ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
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
