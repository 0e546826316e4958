package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/swarm/internal/concurrency"
	"github.com/fentz26/swarm/internal/controlplane"
	"github.com/fentz26/swarm/internal/models"
)

var (
	labelStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(secondaryColor)
	headStyle    = lipgloss.NewStyle().Bold(true).Foreground(cyanColor)
)

func renderTaskList(tasks []models.Task, selected, height int) string {
	if len(tasks) == 0 {
		return "\n  No tasks. Type: launch [agent:] <prompt>\n"
	}

	lines := make([]string, 0, len(tasks))
	for i, t := range tasks {
		label := fmt.Sprintf("%-14s %-10s %s", t.ID, t.Agent, shorten(t.Description, 48))
		if i == selected {
			lines = append(lines, selectedStyle.Render(fmt.Sprintf("▶ %s  %s", statusIcon(t.Status), label)))
		} else {
			lines = append(lines, rowStyle.Render(fmt.Sprintf("  %s  %s", formatStatus(t.Status), label)))
		}
	}

	if len(lines) > height {
		start := selected - height/2
		if start < 0 {
			start = 0
		}
		end := start + height
		if end > len(lines) {
			end = len(lines)
			start = max(0, end-height)
		}
		lines = lines[start:end]
	}
	return strings.Join(lines, "\n")
}

func renderTaskDetail(t *models.Task, result string) string {
	if t == nil {
		return "\n  Loading...\n"
	}

	var b strings.Builder
	field := func(label, value string) {
		if value != "" {
			b.WriteString("  " + labelStyle.Render(fmt.Sprintf("%-12s", label)) + value + "\n")
		}
	}

	b.WriteString("\n  " + lipgloss.NewStyle().Bold(true).Render(t.Description) + "\n\n")
	field("ID", t.ID)
	field("Status", formatStatus(t.Status))
	field("Agent", t.Agent)
	field("Priority", t.Priority.String())
	field("Session", t.SessionID)
	field("Parent", t.ParentSessionID)
	field("Depth", fmt.Sprint(t.Depth))
	field("Started", t.StartedAt.Format(time.TimeOnly))
	if t.CompletedAt != nil {
		field("Duration", t.CompletedAt.Sub(t.StartedAt).Round(time.Second).String())
	} else if !t.StartedAt.IsZero() {
		field("Running", time.Since(t.StartedAt).Round(time.Second).String())
	}
	field("Error", t.Error)

	if p := t.Progress; p != nil {
		b.WriteString("\n" + sectionStyle.Render("  Progress") + "\n")
		field("Tool calls", fmt.Sprint(p.ToolCalls))
		field("Last tool", p.LastTool)
		field("Last said", shorten(p.LastMessage, 80))
	}

	b.WriteString("\n" + sectionStyle.Render("  Prompt") + "\n")
	b.WriteString("  " + shorten(t.Prompt, 300) + "\n")

	if result != "" {
		b.WriteString("\n" + sectionStyle.Render("  Result") + "\n")
		b.WriteString("  " + shorten(result, 600) + "\n")
	}
	return b.String()
}

func renderGate(keys []concurrency.KeyInfo, stats *controlplane.Stats) string {
	var b strings.Builder
	b.WriteString("\n  Admission gate\n")
	b.WriteString("  " + strings.Repeat("─", 56) + "\n")

	if len(keys) == 0 {
		b.WriteString("  " + labelStyle.Render("No keys have been used yet") + "\n")
		return b.String()
	}

	b.WriteString(fmt.Sprintf("  %s  %s  %s  %s\n",
		headStyle.Render(fmt.Sprintf("%-20s", "KEY")),
		headStyle.Render(fmt.Sprintf("%-10s", "SLOTS")),
		headStyle.Render(fmt.Sprintf("%-7s", "QUEUED")),
		headStyle.Render("CIRCUIT"),
	))
	for _, k := range keys {
		limit := fmt.Sprint(k.Limit)
		if k.Limit < 0 {
			limit = "∞"
		}
		b.WriteString(fmt.Sprintf("  %-20s  %-10s  %-7d  %s\n",
			shorten(k.Key, 20), fmt.Sprintf("%d/%s", k.Active, limit), k.Queued, formatCircuit(k.Circuit)))
	}

	if stats != nil {
		b.WriteString("\n  " + labelStyle.Render(fmt.Sprintf("global active %d · subscribers %d · dropped events %d",
			stats.GlobalActive, stats.Subscribers, stats.DroppedEvents)) + "\n")
	}
	b.WriteString("\n  " + helpStyle.Render("Commands: limit <key> <n> | reset <key>") + "\n")
	return b.String()
}

func renderPool(view *controlplane.PoolView) string {
	var b strings.Builder
	b.WriteString("\n  Session pool\n")
	b.WriteString("  " + strings.Repeat("─", 56) + "\n")
	if view == nil {
		b.WriteString("  Loading...\n")
		return b.String()
	}

	st := view.Stats
	b.WriteString(fmt.Sprintf("  Sessions: %s in use / %d total   reuse hits %d · creations %d\n\n",
		onlineStyle.Render(fmt.Sprint(st.SessionsInUse)), st.TotalSessions, st.ReuseHits, st.CreationMisses))

	sessions := append([]models.PooledSession(nil), view.Sessions...)
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].Category != sessions[j].Category {
			return sessions[i].Category < sessions[j].Category
		}
		return sessions[i].ID < sessions[j].ID
	})
	for _, s := range sessions {
		state := labelStyle.Render("idle")
		if s.InUse {
			state = onlineStyle.Render("busy")
		}
		b.WriteString(fmt.Sprintf("  %-12s %-24s %s  reused %d  %s\n",
			s.Category, shorten(s.ID, 24), state, s.ReuseCount, formatHealth(s.Health)))
	}
	return b.String()
}

func renderMissions(missions []models.MissionState, selected int) string {
	if len(missions) == 0 {
		return "\n  No missions. Type: mission <objective>\n"
	}

	var b strings.Builder
	b.WriteString("\n")
	for i, m := range missions {
		line := fmt.Sprintf("%-10s %-16s %3d/%-3d  %s",
			m.Status, shorten(m.SessionID, 16), m.Iteration, m.MaxIterations, shorten(m.Prompt, 40))
		if m.Stagnation > 0 {
			line += lipgloss.NewStyle().Foreground(warningColor).Render(fmt.Sprintf("  stalled×%d", m.Stagnation))
		}
		if i == selected {
			b.WriteString(selectedStyle.Render("▶ "+line) + "\n")
		} else {
			b.WriteString(rowStyle.Render("  "+line) + "\n")
		}
	}
	b.WriteString("\n  " + helpStyle.Render("Commands: pass | abort | mission <objective>") + "\n")
	return b.String()
}

func formatStatus(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusPending:
		return lipgloss.NewStyle().Foreground(warningColor).Render("○ PENDING")
	case models.TaskStatusRunning:
		return lipgloss.NewStyle().Foreground(primaryColor).Render("◑ RUNNING")
	case models.TaskStatusCompleted:
		return lipgloss.NewStyle().Foreground(successColor).Render("● DONE   ")
	case models.TaskStatusError:
		return lipgloss.NewStyle().Foreground(errorColor).Render("✗ ERROR  ")
	case models.TaskStatusTimeout:
		return lipgloss.NewStyle().Foreground(errorColor).Render("⌛ TIMEOUT")
	}
	return string(status)
}

func statusIcon(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusPending:
		return "○"
	case models.TaskStatusRunning:
		return "◑"
	case models.TaskStatusCompleted:
		return "●"
	case models.TaskStatusError, models.TaskStatusTimeout:
		return "✗"
	}
	return "?"
}

func formatCircuit(c concurrency.CircuitState) string {
	switch c {
	case concurrency.CircuitOpen:
		return lipgloss.NewStyle().Foreground(errorColor).Render(string(c))
	case concurrency.CircuitHalfOpen:
		return lipgloss.NewStyle().Foreground(warningColor).Render(string(c))
	}
	return lipgloss.NewStyle().Foreground(successColor).Render(string(c))
}

func formatHealth(h models.SessionHealth) string {
	if h == models.SessionHealthy || h == "" {
		return ""
	}
	return lipgloss.NewStyle().Foreground(warningColor).Render(string(h))
}
