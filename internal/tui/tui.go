// Package tui renders the live agent dashboard in a terminal. It is a
// thin view over the replay client: the client mirrors server state, the
// TUI polls it once a second and draws.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/clawmon/internal/replay"
	"github.com/basket/clawmon/internal/state"
)

const maxTaskRows = 8

type AgentRow struct {
	AgentID     string
	Status      state.Status
	CurrentTool string
	LastEventAt time.Time
	Messages    int64
	ToolCalls   int64
	Errors      int64
	Msgs5h      int64
	Tools5h     int64
}

type TaskRow struct {
	AgentID    string
	ToolName   string
	Status     string
	StartedAt  time.Time
	DurationMs int64
}

type Snapshot struct {
	Stale    bool
	SyncedAt time.Time
	MaxSeq   int64
	Agents   []AgentRow
	Tasks    []TaskRow
	Now      time.Time
}

type SnapshotProvider func() Snapshot

// FromClient adapts a replay client into the provider the dashboard polls.
func FromClient(c *replay.Client) SnapshotProvider {
	return func() Snapshot {
		snap := Snapshot{
			Stale:    c.Stale(),
			SyncedAt: c.SyncedAt(),
			MaxSeq:   c.MaxSeq(),
			Now:      time.Now(),
		}
		for _, agent := range c.Agents() {
			row := AgentRow{
				AgentID:     agent.AgentID,
				Status:      agent.Status,
				CurrentTool: agent.CurrentTool,
				LastEventAt: agent.LastEventAt,
				Messages:    agent.MessageCount,
				ToolCalls:   agent.ToolCallCount,
				Errors:      agent.ErrorCount,
			}
			if u, ok := c.Usage(agent.AgentID); ok {
				row.Msgs5h = u.Msgs5h
				row.Tools5h = u.Tools5h
			}
			snap.Agents = append(snap.Agents, row)
		}
		for i, task := range c.Tasks() {
			if i == maxTaskRows {
				break
			}
			snap.Tasks = append(snap.Tasks, TaskRow{
				AgentID:    task.AgentID,
				ToolName:   task.ToolName,
				Status:     task.Status,
				StartedAt:  task.StartedAt,
				DurationMs: task.DurationMs,
			})
		}
		return snap
	}
}

type model struct {
	provider SnapshotProvider
	snap     Snapshot
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.provider()
		return m, tickCmd()
	}
	return m, nil
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	staleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("208")).Bold(true)

	statusStyles = map[state.Status]lipgloss.Style{
		state.StatusOffline:     lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		state.StatusIdle:        lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		state.StatusActive:      lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		state.StatusToolRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	}
)

func (m model) View() string {
	var out strings.Builder
	out.WriteString(titleStyle.Render("clawmon — agents") + "\n")
	if m.snap.Stale {
		out.WriteString(staleStyle.Render("RECONNECTING: view may lag the server") + "\n")
	} else {
		out.WriteString(dimStyle.Render(fmt.Sprintf("seq %d, synced %s", m.snap.MaxSeq, m.snap.SyncedAt.Format("15:04:05"))) + "\n")
	}
	out.WriteString("\n")

	if len(m.snap.Agents) == 0 {
		out.WriteString(dimStyle.Render("(no agents yet)") + "\n")
	}
	for _, row := range m.snap.Agents {
		out.WriteString(renderAgent(row, m.snap.Now) + "\n")
	}

	if len(m.snap.Tasks) > 0 {
		out.WriteString("\n" + dimStyle.Render("── recent tool activity ──") + "\n")
		for _, task := range m.snap.Tasks {
			out.WriteString(renderTask(task) + "\n")
		}
	}

	out.WriteString("\n" + dimStyle.Render("Press q to quit.") + "\n")
	return out.String()
}

func renderAgent(row AgentRow, now time.Time) string {
	style, ok := statusStyles[row.Status]
	if !ok {
		style = dimStyle
	}
	line := fmt.Sprintf("%-16s %-12s", row.AgentID, row.Status)
	if row.CurrentTool != "" {
		line += " " + row.CurrentTool
	}
	line += fmt.Sprintf("  msgs:%d tools:%d errs:%d", row.Messages, row.ToolCalls, row.Errors)
	if row.Msgs5h > 0 || row.Tools5h > 0 {
		line += fmt.Sprintf("  5h:%dm/%dt", row.Msgs5h, row.Tools5h)
	}
	if !row.LastEventAt.IsZero() {
		line += "  " + dimStyle.Render("seen "+ago(now.Sub(row.LastEventAt)))
	}
	return style.Render(line)
}

func renderTask(task TaskRow) string {
	line := fmt.Sprintf("%s %s/%s", taskIcon(task.Status), task.AgentID, task.ToolName)
	if task.Status == "running" {
		return line
	}
	return line + dimStyle.Render(fmt.Sprintf(" (%s)", (time.Duration(task.DurationMs)*time.Millisecond).Truncate(100*time.Millisecond)))
}

func taskIcon(status string) string {
	switch status {
	case "running":
		return "▶"
	case "failed":
		return "✗"
	default:
		return "✓"
	}
}

func ago(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}

// Run drives the dashboard until the context ends or the user quits.
func Run(ctx context.Context, provider SnapshotProvider) error {
	defer bestEffortResetTTY()

	m := model{provider: provider, snap: provider()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
