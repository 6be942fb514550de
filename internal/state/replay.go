package state

import (
	"sort"
	"time"

	"github.com/basket/clawmon/internal/lifecycle"
)

// Task is a materialized row in the replayed task timeline.
type Task struct {
	AgentID       string
	SessionID     string
	ToolName      string
	InputSummary  string
	Status        string // running | completed | failed
	StartedAt     time.Time
	CompletedAt   time.Time
	DurationMs    int64
	ResultPreview string
}

// Table holds the full derived state for a set of agents: what a viewer
// reconstructs by replaying history, and what the server materializes
// incrementally. Not safe for concurrent use; callers lock.
type Table struct {
	Agents map[string]Agent
	Tasks  []Task
}

// NewTable returns an empty state table.
func NewTable() *Table {
	return &Table{Agents: make(map[string]Agent)}
}

// Apply folds one event into the table: auto-provisions unknown agents,
// runs the reducer, and materializes its effects into the task list.
// It returns the agent's post-event state.
func (t *Table) Apply(ev lifecycle.Event) Agent {
	prev, ok := t.Agents[ev.AgentID]
	if !ok {
		prev = NewAgent(ev.AgentID)
	}
	next, effects := Reduce(prev, ev)

	for _, eff := range effects {
		switch e := eff.(type) {
		case IncrMessages:
			next.MessageCount++
		case IncrTools:
			next.ToolCallCount++
		case IncrErrors:
			next.ErrorCount++
		case OpenTaskEffect:
			t.Tasks = append(t.Tasks, Task{
				AgentID:      ev.AgentID,
				SessionID:    e.Task.SessionID,
				ToolName:     e.Task.ToolName,
				InputSummary: e.Task.InputSummary,
				Status:       "running",
				StartedAt:    e.Task.StartedAt,
			})
		case CloseTaskEffect:
			t.closeTask(ev.AgentID, e)
		}
	}
	t.Agents[ev.AgentID] = next
	return next
}

// closeTask marks the most recently started still-running row for the
// (agent, tool) pair, mirroring the reducer's LIFO matching policy.
func (t *Table) closeTask(agentID string, e CloseTaskEffect) {
	for i := len(t.Tasks) - 1; i >= 0; i-- {
		row := &t.Tasks[i]
		if row.AgentID != agentID || row.ToolName != e.Task.ToolName || row.Status != "running" {
			continue
		}
		row.Status = string(e.Outcome)
		row.CompletedAt = e.EndedAt
		row.DurationMs = e.DurationMs
		row.ResultPreview = e.ResultPreview
		return
	}
}

// Replay folds an ordered event history (oldest first) into a fresh table.
// Replaying the same sequence twice yields identical tables.
func Replay(events []lifecycle.Event) *Table {
	t := NewTable()
	for _, ev := range events {
		t.Apply(ev)
	}
	return t
}

// AgentIDs returns the known agent ids in sorted order.
func (t *Table) AgentIDs() []string {
	ids := make([]string, 0, len(t.Agents))
	for id := range t.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
