package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/clawmon/internal/lifecycle"
)

// Usage window sizes. Counts are recomputed per query against the event
// log; nothing windowed is persisted.
const (
	WindowShort = 5 * time.Hour
	WindowLong  = 7 * 24 * time.Hour
)

// Usage holds windowed usage counts for one agent plus a short recency
// list of subagent delegations.
type Usage struct {
	AgentID         string           `json:"agent_id"`
	Tools5h         int64            `json:"tools_5h"`
	Msgs5h          int64            `json:"msgs_5h"`
	Errors5h        int64            `json:"errors_5h"`
	ToolsWeek       int64            `json:"tools_week"`
	MsgsWeek        int64            `json:"msgs_week"`
	ErrorsWeek      int64            `json:"errors_week"`
	RecentSubagents []SubagentRecord `json:"recent_subagents"`
}

// SubagentRecord names one recent delegation target.
type SubagentRecord struct {
	Name  string `json:"name"`
	Input string `json:"input,omitempty"`
}

// AgentUsage computes the sliding-window counts for one agent at the
// given instant. An event qualifies when timestamp > now - window, so an
// event exactly one window old has just fallen out.
func (s *Store) AgentUsage(ctx context.Context, agentID string, now time.Time) (Usage, error) {
	u := Usage{AgentID: agentID, RecentSubagents: []SubagentRecord{}}
	shortCutoff := now.Add(-WindowShort).UTC()
	longCutoff := now.Add(-WindowLong).UTC()

	counts := []struct {
		dest   *int64
		kinds  []string
		cutoff time.Time
	}{
		{&u.Tools5h, []string{string(lifecycle.KindPreToolUse), string(lifecycle.KindSubagentStart)}, shortCutoff},
		{&u.ToolsWeek, []string{string(lifecycle.KindPreToolUse), string(lifecycle.KindSubagentStart)}, longCutoff},
		{&u.Msgs5h, []string{string(lifecycle.KindPromptSubmit)}, shortCutoff},
		{&u.MsgsWeek, []string{string(lifecycle.KindPromptSubmit)}, longCutoff},
		{&u.Errors5h, []string{string(lifecycle.KindToolFailure)}, shortCutoff},
		{&u.ErrorsWeek, []string{string(lifecycle.KindToolFailure)}, longCutoff},
	}
	for _, c := range counts {
		n, err := s.countEventsInWindow(ctx, agentID, c.kinds, c.cutoff)
		if err != nil {
			return Usage{}, err
		}
		*c.dest = n
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(tool_name, ''), COALESCE(tool_input, '')
		FROM events
		WHERE agent_id = ? AND hook_event = ?
		ORDER BY id DESC
		LIMIT 5;
	`, agentID, string(lifecycle.KindSubagentStart))
	if err != nil {
		return Usage{}, fmt.Errorf("query recent subagents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rec SubagentRecord
		if err := rows.Scan(&rec.Name, &rec.Input); err != nil {
			return Usage{}, fmt.Errorf("scan subagent record: %w", err)
		}
		u.RecentSubagents = append(u.RecentSubagents, rec)
	}
	if err := rows.Err(); err != nil {
		return Usage{}, fmt.Errorf("subagent rows: %w", err)
	}
	return u, nil
}

func (s *Store) countEventsInWindow(ctx context.Context, agentID string, kinds []string, cutoff time.Time) (int64, error) {
	query := `SELECT COUNT(1) FROM events WHERE agent_id = ? AND timestamp > ? AND hook_event IN (?`
	args := []any{agentID, cutoff, kinds[0]}
	for _, k := range kinds[1:] {
		query += `, ?`
		args = append(args, k)
	}
	query += `);`

	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events in window: %w", err)
	}
	return n, nil
}

// AllAgentUsages returns the windowed usage for every known agent.
func (s *Store) AllAgentUsages(ctx context.Context, now time.Time) ([]Usage, error) {
	snapshots, err := s.ListAgentStatuses(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Usage, 0, len(snapshots))
	for _, snap := range snapshots {
		u, err := s.AgentUsage(ctx, snap.AgentID, now)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}
