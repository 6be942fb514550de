package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/clawmon/internal/bus"
	"github.com/basket/clawmon/internal/state"
)

// UpsertAgentStatus writes the derived status row for an agent after a
// reduction. The single upsert statement makes the read-modify-write
// atomic with respect to the liveness sweep. An empty session id keeps the
// previous one (an event stream may omit it mid-session).
func (s *Store) UpsertAgentStatus(ctx context.Context, a state.Agent) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_status (agent_id, status, current_session_id, current_tool, last_event_at, tool_call_count, message_count, error_count)
			VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?)
			ON CONFLICT(agent_id) DO UPDATE SET
				status = excluded.status,
				current_session_id = COALESCE(excluded.current_session_id, current_session_id),
				current_tool = excluded.current_tool,
				last_event_at = excluded.last_event_at,
				tool_call_count = excluded.tool_call_count,
				message_count = excluded.message_count,
				error_count = excluded.error_count;
		`, a.AgentID, string(a.Status), a.CurrentSessionID, a.CurrentTool,
			a.LastEventAt.UTC(), a.ToolCallCount, a.MessageCount, a.ErrorCount)
		if err != nil {
			return fmt.Errorf("upsert agent status: %w", err)
		}
		return nil
	})
}

// ErrAgentNotFound is returned by AgentStatus for an unknown agent id.
var ErrAgentNotFound = errors.New("agent not found")

// AgentStatus returns the materialized status row for one agent.
func (s *Store) AgentStatus(ctx context.Context, agentID string) (bus.AgentSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, status, COALESCE(current_session_id, ''), COALESCE(current_tool, ''),
			last_event_at, tool_call_count, message_count, error_count
		FROM agent_status
		WHERE agent_id = ?;
	`, agentID)
	snap, err := scanSnapshot(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return bus.AgentSnapshot{}, ErrAgentNotFound
	}
	return snap, err
}

// ListAgentStatuses returns all agent status rows ordered by agent id.
func (s *Store) ListAgentStatuses(ctx context.Context) ([]bus.AgentSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, status, COALESCE(current_session_id, ''), COALESCE(current_tool, ''),
			last_event_at, tool_call_count, message_count, error_count
		FROM agent_status
		ORDER BY agent_id;
	`)
	if err != nil {
		return nil, fmt.Errorf("query agent statuses: %w", err)
	}
	defer rows.Close()

	var out []bus.AgentSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent status rows: %w", err)
	}
	return out, nil
}

// MarkStaleOffline transitions every agent whose last event is older than
// cutoff, and whose status is not already offline, to offline with the
// current tool cleared. It returns the ids of the agents it changed so
// the sweep can announce exactly one notification per transition.
func (s *Store) MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	var changed []string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sweep tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT agent_id FROM agent_status
			WHERE last_event_at < ? AND status != 'offline'
			ORDER BY agent_id;
		`, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("query stale agents: %w", err)
		}
		changed = changed[:0]
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan stale agent: %w", err)
			}
			changed = append(changed, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("stale agent rows: %w", err)
		}
		rows.Close()

		if len(changed) == 0 {
			return tx.Commit()
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE agent_status SET status = 'offline', current_tool = NULL
			WHERE last_event_at < ? AND status != 'offline';
		`, cutoff.UTC()); err != nil {
			return fmt.Errorf("mark agents offline: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

func scanSnapshot(scan func(dest ...any) error) (bus.AgentSnapshot, error) {
	var snap bus.AgentSnapshot
	var status string
	var lastEvent sql.NullTime
	if err := scan(&snap.AgentID, &status, &snap.CurrentSessionID, &snap.CurrentTool,
		&lastEvent, &snap.ToolCallCount, &snap.MessageCount, &snap.ErrorCount); err != nil {
		return bus.AgentSnapshot{}, err
	}
	snap.Status = state.Status(status)
	if lastEvent.Valid {
		snap.LastEventAt = lastEvent.Time.UTC()
	}
	return snap, nil
}
