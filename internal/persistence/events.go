package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/clawmon/internal/lifecycle"
)

// AppendEvent stores one lifecycle event and returns its sequence id.
// Events are append-only; a failure here is a storage I/O failure and is
// surfaced to the caller (the producer treats the response as advisory).
func (s *Store) AppendEvent(ctx context.Context, ev lifecycle.Event) (int64, error) {
	var seq int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO events (agent_id, hook_event, timestamp, session_id, tool_name, tool_input, tool_response, stop_reason, last_message, raw_payload)
			VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''));
		`, ev.AgentID, string(ev.Kind), ev.Timestamp.UTC(),
			ev.SessionID, ev.ToolName,
			lifecycle.Truncate(ev.ToolInput, lifecycle.MaxToolInput),
			lifecycle.Truncate(ev.ToolResponse, lifecycle.MaxToolResponse),
			ev.StopReason,
			lifecycle.Truncate(ev.LastMessage, lifecycle.MaxLastMessage),
			string(ev.RawPayload))
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		seq, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("event insert id: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// EventOrder selects the scan direction for ListEvents.
type EventOrder int

const (
	// NewestFirst is the timeline view order.
	NewestFirst EventOrder = iota
	// OldestFirst is the replay order.
	OldestFirst
)

// ListEvents returns up to limit events ordered by sequence id, optionally
// filtered to one agent. agentID == "" means all agents.
func (s *Store) ListEvents(ctx context.Context, agentID string, limit int, order EventOrder) ([]lifecycle.Event, error) {
	if limit <= 0 || limit > 10000 {
		limit = 100
	}
	dir := "DESC"
	if order == OldestFirst {
		dir = "ASC"
	}

	query := `
		SELECT id, agent_id, hook_event, timestamp,
			COALESCE(session_id, ''), COALESCE(tool_name, ''), COALESCE(tool_input, ''),
			COALESCE(tool_response, ''), COALESCE(stop_reason, ''), COALESCE(last_message, ''),
			COALESCE(raw_payload, '')
		FROM events`
	args := []any{}
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY id ` + dir + ` LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []lifecycle.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event rows: %w", err)
	}
	return out, nil
}

// EventsSince returns events with sequence id greater than afterSeq,
// oldest first. Used by reconnecting subscribers to fill gaps cheaply.
func (s *Store) EventsSince(ctx context.Context, afterSeq int64, limit int) ([]lifecycle.Event, error) {
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, hook_event, timestamp,
			COALESCE(session_id, ''), COALESCE(tool_name, ''), COALESCE(tool_input, ''),
			COALESCE(tool_response, ''), COALESCE(stop_reason, ''), COALESCE(last_message, ''),
			COALESCE(raw_payload, '')
		FROM events
		WHERE id > ?
		ORDER BY id ASC
		LIMIT ?;
	`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query events since: %w", err)
	}
	defer rows.Close()

	var out []lifecycle.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event rows: %w", err)
	}
	return out, nil
}

// TotalEventCount returns the number of stored events.
func (s *Store) TotalEventCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM events;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("total event count: %w", err)
	}
	return count, nil
}

func scanEvent(rows *sql.Rows) (lifecycle.Event, error) {
	var ev lifecycle.Event
	var kind string
	var ts time.Time
	var raw string
	if err := rows.Scan(&ev.Seq, &ev.AgentID, &kind, &ts,
		&ev.SessionID, &ev.ToolName, &ev.ToolInput,
		&ev.ToolResponse, &ev.StopReason, &ev.LastMessage, &raw); err != nil {
		return lifecycle.Event{}, fmt.Errorf("scan event: %w", err)
	}
	ev.Kind = lifecycle.Kind(kind)
	ev.Timestamp = ts.UTC()
	if raw != "" {
		ev.RawPayload = json.RawMessage(raw)
	}
	return ev, nil
}
