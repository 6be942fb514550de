package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/clawmon/internal/state"
)

// Task is a materialized row in the tasks table: one tool or subagent
// invocation. An orphaned invocation (no matching end event ever arrives)
// stays running forever; clients treat that as still-open, not an error.
type Task struct {
	ID            int64     `json:"id"`
	AgentID       string    `json:"agent_id"`
	SessionID     string    `json:"session_id,omitempty"`
	ToolName      string    `json:"tool_name,omitempty"`
	InputSummary  string    `json:"input_summary,omitempty"`
	Status        string    `json:"status"`
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   time.Time `json:"completed_at,omitzero"`
	DurationMs    int64     `json:"duration_ms"`
	ResultPreview string    `json:"result_preview,omitempty"`
}

// OpenTask records a new running task for a tool-begin event.
func (s *Store) OpenTask(ctx context.Context, agentID string, t state.OpenTask) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (agent_id, session_id, tool_name, input_summary, status, started_at)
			VALUES (?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), 'running', ?);
		`, agentID, t.SessionID, t.ToolName, t.InputSummary, t.StartedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("task insert id: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// CloseMatchingTask closes the most recently opened still-running task for
// the (agent, tool) pair. The LIFO match mirrors the reducer: invocations
// carry no unique call id, so recency is the tie-break. Returns false when
// no open task matches (a stored no-op, not an error).
func (s *Store) CloseMatchingTask(ctx context.Context, agentID, toolName string, outcome state.TaskOutcome, endedAt time.Time, durationMs int64, resultPreview string) (bool, error) {
	closed := false
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin close task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var id int64
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM tasks
			WHERE agent_id = ? AND tool_name IS ? AND status = 'running'
			ORDER BY id DESC
			LIMIT 1;
		`, agentID, nullable(toolName)).Scan(&id)
		if err == sql.ErrNoRows {
			closed = false
			return tx.Commit()
		}
		if err != nil {
			return fmt.Errorf("select open task: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, completed_at = ?, duration_ms = ?, result_preview = NULLIF(?, '')
			WHERE id = ?;
		`, string(outcome), endedAt.UTC(), durationMs, resultPreview, id); err != nil {
			return fmt.Errorf("close task: %w", err)
		}
		closed = true
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	return closed, nil
}

// ListTasks returns up to limit task rows, newest first, optionally
// filtered to one agent.
func (s *Store) ListTasks(ctx context.Context, agentID string, limit int) ([]Task, error) {
	if limit <= 0 || limit > 10000 {
		limit = 100
	}
	query := `
		SELECT id, agent_id, COALESCE(session_id, ''), COALESCE(tool_name, ''),
			COALESCE(input_summary, ''), status, started_at, completed_at,
			COALESCE(duration_ms, 0), COALESCE(result_preview, '')
		FROM tasks`
	args := []any{}
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		var started, completed sql.NullTime
		if err := rows.Scan(&t.ID, &t.AgentID, &t.SessionID, &t.ToolName,
			&t.InputSummary, &t.Status, &started, &completed,
			&t.DurationMs, &t.ResultPreview); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if started.Valid {
			t.StartedAt = started.Time.UTC()
		}
		if completed.Valid {
			t.CompletedAt = completed.Time.UTC()
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// Run is a finalized unit of work: a prompt and how it ended.
type Run struct {
	ID            int64     `json:"id"`
	AgentID       string    `json:"agent_id"`
	Prompt        string    `json:"prompt,omitempty"`
	Outcome       string    `json:"outcome"`
	StopReason    string    `json:"stop_reason,omitempty"`
	ResultPreview string    `json:"result_preview,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at,omitzero"`
	ElapsedMs     int64     `json:"elapsed_ms"`
}

// RecordRun stores a finalized or interrupted unit of work.
func (s *Store) RecordRun(ctx context.Context, r Run) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO runs (agent_id, prompt, outcome, stop_reason, result_preview, started_at, ended_at, elapsed_ms)
			VALUES (?, NULLIF(?, ''), ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?);
		`, r.AgentID, r.Prompt, r.Outcome, r.StopReason, r.ResultPreview,
			r.StartedAt.UTC(), r.EndedAt.UTC(), r.ElapsedMs)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return nil
	})
}

// ListRuns returns up to limit finalized runs, newest first, optionally
// filtered to one agent.
func (s *Store) ListRuns(ctx context.Context, agentID string, limit int) ([]Run, error) {
	if limit <= 0 || limit > 10000 {
		limit = 100
	}
	query := `
		SELECT id, agent_id, COALESCE(prompt, ''), outcome, COALESCE(stop_reason, ''),
			COALESCE(result_preview, ''), started_at, ended_at, COALESCE(elapsed_ms, 0)
		FROM runs`
	args := []any{}
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var started, ended sql.NullTime
		if err := rows.Scan(&r.ID, &r.AgentID, &r.Prompt, &r.Outcome, &r.StopReason,
			&r.ResultPreview, &started, &ended, &r.ElapsedMs); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if started.Valid {
			r.StartedAt = started.Time.UTC()
		}
		if ended.Valid {
			r.EndedAt = ended.Time.UTC()
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run rows: %w", err)
	}
	return out, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
