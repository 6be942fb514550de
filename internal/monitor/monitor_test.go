package monitor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/clawmon/internal/bus"
	"github.com/basket/clawmon/internal/lifecycle"
	"github.com/basket/clawmon/internal/persistence"
	"github.com/basket/clawmon/internal/state"
)

var clock = time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC)

func testMonitor(t *testing.T) (*Monitor, *persistence.Store, *bus.Bus) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "monitor.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	validator, err := lifecycle.NewValidator()
	if err != nil {
		t.Fatalf("compile validator: %v", err)
	}

	b := bus.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New(store, b, log, Config{
		Validator: validator,
		Clock:     func() time.Time { return clock },
	})
	return m, store, b
}

func payload(t *testing.T, agentID, kind string, ts time.Time, data map[string]any) []byte {
	t.Helper()
	env := map[string]any{
		"agent_id":   agentID,
		"hook_event": kind,
		"timestamp":  ts.Format(time.RFC3339Nano),
	}
	if data != nil {
		env["data"] = data
	}
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return body
}

func TestIngest_FullLifecycle(t *testing.T) {
	m, store, _ := testMonitor(t)
	ctx := context.Background()
	base := clock.Add(-time.Minute)

	steps := []struct {
		kind   string
		offset time.Duration
		data   map[string]any
		want   state.Status
	}{
		{"SessionStart", 0, map[string]any{"session_id": "sess-1"}, state.StatusIdle},
		{"UserPromptSubmit", time.Second, map[string]any{"prompt": "refactor the parser"}, state.StatusActive},
		{"PreToolUse", 2 * time.Second, map[string]any{"tool_name": "search", "tool_input": "grep parser"}, state.StatusToolRunning},
		{"PostToolUse", 5 * time.Second, map[string]any{"tool_name": "search", "tool_response": "3 hits"}, state.StatusActive},
		{"Stop", 8 * time.Second, map[string]any{"stop_reason": "end_turn", "last_message": "done"}, state.StatusIdle},
	}
	for _, step := range steps {
		got, err := m.Ingest(ctx, payload(t, "a1", step.kind, base.Add(step.offset), step.data))
		if err != nil {
			t.Fatalf("ingest %s: %v", step.kind, err)
		}
		if got.Status != step.want {
			t.Fatalf("after %s status = %q, want %q", step.kind, got.Status, step.want)
		}
	}

	a, ok := m.AgentState("a1")
	if !ok {
		t.Fatal("agent not cached")
	}
	if a.MessageCount != 1 || a.ToolCallCount != 1 || a.ErrorCount != 0 {
		t.Fatalf("counters = %d/%d/%d, want 1/1/0", a.MessageCount, a.ToolCallCount, a.ErrorCount)
	}

	tasks, err := store.ListTasks(ctx, "a1", 10)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Status != "completed" {
		t.Fatalf("tasks = %+v, want one completed", tasks)
	}
	if tasks[0].DurationMs != 3000 {
		t.Fatalf("task duration = %d, want 3000", tasks[0].DurationMs)
	}

	runs, err := store.ListRuns(ctx, "a1", 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Outcome != RunCompleted {
		t.Fatalf("runs = %+v, want one completed", runs)
	}
	if runs[0].Prompt != "refactor the parser" || runs[0].ElapsedMs != 7000 {
		t.Fatalf("run = %+v", runs[0])
	}

	snap, err := store.AgentStatus(ctx, "a1")
	if err != nil {
		t.Fatalf("agent status: %v", err)
	}
	if snap.Status != state.StatusIdle || snap.CurrentSessionID != "sess-1" {
		t.Fatalf("persisted snapshot = %+v", snap)
	}
}

func TestIngest_MalformedPayloadIsStored(t *testing.T) {
	m, store, _ := testMonitor(t)
	ctx := context.Background()

	got, err := m.Ingest(ctx, []byte(`{"weird": true}`))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if got.Event.AgentID != "unknown" || got.Event.Kind != "unknown" {
		t.Fatalf("normalized event = %+v", got.Event)
	}
	if !got.Event.Timestamp.Equal(clock) {
		t.Fatalf("fallback timestamp = %v, want %v", got.Event.Timestamp, clock)
	}

	n, err := store.TotalEventCount(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("stored events = %d, want 1", n)
	}
	// Unrecognized kinds carry no transition but still provision the
	// agent row, so restart and replay see the same agent set.
	snap, err := store.AgentStatus(ctx, "unknown")
	if err != nil {
		t.Fatalf("agent status: %v", err)
	}
	if snap.Status != state.StatusOffline || snap.MessageCount != 0 || snap.ToolCallCount != 0 {
		t.Fatalf("provisioned snapshot = %+v", snap)
	}
}

func TestIngest_UnknownKindMatchesRehydrate(t *testing.T) {
	m, store, _ := testMonitor(t)
	ctx := context.Background()

	if _, err := m.Ingest(ctx, payload(t, "ghost", "SomethingNew", clock, nil)); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	live := m.Snapshots()
	if len(live) != 1 || live[0].AgentID != "ghost" || live[0].Status != state.StatusOffline {
		t.Fatalf("live snapshots = %+v, want one offline ghost", live)
	}

	fresh := New(store, bus.New(), slog.New(slog.NewTextHandler(io.Discard, nil)), Config{})
	if _, err := fresh.Rehydrate(ctx); err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	restarted := fresh.Snapshots()
	if len(restarted) != len(live) {
		t.Fatalf("restarted snapshots = %d, live = %d", len(restarted), len(live))
	}
	if restarted[0].AgentID != live[0].AgentID || restarted[0].Status != live[0].Status {
		t.Fatalf("restarted = %+v, live = %+v", restarted[0], live[0])
	}
}

func TestIngest_PublishesBusEvents(t *testing.T) {
	m, _, b := testMonitor(t)
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	if _, err := m.Ingest(context.Background(), payload(t, "a1", "UserPromptSubmit", clock, map[string]any{"prompt": "hi"})); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	topics := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.Ch():
			topics[ev.Topic] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for bus events")
		}
	}
	if !topics[bus.TopicEventIngested] || !topics[bus.TopicAgentStatusChanged] {
		t.Fatalf("topics seen = %v", topics)
	}
}

func TestIngest_ToolFailureCountsError(t *testing.T) {
	m, _, _ := testMonitor(t)
	ctx := context.Background()

	if _, err := m.Ingest(ctx, payload(t, "a1", "PreToolUse", clock, map[string]any{"tool_name": "bash"})); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	got, err := m.Ingest(ctx, payload(t, "a1", "PostToolUseFailure", clock.Add(time.Second), map[string]any{"tool_name": "bash"}))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if got.Status != state.StatusActive {
		t.Fatalf("status = %q, want active", got.Status)
	}
	a, _ := m.AgentState("a1")
	if a.ErrorCount != 1 {
		t.Fatalf("error count = %d, want 1", a.ErrorCount)
	}
}

func TestRehydrate_RestoresState(t *testing.T) {
	m, store, _ := testMonitor(t)
	ctx := context.Background()

	for _, kind := range []string{"SessionStart", "UserPromptSubmit", "PreToolUse"} {
		if _, err := m.Ingest(ctx, payload(t, "a1", kind, clock, map[string]any{"tool_name": "search"})); err != nil {
			t.Fatalf("ingest %s: %v", kind, err)
		}
	}

	fresh := New(store, bus.New(), slog.New(slog.NewTextHandler(io.Discard, nil)), Config{})
	n, err := fresh.Rehydrate(ctx)
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if n != 3 {
		t.Fatalf("replayed %d events, want 3", n)
	}

	want, _ := m.AgentState("a1")
	got, ok := fresh.AgentState("a1")
	if !ok {
		t.Fatal("agent missing after rehydrate")
	}
	if got.Status != want.Status || got.ToolCallCount != want.ToolCallCount ||
		got.MessageCount != want.MessageCount || !got.LastEventAt.Equal(want.LastEventAt) {
		t.Fatalf("rehydrated state = %+v, want %+v", got, want)
	}
}

func TestMarkOffline(t *testing.T) {
	m, _, _ := testMonitor(t)
	if _, err := m.Ingest(context.Background(), payload(t, "a1", "UserPromptSubmit", clock, nil)); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	m.MarkOffline([]string{"a1", "ghost"}, clock.Add(time.Minute))
	a, _ := m.AgentState("a1")
	if a.Status != state.StatusOffline || a.CurrentTool != "" {
		t.Fatalf("state after mark offline = %+v", a)
	}
}

func TestMarkOffline_SkipsAgentsSeenAfterCutoff(t *testing.T) {
	m, _, _ := testMonitor(t)
	cutoff := clock.Add(-30 * time.Second)

	// Stale agent, then one whose event arrived after the cutoff was
	// computed. Only the stale one flips.
	if _, err := m.Ingest(context.Background(), payload(t, "stale", "UserPromptSubmit", clock.Add(-time.Minute), nil)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := m.Ingest(context.Background(), payload(t, "busy", "UserPromptSubmit", clock, nil)); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	m.MarkOffline([]string{"stale", "busy"}, cutoff)

	if a, _ := m.AgentState("stale"); a.Status != state.StatusOffline {
		t.Fatalf("stale agent status = %q, want offline", a.Status)
	}
	if a, _ := m.AgentState("busy"); a.Status != state.StatusActive {
		t.Fatalf("busy agent status = %q, want active", a.Status)
	}
}
