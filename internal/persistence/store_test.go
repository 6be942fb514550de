package persistence

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/clawmon/internal/lifecycle"
	"github.com/basket/clawmon/internal/state"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "monitor.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var base = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func storeEv(agentID string, kind lifecycle.Kind, ts time.Time, tool string) lifecycle.Event {
	return lifecycle.Event{
		AgentID:   agentID,
		Kind:      kind,
		Timestamp: ts,
		SessionID: "sess-1",
		ToolName:  tool,
	}
}

func TestAppendEvent_SequenceOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	var seqs []int64
	for i := 0; i < 3; i++ {
		seq, err := s.AppendEvent(ctx, storeEv("a1", lifecycle.KindPromptSubmit, base.Add(time.Duration(i)*time.Second), ""))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		seqs = append(seqs, seq)
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("sequence not increasing: %v", seqs)
		}
	}

	events, err := s.ListEvents(ctx, "", 10, OldestFirst)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Fatal("replay order not ascending by seq")
		}
	}
}

func TestAppendEvent_TruncatesOversizedFields(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ev := storeEv("a1", lifecycle.KindPreToolUse, base, "search")
	ev.ToolInput = strings.Repeat("x", lifecycle.MaxToolInput+500)
	if _, err := s.AppendEvent(ctx, ev); err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := s.ListEvents(ctx, "a1", 1, NewestFirst)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := events[0].ToolInput
	if len(got) != lifecycle.MaxToolInput+len("...") {
		t.Fatalf("stored input length = %d, want %d", len(got), lifecycle.MaxToolInput+3)
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatal("missing truncation marker")
	}
}

func TestListEvents_AgentFilterAndLimit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.AppendEvent(ctx, storeEv("a1", lifecycle.KindPromptSubmit, base.Add(time.Duration(i)*time.Second), "")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := s.AppendEvent(ctx, storeEv("a2", lifecycle.KindStop, base, "")); err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := s.ListEvents(ctx, "a1", 3, NewestFirst)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	for _, ev := range events {
		if ev.AgentID != "a1" {
			t.Fatalf("agent filter leaked %q", ev.AgentID)
		}
	}
}

func TestUpsertAgentStatus_KeepsSessionOnEmpty(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a := state.NewAgent("a1")
	a.Status = state.StatusActive
	a.CurrentSessionID = "sess-1"
	a.LastEventAt = base
	if err := s.UpsertAgentStatus(ctx, a); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Second write with no session id must keep the previous one.
	a.CurrentSessionID = ""
	a.Status = state.StatusToolRunning
	a.CurrentTool = "search"
	a.LastEventAt = base.Add(time.Second)
	if err := s.UpsertAgentStatus(ctx, a); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	snap, err := s.AgentStatus(ctx, "a1")
	if err != nil {
		t.Fatalf("agent status: %v", err)
	}
	if snap.CurrentSessionID != "sess-1" {
		t.Fatalf("session id = %q, want sess-1", snap.CurrentSessionID)
	}
	if snap.Status != state.StatusToolRunning || snap.CurrentTool != "search" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestAgentStatus_NotFound(t *testing.T) {
	s := testStore(t)
	if _, err := s.AgentStatus(context.Background(), "ghost"); err != ErrAgentNotFound {
		t.Fatalf("err = %v, want ErrAgentNotFound", err)
	}
}

func TestCloseMatchingTask_LIFO(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	open := func(ts time.Time) {
		t.Helper()
		if _, err := s.OpenTask(ctx, "a1", state.OpenTask{ToolName: "toolA", StartedAt: ts}); err != nil {
			t.Fatalf("open task: %v", err)
		}
	}
	open(base)
	open(base.Add(time.Second))

	closed, err := s.CloseMatchingTask(ctx, "a1", "toolA", state.TaskCompleted, base.Add(2*time.Second), 1000, "")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !closed {
		t.Fatal("expected a task to close")
	}

	tasks, err := s.ListTasks(ctx, "a1", 10)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	// Newest first: tasks[0] is the second-opened one, which must be closed.
	if tasks[0].Status != "completed" {
		t.Fatalf("most recent task status = %q, want completed", tasks[0].Status)
	}
	if tasks[1].Status != "running" {
		t.Fatalf("older task status = %q, want running", tasks[1].Status)
	}
}

func TestCloseMatchingTask_NoOpenTask(t *testing.T) {
	s := testStore(t)
	closed, err := s.CloseMatchingTask(context.Background(), "a1", "missing", state.TaskFailed, base, 0, "")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed {
		t.Fatal("closed a task that does not exist")
	}
}

func TestMarkStaleOffline(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	stale := state.NewAgent("stale-agent")
	stale.Status = state.StatusActive
	stale.CurrentTool = "search"
	stale.LastEventAt = base
	if err := s.UpsertAgentStatus(ctx, stale); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	fresh := state.NewAgent("fresh-agent")
	fresh.Status = state.StatusActive
	fresh.LastEventAt = base.Add(5 * time.Minute)
	if err := s.UpsertAgentStatus(ctx, fresh); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	cutoff := base.Add(time.Minute)
	changed, err := s.MarkStaleOffline(ctx, cutoff)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(changed) != 1 || changed[0] != "stale-agent" {
		t.Fatalf("changed = %v, want [stale-agent]", changed)
	}

	snap, err := s.AgentStatus(ctx, "stale-agent")
	if err != nil {
		t.Fatalf("agent status: %v", err)
	}
	if snap.Status != state.StatusOffline || snap.CurrentTool != "" {
		t.Fatalf("snapshot after sweep = %+v", snap)
	}

	// Second sweep with no new events changes nothing.
	changed, err = s.MarkStaleOffline(ctx, cutoff)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(changed) != 0 {
		t.Fatalf("second sweep changed = %v, want none", changed)
	}
}

func TestAgentUsage_WindowBoundaries(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := base.Add(WindowShort)

	// Exactly one window old plus 1ms: inside. One window old minus 1ms: outside.
	inside := storeEv("a1", lifecycle.KindPromptSubmit, now.Add(-WindowShort+time.Millisecond), "")
	outside := storeEv("a1", lifecycle.KindPromptSubmit, now.Add(-WindowShort-time.Millisecond), "")
	for _, ev := range []lifecycle.Event{inside, outside} {
		if _, err := s.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	u, err := s.AgentUsage(ctx, "a1", now)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if u.Msgs5h != 1 {
		t.Fatalf("msgs_5h = %d, want 1", u.Msgs5h)
	}
	if u.MsgsWeek != 2 {
		t.Fatalf("msgs_week = %d, want 2", u.MsgsWeek)
	}
}

func TestAgentUsage_MonotonicUnderAppends(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := base.Add(time.Hour)

	var last int64
	for i := 0; i < 4; i++ {
		ev := storeEv("a1", lifecycle.KindPreToolUse, base.Add(time.Duration(i)*time.Minute), "search")
		if _, err := s.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("append: %v", err)
		}
		u, err := s.AgentUsage(ctx, "a1", now)
		if err != nil {
			t.Fatalf("usage: %v", err)
		}
		if u.Tools5h < last {
			t.Fatalf("count decreased with fixed now: %d -> %d", last, u.Tools5h)
		}
		last = u.Tools5h
	}
	if last != 4 {
		t.Fatalf("final count = %d, want 4", last)
	}
}

func TestAgentUsage_RecentSubagents(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		ev := storeEv("a1", lifecycle.KindSubagentStart, base.Add(time.Duration(i)*time.Second), "")
		ev.ToolName = "helper"
		ev.ToolInput = "job"
		if _, err := s.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	u, err := s.AgentUsage(ctx, "a1", base.Add(time.Minute))
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if len(u.RecentSubagents) != 5 {
		t.Fatalf("recent subagents = %d, want 5", len(u.RecentSubagents))
	}
	if u.RecentSubagents[0].Name != "helper" {
		t.Fatalf("subagent name = %q", u.RecentSubagents[0].Name)
	}
}
