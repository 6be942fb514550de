package liveness

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/clawmon/internal/bus"
	"github.com/basket/clawmon/internal/monitor"
	"github.com/basket/clawmon/internal/persistence"
	"github.com/basket/clawmon/internal/state"
)

type fakeNotifier struct {
	mu      sync.Mutex
	offline []string
}

func (f *fakeNotifier) Name() string { return "fake" }

func (f *fakeNotifier) AgentOffline(_ context.Context, agentID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = append(f.offline, agentID)
	return nil
}

func (f *fakeNotifier) UsageDigest(context.Context, bus.UsageDigest) error { return nil }

func (f *fakeNotifier) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.offline...)
}

func TestSweep_MarksStaleAgentsOfflineOnce(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "monitor.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	now := time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	stale := state.NewAgent("stale-agent")
	stale.Status = state.StatusToolRunning
	stale.CurrentTool = "bash"
	stale.LastEventAt = now.Add(-2 * time.Minute)
	if err := store.UpsertAgentStatus(ctx, stale); err != nil {
		t.Fatalf("seed stale agent: %v", err)
	}

	fresh := state.NewAgent("fresh-agent")
	fresh.Status = state.StatusActive
	fresh.LastEventAt = now.Add(-10 * time.Second)
	if err := store.UpsertAgentStatus(ctx, fresh); err != nil {
		t.Fatalf("seed fresh agent: %v", err)
	}

	b := bus.New()
	sub := b.Subscribe(bus.TopicAgentsRefresh)
	defer b.Unsubscribe(sub)

	mon := monitor.New(store, b, log, monitor.Config{})
	if _, err := mon.Rehydrate(ctx); err != nil {
		t.Fatalf("rehydrate: %v", err)
	}

	notifier := &fakeNotifier{}
	s := NewSweeper(Config{
		Store:    store,
		Monitor:  mon,
		Bus:      b,
		Logger:   log,
		Notifier: notifier,
		Clock:    func() time.Time { return now },
	})

	changed := s.Sweep(ctx)
	if len(changed) != 1 || changed[0] != "stale-agent" {
		t.Fatalf("changed = %v, want [stale-agent]", changed)
	}

	select {
	case ev := <-sub.Ch():
		refresh, ok := ev.Payload.(bus.AgentsRefresh)
		if !ok {
			t.Fatalf("payload type = %T", ev.Payload)
		}
		if len(refresh.Agents) == 0 {
			t.Fatal("refresh carried no snapshots")
		}
	case <-time.After(time.Second):
		t.Fatal("no refresh broadcast after sweep")
	}

	if calls := notifier.calls(); len(calls) != 1 || calls[0] != "stale-agent" {
		t.Fatalf("notifications = %v, want one for stale-agent", calls)
	}

	snap, err := store.AgentStatus(ctx, "stale-agent")
	if err != nil {
		t.Fatalf("agent status: %v", err)
	}
	if snap.Status != state.StatusOffline || snap.CurrentTool != "" {
		t.Fatalf("snapshot = %+v, want offline with no tool", snap)
	}

	// A second sweep sees the agent already offline: no change, no
	// duplicate notification, no broadcast.
	if changed := s.Sweep(ctx); len(changed) != 0 {
		t.Fatalf("second sweep changed = %v, want none", changed)
	}
	if calls := notifier.calls(); len(calls) != 1 {
		t.Fatalf("notifications after second sweep = %v", calls)
	}
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected broadcast after idle sweep: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSweeper_StartStop(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "monitor.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	s := NewSweeper(Config{
		Store:    store,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Interval: 10 * time.Millisecond,
	})
	s.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	s.Stop()
}

func TestNewSweeper_Defaults(t *testing.T) {
	s := NewSweeper(Config{})
	if s.interval != DefaultInterval {
		t.Fatalf("interval = %v, want %v", s.interval, DefaultInterval)
	}
	if s.threshold != DefaultThreshold {
		t.Fatalf("threshold = %v, want %v", s.threshold, DefaultThreshold)
	}
}
