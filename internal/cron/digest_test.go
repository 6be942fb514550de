package cron

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/clawmon/internal/bus"
	"github.com/basket/clawmon/internal/persistence"
	"github.com/basket/clawmon/internal/state"
)

func TestNewDigest_RejectsBadExpr(t *testing.T) {
	if _, err := NewDigest(Config{Expr: "not a cron expr"}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 8, 10, 8, 30, 0, 0, time.UTC)
	next, err := NextRunTime("0 9 * * *", after)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestFire_BroadcastsUsage(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "monitor.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	now := time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC)

	a := state.NewAgent("a1")
	a.Status = state.StatusIdle
	a.LastEventAt = now
	if err := store.UpsertAgentStatus(ctx, a); err != nil {
		t.Fatalf("seed agent: %v", err)
	}

	b := bus.New()
	sub := b.Subscribe(bus.TopicUsageDigest)
	defer b.Unsubscribe(sub)

	d, err := NewDigest(Config{
		Store:  store,
		Bus:    b,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:  func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new digest: %v", err)
	}

	d.Fire(ctx, now)

	select {
	case ev := <-sub.Ch():
		digest, ok := ev.Payload.(bus.UsageDigest)
		if !ok {
			t.Fatalf("payload type = %T", ev.Payload)
		}
		if len(digest.Agents) != 1 || digest.Agents[0].AgentID != "a1" {
			t.Fatalf("digest agents = %+v", digest.Agents)
		}
		if !digest.GeneratedAt.Equal(now) {
			t.Fatalf("generated at = %v, want %v", digest.GeneratedAt, now)
		}
	case <-time.After(time.Second):
		t.Fatal("no digest broadcast")
	}
}

func TestTick_FiresOnlyWhenDue(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "monitor.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	now := time.Date(2026, 8, 10, 8, 0, 0, 0, time.UTC)
	b := bus.New()
	sub := b.Subscribe(bus.TopicUsageDigest)
	defer b.Unsubscribe(sub)

	d, err := NewDigest(Config{
		Store:  store,
		Bus:    b,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Expr:   "0 9 * * *",
		Clock:  func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new digest: %v", err)
	}

	d.tick(context.Background())
	select {
	case ev := <-sub.Ch():
		t.Fatalf("digest fired before schedule: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	// Advance past 09:00 and tick again.
	now = now.Add(90 * time.Minute)
	d.tick(context.Background())
	select {
	case <-sub.Ch():
	case <-time.After(time.Second):
		t.Fatal("digest did not fire after schedule passed")
	}
}
