// Package monitor is the ingestion pipeline. It normalizes raw hook
// payloads, appends them to the event store, folds them through the
// status reducer against a cached per-agent state, materializes the
// reducer's effects into the task and run tables, and publishes the
// result on the bus for live subscribers.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/clawmon/internal/bus"
	"github.com/basket/clawmon/internal/lifecycle"
	otelx "github.com/basket/clawmon/internal/otel"
	"github.com/basket/clawmon/internal/persistence"
	"github.com/basket/clawmon/internal/state"
)

const rehydrateBatch = 1000

// RunCompleted and RunInterrupted are the outcomes recorded for a
// finalized unit of work.
const (
	RunCompleted   = "completed"
	RunInterrupted = "interrupted"
)

// Config holds optional collaborators for the pipeline.
type Config struct {
	Validator *lifecycle.Validator
	Metrics   *otelx.Metrics
	// Clock overrides wall time in tests.
	Clock func() time.Time
}

// Monitor owns the authoritative in-memory agent state. All mutation
// goes through Ingest and MarkOffline, serialized by one mutex so the
// store's event order matches the reducer's application order.
type Monitor struct {
	store     *persistence.Store
	bus       *bus.Bus
	log       *slog.Logger
	validator *lifecycle.Validator
	metrics   *otelx.Metrics
	clock     func() time.Time

	mu     sync.Mutex
	agents map[string]state.Agent
}

func New(store *persistence.Store, b *bus.Bus, log *slog.Logger, cfg Config) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Monitor{
		store:     store,
		bus:       b,
		log:       log,
		validator: cfg.Validator,
		metrics:   cfg.Metrics,
		clock:     clock,
		agents:    make(map[string]state.Agent),
	}
}

// Rehydrate rebuilds the in-memory agent states by replaying the full
// stored event history oldest first. Called once at startup, before the
// gateway accepts traffic. Returns the number of events replayed.
func (m *Monitor) Rehydrate(ctx context.Context) (int, error) {
	tbl := state.NewTable()
	var after int64
	n := 0
	for {
		events, err := m.store.EventsSince(ctx, after, rehydrateBatch)
		if err != nil {
			return n, fmt.Errorf("rehydrate: %w", err)
		}
		for _, ev := range events {
			tbl.Apply(ev)
			after = ev.Seq
			n++
		}
		if len(events) < rehydrateBatch {
			break
		}
	}

	m.mu.Lock()
	m.agents = tbl.Agents
	m.mu.Unlock()
	return n, nil
}

// Ingest processes one raw hook payload end to end. Normalization never
// rejects: a malformed payload is logged, counted, and stored with
// whatever fields could be salvaged. The returned EventIngested carries
// the assigned sequence number and the derived post-event status.
func (m *Monitor) Ingest(ctx context.Context, body []byte) (bus.EventIngested, error) {
	start := m.clock()
	if m.validator != nil {
		if err := m.validator.Validate(body); err != nil {
			m.log.Warn("payload failed envelope validation", "error", err)
			if m.metrics != nil {
				m.metrics.MalformedPayloads.Add(ctx, 1)
			}
		}
	}
	ev := lifecycle.Normalize(body, start.UTC())

	m.mu.Lock()
	defer m.mu.Unlock()

	seq, err := m.store.AppendEvent(ctx, ev)
	if err != nil {
		return bus.EventIngested{}, fmt.Errorf("append event: %w", err)
	}
	ev.Seq = seq

	prev, known := m.agents[ev.AgentID]
	if !known {
		prev = state.NewAgent(ev.AgentID)
	}
	next, effects := state.Reduce(prev, ev)

	for _, eff := range effects {
		switch e := eff.(type) {
		case state.IncrMessages:
			next.MessageCount++
		case state.IncrTools:
			next.ToolCallCount++
		case state.IncrErrors:
			next.ErrorCount++
		case state.OpenTaskEffect:
			if _, err := m.store.OpenTask(ctx, ev.AgentID, e.Task); err != nil {
				m.log.Error("open task", "agent_id", ev.AgentID, "tool", e.Task.ToolName, "error", err)
			}
		case state.CloseTaskEffect:
			closed, err := m.store.CloseMatchingTask(ctx, ev.AgentID, e.Task.ToolName, e.Outcome, e.EndedAt, e.DurationMs, e.ResultPreview)
			if err != nil {
				m.log.Error("close task", "agent_id", ev.AgentID, "tool", e.Task.ToolName, "error", err)
			} else if !closed {
				m.log.Warn("no open task row to close", "agent_id", ev.AgentID, "tool", e.Task.ToolName)
			}
		case state.FinalizeRunEffect:
			run := persistence.Run{
				AgentID:       ev.AgentID,
				Prompt:        e.Prompt,
				Outcome:       RunCompleted,
				StopReason:    e.StopReason,
				ResultPreview: lifecycle.Truncate(e.Result, lifecycle.MaxSummary),
				StartedAt:     e.PromptAt,
				EndedAt:       e.StoppedAt,
				ElapsedMs:     e.ElapsedMs,
			}
			if err := m.store.RecordRun(ctx, run); err != nil {
				m.log.Error("record run", "agent_id", ev.AgentID, "error", err)
			}
		case state.ArchiveRunEffect:
			run := persistence.Run{
				AgentID:   ev.AgentID,
				Prompt:    e.Prompt,
				Outcome:   RunInterrupted,
				StartedAt: e.PromptAt,
				EndedAt:   ev.Timestamp,
			}
			if err := m.store.RecordRun(ctx, run); err != nil {
				m.log.Error("record interrupted run", "agent_id", ev.AgentID, "error", err)
			}
		}
	}

	// Unrecognized kinds carry no transition, but the agent row is still
	// provisioned so a rehydrated server and a replaying viewer see the
	// same agent set as the live cache.
	m.agents[ev.AgentID] = next
	if err := m.store.UpsertAgentStatus(ctx, next); err != nil {
		m.log.Error("upsert agent status", "agent_id", ev.AgentID, "error", err)
	}

	result := bus.EventIngested{Event: ev, Status: next.Status, CurrentTool: next.CurrentTool}
	if m.bus != nil {
		m.bus.Publish(bus.TopicEventIngested, result)
		if ev.Kind.Known() {
			m.bus.Publish(bus.TopicAgentStatusChanged, bus.AgentStatusChanged{
				AgentID:     ev.AgentID,
				Status:      next.Status,
				CurrentTool: next.CurrentTool,
				LastEventAt: next.LastEventAt,
				Kind:        ev.Kind,
			})
		}
	}

	if m.metrics != nil {
		kind := attribute.String("kind", string(ev.Kind))
		m.metrics.EventsIngested.Add(ctx, 1, metric.WithAttributes(kind))
		m.metrics.IngestDuration.Record(ctx, m.clock().Sub(start).Seconds(), metric.WithAttributes(kind))
	}

	m.log.Debug("event ingested",
		"seq", ev.Seq,
		"agent_id", ev.AgentID,
		"kind", string(ev.Kind),
		"status", string(next.Status),
	)
	return result, nil
}

// MarkOffline flips the cached state for the given agents to offline.
// The liveness sweep calls this after updating the store, so the memory
// view and the status table stay aligned. An agent whose cached
// LastEventAt is at or after cutoff is skipped: an ingest between the
// store update and this call already superseded the sweep's verdict,
// the same guard the UPDATE applies row-side.
func (m *Monitor) MarkOffline(ids []string, cutoff time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		a, ok := m.agents[id]
		if !ok {
			continue
		}
		if !a.LastEventAt.Before(cutoff) {
			continue
		}
		a.Status = state.StatusOffline
		a.CurrentTool = ""
		m.agents[id] = a
	}
}

// AgentState returns the cached state for one agent.
func (m *Monitor) AgentState(agentID string) (state.Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	return a, ok
}

// Snapshots returns the cached status of every known agent, sorted by id.
func (m *Monitor) Snapshots() []bus.AgentSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]bus.AgentSnapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, snapshotOf(m.agents[id]))
	}
	return out
}

func snapshotOf(a state.Agent) bus.AgentSnapshot {
	return bus.AgentSnapshot{
		AgentID:          a.AgentID,
		Status:           a.Status,
		CurrentSessionID: a.CurrentSessionID,
		CurrentTool:      a.CurrentTool,
		LastEventAt:      a.LastEventAt,
		ToolCallCount:    a.ToolCallCount,
		MessageCount:     a.MessageCount,
		ErrorCount:       a.ErrorCount,
	}
}
