// Package liveness provides the staleness sweeper. Agents report only
// when something happens, so silence is ambiguous: the sweep resolves it
// by marking any agent whose last event is older than the threshold as
// offline. Offline is always derived here or by replay, never reported
// by the agent itself.
package liveness

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/clawmon/internal/bus"
	"github.com/basket/clawmon/internal/monitor"
	"github.com/basket/clawmon/internal/notify"
	otelx "github.com/basket/clawmon/internal/otel"
	"github.com/basket/clawmon/internal/persistence"
)

const (
	// DefaultInterval is how often the sweep runs.
	DefaultInterval = 15 * time.Second
	// DefaultThreshold is how long an agent may stay silent before it
	// is considered offline.
	DefaultThreshold = 60 * time.Second
)

// Config holds the dependencies for the sweeper.
type Config struct {
	Store     *persistence.Store
	Monitor   *monitor.Monitor
	Bus       *bus.Bus
	Logger    *slog.Logger
	Notifier  notify.Channel
	Metrics   *otelx.Metrics
	Interval  time.Duration // defaults to DefaultInterval if zero
	Threshold time.Duration // defaults to DefaultThreshold if zero
	Clock     func() time.Time
}

// Sweeper periodically flips stale agents to offline, refreshes the
// cached state, and broadcasts one refresh per sweep that changed
// anything.
type Sweeper struct {
	store     *persistence.Store
	monitor   *monitor.Monitor
	bus       *bus.Bus
	logger    *slog.Logger
	notifier  notify.Channel
	metrics   *otelx.Metrics
	interval  time.Duration
	threshold time.Duration
	clock     func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a new Sweeper with the given config.
func NewSweeper(cfg Config) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Sweeper{
		store:     cfg.Store,
		monitor:   cfg.Monitor,
		bus:       cfg.Bus,
		logger:    logger,
		notifier:  cfg.Notifier,
		metrics:   cfg.Metrics,
		interval:  interval,
		threshold: threshold,
		clock:     clock,
	}
}

// Start begins the sweep loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("liveness sweeper started", "interval", s.interval, "threshold", s.threshold)
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("liveness sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Sweep immediately on startup, then on each tick.
	s.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one staleness pass. It returns the ids of agents that
// transitioned to offline; an agent already offline never reappears in
// a later sweep, so each transition is observed exactly once.
func (s *Sweeper) Sweep(ctx context.Context) []string {
	now := s.clock()
	cutoff := now.Add(-s.threshold)

	changed, err := s.store.MarkStaleOffline(ctx, cutoff)
	if err != nil {
		s.logger.Error("liveness sweep failed", "error", err)
		return nil
	}
	if s.metrics != nil {
		s.metrics.SweepDuration.Record(ctx, s.clock().Sub(now).Seconds())
	}
	if len(changed) == 0 {
		return nil
	}

	if s.monitor != nil {
		s.monitor.MarkOffline(changed, cutoff)
	}
	s.logger.Info("agents marked offline", "agent_ids", changed, "cutoff", cutoff)

	if s.metrics != nil {
		s.metrics.OfflineTransitions.Add(ctx, int64(len(changed)))
	}

	if s.bus != nil && s.monitor != nil {
		s.bus.Publish(bus.TopicAgentsRefresh, bus.AgentsRefresh{Agents: s.monitor.Snapshots()})
	}

	if s.notifier != nil {
		for _, id := range changed {
			if err := s.notifier.AgentOffline(ctx, id, now); err != nil {
				s.logger.Warn("offline notification failed", "agent_id", id, "error", err)
			}
		}
	}
	return changed
}
