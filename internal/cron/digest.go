// Package cron provides the scheduled usage digest: on a configurable
// cron expression it collects every agent's windowed usage, publishes it
// on the bus, and pushes it to the alert channels.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/clawmon/internal/bus"
	"github.com/basket/clawmon/internal/notify"
	"github.com/basket/clawmon/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// DefaultExpr fires the digest every morning at 09:00.
const DefaultExpr = "0 9 * * *"

// Config holds the dependencies for the digest scheduler.
type Config struct {
	Store    *persistence.Store
	Bus      *bus.Bus
	Logger   *slog.Logger
	Notifier notify.Channel
	Expr     string        // cron expression; defaults to DefaultExpr if empty
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Clock    func() time.Time
}

// Digest periodically checks whether the schedule is due and fires the
// usage summary broadcast.
type Digest struct {
	store    *persistence.Store
	bus      *bus.Bus
	logger   *slog.Logger
	notifier notify.Channel
	expr     string
	interval time.Duration
	clock    func() time.Time

	nextRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDigest creates a digest scheduler. An invalid cron expression is a
// construction error, not a runtime surprise.
func NewDigest(cfg Config) (*Digest, error) {
	expr := cfg.Expr
	if expr == "" {
		expr = DefaultExpr
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	next, err := NextRunTime(expr, clock())
	if err != nil {
		return nil, err
	}
	return &Digest{
		store:    cfg.Store,
		bus:      cfg.Bus,
		logger:   logger,
		notifier: cfg.Notifier,
		expr:     expr,
		interval: interval,
		clock:    clock,
		nextRun:  next,
	}, nil
}

// Start begins the digest loop in a background goroutine.
func (d *Digest) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.loop(ctx)
	d.logger.Info("usage digest scheduler started", "next_run_at", d.nextRun)
}

// Stop cancels the digest loop and waits for it to exit.
func (d *Digest) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("usage digest scheduler stopped")
}

func (d *Digest) loop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Digest) tick(ctx context.Context) {
	now := d.clock()
	if now.Before(d.nextRun) {
		return
	}
	// The expression was validated at construction.
	d.nextRun, _ = NextRunTime(d.expr, now)
	d.Fire(ctx, now)
}

// Fire builds one usage digest and delivers it. Exposed for the manual
// trigger endpoint and tests.
func (d *Digest) Fire(ctx context.Context, now time.Time) {
	usages, err := d.store.AllAgentUsages(ctx, now)
	if err != nil {
		d.logger.Error("usage digest query failed", "error", err)
		return
	}

	digest := bus.UsageDigest{GeneratedAt: now}
	for _, u := range usages {
		digest.Agents = append(digest.Agents, bus.AgentUsageSummary{
			AgentID:    u.AgentID,
			Tools5h:    u.Tools5h,
			Msgs5h:     u.Msgs5h,
			Errors5h:   u.Errors5h,
			ToolsWeek:  u.ToolsWeek,
			MsgsWeek:   u.MsgsWeek,
			ErrorsWeek: u.ErrorsWeek,
		})
	}

	if d.bus != nil {
		d.bus.Publish(bus.TopicUsageDigest, digest)
	}
	if d.notifier != nil {
		if err := d.notifier.UsageDigest(ctx, digest); err != nil {
			d.logger.Warn("usage digest delivery failed", "error", err)
		}
	}
	d.logger.Info("usage digest fired", "agents", len(digest.Agents), "next_run_at", d.nextRun)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
