// Package replay is the read side of the monitor for out-of-process
// viewers: it rebuilds the full agent state table from the event log
// over HTTP, then follows the websocket feed, re-replaying from scratch
// whenever the connection drops.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/clawmon/internal/bus"
	"github.com/basket/clawmon/internal/lifecycle"
	"github.com/basket/clawmon/internal/state"
)

const (
	// DefaultPageSize bounds one history fetch during reconciliation.
	DefaultPageSize = 500

	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

type Config struct {
	// BaseURL is the monitor's HTTP root, e.g. http://127.0.0.1:7777.
	BaseURL string

	HTTPClient *http.Client
	Logger     *slog.Logger
	PageSize   int
}

// Client mirrors the server's derived state. All accessors are safe for
// concurrent use; Run owns the write side.
type Client struct {
	baseURL  string
	http     *http.Client
	log      *slog.Logger
	pageSize int

	mu       sync.RWMutex
	table    *state.Table
	usage    map[string]bus.AgentUsageSummary
	maxSeq   int64
	stale    bool
	syncedAt time.Time

	updates chan struct{}
}

func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		http:     hc,
		log:      log,
		pageSize: pageSize,
		table:    state.NewTable(),
		usage:    make(map[string]bus.AgentUsageSummary),
		stale:    true,
		updates:  make(chan struct{}, 1),
	}
}

// Run reconciles and then follows the live feed until ctx is cancelled.
// Any disconnect marks the mirrored state stale and triggers a full
// re-replay before resubscribing.
func (c *Client) Run(ctx context.Context) error {
	backoff := reconnectMin
	for {
		if err := c.Reconcile(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("replay: reconcile failed", "error", err)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = reconnectMin

		err := c.follow(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.markStale()
		c.log.Warn("replay: feed disconnected", "error", err)
		if !sleep(ctx, backoff) {
			return ctx.Err()
		}
		backoff = nextBackoff(backoff)
	}
}

// Reconcile rebuilds the state table from the full event history, oldest
// first, and overlays the server's usage snapshots. On success the mirror
// is no longer stale.
func (c *Client) Reconcile(ctx context.Context) error {
	table := state.NewTable()
	var maxSeq int64
	for {
		events, err := c.fetchEvents(ctx, maxSeq)
		if err != nil {
			return fmt.Errorf("fetch events after seq %d: %w", maxSeq, err)
		}
		for _, ev := range events {
			table.Apply(ev)
			if ev.Seq > maxSeq {
				maxSeq = ev.Seq
			}
		}
		if len(events) < c.pageSize {
			break
		}
	}

	usages, err := c.fetchUsage(ctx)
	if err != nil {
		return fmt.Errorf("fetch usage: %w", err)
	}

	c.mu.Lock()
	c.table = table
	c.usage = usages
	c.maxSeq = maxSeq
	c.stale = false
	c.syncedAt = time.Now()
	c.mu.Unlock()

	c.log.Info("replay: reconciled", "events", maxSeq, "agents", len(table.Agents))
	c.notify()
	return nil
}

func (c *Client) fetchEvents(ctx context.Context, afterSeq int64) ([]lifecycle.Event, error) {
	url := fmt.Sprintf("%s/api/events?after_seq=%d&limit=%d", c.baseURL, afterSeq, c.pageSize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}
	var events []lifecycle.Event
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *Client) fetchUsage(ctx context.Context) (map[string]bus.AgentUsageSummary, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/usage", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var rows []bus.AgentUsageSummary
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, err
	}
	out := make(map[string]bus.AgentUsageSummary, len(rows))
	for _, row := range rows {
		out[row.AgentID] = row
	}
	return out, nil
}

// follow consumes the websocket feed until the connection breaks.
func (c *Client) follow(ctx context.Context) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	for {
		var msg pushMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return err
		}
		c.handlePush(msg)
	}
}

// pushMessage is the feed envelope with the payload left raw so each
// message type can pick its own shape.
type pushMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) handlePush(msg pushMessage) {
	switch msg.Type {
	case "event":
		var payload struct {
			Event lifecycle.Event `json:"event"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			c.log.Debug("replay: bad event push", "error", err)
			return
		}
		c.applyLive(payload.Event)
	case "agents_refresh":
		var payload struct {
			Agents []bus.AgentSnapshot `json:"agents"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			c.log.Debug("replay: bad refresh push", "error", err)
			return
		}
		c.overlaySnapshots(payload.Agents)
	case "usage_digest":
		var payload bus.UsageDigest
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			c.log.Debug("replay: bad digest push", "error", err)
			return
		}
		c.mu.Lock()
		for _, row := range payload.Agents {
			c.usage[row.AgentID] = row
		}
		c.mu.Unlock()
		c.notify()
	}
	// "init" and "agent_update" carry nothing the event stream and the
	// reconcile pass do not.
}

// applyLive folds one pushed event, dropping anything at or below the
// replayed high-water mark so the handoff from history to feed never
// double-applies.
func (c *Client) applyLive(ev lifecycle.Event) {
	c.mu.Lock()
	if ev.Seq != 0 && ev.Seq <= c.maxSeq {
		c.mu.Unlock()
		return
	}
	c.table.Apply(ev)
	if ev.Seq > c.maxSeq {
		c.maxSeq = ev.Seq
	}
	c.mu.Unlock()
	c.notify()
}

// overlaySnapshots applies sweep results: only the offline transition is
// taken from the snapshot, counters stay with the replayed table.
func (c *Client) overlaySnapshots(snaps []bus.AgentSnapshot) {
	c.mu.Lock()
	for _, snap := range snaps {
		agent, ok := c.table.Agents[snap.AgentID]
		if !ok {
			continue
		}
		if snap.Status == state.StatusOffline && agent.Status != state.StatusOffline {
			agent.Status = state.StatusOffline
			agent.CurrentTool = ""
			c.table.Agents[snap.AgentID] = agent
		}
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Client) markStale() {
	c.mu.Lock()
	c.stale = true
	c.mu.Unlock()
	c.notify()
}

// Agents returns the mirrored agent states sorted by id.
func (c *Client) Agents() []state.Agent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]state.Agent, 0, len(c.table.Agents))
	for _, id := range c.table.AgentIDs() {
		out = append(out, c.table.Agents[id])
	}
	return out
}

// Tasks returns the mirrored task timeline, newest first.
func (c *Client) Tasks() []state.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]state.Task, len(c.table.Tasks))
	copy(out, c.table.Tasks)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Usage returns the last known windowed usage for one agent.
func (c *Client) Usage(agentID string) (bus.AgentUsageSummary, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.usage[agentID]
	return u, ok
}

// Stale reports whether the mirror may lag the server. True until the
// first reconcile completes and again after any feed disconnect.
func (c *Client) Stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stale
}

// MaxSeq returns the highest applied event sequence number.
func (c *Client) MaxSeq() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxSeq
}

// SyncedAt returns the time of the last successful reconcile.
func (c *Client) SyncedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.syncedAt
}

// Updates delivers a coalesced signal whenever the mirror changes.
func (c *Client) Updates() <-chan struct{} {
	return c.updates
}

func (c *Client) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > reconnectMax {
		return reconnectMax
	}
	return d
}
