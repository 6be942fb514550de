// Package gateway exposes the monitor over HTTP: the ingestion endpoint,
// the read API for agents, events, tasks, and usage, the websocket live
// feed, an SSE mirror, and the static dashboard.
package gateway

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/clawmon/internal/bus"
	"github.com/basket/clawmon/internal/config"
	"github.com/basket/clawmon/internal/monitor"
	otelx "github.com/basket/clawmon/internal/otel"
	"github.com/basket/clawmon/internal/persistence"
)

// maxEventBody caps an ingestion payload. Hook payloads are small; this
// is the same ceiling the original ingestion path enforced.
const maxEventBody = 10 << 20

type Config struct {
	Store   *persistence.Store
	Monitor *monitor.Monitor
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otelx.Metrics

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// WebDir serves the static dashboard when non-empty.
	WebDir string

	// ConfigFingerprint is the hash of the active config exposed in /healthz.
	ConfigFingerprint string

	Roster config.Config
}

type Server struct {
	cfg Config
	log *slog.Logger

	rosterMu sync.RWMutex
	roster   config.Config
}

func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg, log: log, roster: cfg.Roster}
}

// SetRoster swaps the active roster config. The config watcher calls
// this on hot reload.
func (s *Server) SetRoster(cfg config.Config) {
	s.rosterMu.Lock()
	s.roster = cfg
	s.rosterMu.Unlock()
	s.log.Info("agent roster reloaded", "agents", len(cfg.Agents), "fingerprint", cfg.Fingerprint())
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/events", s.handleAPIEvents)
	mux.HandleFunc("/api/agents", s.handleAPIAgents)
	mux.HandleFunc("/api/agents/", s.handleAPIAgentByID)
	mux.HandleFunc("/api/timeline", s.handleAPITimeline)
	mux.HandleFunc("/api/tasks", s.handleAPITasks)
	mux.HandleFunc("/api/runs", s.handleAPIRuns)
	mux.HandleFunc("/api/usage", s.handleAPIUsage)
	mux.HandleFunc("/api/config", s.handleAPIConfig)
	mux.HandleFunc("/api/stream", s.handleStream)

	if s.cfg.WebDir != "" {
		if _, err := os.Stat(s.cfg.WebDir); err == nil {
			mux.Handle("/", http.FileServer(http.Dir(s.cfg.WebDir)))
		}
	}

	var h http.Handler = mux
	h = s.requestLogMiddleware(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	return h
}

func (s *Server) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r)
		elapsed := time.Since(start)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(r.Context(), elapsed.Seconds(),
				metric.WithAttributes(attribute.String("path", r.URL.Path), attribute.String("method", r.Method)))
		}
		s.log.Debug("http request", "request_id", requestID, "method", r.Method, "path", r.URL.Path, "elapsed_ms", elapsed.Milliseconds())
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.Store.TotalEventCount(r.Context()); err != nil {
		dbOK = false
	}
	status := "ok"
	code := http.StatusOK
	if !dbOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":      status,
		"db":          dbOK,
		"version":     otelx.Version,
		"config_hash": s.cfg.ConfigFingerprint,
	})
}

// handleAPIEvents serves both sides of the event log: POST ingests one
// payload, GET lists stored events with agent/order/seq filters.
func (s *Server) handleAPIEvents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleIngest(w, r)
	case http.MethodGet:
		s.handleListEvents(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBody))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.cfg.Monitor.Ingest(r.Context(), body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"seq":    res.Event.Seq,
		"status": res.Status,
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryInt(q.Get("limit"), 100)

	if raw := q.Get("after_seq"); raw != "" {
		after, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "bad after_seq", http.StatusBadRequest)
			return
		}
		events, err := s.cfg.Store.EventsSince(r.Context(), after, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, events)
		return
	}

	order := persistence.NewestFirst
	if q.Get("order") == "asc" {
		order = persistence.OldestFirst
	}
	events, err := s.cfg.Store.ListEvents(r.Context(), q.Get("agent_id"), limit, order)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleAPIAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Monitor.Snapshots())
}

// agentDetail is a status snapshot decorated with the roster's display
// metadata, when the agent is listed there.
type agentDetail struct {
	bus.AgentSnapshot
	Name  string `json:"name,omitempty"`
	Color string `json:"color,omitempty"`
	Plan  string `json:"plan,omitempty"`
}

// handleAPIAgentByID serves /api/agents/{id} and its /events and /tasks
// sub-resources.
func (s *Server) handleAPIAgentByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/agents/")
	parts := strings.SplitN(rest, "/", 2)
	agentID := parts[0]
	if agentID == "" {
		http.Error(w, "agent id required", http.StatusBadRequest)
		return
	}
	limit := queryInt(r.URL.Query().Get("limit"), 50)

	if len(parts) == 1 {
		snap, err := s.cfg.Store.AgentStatus(r.Context(), agentID)
		if err == persistence.ErrAgentNotFound {
			http.Error(w, "agent not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		detail := agentDetail{AgentSnapshot: snap}
		s.rosterMu.RLock()
		if entry, ok := s.roster.AgentByID(agentID); ok {
			detail.Name = entry.DisplayName
			detail.Color = entry.Color
			detail.Plan = entry.Plan
		}
		s.rosterMu.RUnlock()
		writeJSON(w, http.StatusOK, detail)
		return
	}

	switch parts[1] {
	case "events":
		events, err := s.cfg.Store.ListEvents(r.Context(), agentID, limit, persistence.NewestFirst)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, events)
	case "tasks":
		tasks, err := s.cfg.Store.ListTasks(r.Context(), agentID, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, tasks)
	case "runs":
		runs, err := s.cfg.Store.ListRuns(r.Context(), agentID, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, runs)
	default:
		http.Error(w, "unknown sub-resource", http.StatusNotFound)
	}
}

func (s *Server) handleAPITimeline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := queryInt(r.URL.Query().Get("limit"), 100)
	events, err := s.cfg.Store.ListEvents(r.Context(), "", limit, persistence.NewestFirst)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleAPITasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := queryInt(r.URL.Query().Get("limit"), 100)
	tasks, err := s.cfg.Store.ListTasks(r.Context(), r.URL.Query().Get("agent_id"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleAPIRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := queryInt(r.URL.Query().Get("limit"), 100)
	runs, err := s.cfg.Store.ListRuns(r.Context(), r.URL.Query().Get("agent_id"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleAPIUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	usages, err := s.cfg.Store.AllAgentUsages(r.Context(), time.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, usages)
}

// handleAPIConfig exposes the sanitized config: agent display metadata
// and plan limits plus digest and alert-channel toggles. Secrets are
// redacted, filesystem paths never leave the projection.
func (s *Server) handleAPIConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.rosterMu.RLock()
	roster := s.roster.Sanitized()
	s.rosterMu.RUnlock()

	type safeAgent struct {
		ID            string `json:"id"`
		Name          string `json:"name,omitempty"`
		Color         string `json:"color,omitempty"`
		Plan          string `json:"plan,omitempty"`
		MsgsLimit5h   int    `json:"msgs_limit_5h,omitempty"`
		MsgsLimitWeek int    `json:"msgs_limit_week,omitempty"`
	}
	safe := make([]safeAgent, 0, len(roster.Agents))
	for _, a := range roster.Agents {
		safe = append(safe, safeAgent{
			ID:            a.AgentID,
			Name:          a.DisplayName,
			Color:         a.Color,
			Plan:          a.Plan,
			MsgsLimit5h:   a.MsgsLimit5h,
			MsgsLimitWeek: a.MsgsLimitWeek,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": safe,
		"digest": map[string]any{
			"enabled": roster.Digest.Enabled,
			"cron":    roster.Digest.Cron,
		},
		"telegram": map[string]any{
			"enabled": roster.Channels.Telegram.Enabled,
			"token":   roster.Channels.Telegram.Token,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
