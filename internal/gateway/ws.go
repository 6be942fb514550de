package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/clawmon/internal/bus"
)

// wsWriteTimeout bounds a single push. A client that cannot drain a
// message within it is dropped rather than allowed to stall the feed.
const wsWriteTimeout = 5 * time.Second

// wsMessage is the push envelope: {type, data}.
type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// handleWS upgrades to a websocket and pushes the live feed: an init
// snapshot of every agent on connect, then event/agent_update pairs per
// ingested event, agents_refresh when the sweep changes anything, and
// usage_digest on schedule. The feed is push-only; client frames are
// read solely to detect close.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	s.log.Info("ws: client connected")
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.WSClients.Add(r.Context(), 1)
	}
	defer func() {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.WSClients.Add(context.Background(), -1)
		}
		s.log.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := conn.CloseRead(r.Context())

	if err := s.writeWS(ctx, conn, wsMessage{
		Type: "init",
		Data: map[string]any{"agents": s.cfg.Monitor.Snapshots()},
	}); err != nil {
		return
	}

	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			for _, msg := range feedMessages(ev) {
				if err := s.writeWS(ctx, conn, msg); err != nil {
					s.log.Debug("ws: write failed, dropping client", "error", err)
					return
				}
			}
		}
	}
}

func (s *Server) writeWS(ctx context.Context, conn *websocket.Conn, msg wsMessage) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, msg)
}

// feedMessages converts one bus event into websocket push messages. The
// ingest path mirrors the original feed: each stored event produces both
// a full "event" and a compact "agent_update". Status-changed bus events
// carry nothing the pair does not, so they are skipped.
func feedMessages(ev bus.Event) []wsMessage {
	switch payload := ev.Payload.(type) {
	case bus.EventIngested:
		return []wsMessage{
			{Type: "event", Data: map[string]any{
				"event":        payload.Event,
				"status":       payload.Status,
				"current_tool": payload.CurrentTool,
			}},
			{Type: "agent_update", Data: map[string]any{
				"agent_id":      payload.Event.AgentID,
				"status":        payload.Status,
				"current_tool":  payload.CurrentTool,
				"last_event_at": payload.Event.Timestamp,
				"hook_event":    payload.Event.Kind,
				"seq":           payload.Event.Seq,
			}},
		}
	case bus.AgentsRefresh:
		return []wsMessage{{Type: "agents_refresh", Data: map[string]any{"agents": payload.Agents}}}
	case bus.UsageDigest:
		return []wsMessage{{Type: "usage_digest", Data: payload}}
	default:
		return nil
	}
}
