package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleStream implements GET /api/stream: an SSE mirror of the live
// feed for clients that cannot hold a websocket.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "streaming not available: event bus not configured", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.log.Debug("sse: client disconnected")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			for _, msg := range feedMessages(ev) {
				data, err := json.Marshal(msg)
				if err != nil {
					s.log.Error("sse: marshal event", "error", err)
					continue
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
					s.log.Debug("sse: write failed (client disconnected?)", "error", err)
					return
				}
				flusher.Flush()
			}
		}
	}
}
