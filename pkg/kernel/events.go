package kernel

import (
	"fmt"
	"net/http"

	"github.com/heisenworks/applyos/internal/core/services"
)

// handleBroadcastSSE streams every event on the bus.
// GET /v1/events
func (s *Server) handleBroadcastSSE(w http.ResponseWriter, r *http.Request) {
	s.streamSSE(w, r, services.BroadcastChannel)
}

// handleTargetSSE streams events for a single target.
// GET /v1/targets/{id}/events
func (s *Server) handleTargetSSE(w http.ResponseWriter, r *http.Request) {
	targetID := r.PathValue("id")
	if targetID == "" {
		writeError(w, http.StatusBadRequest, "missing target id")
		return
	}
	s.streamSSE(w, r, targetID)
}

func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, channel string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events, unsubscribe := s.eventBus.Subscribe(channel)
	defer unsubscribe()

	// Tell the client the stream is live before the first event arrives.
	fmt.Fprintf(w, "event: connected\ndata: {\"channel\":%q}\n\n", channel)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-events:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, evt.Data)
			flusher.Flush()
		}
	}
}
