package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleSSE streams bus events to the client as Server-Sent Events.
// An optional ?run= parameter filters to a single run.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		respondError(w, http.StatusServiceUnavailable, "NO_EVENT_BUS", "event bus not available")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "NO_STREAMING", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ctx := r.Context()
	runFilter := r.URL.Query().Get("run")

	ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(ch)

	s.logger.Info("SSE client connected", "remote_addr", r.RemoteAddr, "run", runFilter)

	s.sendSSEEvent(w, flusher, "connected", map[string]string{"status": "connected"})

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("SSE client disconnected", "remote_addr", r.RemoteAddr)
			return

		case event, ok := <-ch:
			if !ok {
				return
			}
			if runFilter != "" && event.RunID() != runFilter {
				continue
			}
			s.sendSSEEvent(w, flusher, event.EventType(), event)
		}
	}
}

// sendSSEEvent writes one event frame to the stream.
func (s *Server) sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("marshalling SSE data failed", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", eventType)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()
}
