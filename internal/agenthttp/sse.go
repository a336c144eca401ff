package agenthttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tetherterm/tetherterm/internal/protocol"
)

// handleSSE streams decoded PTY output as server-sent events (spec.md §4.2).
// Each dequeued chunk becomes {"type":"output","data":"..."}; an idle
// timeout emits a heartbeat instead of closing, to keep proxies alive.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	stream := &sseStream{cancel: cancel}
	if !s.registerStream(stream) {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.unregisterStream(stream)
	defer cancel()

	subID, ch := s.session.Subscribe()
	defer s.session.Unsubscribe(subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	timer := time.NewTimer(sseIdleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-ch:
			if !ok {
				// Session stopped: the broadcaster closed every subscriber
				// channel, so the stream ends here.
				return
			}
			if !writeEvent(w, protocol.NewOutputEvent(string(chunk))) {
				return
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(sseIdleTimeout)
		case <-timer.C:
			if !writeEvent(w, protocol.HeartbeatEvent) {
				return
			}
			timer.Reset(sseIdleTimeout)
		}
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, ev protocol.SSEEvent) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err == nil
}
