package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/trellis-data/labflow/internal/events"
)

// sseKeepAlive is how often an idle stream gets a comment line.
const sseKeepAlive = 15 * time.Second

// handleSSE streams sequence events to observers. ?sequence_id= narrows the
// stream to one sequence. Terminal events come from a priority subscription
// and are never dropped.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	if s.eventBus == nil {
		s.respondError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	ctx := r.Context()
	sequenceID := r.URL.Query().Get("sequence_id")

	// Terminal events travel on the priority channel only.
	eventCh := s.eventBus.SubscribeForSequence(sequenceID,
		events.TypeConnected, events.TypePlanGenerated, events.TypeWorkflowStarted,
		events.TypeStepStarted, events.TypeCardCreated, events.TypeAgentExecuted,
		events.TypeStepRetrying, events.TypeStepCompleted, events.TypeClarificationNeeded,
	)
	priorityCh := s.eventBus.SubscribePriority(sequenceID)
	defer s.eventBus.Unsubscribe(eventCh)
	defer s.eventBus.Unsubscribe(priorityCh)

	s.logger.Info("SSE client connected", "remote_addr", r.RemoteAddr, "sequence_id", sequenceID)

	s.sendSSEEvent(w, flusher, "connected", map[string]string{
		"status": "connected",
	})

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("SSE client disconnected", "remote_addr", r.RemoteAddr)
			return

		case event, ok := <-priorityCh:
			if !ok {
				return
			}
			s.sendSSEEvent(w, flusher, event.EventType(), event)

		case event, ok := <-eventCh:
			if !ok {
				s.logger.Info("event bus closed, ending SSE stream")
				return
			}
			s.sendSSEEvent(w, flusher, event.EventType(), event)

		case <-keepAlive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// sendSSEEvent writes an event to the SSE stream.
func (s *Server) sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", eventType)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()
}
