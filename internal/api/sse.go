package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ricochet1k/cloudide/internal/domain"
	"github.com/ricochet1k/cloudide/internal/realtime"
)

const sseHeartbeatInterval = 15 * time.Second

// sseEvents streams a workspace's events as Server-Sent Events.
// The subscription is registered before headers are flushed so that no
// events are lost between the client seeing the 200 and the first broadcast.
func (h *Handler) sseEvents(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.lookup(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", "")
		return
	}

	subID := generateID()
	sub := h.broadcaster.Subscribe(subID, ws.ID())
	defer h.broadcaster.Unsubscribe(subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent serialises a single domain event in the SSE wire format:
//
//	event: <kind>\n
//	data: <json>\n
//	\n
func writeSSEEvent(w http.ResponseWriter, event domain.Event) error {
	wire := realtime.WorkspaceEvent(event)
	data, err := json.Marshal(wire)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", wire.Kind, data)
	return err
}
