package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ricochet1k/cloudide/internal/realtime"
	realtimeTypes "github.com/ricochet1k/cloudide/pkg/realtime"
)

const (
	realtimeMaxFrame = 16 << 10
	realtimeIdle     = 90 * time.Second
)

var realtimeUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// realtimeConn is one browser subscribed to workspace topics.
type realtimeConn struct {
	h      *Handler
	client *realtime.Client
	log    *slog.Logger
}

func (h *Handler) realtimeWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := realtimeUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("realtime upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(realtimeMaxFrame)

	rc := &realtimeConn{h: h, client: realtime.NewClient(generateID(), ws)}
	rc.log = h.logger.With("client_id", rc.client.ID())

	h.realtimeHub.Register(rc.client)
	defer h.realtimeHub.Unregister(rc.client.ID())
	go rc.client.WriteLoop()

	rc.log.Debug("realtime client connected", "remote", r.RemoteAddr)
	rc.readLoop(ws)
	rc.log.Debug("realtime client gone")
}

func (rc *realtimeConn) readLoop(ws *websocket.Conn) {
	for {
		_ = ws.SetReadDeadline(time.Now().Add(realtimeIdle))
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var msg realtimeTypes.ClientEnvelope
		if err := json.Unmarshal(raw, &msg); err != nil {
			rc.fail("invalid message")
			continue
		}

		var ok bool
		switch msg.Type {
		case realtimeTypes.ClientMessageTypeSubscribe:
			ok = rc.subscribe(msg.Topics)
		case realtimeTypes.ClientMessageTypeUnsubscribe:
			rc.h.realtimeHub.Unsubscribe(rc.client.ID(), supportedTopics(msg.Topics))
			ok = true
		case realtimeTypes.ClientMessageTypePing:
			ok = rc.client.Queue(realtimeTypes.ServerEnvelope{Type: realtimeTypes.ServerMessageTypePong})
		default:
			ok = rc.fail(fmt.Sprintf("unsupported message type %q", msg.Type))
		}
		if !ok {
			return
		}
	}
}

// subscribe registers topics before taking their snapshots, so an event
// raised in between reaches the client rather than falling into the gap.
// The client may then see an event that its snapshot already reflects.
func (rc *realtimeConn) subscribe(topics []string) bool {
	for _, topic := range topics {
		if !realtime.IsSupportedTopic(topic) {
			if !rc.fail("unsupported topic: " + topic) {
				return false
			}
		}
	}
	valid := supportedTopics(topics)
	if len(valid) == 0 {
		return true
	}

	rc.h.realtimeHub.Subscribe(rc.client.ID(), valid)
	for _, topic := range valid {
		snapshot, err := rc.h.snapshotter.Snapshot(topic)
		if err != nil {
			rc.h.realtimeHub.Unsubscribe(rc.client.ID(), []string{topic})
			if !rc.fail("no snapshot for " + topic + ": " + err.Error()) {
				return false
			}
			continue
		}
		if !rc.client.Queue(realtimeTypes.ServerEnvelope{
			Type:    realtimeTypes.ServerMessageTypeSnapshot,
			Topic:   topic,
			Payload: snapshot,
		}) {
			return false
		}
	}
	return true
}

// fail reports a client error and returns whether the client is still
// reachable.
func (rc *realtimeConn) fail(message string) bool {
	rc.log.Debug("realtime client error", "message", message)
	return rc.client.Queue(realtimeTypes.ServerEnvelope{
		Type:    realtimeTypes.ServerMessageTypeError,
		Message: message,
	})
}

func supportedTopics(topics []string) []string {
	out := make([]string, 0, len(topics))
	for _, topic := range topics {
		if realtime.IsSupportedTopic(topic) {
			out = append(out, topic)
		}
	}
	return out
}
