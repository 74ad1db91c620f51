// Package bridge relays the provisioning websocket protocol onto a pub/sub
// broker. Clients publish requests over /ws; provisioner events published on
// the broker are wrapped as inbound envelopes and sent back to the client
// that asked for them.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/ricochet1k/cloudide/internal/realtime"
	"github.com/ricochet1k/cloudide/internal/session"
	realtimeTypes "github.com/ricochet1k/cloudide/pkg/realtime"
)

const shutdownTimeout = 5 * time.Second

// clientFrame keeps the payload raw so it reaches the broker untouched.
type clientFrame struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

type taskRef struct {
	TaskID string `json:"task_id"`
}

// providerEvent is what the provisioner publishes on a response subject.
type providerEvent struct {
	Type    realtimeTypes.EventType           `json:"type"`
	Message string                            `json:"message,omitempty"`
	Data    *realtimeTypes.InstanceDescriptor `json:"data,omitempty"`
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

type Server struct {
	broker   Broker
	channels session.Channels
	hub      *realtime.Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu          sync.Mutex
	unsubscribe func()
}

func NewServer(broker Broker, channels session.Channels, opts ...Option) *Server {
	s := &Server{
		broker:   broker,
		channels: channels,
		hub:      realtime.NewHub(),
		logger:   slog.Default(),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "bridge")
	return s
}

// Start subscribes to every response channel on the broker.
func (s *Server) Start() error {
	pattern, err := PrefixWildcard(s.channels.ResponsePrefix)
	if err != nil {
		return err
	}
	unsub, err := s.broker.Subscribe(pattern, s.handleBrokerMessage)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.unsubscribe = unsub
	s.mu.Unlock()
	s.logger.Info("relaying responses", "subject", pattern)
	return nil
}

func (s *Server) Stop() {
	s.mu.Lock()
	unsub := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", s.serveWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	if err := s.Start(); err != nil {
		return err
	}
	defer s.Stop()

	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("bridge listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := realtime.NewClient(uuid.NewString(), conn)
	s.hub.Register(client)
	defer s.hub.Unregister(client.ID())
	go client.WriteLoop()

	log := s.logger.With("client_id", client.ID())
	log.Debug("client connected", "remote", r.RemoteAddr)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Debug("client gone", "error", err)
			return
		}
		s.handleClientFrame(client, raw, log)
	}
}

func (s *Server) handleClientFrame(client *realtime.Client, raw []byte, log *slog.Logger) {
	var frame clientFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Channel == "" {
		log.Warn("dropping malformed client frame", "error", err)
		return
	}
	subject, err := ChannelToSubject(frame.Channel)
	if err != nil {
		log.Warn("dropping client frame", "channel", frame.Channel, "error", err)
		return
	}

	var ref taskRef
	_ = json.Unmarshal(frame.Payload, &ref)

	// Subscribe before publishing so the first response cannot be missed.
	if frame.Channel == s.channels.Request && ref.TaskID != "" {
		s.hub.Subscribe(client.ID(), []string{s.channels.Response(ref.TaskID)})
	}

	if err := s.broker.Publish(subject, frame.Payload); err != nil {
		log.Error("broker publish failed", "subject", subject, "error", err)
		return
	}

	if frame.Channel == s.channels.Terminate && ref.TaskID != "" {
		s.hub.Unsubscribe(client.ID(), []string{s.channels.Response(ref.TaskID)})
	}
}

func (s *Server) handleBrokerMessage(subject string, data []byte) {
	channel := SubjectToChannel(subject)

	var ev providerEvent
	if err := json.Unmarshal(data, &ev); err != nil || !ev.Type.Valid() {
		s.logger.Warn("dropping malformed provisioner event", "subject", subject, "error", err)
		return
	}

	env := realtimeTypes.InboundEnvelope{
		Channel: channel,
		Type:    ev.Type,
		Message: ev.Message,
		Data:    ev.Data,
	}
	if n := s.hub.Publish(channel, env); n == 0 {
		s.logger.Debug("no client for response", "channel", channel)
	}
	if ev.Type == realtimeTypes.EventTypeReady || ev.Type == realtimeTypes.EventTypeError {
		s.hub.Forget(channel)
	}
}
