// Package api is the HTTP gateway: REST for workspaces, a realtime websocket
// and server-sent events for browsers, plus health and metrics.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/ricochet1k/cloudide/internal/domain"
	"github.com/ricochet1k/cloudide/internal/presentation"
	"github.com/ricochet1k/cloudide/internal/realtime"
	"github.com/ricochet1k/cloudide/internal/service"
	"github.com/ricochet1k/cloudide/internal/transport"
	apiTypes "github.com/ricochet1k/cloudide/pkg/api"
	realtimeTypes "github.com/ricochet1k/cloudide/pkg/realtime"
)

type Option func(*Handler)

// WithLaunchLimit caps workspace launches with a token bucket.
func WithLaunchLimit(r rate.Limit, burst int) Option {
	return func(h *Handler) { h.launchLimiter = rate.NewLimiter(r, burst) }
}

func WithGatherer(g prometheus.Gatherer) Option {
	return func(h *Handler) { h.gatherer = g }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// Handler routes REST API requests to the workspace manager.
type Handler struct {
	manager       *service.Manager
	broadcaster   *service.EventBroadcaster
	realtimeHub   *realtime.Hub
	snapshotter   *realtime.SnapshotProvider
	launchLimiter *rate.Limiter
	gatherer      prometheus.Gatherer
	logger        *slog.Logger
	bridgeSubID   string
}

func NewHandler(manager *service.Manager, opts ...Option) *Handler {
	h := &Handler{
		manager:     manager,
		broadcaster: manager.Events(),
		realtimeHub: realtime.NewHub(),
		snapshotter: realtime.NewSnapshotProvider(manager),
		gatherer:    prometheus.DefaultGatherer,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "api")
	h.startRealtimeBridge()
	return h
}

// Mount registers all API routes on the provided router.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/healthz", h.health)
	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	r.Get("/api/realtime", h.realtimeWebSocket)
	r.Get("/api/workspaces", h.listWorkspaces)
	r.Post("/api/workspaces", h.createWorkspace)
	r.Get("/api/workspaces/{id}", h.getWorkspace)
	r.Delete("/api/workspaces/{id}", h.destroyWorkspace)
	r.Post("/api/workspaces/{id}/reset", h.resetWorkspace)
	r.Get("/api/workspaces/{id}/events", h.sseEvents)
}

// Close stops relaying workspace events to realtime clients.
func (h *Handler) Close() {
	h.broadcaster.Unsubscribe(h.bridgeSubID)
}

func (h *Handler) startRealtimeBridge() {
	h.bridgeSubID = generateID()
	sub := h.broadcaster.Subscribe(h.bridgeSubID, "")
	go func() {
		for event := range sub.Events {
			topic := realtime.TopicWorkspace(event.WorkspaceID)
			h.realtimeHub.Publish(topic, realtimeTypes.ServerEnvelope{
				Type:    realtimeTypes.ServerMessageTypeEvent,
				Topic:   topic,
				Payload: realtime.WorkspaceEvent(event),
			})
			if event.Type != domain.EventTypeStateChange {
				continue
			}
			h.realtimeHub.Publish(realtime.TopicWorkspaces, realtimeTypes.ServerEnvelope{
				Type:    realtimeTypes.ServerMessageTypeEvent,
				Topic:   realtime.TopicWorkspaces,
				Payload: h.workspaceStateFromEvent(event),
			})
		}
	}()
}

func (h *Handler) workspaceStateFromEvent(event domain.Event) realtimeTypes.WorkspaceState {
	if w, err := h.manager.Get(event.WorkspaceID); err == nil {
		return realtime.WorkspaceState(w.Snapshot())
	}
	// Already removed by the manager; report the transition itself.
	state := realtimeTypes.WorkspaceState{ID: event.WorkspaceID, UpdatedAt: event.Timestamp}
	if data, ok := event.Data.(domain.StateChangeData); ok {
		state.State = data.NewState
	}
	return state
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	counts := make(map[string]int)
	for state, n := range h.manager.Count() {
		counts[state.String()] = n
	}
	writeJSON(w, http.StatusOK, apiTypes.HealthResponse{Status: "ok", Workspaces: counts})
}

func (h *Handler) listWorkspaces(w http.ResponseWriter, _ *http.Request) {
	all := h.manager.List()
	resp := apiTypes.WorkspaceListResponse{Workspaces: make([]apiTypes.WorkspaceResponse, len(all))}
	for i, snap := range all {
		resp.Workspaces[i] = presentation.WorkspaceResponseFromSnapshot(snap)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) createWorkspace(w http.ResponseWriter, r *http.Request) {
	var req apiTypes.LaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := service.ValidateSourceURL(req.SourceURL); err != nil {
		writeError(w, http.StatusBadRequest, "invalid source url", err.Error())
		return
	}
	if h.launchLimiter != nil && !h.launchLimiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "launch rate limit exceeded", "")
		return
	}

	ws, err := h.manager.Launch(r.Context(), req.SourceURL)
	if err != nil {
		var cerr *transport.ConnectionError
		switch {
		case errors.Is(err, service.ErrEmptySourceURL), errors.Is(err, service.ErrInvalidSourceURL):
			writeError(w, http.StatusBadRequest, "invalid source url", err.Error())
		case errors.As(err, &cerr):
			h.logger.Warn("launch failed", "workspace_id", ws.ID(), "error", err)
			writeError(w, http.StatusBadGateway, "provisioning bus unavailable", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "failed to launch workspace", err.Error())
		}
		return
	}

	writeJSON(w, http.StatusCreated, presentation.WorkspaceResponseFromSnapshot(ws.Snapshot()))
}

func (h *Handler) getWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, presentation.WorkspaceResponseFromSnapshot(ws.Snapshot()))
}

func (h *Handler) destroyWorkspace(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Destroy(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, service.ErrWorkspaceNotFound) {
			writeError(w, http.StatusNotFound, "workspace not found", "")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to destroy workspace", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) resetWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := ws.Reset(); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, "workspace has not failed", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to reset workspace", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, presentation.WorkspaceResponseFromSnapshot(ws.Snapshot()))
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*service.Workspace, bool) {
	ws, err := h.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, service.ErrWorkspaceNotFound) {
			writeError(w, http.StatusNotFound, "workspace not found", "")
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, "failed to look up workspace", err.Error())
		return nil, false
	}
	return ws, true
}

func generateID() string {
	return uuid.NewString()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message, details string) {
	resp := apiTypes.ErrorResponse{Error: message}
	if details != "" {
		resp.Details = details
	}
	writeJSON(w, code, resp)
}
