package api

import (
	"time"

	realtimeTypes "github.com/ricochet1k/cloudide/pkg/realtime"
)

type WorkspaceState string

const (
	WorkspaceStateIdle           WorkspaceState = "idle"
	WorkspaceStateRequesting     WorkspaceState = "requesting"
	WorkspaceStateAwaitingEvents WorkspaceState = "awaiting_events"
	WorkspaceStateReady          WorkspaceState = "ready"
	WorkspaceStateFailed         WorkspaceState = "failed"
)

type LaunchRequest struct {
	SourceURL string `json:"source_url"`
}

type WorkspaceResponse struct {
	ID        string                            `json:"id"`
	TaskID    string                            `json:"task_id,omitempty"`
	SourceURL string                            `json:"source_url,omitempty"`
	State     WorkspaceState                    `json:"state"`
	Endpoint  string                            `json:"endpoint,omitempty"`
	Error     string                            `json:"error,omitempty"`
	Instance  *realtimeTypes.InstanceDescriptor `json:"instance,omitempty"`
	Logs      []realtimeTypes.LogLine           `json:"logs"`
	Insight   *realtimeTypes.Insight            `json:"insight,omitempty"`
	CreatedAt time.Time                         `json:"created_at"`
	UpdatedAt time.Time                         `json:"updated_at"`
}

type WorkspaceListResponse struct {
	Workspaces []WorkspaceResponse `json:"workspaces"`
}

type HealthResponse struct {
	Status     string         `json:"status"`
	Workspaces map[string]int `json:"workspaces"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}
