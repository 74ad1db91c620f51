package presentation

import (
	"testing"
	"time"

	"github.com/ricochet1k/cloudide/internal/domain"
	"github.com/ricochet1k/cloudide/internal/service"
	apiTypes "github.com/ricochet1k/cloudide/pkg/api"
	realtimeTypes "github.com/ricochet1k/cloudide/pkg/realtime"
)

func TestWorkspaceResponseFromSnapshot(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	snap := service.Snapshot{
		WorkspaceSnapshot: domain.WorkspaceSnapshot{
			ID:        "ws-1",
			TaskID:    "task-1",
			SourceURL: "https://github.com/acme/widget",
			State:     domain.WorkspaceStateReady,
			Logs:      []domain.LogEntry{{Timestamp: now, Level: domain.LogLevelInfo, Message: "booting"}},
			Instance:  &realtimeTypes.InstanceDescriptor{ID: "inst", Address: "10.244.0.9", Port: 8080},
			CreatedAt: now,
			UpdatedAt: now,
		},
		Insight: &domain.InsightData{ProjectType: "Go Service", SuggestedOptimizations: []string{"cache"}},
	}

	resp := WorkspaceResponseFromSnapshot(snap)

	if resp.State != apiTypes.WorkspaceStateReady {
		t.Errorf("State = %q, want %q", resp.State, apiTypes.WorkspaceStateReady)
	}
	if resp.Endpoint != "http://10.244.0.9:8080" {
		t.Errorf("Endpoint = %q", resp.Endpoint)
	}
	if len(resp.Logs) != 1 || resp.Logs[0].Level != "info" {
		t.Errorf("unexpected logs %+v", resp.Logs)
	}
	if resp.Insight == nil || resp.Insight.ProjectType != "Go Service" {
		t.Errorf("unexpected insight %+v", resp.Insight)
	}
	if resp.Instance == snap.Instance {
		t.Error("instance should be copied")
	}
}

func TestWorkspaceResponseFromSnapshot_Idle(t *testing.T) {
	resp := WorkspaceResponseFromSnapshot(service.Snapshot{
		WorkspaceSnapshot: domain.WorkspaceSnapshot{ID: "ws-2", State: domain.WorkspaceStateIdle},
	})
	if resp.Endpoint != "" || resp.Instance != nil || resp.Insight != nil {
		t.Errorf("idle workspace should have no endpoint, instance or insight: %+v", resp)
	}
	if resp.Logs == nil {
		t.Error("logs should encode as an empty list")
	}
}
