package realtime

import (
	"github.com/ricochet1k/cloudide/internal/domain"
	"github.com/ricochet1k/cloudide/internal/service"
	realtimeTypes "github.com/ricochet1k/cloudide/pkg/realtime"
)

func WorkspaceState(snap service.Snapshot) realtimeTypes.WorkspaceState {
	state := realtimeTypes.WorkspaceState{
		ID:        snap.ID,
		TaskID:    snap.TaskID,
		SourceURL: snap.SourceURL,
		State:     snap.State.String(),
		Error:     snap.ErrorMessage,
		UpdatedAt: snap.UpdatedAt,
	}
	if snap.Instance != nil {
		state.Endpoint = snap.Instance.URL()
	}
	return state
}

func WorkspaceDetail(snap service.Snapshot) realtimeTypes.WorkspaceDetail {
	detail := realtimeTypes.WorkspaceDetail{
		WorkspaceState: WorkspaceState(snap),
		Logs:           make([]realtimeTypes.LogLine, len(snap.Logs)),
	}
	for i, entry := range snap.Logs {
		detail.Logs[i] = realtimeTypes.LogLine{
			Timestamp: entry.Timestamp,
			Level:     string(entry.Level),
			Message:   entry.Message,
		}
	}
	if snap.Insight != nil {
		detail.Insight = insightFromDomain(*snap.Insight)
	}
	return detail
}

// WorkspaceEvent flattens a domain event for the wire.
func WorkspaceEvent(e domain.Event) realtimeTypes.WorkspaceEvent {
	out := realtimeTypes.WorkspaceEvent{
		WorkspaceID: e.WorkspaceID,
		Kind:        e.Type.String(),
		Timestamp:   e.Timestamp,
	}
	switch data := e.Data.(type) {
	case domain.StateChangeData:
		out.State = data.NewState
		out.Message = data.Reason
	case domain.LogData:
		out.Message = data.Message
	case domain.InsightData:
		out.Data = insightFromDomain(data)
	}
	return out
}

func insightFromDomain(d domain.InsightData) *realtimeTypes.Insight {
	return &realtimeTypes.Insight{
		ProjectType:            d.ProjectType,
		SuggestedOptimizations: append([]string(nil), d.SuggestedOptimizations...),
		Fallback:               d.Fallback,
	}
}
