// Package presentation converts service snapshots into API responses.
package presentation

import (
	"github.com/ricochet1k/cloudide/internal/realtime"
	"github.com/ricochet1k/cloudide/internal/service"
	apiTypes "github.com/ricochet1k/cloudide/pkg/api"
)

func WorkspaceResponseFromSnapshot(s service.Snapshot) apiTypes.WorkspaceResponse {
	detail := realtime.WorkspaceDetail(s)
	resp := apiTypes.WorkspaceResponse{
		ID:        s.ID,
		TaskID:    s.TaskID,
		SourceURL: s.SourceURL,
		State:     apiTypes.WorkspaceState(s.State.String()),
		Endpoint:  detail.Endpoint,
		Error:     s.ErrorMessage,
		Logs:      detail.Logs,
		Insight:   detail.Insight,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	if s.Instance != nil {
		inst := *s.Instance
		resp.Instance = &inst
	}
	return resp
}
