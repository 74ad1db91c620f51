package realtime

import (
	"fmt"

	"github.com/ricochet1k/cloudide/internal/service"
	realtimeTypes "github.com/ricochet1k/cloudide/pkg/realtime"
)

type SnapshotProvider struct {
	manager *service.Manager
}

func NewSnapshotProvider(manager *service.Manager) *SnapshotProvider {
	return &SnapshotProvider{manager: manager}
}

func (p *SnapshotProvider) Snapshot(topic string) (any, error) {
	if topic == TopicWorkspaces {
		return p.workspacesSnapshot(), nil
	}
	if id, ok := WorkspaceIDFromTopic(topic); ok {
		w, err := p.manager.Get(id)
		if err != nil {
			return nil, err
		}
		return WorkspaceDetail(w.Snapshot()), nil
	}
	return nil, fmt.Errorf("unsupported topic: %s", topic)
}

func (p *SnapshotProvider) workspacesSnapshot() realtimeTypes.WorkspacesSnapshot {
	all := p.manager.List()
	out := make([]realtimeTypes.WorkspaceState, len(all))
	for i, snap := range all {
		out[i] = WorkspaceState(snap)
	}
	return realtimeTypes.WorkspacesSnapshot{Workspaces: out}
}
