package service

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ricochet1k/cloudide/internal/domain"
)

var ErrWorkspaceNotFound = errors.New("workspace not found")

// Manager owns the workspaces of one process. All of them share a single
// Provisioner and therefore a single transport link.
type Manager struct {
	prov   Provisioner
	opts   []Option
	events *EventBroadcaster

	mu         sync.RWMutex
	workspaces map[string]*Workspace
}

func NewManager(prov Provisioner, events *EventBroadcaster, opts ...Option) *Manager {
	if events == nil {
		events = NewEventBroadcaster(0)
	}
	m := &Manager{
		prov:       prov,
		events:     events,
		workspaces: make(map[string]*Workspace),
	}
	m.opts = append(append([]Option(nil), opts...), WithObserver(events.Broadcast))
	return m
}

func (m *Manager) Events() *EventBroadcaster {
	return m.events
}

// Launch creates a workspace and launches it. Invalid source URLs are
// rejected without creating anything; a workspace whose launch failed
// downstream is kept so its failure can be inspected.
func (m *Manager) Launch(ctx context.Context, sourceURL string) (*Workspace, error) {
	if err := ValidateSourceURL(sourceURL); err != nil {
		return nil, err
	}

	w := NewWorkspace(uuid.NewString(), m.prov, m.opts...)
	m.mu.Lock()
	m.workspaces[w.ID()] = w
	m.mu.Unlock()

	if err := w.Launch(ctx, sourceURL); err != nil {
		return w, err
	}
	return w, nil
}

func (m *Manager) Get(id string) (*Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workspaces[id]
	if !ok {
		return nil, ErrWorkspaceNotFound
	}
	return w, nil
}

// List returns snapshots ordered by creation time.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	all := make([]*Workspace, 0, len(m.workspaces))
	for _, w := range m.workspaces {
		all = append(all, w)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(all))
	for _, w := range all {
		out = append(out, w.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Destroy tears down and forgets the workspace.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	m.mu.Lock()
	w, ok := m.workspaces[id]
	delete(m.workspaces, id)
	m.mu.Unlock()
	if !ok {
		return ErrWorkspaceNotFound
	}
	w.Destroy(ctx)
	return nil
}

func (m *Manager) Reset(id string) error {
	w, err := m.Get(id)
	if err != nil {
		return err
	}
	return w.Reset()
}

// Shutdown destroys every workspace.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	all := m.workspaces
	m.workspaces = make(map[string]*Workspace)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range all {
		wg.Add(1)
		go func(w *Workspace) {
			defer wg.Done()
			w.Destroy(ctx)
		}(w)
	}
	wg.Wait()
}

// Count reports workspaces per state.
func (m *Manager) Count() map[domain.WorkspaceState]int {
	m.mu.RLock()
	all := make([]*Workspace, 0, len(m.workspaces))
	for _, w := range m.workspaces {
		all = append(all, w)
	}
	m.mu.RUnlock()

	counts := make(map[domain.WorkspaceState]int)
	for _, w := range all {
		counts[w.State()]++
	}
	return counts
}
