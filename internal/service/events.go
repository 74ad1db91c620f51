package service

import (
	"sync"

	"github.com/ricochet1k/cloudide/internal/domain"
)

type Subscriber struct {
	ID          string
	WorkspaceID string
	Events      chan domain.Event
}

// EventBroadcaster fans workspace events out to subscribers. A subscriber
// with an empty WorkspaceID sees every workspace. Slow subscribers miss
// events rather than stall the workspace that emitted them.
type EventBroadcaster struct {
	subscribers map[string]*Subscriber
	mu          sync.RWMutex
	bufferSize  int
}

func NewEventBroadcaster(bufferSize int) *EventBroadcaster {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &EventBroadcaster{
		subscribers: make(map[string]*Subscriber),
		bufferSize:  bufferSize,
	}
}

func (b *EventBroadcaster) Subscribe(subscriberID, workspaceID string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.subscribers[subscriberID]; ok {
		close(old.Events)
	}
	sub := &Subscriber{
		ID:          subscriberID,
		WorkspaceID: workspaceID,
		Events:      make(chan domain.Event, b.bufferSize),
	}
	b.subscribers[subscriberID] = sub
	return sub
}

func (b *EventBroadcaster) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[subscriberID]; ok {
		close(sub.Events)
		delete(b.subscribers, subscriberID)
	}
}

func (b *EventBroadcaster) Broadcast(event domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if sub.WorkspaceID != "" && sub.WorkspaceID != event.WorkspaceID {
			continue
		}
		select {
		case sub.Events <- event:
		default:
		}
	}
}

func (b *EventBroadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
