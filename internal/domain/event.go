package domain

import "time"

type EventType int

const (
	EventTypeStateChange EventType = iota
	EventTypeLog
	EventTypeInsight
)

func (t EventType) String() string {
	switch t {
	case EventTypeStateChange:
		return "state"
	case EventTypeLog:
		return "log"
	case EventTypeInsight:
		return "insight"
	default:
		return "unknown"
	}
}

// Event is something observable that happened to a workspace.
type Event struct {
	Type        EventType
	Timestamp   time.Time
	WorkspaceID string
	Data        any
}

type StateChangeData struct {
	OldState string
	NewState string
	Reason   string
}

type LogData struct {
	Level   LogLevel
	Message string
}

// InsightData is advisory output about the source repository. It never
// influences workspace state.
type InsightData struct {
	ProjectType            string
	SuggestedOptimizations []string
	Fallback               bool
}

func NewStateChangeEvent(workspaceID, oldState, newState, reason string) Event {
	return Event{
		Type:        EventTypeStateChange,
		Timestamp:   time.Now(),
		WorkspaceID: workspaceID,
		Data: StateChangeData{
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		},
	}
}

func NewLogEvent(workspaceID string, entry LogEntry) Event {
	return Event{
		Type:        EventTypeLog,
		Timestamp:   entry.Timestamp,
		WorkspaceID: workspaceID,
		Data:        LogData{Level: entry.Level, Message: entry.Message},
	}
}

func NewInsightEvent(workspaceID string, data InsightData) Event {
	return Event{
		Type:        EventTypeInsight,
		Timestamp:   time.Now(),
		WorkspaceID: workspaceID,
		Data:        data,
	}
}
