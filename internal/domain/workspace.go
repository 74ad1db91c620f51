package domain

import (
	"errors"
	"fmt"
	"time"

	realtimeTypes "github.com/ricochet1k/cloudide/pkg/realtime"
)

type WorkspaceState int

const (
	WorkspaceStateIdle WorkspaceState = iota
	WorkspaceStateRequesting
	WorkspaceStateAwaitingEvents
	WorkspaceStateReady
	WorkspaceStateFailed
)

func (s WorkspaceState) String() string {
	switch s {
	case WorkspaceStateIdle:
		return "idle"
	case WorkspaceStateRequesting:
		return "requesting"
	case WorkspaceStateAwaitingEvents:
		return "awaiting_events"
	case WorkspaceStateReady:
		return "ready"
	case WorkspaceStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether provisioning has concluded.
func (s WorkspaceState) IsTerminal() bool {
	return s == WorkspaceStateReady || s == WorkspaceStateFailed
}

var ErrInvalidTransition = errors.New("invalid state transition")

func NewInvalidTransitionError(from, to WorkspaceState) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Idle is reached again through destroy (from AwaitingEvents, Ready or
// Failed) or reset (from Failed).
var validTransitions = map[WorkspaceState][]WorkspaceState{
	WorkspaceStateIdle:           {WorkspaceStateRequesting},
	WorkspaceStateRequesting:     {WorkspaceStateAwaitingEvents, WorkspaceStateFailed},
	WorkspaceStateAwaitingEvents: {WorkspaceStateReady, WorkspaceStateFailed, WorkspaceStateIdle},
	WorkspaceStateReady:          {WorkspaceStateIdle},
	WorkspaceStateFailed:         {WorkspaceStateIdle},
}

func CanTransition(from, to WorkspaceState) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

type StateTransition struct {
	From      WorkspaceState
	To        WorkspaceState
	Reason    string
	Timestamp time.Time
}

type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelError LogLevel = "error"
)

type LogEntry struct {
	Timestamp time.Time
	Level     LogLevel
	Message   string
}

// Workspace is the bookkeeping for one provisioning attempt. It is not safe
// for concurrent use; its owner serializes access.
type Workspace struct {
	ID           string
	SourceURL    string
	TaskID       string
	State        WorkspaceState
	Logs         []LogEntry
	Instance     *realtimeTypes.InstanceDescriptor
	ErrorMessage string
	Transitions  []StateTransition
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func NewWorkspace(id string) *Workspace {
	now := time.Now()
	return &Workspace{
		ID:          id,
		State:       WorkspaceStateIdle,
		CreatedAt:   now,
		UpdatedAt:   now,
		Logs:        make([]LogEntry, 0),
		Transitions: make([]StateTransition, 0),
	}
}

func (w *Workspace) TransitionTo(newState WorkspaceState, reason string) error {
	if !CanTransition(w.State, newState) {
		return NewInvalidTransitionError(w.State, newState)
	}

	transition := StateTransition{
		From:      w.State,
		To:        newState,
		Reason:    reason,
		Timestamp: time.Now(),
	}
	w.Transitions = append(w.Transitions, transition)
	w.State = newState
	w.UpdatedAt = transition.Timestamp
	return nil
}

func (w *Workspace) AppendLog(level LogLevel, message string) LogEntry {
	entry := LogEntry{Timestamp: time.Now(), Level: level, Message: message}
	w.Logs = append(w.Logs, entry)
	w.UpdatedAt = entry.Timestamp
	return entry
}

// Clear drops everything tied to the current attempt. Transitions are kept
// as history.
func (w *Workspace) Clear() {
	w.SourceURL = ""
	w.TaskID = ""
	w.Logs = make([]LogEntry, 0)
	w.Instance = nil
	w.ErrorMessage = ""
	w.UpdatedAt = time.Now()
}

// WorkspaceSnapshot is a point-in-time copy safe to hand to other goroutines.
type WorkspaceSnapshot struct {
	ID           string
	SourceURL    string
	TaskID       string
	State        WorkspaceState
	Logs         []LogEntry
	Instance     *realtimeTypes.InstanceDescriptor
	ErrorMessage string
	Transitions  []StateTransition
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (w *Workspace) Snapshot() WorkspaceSnapshot {
	logs := make([]LogEntry, len(w.Logs))
	copy(logs, w.Logs)

	transitions := make([]StateTransition, len(w.Transitions))
	copy(transitions, w.Transitions)

	var instance *realtimeTypes.InstanceDescriptor
	if w.Instance != nil {
		cp := *w.Instance
		instance = &cp
	}

	return WorkspaceSnapshot{
		ID:           w.ID,
		SourceURL:    w.SourceURL,
		TaskID:       w.TaskID,
		State:        w.State,
		Logs:         logs,
		Instance:     instance,
		ErrorMessage: w.ErrorMessage,
		Transitions:  transitions,
		CreatedAt:    w.CreatedAt,
		UpdatedAt:    w.UpdatedAt,
	}
}
