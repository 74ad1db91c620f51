package realtime

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Provisioning wire protocol. One connection carries many conversations,
// each addressed by a channel string.

type EventType string

const (
	EventTypeLog   EventType = "LOG"
	EventTypeReady EventType = "READY"
	EventTypeError EventType = "ERROR"
)

func (t EventType) Valid() bool {
	switch t {
	case EventTypeLog, EventTypeReady, EventTypeError:
		return true
	default:
		return false
	}
}

// OutboundEnvelope is published by clients: provisioning and termination requests.
type OutboundEnvelope struct {
	Channel string `json:"channel"`
	Payload any    `json:"payload"`
}

// InboundEnvelope is delivered to clients on a per-session response channel.
type InboundEnvelope struct {
	Channel string              `json:"channel"`
	Type    EventType           `json:"type"`
	Message string              `json:"message,omitempty"`
	Data    *InstanceDescriptor `json:"data,omitempty"`
}

// InstanceDescriptor describes a reachable workspace. It is delivered inside READY.
type InstanceDescriptor struct {
	ID            string    `json:"id"`
	Address       string    `json:"address"`
	Port          int       `json:"port"`
	SourceRepoURL string    `json:"sourceRepoUrl"`
	CreatedAt     time.Time `json:"createdAt"`
}

// URL is the HTTP endpoint of the workspace IDE.
func (d InstanceDescriptor) URL() string {
	return fmt.Sprintf("http://%s", net.JoinHostPort(d.Address, strconv.Itoa(d.Port)))
}

// FlatProvisionRequest is the "flat" request payload shape.
type FlatProvisionRequest struct {
	TaskID       string `json:"task_id"`
	CPU          int    `json:"cpu"`
	Memory       int    `json:"memory"`
	NetworkGroup string `json:"network_group"`
	Isolated     bool   `json:"isolated"`
	SourceURL    string `json:"source_url"`
}

// TaskProvisionRequest is the "task" request payload shape.
type TaskProvisionRequest struct {
	TaskID      string        `json:"task_id"`
	Type        string        `json:"type"`
	RequestedAt time.Time     `json:"requested_at"`
	Resources   TaskResources `json:"resources"`
	Source      TaskSource    `json:"source"`
}

type TaskResources struct {
	CPU          int    `json:"cpu"`
	Memory       int    `json:"memory"`
	NetworkGroup string `json:"network_group"`
	Isolated     bool   `json:"isolated"`
}

type TaskSource struct {
	URL string `json:"url"`
}

type TerminateRequest struct {
	TaskID string `json:"task_id"`
}

// Gateway realtime protocol: browsers subscribe to workspace topics.

type ClientMessageType string

const (
	ClientMessageTypeSubscribe   ClientMessageType = "subscribe"
	ClientMessageTypeUnsubscribe ClientMessageType = "unsubscribe"
	ClientMessageTypePing        ClientMessageType = "ping"
)

type ServerMessageType string

const (
	ServerMessageTypeSnapshot ServerMessageType = "snapshot"
	ServerMessageTypeEvent    ServerMessageType = "event"
	ServerMessageTypeError    ServerMessageType = "error"
	ServerMessageTypePong     ServerMessageType = "pong"
)

type ClientEnvelope struct {
	Type   ClientMessageType `json:"type"`
	Topics []string          `json:"topics,omitempty"`
}

type ServerEnvelope struct {
	Type    ServerMessageType `json:"type"`
	Topic   string            `json:"topic,omitempty"`
	Payload any               `json:"payload,omitempty"`
	Message string            `json:"message,omitempty"`
}

type WorkspacesSnapshot struct {
	Workspaces []WorkspaceState `json:"workspaces"`
}

type WorkspaceState struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id,omitempty"`
	SourceURL string    `json:"source_url,omitempty"`
	State     string    `json:"state"`
	Endpoint  string    `json:"endpoint,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type WorkspaceEvent struct {
	WorkspaceID string    `json:"workspace_id"`
	Kind        string    `json:"kind"`
	Timestamp   time.Time `json:"timestamp"`
	State       string    `json:"state,omitempty"`
	Message     string    `json:"message,omitempty"`
	Data        any       `json:"data,omitempty"`
}

// WorkspaceDetail is the snapshot for a single-workspace topic.
type WorkspaceDetail struct {
	WorkspaceState
	Logs    []LogLine `json:"logs"`
	Insight *Insight  `json:"insight,omitempty"`
}

type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

type Insight struct {
	ProjectType            string   `json:"projectType"`
	SuggestedOptimizations []string `json:"suggestedOptimizations"`
	Fallback               bool     `json:"fallback"`
}
