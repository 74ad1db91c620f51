package realtime

import "strings"

const (
	TopicWorkspaces       = "workspaces"
	topicWorkspacesPrefix = TopicWorkspaces + "."
)

// TopicWorkspace is the per-workspace topic carrying log, state and insight
// events.
func TopicWorkspace(id string) string {
	return topicWorkspacesPrefix + id
}

// WorkspaceIDFromTopic returns the id in a per-workspace topic.
func WorkspaceIDFromTopic(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, topicWorkspacesPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

func IsSupportedTopic(topic string) bool {
	if topic == TopicWorkspaces {
		return true
	}
	_, ok := WorkspaceIDFromTopic(topic)
	return ok
}
