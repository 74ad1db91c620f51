package session

import (
	"fmt"
	"strings"
	"time"

	realtimeTypes "github.com/ricochet1k/cloudide/pkg/realtime"
)

// Channels names the well-known channels. They are configuration and must
// match what the provisioner uses.
type Channels struct {
	Request        string
	Terminate      string
	ResponsePrefix string
}

// Response returns the per-session channel for taskID.
func (c Channels) Response(taskID string) string {
	return c.ResponsePrefix + taskID
}

// Validate requires channels that map onto broker subjects: ':' separates
// tokens, '.' is reserved, and the response prefix ends on a token boundary
// so one wildcard covers every session under it.
func (c Channels) Validate() error {
	switch {
	case c.Request == "":
		return fmt.Errorf("request channel is empty")
	case c.Terminate == "":
		return fmt.Errorf("terminate channel is empty")
	case c.ResponsePrefix == "":
		return fmt.Errorf("response prefix is empty")
	case !strings.HasSuffix(c.ResponsePrefix, ":"):
		return fmt.Errorf("response prefix %q must end with ':'", c.ResponsePrefix)
	}
	for _, ch := range []string{c.Request, c.Terminate, c.ResponsePrefix} {
		if strings.Contains(ch, ".") {
			return fmt.Errorf("channel %q must not contain '.'", ch)
		}
	}
	return nil
}

// PayloadShape selects the request payload layout.
type PayloadShape string

const (
	ShapeFlat PayloadShape = "flat"
	ShapeTask PayloadShape = "task"
)

func (s PayloadShape) Valid() bool {
	return s == ShapeFlat || s == ShapeTask
}

// RequestParams are the caller-supplied parts of a provisioning request.
type RequestParams struct {
	SourceURL    string
	CPU          int
	Memory       int
	NetworkGroup string
	Isolated     bool
}

func buildPayload(shape PayloadShape, taskID string, p RequestParams, now time.Time) any {
	if shape == ShapeTask {
		return realtimeTypes.TaskProvisionRequest{
			TaskID:      taskID,
			Type:        "workspace",
			RequestedAt: now.UTC(),
			Resources: realtimeTypes.TaskResources{
				CPU:          p.CPU,
				Memory:       p.Memory,
				NetworkGroup: p.NetworkGroup,
				Isolated:     p.Isolated,
			},
			Source: realtimeTypes.TaskSource{URL: p.SourceURL},
		}
	}
	return realtimeTypes.FlatProvisionRequest{
		TaskID:       taskID,
		CPU:          p.CPU,
		Memory:       p.Memory,
		NetworkGroup: p.NetworkGroup,
		Isolated:     p.Isolated,
		SourceURL:    p.SourceURL,
	}
}
