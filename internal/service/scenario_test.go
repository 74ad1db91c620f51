package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricochet1k/cloudide/internal/domain"
	"github.com/ricochet1k/cloudide/internal/insight"
	"github.com/ricochet1k/cloudide/internal/router"
	"github.com/ricochet1k/cloudide/internal/session"
	"github.com/ricochet1k/cloudide/internal/transport/transporttest"
	realtimeTypes "github.com/ricochet1k/cloudide/pkg/realtime"
)

var classicChannels = session.Channels{
	Request:        "provision:request",
	Terminate:      "provision:terminate",
	ResponsePrefix: "provision:log:",
}

// stack wires a workspace to a real router and correlator over an
// in-memory link.
func stack(t *testing.T, opts ...Option) (*Workspace, *transporttest.Fake) {
	t.Helper()
	link := transporttest.New()
	corr := session.NewCorrelator(router.New(link), classicChannels)
	return NewWorkspace("ws-1", corr, opts...), link
}

func requestedTaskID(t *testing.T, link *transporttest.Fake) string {
	t.Helper()
	sent := link.WaitSent(1, time.Second)
	require.NotEmpty(t, sent)
	require.Equal(t, classicChannels.Request, sent[0].Channel)
	payload, ok := sent[0].Payload.(map[string]any)
	require.True(t, ok)
	taskID, _ := payload["task_id"].(string)
	require.NotEmpty(t, taskID)
	return taskID
}

func settle(t *testing.T, w *Workspace) domain.WorkspaceState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state, err := w.Wait(ctx)
	require.NoError(t, err)
	return state
}

func TestScenario_ThreeLogsThenReady(t *testing.T) {
	w, link := stack(t)

	require.NoError(t, w.Launch(context.Background(), widgetURL))

	sent := link.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, widgetURL, sent[0].Payload.(map[string]any)["source_url"])
	taskID := requestedTaskID(t, link)

	channel := classicChannels.Response(taskID)
	for i := range 3 {
		link.DeliverEnvelope(realtimeTypes.InboundEnvelope{
			Channel: channel, Type: realtimeTypes.EventTypeLog, Message: fmt.Sprintf("step %d", i+1),
		})
	}
	link.DeliverEnvelope(realtimeTypes.InboundEnvelope{
		Channel: channel,
		Type:    realtimeTypes.EventTypeReady,
		Data:    &realtimeTypes.InstanceDescriptor{ID: "inst_1", Address: "10.244.1.2", Port: 8080},
	})

	require.Equal(t, domain.WorkspaceStateReady, settle(t, w))
	snap := w.Snapshot()
	require.Len(t, snap.Logs, 3)
	for i, entry := range snap.Logs {
		assert.Equal(t, fmt.Sprintf("step %d", i+1), entry.Message)
	}
	assert.Equal(t, 8080, snap.Instance.Port)
	assert.Equal(t, "http://10.244.1.2:8080", snap.Instance.URL())
}

func TestScenario_ErrorBeforeAnyLog(t *testing.T) {
	w, link := stack(t)
	require.NoError(t, w.Launch(context.Background(), widgetURL))
	taskID := requestedTaskID(t, link)

	link.DeliverEnvelope(realtimeTypes.InboundEnvelope{
		Channel: classicChannels.Response(taskID), Type: realtimeTypes.EventTypeError, Message: "capacity exhausted",
	})

	require.Equal(t, domain.WorkspaceStateFailed, settle(t, w))
	snap := w.Snapshot()
	assert.Equal(t, "capacity exhausted", snap.ErrorMessage)
	assert.Empty(t, snap.Logs)
}

func TestScenario_DestroySendsTerminate(t *testing.T) {
	w, link := stack(t)
	require.NoError(t, w.Launch(context.Background(), widgetURL))
	taskID := requestedTaskID(t, link)

	w.Destroy(context.Background())
	w.Destroy(context.Background())

	sent := link.WaitSent(2, time.Second)
	require.Len(t, sent, 2)
	assert.Equal(t, classicChannels.Terminate, sent[1].Channel)
	assert.Equal(t, map[string]any{"task_id": taskID}, sent[1].Payload)

	// A late READY on the old channel reaches nobody.
	link.DeliverEnvelope(realtimeTypes.InboundEnvelope{
		Channel: classicChannels.Response(taskID),
		Type:    realtimeTypes.EventTypeReady,
		Data:    &realtimeTypes.InstanceDescriptor{ID: "stale", Port: 8080},
	})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, domain.WorkspaceStateIdle, w.State())
}

func TestScenario_LinkDropFailsWorkspace(t *testing.T) {
	w, link := stack(t)
	require.NoError(t, w.Launch(context.Background(), widgetURL))
	requestedTaskID(t, link)

	link.Drop(fmt.Errorf("connection reset"))

	require.Equal(t, domain.WorkspaceStateFailed, settle(t, w))
	assert.Contains(t, w.Snapshot().ErrorMessage, "connection reset")
}

func TestScenario_InsightFallbackLeavesStateAlone(t *testing.T) {
	gen := generatorFunc(func(ctx context.Context, prompt string) (string, error) {
		return "not json at all", nil
	})
	w, link := stack(t, WithEnricher(insight.NewAnalyzer(gen)))
	require.NoError(t, w.Launch(context.Background(), widgetURL))
	requestedTaskID(t, link)

	require.Eventually(t, func() bool { return w.Snapshot().Insight != nil }, 2*time.Second, 5*time.Millisecond)
	snap := w.Snapshot()
	assert.Equal(t, insight.Fallback().ProjectType, snap.Insight.ProjectType)
	assert.Equal(t, domain.WorkspaceStateAwaitingEvents, snap.State)
}

func TestScenario_ConcurrentWorkspacesStayApart(t *testing.T) {
	link := transporttest.New()
	corr := session.NewCorrelator(router.New(link), classicChannels)

	const n = 10
	workspaces := make([]*Workspace, n)
	for i := range n {
		workspaces[i] = NewWorkspace(fmt.Sprintf("ws-%d", i), corr)
	}

	var wg sync.WaitGroup
	for i, w := range workspaces {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, w.Launch(context.Background(), fmt.Sprintf("https://github.com/acme/repo-%d", i)))
		}()
	}
	wg.Wait()

	for _, w := range workspaces {
		taskID := w.Snapshot().TaskID
		require.NotEmpty(t, taskID)
		channel := classicChannels.Response(taskID)
		link.DeliverEnvelope(realtimeTypes.InboundEnvelope{Channel: channel, Type: realtimeTypes.EventTypeLog, Message: taskID})
		link.DeliverEnvelope(realtimeTypes.InboundEnvelope{
			Channel: channel, Type: realtimeTypes.EventTypeReady,
			Data: &realtimeTypes.InstanceDescriptor{ID: taskID, Port: 8080},
		})
	}

	for _, w := range workspaces {
		require.Equal(t, domain.WorkspaceStateReady, settle(t, w))
		snap := w.Snapshot()
		require.Len(t, snap.Logs, 1)
		assert.Equal(t, snap.TaskID, snap.Logs[0].Message)
		assert.Equal(t, snap.TaskID, snap.Instance.ID)
	}
}

type generatorFunc func(ctx context.Context, prompt string) (string, error)

func (f generatorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}
