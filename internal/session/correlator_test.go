package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricochet1k/cloudide/internal/router"
	"github.com/ricochet1k/cloudide/internal/transport"
	"github.com/ricochet1k/cloudide/internal/transport/transporttest"
	realtimeTypes "github.com/ricochet1k/cloudide/pkg/realtime"
)

var testChannels = Channels{
	Request:        "provision:request",
	Terminate:      "provision:terminate",
	ResponsePrefix: "provision:log:",
}

type recorder struct {
	mu     sync.Mutex
	logs   []string
	ready  []realtimeTypes.InstanceDescriptor
	errs   []error
	signal chan struct{}
}

func newRecorder() *recorder {
	return &recorder{signal: make(chan struct{}, 64)}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnLog: func(msg string) {
			r.mu.Lock()
			r.logs = append(r.logs, msg)
			r.mu.Unlock()
			r.signal <- struct{}{}
		},
		OnReady: func(d realtimeTypes.InstanceDescriptor) {
			r.mu.Lock()
			r.ready = append(r.ready, d)
			r.mu.Unlock()
			r.signal <- struct{}{}
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
			r.signal <- struct{}{}
		},
	}
}

// waitEvents waits until n callbacks have fired.
func (r *recorder) waitEvents(t *testing.T, n int) {
	t.Helper()
	for range n {
		select {
		case <-r.signal:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %d callbacks", n)
		}
	}
}

func (r *recorder) snapshot() ([]string, []realtimeTypes.InstanceDescriptor, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.logs...), append([]realtimeTypes.InstanceDescriptor(nil), r.ready...), append([]error(nil), r.errs...)
}

func newTestCorrelator(t *testing.T, opts ...Option) (*Correlator, *router.Router, *transporttest.Fake) {
	t.Helper()
	link := transporttest.New()
	r := router.New(link)
	return NewCorrelator(r, testChannels, opts...), r, link
}

func ready(channel string, port int) realtimeTypes.InboundEnvelope {
	return realtimeTypes.InboundEnvelope{
		Channel: channel,
		Type:    realtimeTypes.EventTypeReady,
		Data: &realtimeTypes.InstanceDescriptor{
			ID:            "inst_1",
			Address:       "10.244.1.2",
			Port:          port,
			SourceRepoURL: "https://github.com/acme/widget",
			CreatedAt:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
	}
}

func logLine(channel, msg string) realtimeTypes.InboundEnvelope {
	return realtimeTypes.InboundEnvelope{Channel: channel, Type: realtimeTypes.EventTypeLog, Message: msg}
}

func TestBeginSession_PublishesRequestAndDeliversEvents(t *testing.T) {
	c, r, link := newTestCorrelator(t)
	rec := newRecorder()

	taskID, err := c.BeginSession(context.Background(), RequestParams{
		SourceURL:    "https://github.com/acme/widget",
		CPU:          2,
		Memory:       4096,
		NetworkGroup: "sandbox",
		Isolated:     true,
	}, rec.callbacks())
	require.NoError(t, err)
	require.NotEmpty(t, taskID)
	assert.Equal(t, 1, link.Opens())

	sent := link.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "provision:request", sent[0].Channel)
	assert.Equal(t, map[string]any{
		"task_id":       taskID,
		"cpu":           2.0,
		"memory":        4096.0,
		"network_group": "sandbox",
		"isolated":      true,
		"source_url":    "https://github.com/acme/widget",
	}, sent[0].Payload)

	channel := testChannels.Response(taskID)
	assert.Equal(t, 1, r.Subscriptions(channel))

	for i := range 3 {
		link.DeliverEnvelope(logLine(channel, fmt.Sprintf("step %d", i+1)))
	}
	link.DeliverEnvelope(ready(channel, 8080))
	rec.waitEvents(t, 4)

	logs, readies, errs := rec.snapshot()
	assert.Equal(t, []string{"step 1", "step 2", "step 3"}, logs)
	require.Len(t, readies, 1)
	assert.Equal(t, 8080, readies[0].Port)
	assert.Empty(t, errs)
	assert.Equal(t, 0, r.Subscriptions(channel))
	assert.Equal(t, 0, c.ActiveSessions())
}

func TestBeginSession_TaskShape(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	c, _, link := newTestCorrelator(t, WithShape(ShapeTask), WithClock(func() time.Time { return now }))

	taskID, err := c.BeginSession(context.Background(), RequestParams{SourceURL: "https://github.com/acme/widget", CPU: 1}, Callbacks{})
	require.NoError(t, err)

	sent := link.Sent()
	require.Len(t, sent, 1)
	payload, ok := sent[0].Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, taskID, payload["task_id"])
	assert.Equal(t, "workspace", payload["type"])
	assert.Equal(t, "2026-10-19T12:00:00Z", payload["requested_at"])
	assert.Equal(t, map[string]any{"url": "https://github.com/acme/widget"}, payload["source"])
}

func TestErrorBeforeAnyLog(t *testing.T) {
	c, _, link := newTestCorrelator(t)
	rec := newRecorder()

	taskID, err := c.BeginSession(context.Background(), RequestParams{SourceURL: "https://github.com/acme/widget"}, rec.callbacks())
	require.NoError(t, err)

	link.DeliverEnvelope(realtimeTypes.InboundEnvelope{
		Channel: testChannels.Response(taskID),
		Type:    realtimeTypes.EventTypeError,
		Message: "capacity exhausted",
	})
	rec.waitEvents(t, 1)

	logs, readies, errs := rec.snapshot()
	assert.Empty(t, logs)
	assert.Empty(t, readies)
	require.Len(t, errs, 1)
	var remote *RemoteError
	require.True(t, errors.As(errs[0], &remote))
	assert.Equal(t, "capacity exhausted", remote.Message)
	assert.Equal(t, taskID, remote.TaskID)
}

func TestTerminalEventIsLast(t *testing.T) {
	c, _, link := newTestCorrelator(t)
	rec := newRecorder()

	taskID, err := c.BeginSession(context.Background(), RequestParams{SourceURL: "u"}, rec.callbacks())
	require.NoError(t, err)
	channel := testChannels.Response(taskID)

	link.DeliverEnvelope(ready(channel, 8080))
	link.DeliverEnvelope(ready(channel, 9090))
	link.DeliverEnvelope(logLine(channel, "late log"))
	link.DeliverEnvelope(realtimeTypes.InboundEnvelope{Channel: channel, Type: realtimeTypes.EventTypeError, Message: "late"})
	rec.waitEvents(t, 1)
	time.Sleep(50 * time.Millisecond)

	logs, readies, errs := rec.snapshot()
	assert.Empty(t, logs)
	require.Len(t, readies, 1)
	assert.Equal(t, 8080, readies[0].Port)
	assert.Empty(t, errs)
}

func TestConcurrentSessionsDoNotCrossDeliver(t *testing.T) {
	c, _, link := newTestCorrelator(t)

	const n = 20
	recs := make([]*recorder, n)
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		recs[i] = newRecorder()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := c.BeginSession(context.Background(), RequestParams{
				SourceURL: fmt.Sprintf("https://github.com/acme/repo-%d", i),
			}, recs[i].callbacks())
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, id := range ids {
		require.NotEmpty(t, id)
		require.False(t, seen[id], "duplicate task id %s", id)
		seen[id] = true
	}

	for i, id := range ids {
		ch := testChannels.Response(id)
		link.DeliverEnvelope(logLine(ch, fmt.Sprintf("log for %d", i)))
		link.DeliverEnvelope(ready(ch, 8000+i))
	}

	for i, rec := range recs {
		rec.waitEvents(t, 2)
		logs, readies, errs := rec.snapshot()
		assert.Equal(t, []string{fmt.Sprintf("log for %d", i)}, logs)
		require.Len(t, readies, 1)
		assert.Equal(t, 8000+i, readies[0].Port)
		assert.Empty(t, errs)
	}
}

func TestTaskIDsAreUnique(t *testing.T) {
	const n = 100000
	seen := make(map[string]struct{}, n)
	for range n {
		id, err := NewTaskID()
		require.NoError(t, err)
		_, dup := seen[id]
		require.False(t, dup, "collision on %s", id)
		seen[id] = struct{}{}
	}
}

func TestBeginSession_OpenFailure(t *testing.T) {
	c, _, link := newTestCorrelator(t)
	link.FailOpen(errors.New("connection refused"))
	rec := newRecorder()

	taskID, err := c.BeginSession(context.Background(), RequestParams{SourceURL: "u"}, rec.callbacks())
	require.Error(t, err)
	assert.Empty(t, taskID)

	var cerr *transport.ConnectionError
	assert.True(t, errors.As(err, &cerr))
	assert.Empty(t, link.Sent())
	assert.Equal(t, 0, c.ActiveSessions())
}

func TestBeginSession_PublishFailureCleansUp(t *testing.T) {
	c, r, link := newTestCorrelator(t)
	require.NoError(t, link.Open(context.Background()))
	link.FailSend(errors.New("broken pipe"))

	var minted string
	c.newID = func() (string, error) {
		minted = "fixed-id"
		return minted, nil
	}

	_, err := c.BeginSession(context.Background(), RequestParams{SourceURL: "u"}, Callbacks{})
	var cerr *transport.ConnectionError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, 0, c.ActiveSessions())
	assert.Equal(t, 0, r.Subscriptions(testChannels.Response(minted)))
}

func TestBeginSession_DuplicateTaskID(t *testing.T) {
	c, _, _ := newTestCorrelator(t, WithIDGenerator(func() (string, error) { return "same", nil }))

	_, err := c.BeginSession(context.Background(), RequestParams{SourceURL: "a"}, Callbacks{})
	require.NoError(t, err)
	_, err = c.BeginSession(context.Background(), RequestParams{SourceURL: "b"}, Callbacks{})
	assert.ErrorIs(t, err, ErrDuplicateTask)
}

func TestTerminateSession(t *testing.T) {
	c, r, link := newTestCorrelator(t)
	rec := newRecorder()

	taskID, err := c.BeginSession(context.Background(), RequestParams{SourceURL: "u"}, rec.callbacks())
	require.NoError(t, err)

	c.TerminateSession(context.Background(), taskID)
	c.TerminateSession(context.Background(), taskID)

	sent := link.Sent()
	require.Len(t, sent, 3)
	for _, env := range sent[1:] {
		assert.Equal(t, "provision:terminate", env.Channel)
		assert.Equal(t, map[string]any{"task_id": taskID}, env.Payload)
	}

	channel := testChannels.Response(taskID)
	assert.Equal(t, 0, r.Subscriptions(channel))

	link.DeliverEnvelope(logLine(channel, "stale"))
	link.DeliverEnvelope(ready(channel, 8080))
	time.Sleep(50 * time.Millisecond)
	logs, readies, errs := rec.snapshot()
	assert.Empty(t, logs)
	assert.Empty(t, readies)
	assert.Empty(t, errs)
}

func TestTerminateSession_UnknownOrDisconnected(t *testing.T) {
	c, _, link := newTestCorrelator(t)

	c.TerminateSession(context.Background(), "")
	assert.Empty(t, link.Sent())

	link.FailOpen(errors.New("down"))
	c.TerminateSession(context.Background(), "never-started")
	assert.Empty(t, link.Sent())
}

func TestDisconnectFailsLiveSessions(t *testing.T) {
	c, _, link := newTestCorrelator(t)
	recA, recB := newRecorder(), newRecorder()

	_, err := c.BeginSession(context.Background(), RequestParams{SourceURL: "a"}, recA.callbacks())
	require.NoError(t, err)
	_, err = c.BeginSession(context.Background(), RequestParams{SourceURL: "b"}, recB.callbacks())
	require.NoError(t, err)

	link.Drop(errors.New("reset by peer"))

	for _, rec := range []*recorder{recA, recB} {
		rec.waitEvents(t, 1)
		_, _, errs := rec.snapshot()
		require.Len(t, errs, 1)
		var cerr *transport.ConnectionError
		assert.True(t, errors.As(errs[0], &cerr))
	}
	assert.Equal(t, 0, c.ActiveSessions())
}

func TestDisconnectWaitsForInFlightLog(t *testing.T) {
	c, _, link := newTestCorrelator(t)

	var mu sync.Mutex
	var order []string
	logStarted := make(chan struct{})
	releaseLog := make(chan struct{})
	errored := make(chan struct{})
	taskID, err := c.BeginSession(context.Background(), RequestParams{SourceURL: "a"}, Callbacks{
		OnLog: func(msg string) {
			close(logStarted)
			<-releaseLog
			mu.Lock()
			order = append(order, "log:"+msg)
			mu.Unlock()
		},
		OnError: func(error) {
			mu.Lock()
			order = append(order, "error")
			mu.Unlock()
			close(errored)
		},
	})
	require.NoError(t, err)

	link.DeliverEnvelope(logLine(testChannels.Response(taskID), "cloning"))
	<-logStarted

	go link.Drop(errors.New("reset by peer"))

	select {
	case <-errored:
		t.Fatal("OnError fired while OnLog was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(releaseLog)
	select {
	case <-errored:
	case <-time.After(2 * time.Second):
		t.Fatal("OnError never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"log:cloning", "error"}, order)
}

func TestReadyHandlerMayTerminateOtherSession(t *testing.T) {
	c, _, link := newTestCorrelator(t)
	recB := newRecorder()

	taskB, err := c.BeginSession(context.Background(), RequestParams{SourceURL: "b"}, recB.callbacks())
	require.NoError(t, err)

	done := make(chan struct{})
	taskA, err := c.BeginSession(context.Background(), RequestParams{SourceURL: "a"}, Callbacks{
		OnReady: func(realtimeTypes.InstanceDescriptor) {
			c.TerminateSession(context.Background(), taskB)
			close(done)
		},
	})
	require.NoError(t, err)

	link.DeliverEnvelope(ready(testChannels.Response(taskA), 8080))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ready handler did not return")
	}
	assert.Equal(t, 0, c.ActiveSessions())
}
