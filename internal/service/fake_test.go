package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/ricochet1k/cloudide/internal/insight"
	"github.com/ricochet1k/cloudide/internal/session"
)

type beginCall struct {
	params session.RequestParams
	cb     session.Callbacks
	taskID string
}

// fakeProvisioner records sessions and lets tests fire their callbacks.
type fakeProvisioner struct {
	mu         sync.Mutex
	begins     []beginCall
	terminated []string
	beginErr   error
	// onBegin runs inside BeginSession before it returns.
	onBegin func(cb session.Callbacks)
}

func (f *fakeProvisioner) BeginSession(ctx context.Context, params session.RequestParams, cb session.Callbacks) (string, error) {
	f.mu.Lock()
	if f.beginErr != nil {
		err := f.beginErr
		f.mu.Unlock()
		return "", err
	}
	taskID := fmt.Sprintf("task-%d", len(f.begins)+1)
	f.begins = append(f.begins, beginCall{params: params, cb: cb, taskID: taskID})
	hook := f.onBegin
	f.mu.Unlock()

	if hook != nil {
		hook(cb)
	}
	return taskID, nil
}

func (f *fakeProvisioner) TerminateSession(ctx context.Context, taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, taskID)
}

func (f *fakeProvisioner) last() beginCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.begins[len(f.begins)-1]
}

func (f *fakeProvisioner) terminations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.terminated...)
}

type fakeEnricher struct {
	result  insight.Result
	release chan struct{}
}

func (f *fakeEnricher) Analyze(ctx context.Context, sourceURL string) insight.Result {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return insight.Fallback()
		}
	}
	return f.result
}
