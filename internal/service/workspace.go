// Package service drives workspaces through their provisioning lifecycle on
// top of the session correlator.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ricochet1k/cloudide/internal/domain"
	"github.com/ricochet1k/cloudide/internal/insight"
	"github.com/ricochet1k/cloudide/internal/session"
	realtimeTypes "github.com/ricochet1k/cloudide/pkg/realtime"
)

var ErrWorkspaceBusy = errors.New("workspace already launched")

// Provisioner starts and stops remote provisioning sessions.
// *session.Correlator satisfies it.
type Provisioner interface {
	BeginSession(ctx context.Context, params session.RequestParams, cb session.Callbacks) (string, error)
	TerminateSession(ctx context.Context, taskID string)
}

// Enricher produces advisory repository hints. It must not fail.
// *insight.Analyzer satisfies it.
type Enricher interface {
	Analyze(ctx context.Context, sourceURL string) insight.Result
}

type options struct {
	enricher Enricher
	request  session.RequestParams
	observer func(domain.Event)
	logger   *slog.Logger
}

type Option func(*options)

func WithEnricher(e Enricher) Option {
	return func(o *options) { o.enricher = e }
}

// WithRequestDefaults sets the resource fields sent with every launch.
// SourceURL is ignored.
func WithRequestDefaults(p session.RequestParams) Option {
	return func(o *options) { o.request = p }
}

// WithObserver registers fn for every event a workspace emits. fn runs with
// the workspace locked and must not call back into it.
func WithObserver(fn func(domain.Event)) Option {
	return func(o *options) { o.observer = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Snapshot is a consistent copy of a workspace and its advisory insight.
type Snapshot struct {
	domain.WorkspaceSnapshot
	Insight *domain.InsightData
}

// Workspace is the provisioning state machine for one workspace:
// Idle -> Requesting -> AwaitingEvents -> Ready | Failed, and back to Idle
// through Destroy or Reset.
type Workspace struct {
	prov Provisioner
	opts options
	log  *slog.Logger

	mu      sync.Mutex
	record  *domain.Workspace
	insight *domain.InsightData
	lastErr error
	// gen identifies the current attempt. Callbacks carrying an older
	// generation are ignored.
	gen           uint64
	settled       chan struct{}
	settledClosed bool
	stopEnrich    context.CancelFunc
}

func NewWorkspace(id string, prov Provisioner, opts ...Option) *Workspace {
	o := buildOptions(opts)
	return &Workspace{
		prov:   prov,
		opts:   o,
		log:    o.logger.With("component", "workspace", "workspace_id", id),
		record: domain.NewWorkspace(id),
	}
}

func (w *Workspace) ID() string {
	return w.record.ID
}

// Launch begins provisioning sourceURL. It returns once the request is on
// the wire; progress is observed through events, Snapshot and Wait.
func (w *Workspace) Launch(ctx context.Context, sourceURL string) error {
	if err := ValidateSourceURL(sourceURL); err != nil {
		return err
	}

	w.mu.Lock()
	if w.record.State != domain.WorkspaceStateIdle {
		state := w.record.State
		w.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrWorkspaceBusy, state)
	}
	w.gen++
	gen := w.gen
	w.record.Clear()
	w.record.SourceURL = sourceURL
	w.insight = nil
	w.lastErr = nil
	w.settled = make(chan struct{})
	w.settledClosed = false
	if err := w.transitionLocked(domain.WorkspaceStateRequesting, "launch"); err != nil {
		w.mu.Unlock()
		return err
	}
	w.startEnrichmentLocked(gen, sourceURL)
	w.mu.Unlock()

	params := w.opts.request
	params.SourceURL = sourceURL
	taskID, err := w.prov.BeginSession(ctx, params, session.Callbacks{
		OnLog:   func(msg string) { w.handleLog(gen, msg) },
		OnReady: func(d realtimeTypes.InstanceDescriptor) { w.handleReady(gen, d) },
		OnError: func(err error) { w.handleError(gen, err) },
	})

	w.mu.Lock()
	if err != nil {
		if w.gen == gen && w.record.State == domain.WorkspaceStateRequesting {
			w.failLocked(err)
		}
		w.mu.Unlock()
		w.log.Warn("launch failed", "source_url", sourceURL, "error", err)
		return err
	}

	if w.gen != gen {
		// Destroyed while the request was in flight; nobody else knows the task id.
		w.mu.Unlock()
		w.prov.TerminateSession(context.WithoutCancel(ctx), taskID)
		return nil
	}
	w.record.TaskID = taskID
	if w.record.State == domain.WorkspaceStateRequesting {
		_ = w.transitionLocked(domain.WorkspaceStateAwaitingEvents, "request dispatched")
	}
	w.mu.Unlock()

	w.log.Info("launched", "task_id", taskID, "source_url", sourceURL)
	return nil
}

// Destroy tears the workspace down and returns it to Idle. It never fails;
// the terminate request to the provisioner is best effort. Calling it on an
// idle workspace does nothing.
func (w *Workspace) Destroy(ctx context.Context) {
	w.mu.Lock()
	switch w.record.State {
	case domain.WorkspaceStateAwaitingEvents, domain.WorkspaceStateReady, domain.WorkspaceStateFailed:
	default:
		w.mu.Unlock()
		return
	}
	taskID := w.record.TaskID
	w.teardownLocked("destroyed")
	w.mu.Unlock()

	if taskID != "" {
		w.prov.TerminateSession(ctx, taskID)
	}
	w.log.Info("destroyed", "task_id", taskID)
}

// Reset clears a failed workspace so it can be launched again.
func (w *Workspace) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.record.State != domain.WorkspaceStateFailed {
		return domain.NewInvalidTransitionError(w.record.State, domain.WorkspaceStateIdle)
	}
	w.teardownLocked("reset")
	return nil
}

func (w *Workspace) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := Snapshot{WorkspaceSnapshot: w.record.Snapshot()}
	if w.insight != nil {
		cp := *w.insight
		cp.SuggestedOptimizations = append([]string(nil), w.insight.SuggestedOptimizations...)
		snap.Insight = &cp
	}
	return snap
}

func (w *Workspace) State() domain.WorkspaceState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.record.State
}

// Err returns the failure that moved the workspace to Failed, if any.
func (w *Workspace) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Wait blocks until the current attempt settles (Ready, Failed or torn down)
// and returns the state at that point.
func (w *Workspace) Wait(ctx context.Context) (domain.WorkspaceState, error) {
	w.mu.Lock()
	ch := w.settled
	w.mu.Unlock()

	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return w.State(), ctx.Err()
		}
	}
	return w.State(), nil
}

func (w *Workspace) handleLog(gen uint64, msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.acceptingLocked(gen) {
		return
	}
	entry := w.record.AppendLog(domain.LogLevelInfo, msg)
	w.emitLocked(domain.NewLogEvent(w.record.ID, entry))
}

func (w *Workspace) handleReady(gen uint64, d realtimeTypes.InstanceDescriptor) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.acceptingLocked(gen) {
		w.log.Debug("ignoring stale ready", "instance_id", d.ID)
		return
	}
	if w.record.State == domain.WorkspaceStateRequesting {
		_ = w.transitionLocked(domain.WorkspaceStateAwaitingEvents, "events before dispatch returned")
	}
	w.record.Instance = &d
	if err := w.transitionLocked(domain.WorkspaceStateReady, "instance ready"); err != nil {
		w.log.Warn("ready rejected", "error", err)
		return
	}
	w.settleLocked()
	w.log.Info("ready", "endpoint", d.URL())
}

func (w *Workspace) handleError(gen uint64, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.acceptingLocked(gen) {
		w.log.Debug("ignoring stale error", "error", err)
		return
	}
	if w.record.State == domain.WorkspaceStateRequesting {
		_ = w.transitionLocked(domain.WorkspaceStateAwaitingEvents, "events before dispatch returned")
	}
	w.failLocked(err)
}

func (w *Workspace) acceptingLocked(gen uint64) bool {
	if gen != w.gen {
		return false
	}
	switch w.record.State {
	case domain.WorkspaceStateRequesting, domain.WorkspaceStateAwaitingEvents:
		return true
	}
	return false
}

func (w *Workspace) failLocked(err error) {
	var remote *session.RemoteError
	if errors.As(err, &remote) {
		w.record.ErrorMessage = remote.Message
	} else {
		w.record.ErrorMessage = err.Error()
	}
	w.lastErr = err
	if terr := w.transitionLocked(domain.WorkspaceStateFailed, w.record.ErrorMessage); terr != nil {
		w.log.Warn("failure rejected", "error", terr)
		return
	}
	w.settleLocked()
	w.log.Info("provisioning failed", "error", err)
}

func (w *Workspace) teardownLocked(reason string) {
	_ = w.transitionLocked(domain.WorkspaceStateIdle, reason)
	w.gen++
	w.record.Clear()
	w.insight = nil
	w.lastErr = nil
	if w.stopEnrich != nil {
		w.stopEnrich()
		w.stopEnrich = nil
	}
	w.settleLocked()
}

func (w *Workspace) settleLocked() {
	if w.settled != nil && !w.settledClosed {
		close(w.settled)
		w.settledClosed = true
	}
}

func (w *Workspace) transitionLocked(to domain.WorkspaceState, reason string) error {
	from := w.record.State
	if err := w.record.TransitionTo(to, reason); err != nil {
		return err
	}
	w.emitLocked(domain.NewStateChangeEvent(w.record.ID, from.String(), to.String(), reason))
	return nil
}

func (w *Workspace) emitLocked(e domain.Event) {
	if w.opts.observer != nil {
		w.opts.observer(e)
	}
}

// startEnrichmentLocked runs the advisory analysis beside provisioning. Its
// result only ever lands in w.insight.
func (w *Workspace) startEnrichmentLocked(gen uint64, sourceURL string) {
	if w.opts.enricher == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.stopEnrich = cancel

	results := make(chan insight.Result, 1)
	go func() {
		results <- w.opts.enricher.Analyze(ctx, sourceURL)
	}()
	go func() {
		defer cancel()
		select {
		case res := <-results:
			w.applyInsight(gen, res)
		case <-ctx.Done():
		}
	}()
}

func (w *Workspace) applyInsight(gen uint64, res insight.Result) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if gen != w.gen {
		return
	}
	data := domain.InsightData{
		ProjectType:            res.ProjectType,
		SuggestedOptimizations: append([]string(nil), res.SuggestedOptimizations...),
		Fallback:               res.Fallback,
	}
	w.insight = &data
	w.emitLocked(domain.NewInsightEvent(w.record.ID, data))
}
