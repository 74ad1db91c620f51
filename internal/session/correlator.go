// Package session correlates provisioning requests with their per-task
// response channels.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ricochet1k/cloudide/internal/router"
	"github.com/ricochet1k/cloudide/internal/transport"
	realtimeTypes "github.com/ricochet1k/cloudide/pkg/realtime"
)

var ErrDuplicateTask = errors.New("task id already in use")

// RemoteError is an explicit ERROR event from the provisioner.
type RemoteError struct {
	TaskID  string
	Message string
}

func (e *RemoteError) Error() string {
	return "provisioning failed: " + e.Message
}

// Bus is the subset of the channel router the correlator needs.
type Bus interface {
	Open(ctx context.Context) error
	Publish(channel string, payload any) error
	Subscribe(channel string, h router.Handler) *router.Subscription
	Unsubscribe(sub *router.Subscription)
	Detach(sub *router.Subscription)
	OnDisconnect(fn func(error))
}

// Callbacks receive a session's events. OnReady and OnError are terminal and
// between them fire at most once; OnLog fires only before the terminal event.
type Callbacks struct {
	OnLog   func(message string)
	OnReady func(realtimeTypes.InstanceDescriptor)
	OnError func(err error)
}

func (cb Callbacks) withDefaults() Callbacks {
	if cb.OnLog == nil {
		cb.OnLog = func(string) {}
	}
	if cb.OnReady == nil {
		cb.OnReady = func(realtimeTypes.InstanceDescriptor) {}
	}
	if cb.OnError == nil {
		cb.OnError = func(error) {}
	}
	return cb
}

type record struct {
	taskID  string
	channel string
	cb      Callbacks
	sub     *router.Subscription
	done    atomic.Bool
}

type Option func(*Correlator)

func WithShape(shape PayloadShape) Option {
	return func(c *Correlator) { c.shape = shape }
}

// WithIDGenerator replaces the task id source.
func WithIDGenerator(fn func() (string, error)) Option {
	return func(c *Correlator) { c.newID = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Correlator) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Correlator) { c.now = now }
}

type Correlator struct {
	bus      Bus
	channels Channels
	shape    PayloadShape
	newID    func() (string, error)
	now      func() time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*record
}

func NewCorrelator(bus Bus, channels Channels, opts ...Option) *Correlator {
	c := &Correlator{
		bus:      bus,
		channels: channels,
		shape:    ShapeFlat,
		newID:    NewTaskID,
		now:      time.Now,
		logger:   slog.Default(),
		sessions: make(map[string]*record),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "correlator")
	bus.OnDisconnect(c.failAll)
	return c
}

// NewTaskID mints a UUIDv7: 74 random bits behind a millisecond timestamp.
func NewTaskID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (c *Correlator) Channels() Channels {
	return c.channels
}

// BeginSession opens the link if needed, subscribes to a fresh response
// channel and publishes the provisioning request. It returns once the request
// is on the wire; progress arrives through cb.
func (c *Correlator) BeginSession(ctx context.Context, params RequestParams, cb Callbacks) (string, error) {
	if err := c.bus.Open(ctx); err != nil {
		return "", asConnectionError("open", err)
	}

	taskID, err := c.newID()
	if err != nil {
		return "", fmt.Errorf("mint task id: %w", err)
	}

	rec := &record{
		taskID:  taskID,
		channel: c.channels.Response(taskID),
		cb:      cb.withDefaults(),
	}

	c.mu.Lock()
	if _, exists := c.sessions[taskID]; exists {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateTask, taskID)
	}
	c.sessions[taskID] = rec
	rec.sub = c.bus.Subscribe(rec.channel, func(env realtimeTypes.InboundEnvelope) {
		c.dispatch(rec, env)
	})
	c.mu.Unlock()

	payload := buildPayload(c.shape, taskID, params, c.now())
	if err := c.bus.Publish(c.channels.Request, payload); err != nil {
		c.finish(rec)
		return "", asConnectionError("publish", err)
	}

	c.logger.Info("provisioning requested", "task_id", taskID, "source_url", params.SourceURL)
	return taskID, nil
}

// TerminateSession drops any local record for taskID and asks the provisioner
// to stop. Failures are logged, never returned.
func (c *Correlator) TerminateSession(ctx context.Context, taskID string) {
	if taskID == "" {
		return
	}

	c.mu.Lock()
	rec := c.sessions[taskID]
	c.mu.Unlock()
	if rec != nil {
		c.finish(rec)
	}

	if err := c.bus.Open(ctx); err != nil {
		c.logger.Warn("terminate not sent", "task_id", taskID, "error", err)
		return
	}
	if err := c.bus.Publish(c.channels.Terminate, realtimeTypes.TerminateRequest{TaskID: taskID}); err != nil {
		c.logger.Warn("terminate not sent", "task_id", taskID, "error", err)
		return
	}
	c.logger.Info("termination requested", "task_id", taskID)
}

// ActiveSessions counts sessions still waiting for a terminal event.
func (c *Correlator) ActiveSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func (c *Correlator) dispatch(rec *record, env realtimeTypes.InboundEnvelope) {
	switch env.Type {
	case realtimeTypes.EventTypeLog:
		if rec.done.Load() {
			return
		}
		rec.cb.OnLog(env.Message)
	case realtimeTypes.EventTypeReady:
		if !c.finishFromHandler(rec) {
			return
		}
		c.logger.Info("workspace ready", "task_id", rec.taskID)
		rec.cb.OnReady(*env.Data)
	case realtimeTypes.EventTypeError:
		if !c.finishFromHandler(rec) {
			return
		}
		c.logger.Info("provisioning failed", "task_id", rec.taskID, "message", env.Message)
		rec.cb.OnError(&RemoteError{TaskID: rec.taskID, Message: env.Message})
	}
}

// finish retires rec. Only the first caller gets true. It waits for an
// in-progress callback on rec's channel to return, so it must not run on that
// channel's handler; dispatch uses finishFromHandler.
func (c *Correlator) finish(rec *record) bool {
	sub, ok := c.retire(rec)
	if ok {
		c.bus.Unsubscribe(sub)
	}
	return ok
}

func (c *Correlator) finishFromHandler(rec *record) bool {
	sub, ok := c.retire(rec)
	if ok {
		c.bus.Detach(sub)
	}
	return ok
}

func (c *Correlator) retire(rec *record) (*router.Subscription, bool) {
	if !rec.done.CompareAndSwap(false, true) {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[rec.taskID] == rec {
		delete(c.sessions, rec.taskID)
	}
	return rec.sub, true
}

func (c *Correlator) failAll(err error) {
	c.mu.Lock()
	live := make([]*record, 0, len(c.sessions))
	for _, rec := range c.sessions {
		live = append(live, rec)
	}
	c.mu.Unlock()

	cerr := asConnectionError("read", err)
	for _, rec := range live {
		if c.finish(rec) {
			c.logger.Warn("session lost with link", "task_id", rec.taskID)
			rec.cb.OnError(cerr)
		}
	}
}

func asConnectionError(op string, err error) error {
	var cerr *transport.ConnectionError
	if errors.As(err, &cerr) {
		return err
	}
	return &transport.ConnectionError{Op: op, Err: err}
}
