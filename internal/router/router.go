// Package router multiplexes many channel-addressed conversations over one
// transport link. It is the only reader of raw inbound frames.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ricochet1k/cloudide/internal/transport"
	realtimeTypes "github.com/ricochet1k/cloudide/pkg/realtime"
)

// ErrMalformedFrame marks an inbound frame that cannot be routed. It is
// logged and dropped, never returned to callers.
var ErrMalformedFrame = errors.New("malformed frame")

// Transport is the link the router owns.
type Transport interface {
	Open(ctx context.Context) error
	Send(data []byte) error
	SetReceiver(r transport.Receiver)
}

// Handler receives envelopes for one channel, in arrival order.
type Handler func(realtimeTypes.InboundEnvelope)

type Option func(*Router)

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

type Router struct {
	conn    Transport
	logger  *slog.Logger
	metrics *Metrics

	mu           sync.RWMutex
	subs         map[string]map[uint64]*Subscription
	nextID       uint64
	onDisconnect []func(error)
}

// New creates a router and installs it as the transport's receiver.
func New(conn Transport, opts ...Option) *Router {
	r := &Router{
		conn:   conn,
		logger: slog.Default(),
		subs:   make(map[string]map[uint64]*Subscription),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "router")
	conn.SetReceiver(r)
	return r
}

// Open ensures the underlying link is established.
func (r *Router) Open(ctx context.Context) error {
	return r.conn.Open(ctx)
}

// Publish encodes an outbound envelope and sends it. It fails with
// transport.ErrNotConnected when no link is open.
func (r *Router) Publish(channel string, payload any) error {
	data, err := json.Marshal(realtimeTypes.OutboundEnvelope{Channel: channel, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode envelope for %s: %w", channel, err)
	}
	if err := r.conn.Send(data); err != nil {
		r.metrics.publish(false)
		return err
	}
	r.metrics.publish(true)
	return nil
}

// Subscribe registers h for envelopes whose channel equals channel exactly.
func (r *Router) Subscribe(channel string, h Handler) *Subscription {
	r.mu.Lock()
	r.nextID++
	sub := newSubscription(r, r.nextID, channel, h)
	set, ok := r.subs[channel]
	if !ok {
		set = make(map[uint64]*Subscription)
		r.subs[channel] = set
	}
	set[sub.id] = sub
	r.mu.Unlock()

	r.metrics.subscribed(1)
	go sub.run()
	return sub
}

// Unsubscribe removes sub and waits for a handler call already in progress
// to return, so no invocation overlaps or follows it. Envelopes still queued
// are discarded. Calling it more than once is a no-op. A handler removing its
// own subscription must use Detach instead.
func (r *Router) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	r.remove(sub)
	sub.dispatchMu.Lock()
	sub.dispatchMu.Unlock()
}

// Detach removes sub without waiting. It is meant for sub's own handler: the
// call in progress is then the last one.
func (r *Router) Detach(sub *Subscription) {
	if sub == nil {
		return
	}
	r.remove(sub)
}

func (r *Router) remove(sub *Subscription) {
	if !sub.close() {
		return
	}

	r.mu.Lock()
	if set, ok := r.subs[sub.channel]; ok {
		delete(set, sub.id)
		if len(set) == 0 {
			delete(r.subs, sub.channel)
		}
	}
	r.mu.Unlock()

	r.metrics.subscribed(-1)
}

// OnDisconnect registers fn to be called when the link drops unexpectedly.
func (r *Router) OnDisconnect(fn func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDisconnect = append(r.onDisconnect, fn)
}

// Subscriptions reports the number of live subscriptions on channel.
func (r *Router) Subscriptions(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[channel])
}

// HandleMessage implements transport.Receiver.
func (r *Router) HandleMessage(data []byte) {
	env, err := decodeFrame(data)
	if err != nil {
		r.metrics.frame(frameMalformed)
		r.logger.Warn("dropping inbound frame", "error", err, "bytes", len(data))
		return
	}

	r.mu.RLock()
	set := r.subs[env.Channel]
	targets := make([]*Subscription, 0, len(set))
	for _, sub := range set {
		targets = append(targets, sub)
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		r.metrics.frame(frameUnroutable)
		r.logger.Debug("no subscriber for channel", "channel", env.Channel, "type", env.Type)
		return
	}

	r.metrics.frame(frameRouted)
	for _, sub := range targets {
		sub.enqueue(env)
	}
}

// HandleClose implements transport.Receiver.
func (r *Router) HandleClose(err error) {
	if err == nil {
		r.logger.Debug("link closed")
		return
	}
	r.logger.Warn("link lost", "error", err)

	r.mu.RLock()
	listeners := make([]func(error), len(r.onDisconnect))
	copy(listeners, r.onDisconnect)
	r.mu.RUnlock()

	for _, fn := range listeners {
		fn(err)
	}
}

func decodeFrame(data []byte) (realtimeTypes.InboundEnvelope, error) {
	var env realtimeTypes.InboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Channel == "" {
		return env, fmt.Errorf("%w: missing channel", ErrMalformedFrame)
	}
	if !env.Type.Valid() {
		return env, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, env.Type)
	}
	if env.Type == realtimeTypes.EventTypeReady && env.Data == nil {
		return env, fmt.Errorf("%w: READY without instance data", ErrMalformedFrame)
	}
	return env, nil
}
