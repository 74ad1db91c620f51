package router

import (
	"sync"

	realtimeTypes "github.com/ricochet1k/cloudide/pkg/realtime"
)

// Subscription is the unit of ownership for one registered handler. Each
// subscription drains its own mailbox on its own goroutine, so a slow handler
// only delays its own channel.
type Subscription struct {
	id      uint64
	channel string
	handler Handler
	router  *Router

	// dispatchMu is held from the closed check through the handler's
	// return; Unsubscribe takes it to wait out a running call.
	dispatchMu sync.Mutex

	mu      sync.Mutex
	pending []realtimeTypes.InboundEnvelope
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func newSubscription(r *Router, id uint64, channel string, h Handler) *Subscription {
	return &Subscription{
		id:      id,
		channel: channel,
		handler: h,
		router:  r,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (s *Subscription) Channel() string {
	return s.channel
}

// Unsubscribe is shorthand for Router.Unsubscribe(s).
func (s *Subscription) Unsubscribe() {
	s.router.Unsubscribe(s)
}

func (s *Subscription) enqueue(env realtimeTypes.InboundEnvelope) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, env)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next pops the oldest pending envelope. The closed check happens here, right
// before each delivery.
func (s *Subscription) next() (realtimeTypes.InboundEnvelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.pending) == 0 {
		return realtimeTypes.InboundEnvelope{}, false
	}
	env := s.pending[0]
	s.pending[0] = realtimeTypes.InboundEnvelope{}
	s.pending = s.pending[1:]
	return env, true
}

// close reports whether this call performed the close.
func (s *Subscription) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.pending = nil
	close(s.done)
	return true
}

func (s *Subscription) run() {
	for {
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
		for s.dispatchOne() {
		}
	}
}

func (s *Subscription) dispatchOne() bool {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	env, ok := s.next()
	if ok {
		s.invoke(env)
	}
	return ok
}

func (s *Subscription) invoke(env realtimeTypes.InboundEnvelope) {
	defer func() {
		if rec := recover(); rec != nil {
			s.router.logger.Error("subscriber panicked", "channel", s.channel, "panic", rec)
		}
	}()
	s.handler(env)
}
