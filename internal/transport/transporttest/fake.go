// Package transporttest provides an in-memory link for exercising the router
// and everything above it without a network.
package transporttest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ricochet1k/cloudide/internal/transport"
	realtimeTypes "github.com/ricochet1k/cloudide/pkg/realtime"
)

// Fake records sent frames and lets tests inject inbound ones.
type Fake struct {
	mu       sync.Mutex
	state    transport.State
	receiver transport.Receiver
	sent     [][]byte
	opens    int
	openErr  error
	sendErr  error
	notify   chan struct{}
}

func New() *Fake {
	return &Fake{notify: make(chan struct{}, 1)}
}

// FailOpen makes subsequent Open calls fail with err.
func (f *Fake) FailOpen(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = err
}

// FailSend makes subsequent Send calls fail with err.
func (f *Fake) FailSend(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *Fake) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return &transport.ConnectionError{Op: "open", URL: "fake://", Err: err}
	}
	if f.openErr != nil {
		return &transport.ConnectionError{Op: "dial", URL: "fake://", Err: f.openErr}
	}
	if f.state != transport.StateOpen {
		f.opens++
		f.state = transport.StateOpen
	}
	return nil
}

func (f *Fake) Send(data []byte) error {
	f.mu.Lock()
	if f.state != transport.StateOpen {
		f.mu.Unlock()
		return transport.ErrNotConnected
	}
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return &transport.ConnectionError{Op: "write", URL: "fake://", Err: err}
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, cp)
	f.mu.Unlock()

	select {
	case f.notify <- struct{}{}:
	default:
	}
	return nil
}

func (f *Fake) SetReceiver(r transport.Receiver) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiver = r
}

func (f *Fake) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Fake) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// Sent returns the decoded outbound envelopes in send order. Payloads are
// left as generic JSON values.
func (f *Fake) Sent() []realtimeTypes.OutboundEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]realtimeTypes.OutboundEnvelope, 0, len(f.sent))
	for _, raw := range f.sent {
		var env realtimeTypes.OutboundEnvelope
		if err := json.Unmarshal(raw, &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

// WaitSent blocks until at least n frames were sent or the timeout expires.
func (f *Fake) WaitSent(n int, timeout time.Duration) []realtimeTypes.OutboundEnvelope {
	deadline := time.After(timeout)
	for {
		sent := f.Sent()
		if len(sent) >= n {
			return sent
		}
		select {
		case <-f.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			return sent
		}
	}
}

// Deliver hands a raw frame to the receiver as if it came off the wire.
func (f *Fake) Deliver(data []byte) {
	f.mu.Lock()
	r := f.receiver
	f.mu.Unlock()
	if r != nil {
		r.HandleMessage(data)
	}
}

// DeliverEnvelope encodes env and delivers it.
func (f *Fake) DeliverEnvelope(env realtimeTypes.InboundEnvelope) {
	data, err := json.Marshal(env)
	if err != nil {
		panic(err)
	}
	f.Deliver(data)
}

// Drop simulates the remote side closing the link.
func (f *Fake) Drop(err error) {
	f.mu.Lock()
	f.state = transport.StateClosed
	r := f.receiver
	f.mu.Unlock()
	if r != nil {
		r.HandleClose(&transport.ConnectionError{Op: "read", URL: "fake://", Err: err})
	}
}
