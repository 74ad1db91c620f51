// Package transport owns the single bidirectional websocket link that all
// provisioning conversations share.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	ErrNotConnected = errors.New("transport not connected")
	ErrClosed       = errors.New("transport closed")
)

// ConnectionError reports a link that could not be opened or dropped unexpectedly.
type ConnectionError struct {
	Op  string
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Receiver consumes inbound frames. HandleClose is called once per open link;
// err is nil when the link was closed locally.
type Receiver interface {
	HandleMessage(data []byte)
	HandleClose(err error)
}

const closeWriteWait = time.Second

type Option func(*Conn)

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Conn) {
		if d != nil {
			c.dialer = d
		}
	}
}

func WithHeader(h http.Header) Option {
	return func(c *Conn) { c.header = h }
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Conn) { c.dialTimeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.logger = l
		}
	}
}

type dialAttempt struct {
	done chan struct{}
	err  error
}

func (a *dialAttempt) wait(ctx context.Context, url string) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return &ConnectionError{Op: "open", URL: url, Err: ctx.Err()}
	}
}

// Conn is a websocket link with an explicit lifecycle. It does no queuing:
// Send fails with ErrNotConnected unless the link is open.
type Conn struct {
	url         string
	dialer      *websocket.Dialer
	header      http.Header
	dialTimeout time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	state    State
	ws       *websocket.Conn
	attempt  *dialAttempt
	receiver Receiver

	writeMu sync.Mutex
}

func New(url string, opts ...Option) *Conn {
	c := &Conn{
		url:    url,
		dialer: websocket.DefaultDialer,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "transport")
	return c
}

func (c *Conn) URL() string {
	return c.url
}

func (c *Conn) SetReceiver(r Receiver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receiver = r
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open dials the link. A call made while another dial is in flight waits for
// that dial instead of starting a second one. That holds after Close too: a
// dial abandoned by Close still runs to completion before a new one starts.
func (c *Conn) Open(ctx context.Context) error {
	c.mu.Lock()
	for c.attempt != nil {
		if c.state == StateOpen {
			c.mu.Unlock()
			return nil
		}
		prev := c.attempt
		abandoned := c.state != StateConnecting
		c.mu.Unlock()

		err := prev.wait(ctx, c.url)
		if !abandoned || ctx.Err() != nil {
			return err
		}
		c.mu.Lock()
	}
	if c.state == StateOpen {
		c.mu.Unlock()
		return nil
	}
	a := &dialAttempt{done: make(chan struct{})}
	c.attempt = a
	c.state = StateConnecting
	c.mu.Unlock()

	dialCtx := ctx
	if c.dialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.dialTimeout)
		defer cancel()
	}

	ws, _, err := c.dialer.DialContext(dialCtx, c.url, c.header)

	c.mu.Lock()
	switch {
	case err != nil:
		if c.state == StateConnecting {
			c.state = StateDisconnected
		}
		a.err = &ConnectionError{Op: "dial", URL: c.url, Err: err}
	case c.state != StateConnecting:
		// Close ran while we were dialing.
		_ = ws.Close()
		a.err = &ConnectionError{Op: "dial", URL: c.url, Err: ErrClosed}
		ws = nil
	default:
		c.state = StateOpen
		c.ws = ws
	}
	c.attempt = nil
	close(a.done)
	c.mu.Unlock()

	if a.err != nil {
		c.logger.Warn("dial failed", "url", c.url, "error", a.err)
		return a.err
	}

	c.logger.Debug("link open", "url", c.url)
	go c.readLoop(ws)
	return nil
}

// Send writes one text frame. Concurrent callers are serialized.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	ws, state := c.ws, c.state
	c.mu.Unlock()
	if state != StateOpen || ws == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return &ConnectionError{Op: "write", URL: c.url, Err: err}
	}
	return nil
}

// Close shuts the link down. Safe to call repeatedly and in any state.
func (c *Conn) Close() error {
	c.mu.Lock()
	ws := c.ws
	wasOpen := c.state == StateOpen
	c.state = StateClosed
	c.ws = nil
	receiver := c.receiver
	c.mu.Unlock()

	if ws == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeWriteWait),
	)
	c.writeMu.Unlock()
	err := ws.Close()

	if wasOpen && receiver != nil {
		receiver.HandleClose(nil)
	}
	return err
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.handleReadError(ws, err)
			return
		}

		c.mu.Lock()
		receiver := c.receiver
		c.mu.Unlock()
		if receiver != nil {
			receiver.HandleMessage(data)
		}
	}
}

func (c *Conn) handleReadError(ws *websocket.Conn, err error) {
	c.mu.Lock()
	if c.ws != ws {
		// Closed locally; Close already notified the receiver.
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.ws = nil
	receiver := c.receiver
	c.mu.Unlock()

	_ = ws.Close()
	cerr := &ConnectionError{Op: "read", URL: c.url, Err: err}
	c.logger.Warn("link dropped", "url", c.url, "error", err)
	if receiver != nil {
		receiver.HandleClose(cerr)
	}
}
