package bridge

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

var ErrBrokerClosed = errors.New("broker closed")

// MsgHandler receives one broker message.
type MsgHandler func(subject string, data []byte)

// Broker is the pub/sub bus the provisioner listens on.
type Broker interface {
	Publish(subject string, data []byte) error
	// Subscribe accepts NATS-style patterns: '*' matches one token and a
	// trailing '>' matches the rest.
	Subscribe(subject string, fn MsgHandler) (unsubscribe func(), err error)
	Close() error
}

type NATSConfig struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
}

type NATSBroker struct {
	conn   *nats.Conn
	logger *slog.Logger
}

func NewNATSBroker(cfg NATSConfig, logger *slog.Logger) (*NATSBroker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats")
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}
	logger.Info("nats connected", "url", conn.ConnectedUrl())
	return &NATSBroker{conn: conn, logger: logger}, nil
}

func (b *NATSBroker) Publish(subject string, data []byte) error {
	return b.conn.Publish(subject, data)
}

func (b *NATSBroker) Subscribe(subject string, fn MsgHandler) (func(), error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		fn(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			b.logger.Debug("unsubscribe failed", "subject", subject, "error", err)
		}
	}, nil
}

func (b *NATSBroker) Close() error {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}

// MemoryBroker is an in-process Broker. Handlers run synchronously on the
// publishing goroutine.
type MemoryBroker struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]memorySub
	closed bool
}

type memorySub struct {
	pattern []string
	fn      MsgHandler
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[int]memorySub)}
}

func (b *MemoryBroker) Publish(subject string, data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBrokerClosed
	}
	tokens := strings.Split(subject, ".")
	var matched []MsgHandler
	for _, sub := range b.subs {
		if subjectMatches(sub.pattern, tokens) {
			matched = append(matched, sub.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range matched {
		cp := make([]byte, len(data))
		copy(cp, data)
		fn(subject, cp)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(subject string, fn MsgHandler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = memorySub{pattern: strings.Split(subject, "."), fn: fn}
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[int]memorySub)
	return nil
}

func subjectMatches(pattern, tokens []string) bool {
	for i, p := range pattern {
		if p == ">" {
			return len(tokens) > i
		}
		if i >= len(tokens) {
			return false
		}
		if p != "*" && p != tokens[i] {
			return false
		}
	}
	return len(pattern) == len(tokens)
}
