package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoServer struct {
	*httptest.Server
	accepted atomic.Int32

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()
	s := &echoServer{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.accepted.Add(1)
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *echoServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *echoServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

type recordingReceiver struct {
	messages chan []byte
	closes   chan error
}

func newRecordingReceiver() *recordingReceiver {
	return &recordingReceiver{
		messages: make(chan []byte, 16),
		closes:   make(chan error, 4),
	}
}

func (r *recordingReceiver) HandleMessage(data []byte) { r.messages <- data }
func (r *recordingReceiver) HandleClose(err error)     { r.closes <- err }

func TestConn_SendBeforeOpen(t *testing.T) {
	c := New("ws://127.0.0.1:1/unused")
	assert.Equal(t, StateDisconnected, c.State())
	assert.ErrorIs(t, c.Send([]byte("x")), ErrNotConnected)
}

func TestConn_OpenSendReceive(t *testing.T) {
	srv := newEchoServer(t)
	rec := newRecordingReceiver()

	c := New(srv.wsURL())
	c.SetReceiver(rec)
	require.NoError(t, c.Open(context.Background()))
	defer c.Close()
	assert.Equal(t, StateOpen, c.State())

	require.NoError(t, c.Send([]byte(`{"hello":"world"}`)))

	select {
	case got := <-rec.messages:
		assert.JSONEq(t, `{"hello":"world"}`, string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo")
	}
}

func TestConn_ConcurrentOpenDialsOnce(t *testing.T) {
	srv := newEchoServer(t)
	c := New(srv.wsURL())
	defer c.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Open(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), srv.accepted.Load())
}

func TestConn_DialFailureIsConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	c := New(url, WithDialTimeout(time.Second))
	err := c.Open(context.Background())
	require.Error(t, err)

	var cerr *ConnectionError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "dial", cerr.Op)
	assert.Equal(t, StateDisconnected, c.State())
	assert.ErrorIs(t, c.Send([]byte("x")), ErrNotConnected)
}

func TestConn_RemoteDropNotifiesReceiver(t *testing.T) {
	srv := newEchoServer(t)
	rec := newRecordingReceiver()

	c := New(srv.wsURL())
	c.SetReceiver(rec)
	require.NoError(t, c.Open(context.Background()))

	srv.dropAll()

	select {
	case err := <-rec.closes:
		var cerr *ConnectionError
		require.True(t, errors.As(err, &cerr), "got %v", err)
		assert.Equal(t, "read", cerr.Op)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close notification")
	}
	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.Send([]byte("x")), ErrNotConnected)

	// A closed link can be reopened.
	require.NoError(t, c.Open(context.Background()))
	assert.Equal(t, StateOpen, c.State())
	require.NoError(t, c.Close())
}

func TestConn_LocalCloseNotifiesOnce(t *testing.T) {
	srv := newEchoServer(t)
	rec := newRecordingReceiver()

	c := New(srv.wsURL())
	c.SetReceiver(rec)
	require.NoError(t, c.Open(context.Background()))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	select {
	case err := <-rec.closes:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close notification")
	}

	select {
	case err := <-rec.closes:
		t.Fatalf("unexpected second close notification: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConn_OpenHonoursContext(t *testing.T) {
	c := New("ws://10.255.255.1:9/unroutable")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.Open(ctx)
	require.Error(t, err)
	var cerr *ConnectionError
	assert.True(t, errors.As(err, &cerr))
}

func TestConn_OpenAfterCloseWaitsForAbandonedDial(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			<-release
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	c := New("ws" + strings.TrimPrefix(srv.URL, "http"))
	defer c.Close()

	first := make(chan error, 1)
	go func() { first <- c.Open(context.Background()) }()
	require.Eventually(t, func() bool { return hits.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())

	second := make(chan error, 1)
	go func() { second <- c.Open(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), hits.Load(), "second dial started while the first was still in flight")

	close(release)

	select {
	case err := <-first:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("first Open did not return")
	}
	select {
	case err := <-second:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second Open did not return")
	}

	assert.Equal(t, StateOpen, c.State())
	assert.Equal(t, int32(2), hits.Load())
}
