package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openquant/tickerd/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init("error", true)
}

type fakeConn struct {
	incoming chan []byte

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	writes [][]byte
	pings  int
}

func newFakeConn() *fakeConn {
	return &fakeConn{incoming: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.incoming:
		return 1, data, nil
	case <-c.done:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed connection")
	}
	c.writes = append(c.writes, data)
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed connection")
	}
	c.pings++
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

type recordingHandler struct {
	mu          sync.Mutex
	messages    [][]byte
	connects    int
	disconnects int
}

func (h *recordingHandler) OnMessage(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, data)
}

func (h *recordingHandler) OnConnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connects++
}

func (h *recordingHandler) OnDisconnect(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects++
}

func (h *recordingHandler) counts() (int, int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connects, h.disconnects, len(h.messages)
}

// scriptedDialer hands out conns in order; nil entries fail the dial
type scriptedDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
}

func (d *scriptedDialer) dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dials >= len(d.conns) || d.conns[d.dials] == nil {
		d.dials++
		return nil, errors.New("dial refused")
	}
	conn := d.conns[d.dials]
	d.dials++
	return conn, nil
}

func fastConfig() Config {
	return Config{
		HeartbeatInterval:    50 * time.Millisecond,
		HeartbeatTimeout:     20 * time.Millisecond,
		ReconnectBaseDelay:   5 * time.Millisecond,
		MaxReconnectDelay:    20 * time.Millisecond,
		MaxReconnectAttempts: 3,
		OperationTimeout:     time.Second,
	}
}

func TestConnectAndReceive(t *testing.T) {
	conn := newFakeConn()
	d := &scriptedDialer{conns: []*fakeConn{conn}}
	h := &recordingHandler{}

	s := New("test", fastConfig(), d.dial, h)
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StateConnected, s.State())

	conn.incoming <- []byte(`{"ev":"t"}`)
	assert.Eventually(t, func() bool {
		_, _, msgs := h.counts()
		return msgs == 1
	}, time.Second, 5*time.Millisecond)

	connects, _, _ := h.counts()
	assert.Equal(t, 1, connects)

	require.NoError(t, s.Disconnect(context.Background()))
	assert.Equal(t, StateClosed, s.State())
}

func TestConnectIsIdempotent(t *testing.T) {
	d := &scriptedDialer{conns: []*fakeConn{newFakeConn()}}
	s := New("test", fastConfig(), d.dial, &recordingHandler{})

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, 1, d.dials)
}

func TestReconnectAfterTransportError(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	d := &scriptedDialer{conns: []*fakeConn{first, second}}
	h := &recordingHandler{}

	s := New("test", fastConfig(), d.dial, h)
	require.NoError(t, s.Connect(context.Background()))

	// Kill the transport; the session must redial and replay OnConnect.
	first.Close()

	assert.Eventually(t, func() bool {
		connects, disconnects, _ := h.counts()
		return connects == 2 && disconnects == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnected, s.State())

	// The new transport delivers.
	second.incoming <- []byte(`{"ev":"q"}`)
	assert.Eventually(t, func() bool {
		_, _, msgs := h.counts()
		return msgs == 1
	}, time.Second, 5*time.Millisecond)
}

func TestReconnectBudgetExhaustedClosesSession(t *testing.T) {
	first := newFakeConn()
	d := &scriptedDialer{conns: []*fakeConn{first, nil, nil, nil}}
	h := &recordingHandler{}

	s := New("test", fastConfig(), d.dial, h)
	require.NoError(t, s.Connect(context.Background()))

	first.Close()

	assert.Eventually(t, func() bool {
		return s.State() == StateClosed
	}, 2*time.Second, 5*time.Millisecond)

	// 1 initial + 3 reconnect attempts.
	assert.Equal(t, 4, d.dials)
}

func TestDialFailureLeavesDisconnected(t *testing.T) {
	d := &scriptedDialer{conns: []*fakeConn{nil}}
	s := New("test", fastConfig(), d.dial, &recordingHandler{})

	assert.Error(t, s.Connect(context.Background()))
	assert.Equal(t, StateDisconnected, s.State())
}

func TestStaleConnectionForcesReconnect(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	d := &scriptedDialer{conns: []*fakeConn{first, second}}
	h := &recordingHandler{}

	s := New("test", fastConfig(), d.dial, h)
	require.NoError(t, s.Connect(context.Background()))

	// No traffic at all: the heartbeat loop declares the link stale and
	// closes it, which drives a reconnect.
	assert.Eventually(t, func() bool {
		connects, _, _ := h.counts()
		return connects == 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSendAfterDisconnect(t *testing.T) {
	d := &scriptedDialer{conns: []*fakeConn{newFakeConn()}}
	s := New("test", fastConfig(), d.dial, &recordingHandler{})

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Send([]byte("sub")))

	require.NoError(t, s.Disconnect(context.Background()))
	assert.Error(t, s.Send([]byte("sub")))
}

func TestConnectAfterCloseFails(t *testing.T) {
	d := &scriptedDialer{conns: []*fakeConn{newFakeConn()}}
	s := New("test", fastConfig(), d.dial, &recordingHandler{})

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Disconnect(context.Background()))
	assert.ErrorIs(t, s.Connect(context.Background()), ErrClosed)
}
