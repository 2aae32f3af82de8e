package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrumdeck/scrumdeck/internal/gateway"
)

// fakeConn is an in-memory transport. Frames pushed to frames come out of
// ReadMessage; errors pushed to errs end the read loop.
type fakeConn struct {
	frames chan []byte
	errs   chan error

	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 16),
		errs:   make(chan error, 1),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.frames:
		return websocket.TextMessage, f, nil
	case err := <-c.errs:
		return 0, nil, err
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

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	select {
	case c.errs <- errors.New("use of closed network connection"):
	default:
	}
	return nil
}

func (c *fakeConn) failUnclean() {
	c.errs <- errors.New("connection reset by peer")
}

func (c *fakeConn) closeClean() {
	c.errs <- &websocket.CloseError{Code: websocket.CloseNormalClosure}
}

func (c *fakeConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

// scriptedDialer returns the scripted outcomes in order; the last entry
// repeats once the script runs out
type scriptedDialer struct {
	mu    sync.Mutex
	seq   []func() (Conn, error)
	calls int
}

func (d *scriptedDialer) dial(ctx context.Context, endpoint string) (Conn, error) {
	d.mu.Lock()
	idx := d.calls
	d.calls++
	fn := d.seq[len(d.seq)-1]
	if idx < len(d.seq) {
		fn = d.seq[idx]
	}
	d.mu.Unlock()
	return fn()
}

func (d *scriptedDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func succeed(conn *fakeConn) func() (Conn, error) {
	return func() (Conn, error) { return conn, nil }
}

func fail() func() (Conn, error) {
	return func() (Conn, error) { return nil, errors.New("dial tcp: connection refused") }
}

func testConfig() Config {
	return Config{
		Endpoint:             "ws://localhost:8080/ws",
		ReconnectInterval:    time.Second,
		MaxReconnectAttempts: 3,
	}
}

func waitEvent(t *testing.T, m *Manager, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-m.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestConnectOpensAndSends(t *testing.T) {
	conn := newFakeConn()
	dialer := &scriptedDialer{seq: []func() (Conn, error){succeed(conn)}}
	m := NewManagerWith(testConfig(), dialer.dial, clockwork.NewFakeClock())
	defer m.Destroy()

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, StateOpen, m.State())
	waitEvent(t, m, EventOpen)

	msg, err := gateway.NewMessage(gateway.TypeRoomSync, struct{}{})
	require.NoError(t, err)
	require.NoError(t, m.Send(msg))
	assert.Equal(t, 1, conn.writeCount())
}

func TestSendFailsWhenNotOpen(t *testing.T) {
	dialer := &scriptedDialer{seq: []func() (Conn, error){fail()}}
	m := NewManagerWith(testConfig(), dialer.dial, clockwork.NewFakeClock())
	defer m.Destroy()

	msg, err := gateway.NewMessage(gateway.TypeRoomSync, struct{}{})
	require.NoError(t, err)
	assert.ErrorIs(t, m.Send(msg), ErrNotConnected)

	// Send never queues: a failed connect leaves it failing immediately
	require.Error(t, m.Connect(context.Background()))
	assert.ErrorIs(t, m.Send(msg), ErrNotConnected)
}

func TestConnectFailureRejectsWithoutRetry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	dialer := &scriptedDialer{seq: []func() (Conn, error){fail()}}
	m := NewManagerWith(testConfig(), dialer.dial, clock)
	defer m.Destroy()

	require.Error(t, m.Connect(context.Background()))
	assert.Equal(t, StateClosed, m.State())

	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.callCount(), "explicit connect failure schedules no retry")
}

func TestConcurrentConnectSharesInflightOutcome(t *testing.T) {
	conn := newFakeConn()
	release := make(chan struct{})
	dialer := &scriptedDialer{seq: []func() (Conn, error){
		func() (Conn, error) {
			<-release
			return conn, nil
		},
	}}
	m := NewManagerWith(testConfig(), dialer.dial, clockwork.NewFakeClock())
	defer m.Destroy()

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.Connect(context.Background())
		}(i)
	}

	// Let both goroutines reach the manager before releasing the dial
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.NoError(t, results[0])
	assert.NoError(t, results[1])
	assert.Equal(t, 1, dialer.callCount(), "second connect must not start a second transport")
}

func TestUncleanCloseReconnects(t *testing.T) {
	clock := clockwork.NewFakeClock()
	first := newFakeConn()
	second := newFakeConn()
	dialer := &scriptedDialer{seq: []func() (Conn, error){succeed(first), succeed(second)}}
	m := NewManagerWith(testConfig(), dialer.dial, clock)
	defer m.Destroy()

	require.NoError(t, m.Connect(context.Background()))
	waitEvent(t, m, EventOpen)

	first.failUnclean()
	ev := waitEvent(t, m, EventClosed)
	assert.False(t, ev.WasClean)

	clock.BlockUntil(1)
	clock.Advance(time.Second)

	waitEvent(t, m, EventOpen)
	assert.Equal(t, StateOpen, m.State())
	assert.Equal(t, 2, dialer.callCount())
}

func TestCleanCloseDoesNotReconnect(t *testing.T) {
	clock := clockwork.NewFakeClock()
	conn := newFakeConn()
	dialer := &scriptedDialer{seq: []func() (Conn, error){succeed(conn)}}
	m := NewManagerWith(testConfig(), dialer.dial, clock)
	defer m.Destroy()

	require.NoError(t, m.Connect(context.Background()))
	waitEvent(t, m, EventOpen)

	conn.closeClean()
	ev := waitEvent(t, m, EventClosed)
	assert.True(t, ev.WasClean)

	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.callCount(), "clean close never auto-reconnects")
	assert.Equal(t, StateClosed, m.State())
}

// The terminal-backoff scenario: reconnectInterval=1s, maxReconnectAttempts=3.
// After the attempts are spent, no further dial happens and
// ReconnectExhausted fires exactly once.
func TestReconnectExhausted(t *testing.T) {
	clock := clockwork.NewFakeClock()
	conn := newFakeConn()
	dialer := &scriptedDialer{seq: []func() (Conn, error){succeed(conn), fail()}}
	m := NewManagerWith(testConfig(), dialer.dial, clock)
	defer m.Destroy()

	require.NoError(t, m.Connect(context.Background()))
	waitEvent(t, m, EventOpen)

	conn.failUnclean()
	waitEvent(t, m, EventClosed)

	for i := 0; i < 3; i++ {
		clock.BlockUntil(1)
		clock.Advance(time.Second)
	}

	waitEvent(t, m, EventReconnectExhausted)
	assert.Equal(t, 4, dialer.callCount(), "one initial dial plus three reconnect attempts")

	// Terminal: no further timer is armed
	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 4, dialer.callCount())

	// And it fired exactly once
	select {
	case ev := <-m.Events():
		assert.NotEqual(t, EventReconnectExhausted, ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestExplicitConnectResumesAfterExhaustion(t *testing.T) {
	clock := clockwork.NewFakeClock()
	first := newFakeConn()
	recovered := newFakeConn()
	dialer := &scriptedDialer{seq: []func() (Conn, error){
		succeed(first), fail(), fail(), fail(), succeed(recovered),
	}}
	m := NewManagerWith(testConfig(), dialer.dial, clock)
	defer m.Destroy()

	require.NoError(t, m.Connect(context.Background()))
	waitEvent(t, m, EventOpen)
	first.failUnclean()
	for i := 0; i < 3; i++ {
		clock.BlockUntil(1)
		clock.Advance(time.Second)
	}
	waitEvent(t, m, EventReconnectExhausted)

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, StateOpen, m.State())
}

func TestDestroyCancelsPendingRetry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	conn := newFakeConn()
	dialer := &scriptedDialer{seq: []func() (Conn, error){succeed(conn), fail()}}
	m := NewManagerWith(testConfig(), dialer.dial, clock)

	require.NoError(t, m.Connect(context.Background()))
	waitEvent(t, m, EventOpen)

	conn.failUnclean()
	waitEvent(t, m, EventClosed)
	clock.BlockUntil(1)

	m.Destroy()
	m.Destroy() // idempotent

	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.callCount(), "destroy cancels the scheduled retry")
	assert.ErrorIs(t, m.Connect(context.Background()), ErrDestroyed)
}

func TestDisconnectCancelsPendingRetry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	conn := newFakeConn()
	dialer := &scriptedDialer{seq: []func() (Conn, error){succeed(conn), fail()}}
	m := NewManagerWith(testConfig(), dialer.dial, clock)
	defer m.Destroy()

	require.NoError(t, m.Connect(context.Background()))
	waitEvent(t, m, EventOpen)

	conn.failUnclean()
	waitEvent(t, m, EventClosed)
	clock.BlockUntil(1)

	m.Disconnect()

	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.callCount(), "disconnect cancels the scheduled retry")
}

func TestDisconnectDiscardsInflightRetryDial(t *testing.T) {
	clock := clockwork.NewFakeClock()
	first := newFakeConn()
	second := newFakeConn()
	release := make(chan struct{})
	dialer := &scriptedDialer{seq: []func() (Conn, error){
		succeed(first),
		func() (Conn, error) {
			<-release
			return second, nil
		},
	}}
	m := NewManagerWith(testConfig(), dialer.dial, clock)
	defer m.Destroy()

	require.NoError(t, m.Connect(context.Background()))
	waitEvent(t, m, EventOpen)

	first.failUnclean()
	waitEvent(t, m, EventClosed)
	clock.BlockUntil(1)
	clock.Advance(time.Second)

	// The retry is now blocked inside the dial
	require.Eventually(t, func() bool { return dialer.callCount() == 2 }, time.Second, 5*time.Millisecond)

	m.Disconnect()
	close(release)

	assert.Eventually(t, func() bool {
		second.mu.Lock()
		defer second.mu.Unlock()
		return second.closed
	}, time.Second, 5*time.Millisecond, "the dial result after a clean disconnect must be closed")
	assert.Equal(t, StateClosed, m.State())

	select {
	case ev := <-m.Events():
		assert.NotEqual(t, EventOpen, ev.Kind, "clean disconnect must not be followed by an open")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDisconnectDiscardsInflightConnect(t *testing.T) {
	conn := newFakeConn()
	release := make(chan struct{})
	dialer := &scriptedDialer{seq: []func() (Conn, error){
		func() (Conn, error) {
			<-release
			return conn, nil
		},
	}}
	m := NewManagerWith(testConfig(), dialer.dial, clockwork.NewFakeClock())
	defer m.Destroy()

	result := make(chan error, 1)
	go func() { result <- m.Connect(context.Background()) }()

	require.Eventually(t, func() bool { return dialer.callCount() == 1 }, time.Second, 5*time.Millisecond)
	m.Disconnect()
	close(release)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(time.Second):
		t.Fatal("connect did not return")
	}
	assert.Equal(t, StateClosed, m.State())

	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	assert.True(t, closed, "the dial result after a clean disconnect must be closed")
}

func TestDispatchRoutesByMessageType(t *testing.T) {
	conn := newFakeConn()
	dialer := &scriptedDialer{seq: []func() (Conn, error){succeed(conn)}}
	m := NewManagerWith(testConfig(), dialer.dial, clockwork.NewFakeClock())
	defer m.Destroy()

	received := make(chan gateway.Message, 1)
	m.RegisterHandler(gateway.TypeRoomState, func(msg gateway.Message) {
		received <- msg
	})

	require.NoError(t, m.Connect(context.Background()))

	frame, err := json.Marshal(gateway.Message{Type: gateway.TypeRoomState, Payload: json.RawMessage(`{"room":null}`)})
	require.NoError(t, err)
	conn.frames <- frame

	select {
	case msg := <-received:
		assert.Equal(t, gateway.TypeRoomState, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}

	// Unknown types and garbage are dropped without disturbing the connection
	conn.frames <- []byte(`{"type":"MYSTERY"}`)
	conn.frames <- []byte(`not json at all`)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateOpen, m.State())
}
