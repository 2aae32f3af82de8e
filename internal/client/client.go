package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/scrumdeck/scrumdeck/internal/gateway"
)

// State is the connection lifecycle state
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventKind identifies an observable connection event
type EventKind string

const (
	EventOpen               EventKind = "open"
	EventClosed             EventKind = "closed"
	EventReconnectExhausted EventKind = "reconnect_exhausted"
)

// Event is emitted on the manager's event channel. ReconnectExhausted is
// terminal: retries stop until an explicit Connect call.
type Event struct {
	Kind     EventKind
	WasClean bool
	Err      error
}

var (
	// ErrNotConnected is returned by Send in any state other than Open.
	// Messages are never silently queued.
	ErrNotConnected = errors.New("not connected")
	// ErrDestroyed is returned once Destroy has torn the manager down
	ErrDestroyed = errors.New("connection manager destroyed")
)

// Conn is the transport surface the manager needs. *websocket.Conn
// satisfies it; tests substitute an in-memory fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a transport to the endpoint
type Dialer func(ctx context.Context, endpoint string) (Conn, error)

// DefaultDialer dials over a real WebSocket
func DefaultDialer() Dialer {
	return func(ctx context.Context, endpoint string) (Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Config holds the connection parameters
type Config struct {
	Endpoint             string
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
}

type connectAttempt struct {
	done chan struct{}
	err  error
}

// Manager owns one physical connection for a client process: dialing,
// message dispatch, and the reconnect state machine. An unexpected close
// schedules a retry after ReconnectInterval; after MaxReconnectAttempts
// consecutive failed attempts it emits ReconnectExhausted and stops. A clean
// close never auto-reconnects. All timing goes through the injected clock so
// the retry path is testable without real delays.
type Manager struct {
	mu    sync.Mutex
	cfg   Config
	dial  Dialer
	clock clockwork.Clock

	state    State
	conn     Conn
	gen      int // connection generation, stale transport events are ignored
	attempts int

	retryTimer  clockwork.Timer
	retryCancel chan struct{}
	retryGen    int

	inflight  *connectAttempt
	destroyed bool
	exhausted bool

	handlers map[gateway.MessageType]func(gateway.Message)
	events   chan Event
}

// NewManager creates a manager with the real clock and WebSocket dialer
func NewManager(cfg Config) *Manager {
	return NewManagerWith(cfg, DefaultDialer(), clockwork.NewRealClock())
}

// NewManagerWith creates a manager with an injected dialer and clock
func NewManagerWith(cfg Config, dial Dialer, clock clockwork.Clock) *Manager {
	return &Manager{
		cfg:      cfg,
		dial:     dial,
		clock:    clock,
		state:    StateIdle,
		handlers: make(map[gateway.MessageType]func(gateway.Message)),
		events:   make(chan Event, 32),
	}
}

// Configure replaces the connection parameters. Safe to call repeatedly;
// takes effect on the next dial.
func (m *Manager) Configure(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Events returns the observable event stream
func (m *Manager) Events() <-chan Event {
	return m.events
}

// RegisterHandler sets the handler invoked for incoming frames of the given
// type. Frames with no registered handler are dropped.
func (m *Manager) RegisterHandler(msgType gateway.MessageType, fn func(gateway.Message)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[msgType] = fn
}

// Connect transitions Idle/Closed to Connecting and dials. A concurrent
// Connect while Connecting shares the in-flight outcome instead of starting
// a second transport. A failed explicit Connect rejects without scheduling a
// retry; it also re-arms retries after ReconnectExhausted.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	if m.state == StateOpen {
		m.mu.Unlock()
		return nil
	}
	if m.inflight != nil {
		attempt := m.inflight
		m.mu.Unlock()
		<-attempt.done
		return attempt.err
	}

	m.cancelRetryLocked()
	m.attempts = 0
	m.exhausted = false
	m.state = StateConnecting
	attempt := &connectAttempt{done: make(chan struct{})}
	m.inflight = attempt
	m.gen++
	gen := m.gen
	endpoint := m.cfg.Endpoint
	m.mu.Unlock()

	conn, err := m.dial(ctx, endpoint)

	m.mu.Lock()
	m.inflight = nil
	switch {
	case m.destroyed:
		if conn != nil {
			conn.Close()
		}
		attempt.err = ErrDestroyed
	case gen != m.gen:
		// Disconnect raced the dial; discard whatever it produced
		if conn != nil {
			conn.Close()
		}
		attempt.err = ErrNotConnected
	case err != nil:
		m.state = StateClosed
		attempt.err = err
	default:
		m.openLocked(gen, conn)
	}
	m.mu.Unlock()

	close(attempt.done)
	return attempt.err
}

// Send writes a message on the open connection. Permitted only in Open;
// anything else fails immediately with ErrNotConnected.
func (m *Manager) Send(msg gateway.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateOpen || m.conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return m.conn.WriteMessage(websocket.TextMessage, data)
}

// Disconnect closes the connection cleanly and cancels any pending or
// in-flight reconnect attempt. A clean close never triggers auto-reconnect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelRetryLocked()
	if m.conn == nil {
		// A dial may still be in flight (explicit Connect or a fired retry).
		// Invalidating the generation makes its eventual result get closed
		// and discarded instead of resurrecting the connection.
		m.gen++
		if m.state != StateIdle {
			m.state = StateClosed
		}
		return
	}

	m.state = StateClosing
	m.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	m.conn.Close()
	// The read loop observes the close and finishes the transition to Closed.
}

// Destroy tears down timers and the transport unconditionally. Idempotent
// and safe from any state.
func (m *Manager) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return
	}
	m.destroyed = true
	m.cancelRetryLocked()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.state = StateClosed
}

// openLocked installs a freshly dialed transport
func (m *Manager) openLocked(gen int, conn Conn) {
	m.conn = conn
	m.state = StateOpen
	m.attempts = 0
	m.exhausted = false
	go m.readLoop(gen, conn)
	m.emit(Event{Kind: EventOpen})
	log.Debug().Str("endpoint", m.cfg.Endpoint).Msg("connection open")
}

// readLoop decodes incoming frames and dispatches them until the transport
// fails or closes
func (m *Manager) readLoop(gen int, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.onTransportClosed(gen, isCleanClose(err), err)
			return
		}
		m.dispatch(data)
	}
}

func (m *Manager) dispatch(data []byte) {
	var msg gateway.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Msg("dropping undecodable frame")
		return
	}

	m.mu.Lock()
	fn, ok := m.handlers[msg.Type]
	m.mu.Unlock()
	if !ok {
		log.Debug().Str("type", string(msg.Type)).Msg("dropping frame with no handler")
		return
	}
	fn(msg)
}

// onTransportClosed is the transition for a transport-reported close. Stale
// generations (a transport already replaced or torn down) are ignored.
func (m *Manager) onTransportClosed(gen int, clean bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed || gen != m.gen {
		return
	}
	m.conn = nil

	explicit := m.state == StateClosing
	m.state = StateClosed
	m.emit(Event{Kind: EventClosed, WasClean: clean || explicit, Err: err})

	if clean || explicit {
		return
	}
	m.scheduleRetryLocked(err)
}

// scheduleRetryLocked consumes one reconnect attempt slot, or gives up with
// a single terminal ReconnectExhausted when the slots are spent
func (m *Manager) scheduleRetryLocked(cause error) {
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		if !m.exhausted {
			m.exhausted = true
			m.emit(Event{Kind: EventReconnectExhausted, Err: cause})
			log.Warn().
				Int("attempts", m.attempts).
				Msg("reconnect attempts exhausted")
		}
		return
	}
	m.attempts++

	m.retryGen++
	gen := m.retryGen
	timer := m.clock.NewTimer(m.cfg.ReconnectInterval)
	cancel := make(chan struct{})
	m.retryTimer = timer
	m.retryCancel = cancel
	go func() {
		select {
		case <-timer.Chan():
			m.retry(gen)
		case <-cancel:
		}
	}()
	log.Debug().
		Int("attempt", m.attempts).
		Dur("interval", m.cfg.ReconnectInterval).
		Msg("reconnect scheduled")
}

// retry is the timer-as-message event: the delayed retry feeds back into the
// same transition path as transport events
func (m *Manager) retry(retryGen int) {
	m.mu.Lock()
	if m.destroyed || retryGen != m.retryGen || m.state != StateClosed {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.retryCancel = nil
	m.state = StateConnecting
	m.gen++
	gen := m.gen
	endpoint := m.cfg.Endpoint
	m.mu.Unlock()

	conn, err := m.dial(context.Background(), endpoint)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed || gen != m.gen {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		m.state = StateClosed
		m.scheduleRetryLocked(err)
		return
	}
	m.openLocked(gen, conn)
}

// cancelRetryLocked stops a pending retry timer and invalidates any timer
// goroutine already in flight
func (m *Manager) cancelRetryLocked() {
	m.retryGen++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.retryCancel != nil {
		close(m.retryCancel)
		m.retryCancel = nil
	}
}

// emit never blocks; a slow consumer loses events rather than stalling the
// state machine
func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		log.Warn().Str("kind", string(ev.Kind)).Msg("event channel full, dropping event")
	}
}

func isCleanClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
