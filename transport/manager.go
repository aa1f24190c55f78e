// Package transport owns the persistent connection to the signaling server.
//
// Exactly one Manager exists per process. It dials the server over a
// websocket, performs the bearer-token auth handshake, fans inbound events
// out to registered handlers, and is the single enforcement point for
// "no send while disconnected": Emit refuses whenever the state is not
// Connected.
//
// The Manager never retries on its own. On an unexpected disconnect it
// publishes the Disconnected state on the event bus and stops; reconnect
// policy belongs to the caller so it stays testable independently of the
// socket plumbing.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/aether-im/rtcore/bus"
)

// State represents the connection lifecycle state.
type State uint8

const (
	// StateDisconnected means no socket is open.
	StateDisconnected State = iota
	// StateConnecting means a dial/handshake attempt is in flight.
	StateConnecting
	// StateConnected means the auth handshake completed.
	StateConnected
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	// defaultHandshakeTimeout bounds the wait for auth_ok/connect_error.
	defaultHandshakeTimeout = 5 * time.Second

	// writeWait bounds a single websocket write.
	writeWait = 10 * time.Second

	// pongWait is how long the server has to answer a ping before the
	// connection is considered dead.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufferSize is the outbound envelope buffer. A full buffer means
	// the socket has stalled; Emit then fails instead of blocking.
	sendBufferSize = 64
)

// Handler receives the raw payload of an inbound envelope.
type Handler func(data json.RawMessage)

type handlerEntry struct {
	id uint64
	fn Handler
}

// Manager maintains the single websocket connection to the signaling server.
// Create instances with NewManager.
type Manager struct {
	serverURL string
	bus       *bus.Bus
	dialer    *websocket.Dialer

	// HandshakeTimeout bounds Connect's wait for the server's handshake
	// answer. Tests shorten it; production uses the 5 second default.
	HandshakeTimeout time.Duration

	mu    sync.RWMutex
	state State
	conn  *websocket.Conn
	send  chan Envelope
	done  chan struct{}
	hsCh  chan error

	connectMu sync.Mutex

	handlerMu sync.RWMutex
	handlers  map[string][]handlerEntry
	nextID    uint64
}

// NewManager creates a Manager for the given signaling server URL
// (ws:// or wss://). Events are published to b as the state changes.
func NewManager(serverURL string, b *bus.Bus) *Manager {
	logrus.WithFields(logrus.Fields{
		"function": "NewManager",
		"server":   serverURL,
	}).Info("Creating transport manager")

	return &Manager{
		serverURL:        serverURL,
		bus:              b,
		dialer:           websocket.DefaultDialer,
		HandshakeTimeout: defaultHandshakeTimeout,
		handlers:         make(map[string][]handlerEntry),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Connected reports whether the manager is currently connected.
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// Connect dials the signaling server and performs the auth handshake.
// It returns nil only after the server confirms the connection with auth_ok.
// A connect_error answer yields ErrConnectRefused; no answer within
// HandshakeTimeout yields ErrHandshakeTimeout. Any existing socket is torn
// down first. Only one attempt may be in flight at a time.
func (m *Manager) Connect(ctx context.Context, token, userID string) error {
	if !m.connectMu.TryLock() {
		return ErrConnectInProgress
	}
	defer m.connectMu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"user_id":  userID,
	}).Info("Connecting to signaling server")

	m.teardown()
	m.setState(StateConnecting)

	conn, _, err := m.dialer.DialContext(ctx, m.serverURL, nil)
	if err != nil {
		m.setState(StateDisconnected)
		return fmt.Errorf("dial signaling server: %w", err)
	}

	hsCh := make(chan error, 1)

	m.mu.Lock()
	m.conn = conn
	m.send = make(chan Envelope, sendBufferSize)
	m.done = make(chan struct{})
	m.hsCh = hsCh
	m.mu.Unlock()

	go m.readPump(conn)
	go m.writePump(conn, m.send, m.done)

	data, err := json.Marshal(AuthPayload{Token: token, UserID: userID})
	if err != nil {
		m.teardown()
		m.setState(StateDisconnected)
		return fmt.Errorf("marshal auth payload: %w", err)
	}
	m.send <- Envelope{Op: OpAuth, Data: data}

	select {
	case err := <-hsCh:
		if err != nil {
			m.teardown()
			m.setState(StateDisconnected)
			return err
		}
	case <-time.After(m.HandshakeTimeout):
		m.teardown()
		m.setState(StateDisconnected)
		return ErrHandshakeTimeout
	case <-ctx.Done():
		m.teardown()
		m.setState(StateDisconnected)
		return ctx.Err()
	}

	m.mu.Lock()
	m.hsCh = nil
	m.mu.Unlock()

	m.setState(StateConnected)
	m.dispatch(OpConnect, nil)

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"user_id":  userID,
	}).Info("Signaling connection established")

	return nil
}

// Disconnect closes the connection gracefully. It is idempotent and does
// not fire the unexpected-disconnect path.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "Disconnect",
	}).Info("Closing signaling connection")

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))

	m.teardown()
	m.setState(StateDisconnected)
}

// Emit sends one envelope to the server. It returns false without sending
// whenever the state is not Connected, and false if the outbound buffer is
// full (a stalled socket).
func (m *Manager) Emit(op string, payload any) bool {
	m.mu.RLock()
	state := m.state
	send := m.send
	m.mu.RUnlock()

	if state != StateConnected || send == nil {
		logrus.WithFields(logrus.Fields{
			"function": "Emit",
			"op":       op,
			"state":    state.String(),
		}).Warn("Emit refused: not connected")
		return false
	}

	data, err := json.Marshal(payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Emit",
			"op":       op,
			"error":    err,
		}).Error("Emit refused: payload not marshalable")
		return false
	}

	select {
	case send <- Envelope{Op: op, Data: data}:
		return true
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Emit",
			"op":       op,
		}).Warn("Emit refused: outbound buffer full")
		return false
	}
}

// Handle registers a handler for the given inbound operation and returns
// the function that unregisters it. Handlers run on the read goroutine, in
// registration order.
func (m *Manager) Handle(op string, fn Handler) func() {
	m.handlerMu.Lock()
	m.nextID++
	id := m.nextID
	m.handlers[op] = append(m.handlers[op], handlerEntry{id: id, fn: fn})
	m.handlerMu.Unlock()

	return func() {
		m.handlerMu.Lock()
		defer m.handlerMu.Unlock()
		list := m.handlers[op]
		for i, e := range list {
			if e.id == id {
				m.handlers[op] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

// UnsubscribeAll removes every registered handler.
func (m *Manager) UnsubscribeAll() {
	m.handlerMu.Lock()
	m.handlers = make(map[string][]handlerEntry)
	m.handlerMu.Unlock()
}

// readPump reads envelopes from conn until it dies, dispatching each to the
// registered handlers. A read failure on the current connection marks the
// manager Disconnected and fires the local disconnect handlers.
func (m *Manager) readPump(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logrus.WithFields(logrus.Fields{
					"function": "readPump",
					"error":    err,
				}).Warn("Signaling connection lost")
			}
			m.connLost(conn)
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readPump",
				"error":    err,
			}).Warn("Dropping malformed envelope")
			continue
		}

		if m.handleHandshakeAnswer(env) {
			continue
		}
		m.dispatch(env.Op, env.Data)
	}
}

// handleHandshakeAnswer routes auth_ok/connect_error to a pending Connect.
// Returns true when the envelope was consumed by the handshake.
func (m *Manager) handleHandshakeAnswer(env Envelope) bool {
	if env.Op != OpAuthOK && env.Op != OpConnectError {
		return false
	}

	m.mu.Lock()
	hsCh := m.hsCh
	m.hsCh = nil
	m.mu.Unlock()

	if hsCh == nil {
		// connect_error outside a handshake is a transport-level failure;
		// let the registered handlers see it.
		return false
	}

	if env.Op == OpAuthOK {
		hsCh <- nil
	} else {
		var p ConnectErrorPayload
		_ = json.Unmarshal(env.Data, &p)
		logrus.WithFields(logrus.Fields{
			"function": "handleHandshakeAnswer",
			"reason":   p.Reason,
		}).Error("Server refused connection")
		hsCh <- ErrConnectRefused
	}
	return true
}

// writePump serializes writes to conn and keeps the connection alive with
// periodic pings.
func (m *Manager) writePump(conn *websocket.Conn, send chan Envelope, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "writePump",
					"op":       env.Op,
					"error":    err,
				}).Warn("Write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// connLost handles an unexpected read failure. It only acts when conn is
// still the current connection; a connection already replaced by Connect or
// closed by Disconnect is ignored.
func (m *Manager) connLost(conn *websocket.Conn) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	if m.done != nil {
		close(m.done)
		m.done = nil
	}
	hsCh := m.hsCh
	m.hsCh = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	_ = conn.Close()

	if hsCh != nil {
		hsCh <- ErrConnectRefused
		return
	}

	m.publishState(StateDisconnected)
	m.dispatch(OpDisconnect, nil)
}

// teardown closes the current connection, if any, without publishing.
func (m *Manager) teardown() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	if m.done != nil {
		close(m.done)
		m.done = nil
	}
	m.hsCh = nil
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()
	m.publishState(s)
}

func (m *Manager) publishState(s State) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{Kind: bus.KindConnectionState, Payload: s})
}

// dispatch fans one inbound envelope out to the handlers registered for op.
func (m *Manager) dispatch(op string, data json.RawMessage) {
	m.handlerMu.RLock()
	list := make([]handlerEntry, len(m.handlers[op]))
	copy(list, m.handlers[op])
	m.handlerMu.RUnlock()

	logrus.WithFields(logrus.Fields{
		"function": "dispatch",
		"op":       op,
		"handlers": len(list),
	}).Debug("Dispatching inbound event")

	for _, e := range list {
		e.fn(data)
	}
}
