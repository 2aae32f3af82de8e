package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// IntentHandler consumes decoded frames and connection lifecycle events from
// the manager's read pumps
type IntentHandler interface {
	HandleMessage(conn *Connection, data []byte)
	HandleDisconnect(conn *Connection)
}

// ConnectionManager owns every live WebSocket on the server side: the
// per-room connection pools, the broadcast fan-out, and forced closes.
type ConnectionManager struct {
	roomConnections map[string]map[*Connection]bool
	byID            map[string]*Connection
	mu              sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
	handler  IntentHandler

	broadcastCh chan broadcastMessage
}

// Connection represents one WebSocket connection to a client. RoomID and
// PlayerID are set when the connection's JOIN_ROOM/REJOIN_ROOM is accepted.
type Connection struct {
	ID       string
	RoomID   string
	PlayerID uuid.UUID
	Conn     *websocket.Conn
	Send     chan []byte
	Manager  *ConnectionManager

	// done tells the write pump to flush and exit. Send itself is never
	// closed, so queueing a message can never race a teardown into a send
	// on a closed channel.
	done      chan struct{}
	closeOnce sync.Once

	ConnectedAt time.Time
	LastPing    time.Time
}

// shutdown signals the write pump to flush queued frames and close. Idempotent.
func (c *Connection) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// ConnectionConfig holds tuning for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

type broadcastMessage struct {
	RoomID string
	ConnID string // if set, deliver only to this connection
	Data   []byte
}

// DefaultConnectionConfig returns default WebSocket tuning
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  64 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewConnectionManager creates a connection manager. The intent handler is
// attached afterwards via SetHandler because the handler also needs the
// manager to reply.
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		roomConnections: make(map[string]map[*Connection]bool),
		byID:            make(map[string]*Connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan broadcastMessage, 1000),
	}
}

// SetHandler attaches the intent handler. Must be called before serving.
func (cm *ConnectionManager) SetHandler(h IntentHandler) {
	cm.handler = h
}

// Start begins processing broadcast messages
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP request to a WebSocket and pushes the
// SOCKET_ID frame so the client learns its connection identifier for future
// rejoin correlation.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		Conn:        conn,
		Send:        make(chan []byte, 256),
		done:        make(chan struct{}),
		Manager:     cm,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}

	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	if msg, err := NewMessage(TypeSocketID, SocketIDPayload{ConnectionID: connection.ID}); err == nil {
		cm.SendTo(connection.ID, msg)
	}

	log.Info().
		Str("connection_id", connection.ID).
		Msg("WebSocket connection established")
	return nil
}

// registerConnection adds a connection to the id index. Room association
// happens later, when a join is accepted.
func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.byID[conn.ID] = conn
}

// Associate binds an accepted connection to its room and player so room
// broadcasts reach it
func (cm *ConnectionManager) Associate(conn *Connection, roomID string, playerID uuid.UUID) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if conn.RoomID != "" && conn.RoomID != roomID {
		cm.dissociateLocked(conn)
	}
	conn.RoomID = roomID
	conn.PlayerID = playerID

	if cm.roomConnections[roomID] == nil {
		cm.roomConnections[roomID] = make(map[*Connection]bool)
	}
	cm.roomConnections[roomID][conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("room_id", roomID).
		Int("room_connections", len(cm.roomConnections[roomID])).
		Msg("connection associated with room")
}

// Dissociate detaches a connection from its room without closing it,
// used after an accepted LEAVE_ROOM
func (cm *ConnectionManager) Dissociate(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.dissociateLocked(conn)
	conn.RoomID = ""
	conn.PlayerID = uuid.Nil
}

func (cm *ConnectionManager) dissociateLocked(conn *Connection) {
	if conns, ok := cm.roomConnections[conn.RoomID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(cm.roomConnections, conn.RoomID)
		}
	}
}

// unregisterConnection removes a connection entirely
func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	if _, exists := cm.byID[conn.ID]; !exists {
		cm.mu.Unlock()
		return
	}
	delete(cm.byID, conn.ID)
	cm.dissociateLocked(conn)
	cm.mu.Unlock()
	conn.shutdown()

	log.Info().
		Str("connection_id", conn.ID).
		Str("room_id", conn.RoomID).
		Msg("connection unregistered")
}

// BroadcastToRoom queues a message for every connection currently mapped to
// the room, including whichever connection initiated the mutation
func (cm *ConnectionManager) BroadcastToRoom(roomID string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to marshal broadcast")
		return
	}
	select {
	case cm.broadcastCh <- broadcastMessage{RoomID: roomID, Data: data}:
	default:
		log.Warn().Str("room_id", roomID).Msg("broadcast channel full, dropping message")
	}
}

// SendTo queues a message for one connection only
func (cm *ConnectionManager) SendTo(connID string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("connection_id", connID).Msg("failed to marshal direct message")
		return
	}
	select {
	case cm.broadcastCh <- broadcastMessage{ConnID: connID, Data: data}:
	default:
		log.Warn().Str("connection_id", connID).Msg("broadcast channel full, dropping direct message")
	}
}

// CloseConnection force-closes a connection, optionally delivering one final
// frame first. The frame is queued before the teardown signal so the write
// pump flushes it ahead of the normal close; the client sees a clean close
// and does not auto-reconnect. Used for kicks.
func (cm *ConnectionManager) CloseConnection(connID string, notice *Message) {
	cm.mu.RLock()
	conn, ok := cm.byID[connID]
	cm.mu.RUnlock()
	if !ok {
		return
	}

	if notice != nil {
		if data, err := json.Marshal(*notice); err == nil {
			select {
			case conn.Send <- data:
			default:
			}
		}
	}
	cm.unregisterConnection(conn)
}

// handleBroadcast fans a queued message out to its target connections.
// Delivery failure to one connection never blocks the others: a connection
// with a full send buffer is dropped.
func (cm *ConnectionManager) handleBroadcast(message broadcastMessage) {
	cm.mu.RLock()
	var targets []*Connection
	if message.ConnID != "" {
		if conn, ok := cm.byID[message.ConnID]; ok {
			targets = append(targets, conn)
		}
	} else if conns, ok := cm.roomConnections[message.RoomID]; ok {
		for conn := range conns {
			targets = append(targets, conn)
		}
	}
	cm.mu.RUnlock()

	for _, conn := range targets {
		select {
		case conn.Send <- message.Data:
		default:
			log.Warn().
				Str("connection_id", conn.ID).
				Msg("connection send buffer full, closing connection")
			cm.unregisterConnection(conn)
			conn.Conn.Close()
		}
	}
}

// Stats returns counts of active connections per room
type Stats struct {
	TotalConnections int            `json:"total_connections"`
	ActiveRooms      int            `json:"active_rooms"`
	RoomConnections  map[string]int `json:"room_connections"`
}

// GetStats returns statistics about active connections
func (cm *ConnectionManager) GetStats() Stats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := Stats{RoomConnections: make(map[string]int)}
	stats.TotalConnections = len(cm.byID)
	stats.ActiveRooms = len(cm.roomConnections)
	for roomID, conns := range cm.roomConnections {
		stats.RoomConnections[roomID] = len(conns)
	}
	return stats
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-c.done:
			// Flush anything still queued, then close cleanly
			for {
				select {
				case message := <-c.Send:
					c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
					if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
						return
					}
				default:
					c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
					c.Conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.LastPing = time.Now()
		}
	}
}

// readPump reads frames off the socket and hands them to the intent handler
func (c *Connection) readPump() {
	defer func() {
		wasAssociated := c.RoomID != ""
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
		if wasAssociated && c.Manager.handler != nil {
			c.Manager.handler.HandleDisconnect(c)
		}
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		if c.Manager.handler != nil {
			c.Manager.handler.HandleMessage(c, message)
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}
