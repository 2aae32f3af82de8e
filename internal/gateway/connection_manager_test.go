package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startManager(t *testing.T) (*ConnectionManager, string) {
	t.Helper()
	cm := NewConnectionManager(DefaultConnectionConfig())
	ctx, cancel := context.WithCancel(context.Background())
	go cm.Start(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cm.UpgradeConnection(w, r)
	}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return cm, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// dialClient connects a real WebSocket client and returns it along with the
// server-assigned connection id from the SOCKET_ID push
func dialClient(t *testing.T, endpoint string) (*websocket.Conn, string) {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	msg := readFrame(t, ws)
	require.Equal(t, TypeSocketID, msg.Type)
	payload, err := DecodePayload(msg)
	require.NoError(t, err)
	return ws, payload.(SocketIDPayload).ConnectionID
}

func readFrame(t *testing.T, ws *websocket.Conn) Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestCloseConnectionDeliversFinalNotice(t *testing.T) {
	cm, endpoint := startManager(t)
	ws, connID := dialClient(t, endpoint)

	notice, err := NewMessage(TypePlayerKick, PlayerKickPayload{TargetPlayerID: uuid.NewString()})
	require.NoError(t, err)
	cm.CloseConnection(connID, &notice)

	msg := readFrame(t, ws)
	assert.Equal(t, TypePlayerKick, msg.Type, "the final notice must arrive before the close")

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure),
		"expected a normal close after the notice, got %v", err)
}

// A client dropping in the middle of a room broadcast must not take down the
// fan-out loop; the send path and connection teardown race freely here.
func TestBroadcastRacingDisconnect(t *testing.T) {
	cm, endpoint := startManager(t)

	const roomID = "abc123"
	var clients []*websocket.Conn
	for i := 0; i < 4; i++ {
		ws, connID := dialClient(t, endpoint)
		cm.mu.RLock()
		conn := cm.byID[connID]
		cm.mu.RUnlock()
		require.NotNil(t, conn)
		cm.Associate(conn, roomID, uuid.New())
		clients = append(clients, ws)
	}

	msg, err := NewMessage(TypeRoomState, RoomStatePayload{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			cm.BroadcastToRoom(roomID, msg)
		}
	}()
	for _, ws := range clients {
		ws.Close()
	}
	wg.Wait()

	assert.Eventually(t, func() bool {
		return cm.GetStats().TotalConnections == 0
	}, 2*time.Second, 10*time.Millisecond)
}
