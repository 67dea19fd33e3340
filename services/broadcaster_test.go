package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startBroadcaster(t *testing.T) (*Broadcaster, *MemoryPubSub, string) {
	t.Helper()

	bus := NewMemoryPubSub()
	t.Cleanup(func() { bus.Close() })

	hub := NewBroadcaster(bus)
	go hub.Run()
	t.Cleanup(hub.Shutdown)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	return hub, bus, wsURL
}

func waitForClients(t *testing.T, hub *Broadcaster, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("client count never reached %d (have %d)", want, hub.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBroadcasterDeliversPublishedMessages(t *testing.T) {
	hub, bus, wsURL := startBroadcaster(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	waitForClients(t, hub, 1)

	bus.Publish(TickMessage("SPY", 500.5, 1700000000))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg PubSubMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "tick", msg.Type)
	assert.Equal(t, "SPY", msg.Symbol)
	assert.Equal(t, 500.5, msg.Price)
	assert.Equal(t, int64(1700000000), msg.Timestamp)
}

func TestBroadcasterFansOutToAllClients(t *testing.T) {
	hub, bus, wsURL := startBroadcaster(t)

	first, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer first.Close()

	second, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer second.Close()

	waitForClients(t, hub, 2)

	bus.Publish(TickMessage("QQQ", 400, 1700000000))

	for _, conn := range []*websocket.Conn{first, second} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Contains(t, string(data), `"QQQ"`)
	}
}

func TestBroadcasterTracksDisconnects(t *testing.T) {
	hub, _, wsURL := startBroadcaster(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	waitForClients(t, hub, 1)

	conn.Close()
	waitForClients(t, hub, 0)
}

func TestBroadcasterRejectsConnectionsAfterShutdown(t *testing.T) {
	hub, _, wsURL := startBroadcaster(t)
	hub.Shutdown()

	// The upgrade still succeeds at the HTTP layer, but the connection
	// is closed immediately instead of parking on a dead hub loop.
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, hub.ClientCount())
}

func TestBroadcasterShutdownClosesClients(t *testing.T) {
	hub, _, wsURL := startBroadcaster(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	waitForClients(t, hub, 1)

	hub.Shutdown()
	assert.Equal(t, 0, hub.ClientCount())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "connection must be closed after shutdown")
}
