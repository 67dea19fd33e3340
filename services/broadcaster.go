package services

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Hub limits and websocket timing.
const (
	MaxWebSocketClients   = 100
	WebSocketWriteTimeout = 10 * time.Second
	WebSocketPongTimeout  = 60 * time.Second
	WebSocketPingInterval = 30 * time.Second
)

// wsClient is one connected browser client.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Broadcaster subscribes to PubSub and fans every message out over the
// live websocket connections of this instance. Delivery is best
// effort: slow clients are dropped, never waited on.
type Broadcaster struct {
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	shutdown   chan struct{}
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	closeOnce  sync.Once
}

// NewBroadcaster creates the hub and subscribes it to the bus.
func NewBroadcaster(pubsub PubSub) *Broadcaster {
	b := &Broadcaster{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		shutdown:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	pubsub.Subscribe(b.publishMessage)
	return b
}

// publishMessage serializes one bus message onto the broadcast queue,
// dropping it when the hub is saturated.
func (b *Broadcaster) publishMessage(msg PubSubMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Broadcast marshal error: %v", err)
		return
	}
	select {
	case b.broadcast <- data:
	default:
	}
}

// Run drives the hub loop. Intended to be run in its own goroutine.
func (b *Broadcaster) Run() {
	for {
		select {
		case <-b.shutdown:
			return

		case client := <-b.register:
			b.mu.Lock()
			if len(b.clients) >= MaxWebSocketClients {
				b.mu.Unlock()
				client.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "Server at capacity"))
				client.conn.Close()
				log.Printf("WebSocket client rejected: max clients reached (%d)", MaxWebSocketClients)
				continue
			}
			b.clients[client] = true
			count := len(b.clients)
			b.mu.Unlock()
			log.Printf("WebSocket client connected. Total clients: %d", count)

		case client := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.clients[client]; ok {
				delete(b.clients, client)
				close(client.send)
			}
			count := len(b.clients)
			b.mu.Unlock()
			log.Printf("WebSocket client disconnected. Total clients: %d", count)

		case data := <-b.broadcast:
			b.mu.Lock()
			var dead []*wsClient
			for client := range b.clients {
				select {
				case client.send <- data:
				default:
					// Client buffer full, mark for removal
					dead = append(dead, client)
				}
			}
			for _, client := range dead {
				delete(b.clients, client)
				close(client.send)
			}
			b.mu.Unlock()
		}
	}
}

// HandleWebSocket upgrades one HTTP request into a hub client.
func (b *Broadcaster) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	b.mu.RLock()
	atCapacity := len(b.clients) >= MaxWebSocketClients
	b.mu.RUnlock()
	if atCapacity {
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 256),
	}

	// The hub loop may already be gone; never park an upgrade forever.
	select {
	case b.register <- client:
	case <-b.shutdown:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(b)
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Shutdown stops the hub loop and closes every client connection.
func (b *Broadcaster) Shutdown() {
	b.closeOnce.Do(func() {
		close(b.shutdown)

		b.mu.Lock()
		for client := range b.clients {
			close(client.send)
			client.conn.Close()
		}
		b.clients = make(map[*wsClient]bool)
		b.mu.Unlock()

		log.Println("Broadcaster shutdown complete")
	})
}

// writePump writes queued messages and pings to the connection.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(WebSocketWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains inbound frames so pongs and closes are processed.
func (c *wsClient) readPump(b *Broadcaster) {
	defer func() {
		select {
		case b.unregister <- c:
		case <-b.shutdown:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(WebSocketPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(WebSocketPongTimeout))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket read error: %v", err)
			}
			return
		}
	}
}
