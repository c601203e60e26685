// Package dashboardbridge is an optional WebSocket fan-out for an external
// dashboard: it subscribes to the in-process pub/sub bus's snapshot, log,
// and connection-state topics and relays each payload to every connected
// client. It implements no UI of its own and may be omitted entirely in a
// headless deployment — internal/bus is usable standalone.
package dashboardbridge

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sioux-steel/modbus-gateway/internal/bus"
)

// MessageType tags the kind of payload carried in a Message.
type MessageType string

const (
	MessageTypeSnapshot  MessageType = "snapshot"
	MessageTypeLog       MessageType = "log"
	MessageTypeConnState MessageType = "conn_state"
)

// Message is the envelope relayed to every connected dashboard client.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data"`
}

// Client is a single connected dashboard WebSocket.
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan Message
	hub  *Hub
}

// Hub maintains the set of connected dashboard clients and relays bus
// topics to all of them.
type Hub struct {
	b *bus.Bus

	mu      sync.RWMutex
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client
	broadcast  chan Message

	upgrader websocket.Upgrader
}

// NewHub creates a dashboard bridge hub fed by b.
func NewHub(b *bus.Bus) *Hub {
	return &Hub{
		b:          b,
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Message, 256),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Run relays bus topics into the broadcast channel and drives the hub's
// register/unregister/broadcast loop until stop is closed. It blocks; call it
// in its own goroutine.
func (h *Hub) Run(stop <-chan struct{}) {
	snapCh, unsubSnap := h.b.Subscribe(bus.TopicSnapshot)
	defer unsubSnap()
	logCh, unsubLog := h.b.Subscribe(bus.TopicLog)
	defer unsubLog()
	connCh, unsubConn := h.b.Subscribe(bus.TopicConnState)
	defer unsubConn()

	for {
		select {
		case <-stop:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.send)
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.relay(msg)

		case payload := <-snapCh:
			h.relay(Message{Type: MessageTypeSnapshot, Timestamp: time.Now(), Data: payload})

		case payload := <-logCh:
			h.relay(Message{Type: MessageTypeLog, Timestamp: time.Now(), Data: payload})

		case payload := <-connCh:
			h.relay(Message{Type: MessageTypeConnState, Timestamp: time.Now(), Data: payload})
		}
	}
}

func (h *Hub) relay(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		select {
		case client.send <- msg:
		default:
		}
	}
}

// ClientCount returns the number of connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request to a WebSocket and registers the
// resulting client with the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		ID:   uuid.NewString(),
		conn: conn,
		send: make(chan Message, 256),
		hub:  h,
	}

	h.register <- client

	go client.writePump()
	client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
