package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 256
)

// Client is one WebSocket connection. Messages queued on send are written
// by writePump.
type Client struct {
	ID   uuid.UUID
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func newClient(hub *Hub, conn *websocket.Conn, buffer int) *Client {
	return &Client{ID: uuid.New(), hub: hub, conn: conn, send: make(chan []byte, buffer)}
}

// Hub tracks connected clients and fans messages out to them. A client whose
// buffer is full misses the message rather than blocking the run.
type Hub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]*Client
	dropped atomic.Uint64
	Log     logrus.FieldLogger
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[uuid.UUID]*Client),
		Log:     logrus.StandardLogger(),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ID] = c
	h.Log.WithField("client", c.ID).Debug("Client connected")
}

// Unregister removes c and closes its send channel. Safe to call twice.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.clients[c.ID]; ok && cur == c {
		delete(h.clients, c.ID)
		close(c.send)
		h.Log.WithField("client", c.ID).Debug("Client disconnected")
	}
}

// Broadcast queues msg for every client.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, c := range h.clients {
		if !enqueue(c, msg) {
			h.dropped.Add(1)
			h.Log.WithField("client", id).Warn("Client buffer full, dropping message")
		}
	}
}

// Send queues msg for c only. It reports false when c is gone or its
// buffer is full.
func (h *Hub) Send(c *Client, msg []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.clients[c.ID] != c {
		return false
	}
	if !enqueue(c, msg) {
		h.dropped.Add(1)
		return false
	}
	return true
}

func enqueue(c *Client, msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped is the number of messages discarded because a buffer was full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// writePump drains send to the connection and pings it so dead peers are
// noticed by the read side.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
