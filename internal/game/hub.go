package game

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/sirupsen/logrus"
)

const clientSendBuffer = 256

// Client is one connected session. Outbound frames are queued on a
// per-client channel drained by a single writer goroutine, so every client
// observes events in the order the scheduler emitted them.
type Client struct {
	conn     *websocket.Conn
	username string
	send     chan []byte
	closed   bool
	mu       sync.Mutex
}

func (c *Client) Username() string { return c.username }

// Send unicasts one event to this client. Slow consumers get frames
// dropped rather than stalling the caller.
func (c *Client) Send(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		logrus.WithError(err).Warn("ws marshal failed")
		return
	}
	c.enqueue(data)
}

func (c *Client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		logrus.WithField("username", c.username).Warn("ws send buffer full, dropping frame")
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// writePump drains the send queue onto the wire.
func (c *Client) writePump() {
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logrus.WithError(err).WithField("username", c.username).Debug("ws write failed")
			return
		}
	}
}

// Hub fans scheduler events out to every connected session.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"username": client.username,
				"total":    total,
			}).Info("ws client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeSend()
				client.conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"username": client.username,
				"total":    total,
			}).Info("ws client disconnected")

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				logrus.WithError(err).Warn("broadcast marshal failed")
				continue
			}
			h.mu.RLock()
			for client := range h.clients {
				client.enqueue(data)
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast queues an event for every connected client. Never blocks; a
// full hub queue drops the event.
func (h *Hub) Broadcast(event Event) {
	select {
	case h.broadcast <- event:
	default:
		logrus.WithField("type", event.Type).Warn("broadcast queue full, dropping event")
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RegisterClient attaches a connection and starts its writer.
func (h *Hub) RegisterClient(conn *websocket.Conn, username string) *Client {
	client := &Client{
		conn:     conn,
		username: username,
		send:     make(chan []byte, clientSendBuffer),
	}
	go client.writePump()
	h.register <- client
	return client
}

func (h *Hub) UnregisterClient(client *Client) {
	h.unregister <- client
}
