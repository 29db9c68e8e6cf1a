package main

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veilchat/messenger/internal/observability"
	"github.com/veilchat/messenger/internal/transport"
)

const (
	// clientQueueSize bounds the per-connection outbound queue. A client
	// that falls this far behind is dropped; history brings it back up to
	// date on reconnect.
	clientQueueSize = 32

	writeTimeout = 10 * time.Second
)

// wsClient is one registered websocket connection. Writes go through the
// send queue so a single goroutine owns the connection's write side.
type wsClient struct {
	userID string
	conn   *websocket.Conn
	send   chan *transport.Frame
	done   chan struct{}
	once   sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// deliver queues a frame without blocking. Reports false when the queue is
// full.
func (c *wsClient) deliver(frame *transport.Frame) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Hub tracks the websocket connection of each online user and pushes relay
// events to them. One connection per user: a new attach replaces the old.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*wsClient

	log     *observability.Logger
	metrics *observability.RelayMetrics
}

func NewHub(log *observability.Logger, metrics *observability.RelayMetrics) *Hub {
	return &Hub{
		clients: make(map[string]*wsClient),
		log:     log,
		metrics: metrics,
	}
}

// Attach registers a connection for userID and starts its write pump.
func (h *Hub) Attach(userID string, conn *websocket.Conn) *wsClient {
	c := &wsClient{
		userID: userID,
		conn:   conn,
		send:   make(chan *transport.Frame, clientQueueSize),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	old := h.clients[userID]
	h.clients[userID] = c
	h.mu.Unlock()

	if old != nil {
		old.close()
	} else {
		h.metrics.ClientConnected()
	}
	h.log.ClientConnected(userID, old != nil)

	go h.writeLoop(c)
	return c
}

// detach removes c if it is still the registered connection for its user and
// closes it either way.
func (h *Hub) detach(c *wsClient, cause error) {
	h.mu.Lock()
	current := h.clients[c.userID] == c
	if current {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()

	c.close()
	if current {
		h.metrics.ClientDisconnected()
		h.log.ClientDisconnected(c.userID, cause)
	}
}

func (h *Hub) writeLoop(c *wsClient) {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(frame); err != nil {
				h.detach(c, err)
				return
			}
		}
	}
}

// Push delivers an event frame to userID if they are online. A full queue
// drops the connection rather than stalling the relay; the client's next
// history load recovers anything missed.
func (h *Hub) Push(userID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error(err, "failed to encode push payload")
		return
	}
	frame := &transport.Frame{Event: event, Data: data}

	h.mu.RLock()
	c := h.clients[userID]
	h.mu.RUnlock()

	if c == nil {
		h.metrics.RecordPush(event, "offline")
		return
	}
	if !c.deliver(frame) {
		h.metrics.RecordPush(event, "dropped")
		h.log.PushDropped(userID, event)
		h.detach(c, nil)
		return
	}
	h.metrics.RecordPush(event, "delivered")
}

// Connections returns the number of attached clients.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll drops every connection, for shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*wsClient)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
		h.metrics.ClientDisconnected()
	}
}
