package ws

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"crew_tracker/internal/metrics"
	"crew_tracker/internal/presence"
)

// Message is the envelope for everything pushed to clients.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

const (
	// MessageTypeSnapshot carries the full state on connect: every trail
	// plus the presence list.
	MessageTypeSnapshot = "snapshot"
	// MessageTypeTrail carries one user's complete reconciled trail. An
	// empty points list means the trail was purged.
	MessageTypeTrail = "trail"
	// MessageTypePresence carries the full derived presence list.
	MessageTypePresence = "presence"
	// MessageTypeError reports a per-connection problem, bad payloads
	// mostly.
	MessageTypeError = "error"
)

// TrailPoint is one sample as clients see it.
type TrailPoint struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

// TrailPayload is the body of a trail message.
type TrailPayload struct {
	UserID string       `json:"user_id"`
	Points []TrailPoint `json:"points"`
}

// SnapshotPayload is the body of the connect-time snapshot.
type SnapshotPayload struct {
	Trails   []TrailPayload    `json:"trails"`
	Presence []presence.Status `json:"presence"`
}

// Hub fans messages out to every connected client. Producers never block:
// the broadcast channel drops when full, and so does each client's send
// buffer, because a map viewer that missed an update will be repaired by
// the next full-trail push anyway.
type Hub struct {
	mu        sync.Mutex
	clients   map[*Client]bool
	broadcast chan Message
}

func NewHub() *Hub {
	hub := &Hub{
		clients:   make(map[*Client]bool),
		broadcast: make(chan Message, 256),
	}
	go hub.run()
	return hub
}

func (h *Hub) run() {
	for msg := range h.broadcast {
		h.mu.Lock()
		for client := range h.clients {
			client.enqueue(msg)
		}
		h.mu.Unlock()
		metrics.MessagesBroadcast.Inc()
	}
}

// Broadcast queues a message for every client.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		metrics.MessagesDropped.Inc()
		logrus.WithField("type", msg.Type).Warn("Broadcast channel full, dropping message.")
	}
}

// Register adds a client to the fan-out set.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
	metrics.ConnectedClients.Inc()
	logrus.WithFields(logrus.Fields{
		"conn_ptr": fmt.Sprintf("%p", client.conn),
		"user_id":  client.userID,
	}).Info("Client registered with hub.")
}

// Unregister removes a client. Safe to call for a client that was never
// registered.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	registered := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()
	if !registered {
		return
	}
	metrics.ConnectedClients.Dec()
	logrus.WithFields(logrus.Fields{
		"conn_ptr": fmt.Sprintf("%p", client.conn),
		"user_id":  client.userID,
	}).Info("Client unregistered from hub.")
}

// ClientCount reports how many clients are connected.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
