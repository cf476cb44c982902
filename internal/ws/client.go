package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"crew_tracker/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 * 1024
)

// Client wraps one websocket connection. All writes funnel through the send
// channel into a single write pump, since gorilla connections allow only
// one concurrent writer; reads stay with the caller's loop.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan Message

	closeOnce sync.Once
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		userID: userID,
		send:   make(chan Message, 64),
	}
}

// ConfigureRead applies the read limit and keeps the read deadline fresh as
// pongs arrive. Call before entering the read loop.
func (c *Client) ConfigureRead() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// StartWriter launches the write pump.
func (c *Client) StartWriter() {
	go c.writePump()
}

// Send queues a message for this client only. Must not be called after
// Close.
func (c *Client) Send(msg Message) {
	c.enqueue(msg)
}

func (c *Client) enqueue(msg Message) {
	select {
	case c.send <- msg:
	default:
		metrics.MessagesDropped.Inc()
		logrus.WithFields(logrus.Fields{
			"user_id": c.userID,
			"type":    msg.Type,
		}).Debug("Client send buffer full, dropping message.")
	}
}

// Close unregisters from the hub and shuts the write pump down. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.hub.Unregister(c)
		close(c.send)
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				logrus.WithFields(logrus.Fields{
					"user_id": c.userID,
					"error":   err,
				}).Debug("Failed to write message to client.")
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
