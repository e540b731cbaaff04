package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024
)

// Client represents a WebSocket client connection. Each client tracks the
// set of job IDs it subscribed to; an empty set means all jobs.
type Client struct {
	server    *FerryServer
	conn      *websocket.Conn
	send      chan interface{}
	id        string
	closeOnce sync.Once // Prevents double-close panics

	subMu         sync.RWMutex
	subscriptions map[string]bool
}

// clientMessage is the envelope clients send over the socket
type clientMessage struct {
	Type  string `json:"type"`
	JobID string `json:"job_id,omitempty"`
}

// HandleWebSocket upgrades the connection and starts the client pumps
func (s *FerryServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		server:        s,
		conn:          conn,
		send:          make(chan interface{}, 256),
		id:            uuid.NewString(),
		subscriptions: make(map[string]bool),
	}

	s.register <- client

	go client.writePump()
	go client.readPump()
}

// wantsJob reports whether the client should receive events for a job
func (c *Client) wantsJob(jobID string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	if len(c.subscriptions) == 0 {
		return true
	}
	return c.subscriptions[jobID]
}

// readPump handles reading messages from the WebSocket connection
func (c *Client) readPump() {
	defer func() {
		c.server.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.server.logger.Debugw("Read pump started", "client_id", c.id)

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			break
		}

		var msg clientMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			c.server.logger.Warnw("JSON unmarshal error",
				"error", err.Error(),
				"client_id", c.id)
			continue
		}

		c.routeMessage(&msg)
	}
}

// handleReadError logs unexpected WebSocket read errors.
// Expected closure codes (going away, abnormal, no status) are silently ignored.
func (c *Client) handleReadError(err error) {
	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived,
	) {
		c.server.logger.Warnw("WebSocket read error",
			"error", err.Error(),
			"client_id", c.id)
	}
}

// routeMessage dispatches incoming WebSocket messages
func (c *Client) routeMessage(msg *clientMessage) {
	switch msg.Type {
	case "subscribe":
		c.handleSubscribe(msg.JobID)
	case "unsubscribe":
		c.handleUnsubscribe(msg.JobID)
	case "ping":
		// Deadline already extended by the pong handler
	default:
		c.server.logger.Debugw("Unknown message type",
			"type", msg.Type,
			"client_id", c.id)
	}
}

// handleSubscribe narrows the client's event stream to specific jobs. The
// current state of the job is pushed immediately so late subscribers do not
// wait for the next event.
func (c *Client) handleSubscribe(jobID string) {
	if jobID == "" {
		return
	}

	c.subMu.Lock()
	c.subscriptions[jobID] = true
	c.subMu.Unlock()

	c.server.logger.Debugw("Client subscribed",
		"client_id", c.id,
		"job_id", jobID)

	job, err := c.server.registry.Get(jobID)
	if err != nil {
		c.sendJSON(map[string]interface{}{
			"type":   "error",
			"job_id": jobID,
			"error":  "job not found",
		})
		return
	}

	c.sendJSON(map[string]interface{}{
		"type":      "snapshot",
		"job_id":    job.ID,
		"job":       job,
		"tail":      c.server.registry.Tail(jobID),
		"timestamp": time.Now().Unix(),
	})
}

// handleUnsubscribe removes a job subscription
func (c *Client) handleUnsubscribe(jobID string) {
	if jobID == "" {
		return
	}

	c.subMu.Lock()
	delete(c.subscriptions, jobID)
	c.subMu.Unlock()

	c.server.logger.Debugw("Client unsubscribed",
		"client_id", c.id,
		"job_id", jobID)
}

// sendJSON queues a message for the client without blocking
func (c *Client) sendJSON(data interface{}) {
	select {
	case c.send <- data:
	default:
		c.server.logger.Warnw("Failed to queue message (channel full)",
			"client_id", c.id)
	}
}

// writePump writes queued messages and keepalive pings to the connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	c.server.logger.Debugw("Write pump started", "client_id", c.id)

	for {
		select {
		case <-c.server.ctx.Done():
			return

		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.logger.Debugw("Message write error",
					"error", err.Error(),
					"client_id", c.id)
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

// close safely closes the client's send channel
func (c *Client) close() {
	c.closeOnce.Do(func() {
		if c.send != nil {
			close(c.send)
		}
	})
}
