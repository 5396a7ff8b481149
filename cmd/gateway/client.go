package main

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 30 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 25 * time.Second

	// Maximum inbound message size
	maxMessageSize = 16 * 1024
)

// hitlResponseChannel carries decisions from gateway clients back to
// the API server's parked drivers
const hitlResponseChannel = "hitl:responses"

// Client represents one authenticated WebSocket connection
type Client struct {
	hub    *Hub
	server *Server
	conn   *websocket.Conn
	userID string

	send      chan []byte
	closeOnce sync.Once
}

func NewClient(hub *Hub, server *Server, conn *websocket.Conn, userID string) *Client {
	return &Client{
		hub:    hub,
		server: server,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, 512),
	}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

// inboundMessage is what clients may send
type inboundMessage struct {
	Type        string `json:"type"`
	ExecutionID string `json:"execution_id,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
	Action      string `json:"action,omitempty"`
	Value       any    `json:"value,omitempty"`
	Message     string `json:"message,omitempty"`
}

// readPump handles inbound messages: subscriptions, pings, and human
// decisions. Any read error ends the connection.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.log.Warn("websocket read", "user_id", c.userID, "error", err)
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError("invalid message")
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg inboundMessage) {
	switch msg.Type {
	case "ping":
		c.sendJSON(map[string]any{"type": "pong"})

	case "subscribe":
		executionID, err := uuid.Parse(msg.ExecutionID)
		if err != nil {
			c.sendError("invalid execution_id")
			return
		}
		if !c.server.ownsExecution(c.userID, executionID) {
			c.sendError("access denied")
			return
		}
		c.hub.Subscribe(c, executionID.String())
		c.sendJSON(map[string]any{"type": "subscribed", "execution_id": executionID.String()})

	case "unsubscribe":
		if msg.ExecutionID != "" {
			c.hub.Unsubscribe(c, msg.ExecutionID)
			c.sendJSON(map[string]any{"type": "unsubscribed", "execution_id": msg.ExecutionID})
		}

	case "hitl_response":
		if msg.RequestID == "" || msg.Action == "" {
			c.sendError("request_id and action are required")
			return
		}
		c.forwardHITLResponse(msg)

	default:
		c.sendError("unknown message type")
	}
}

// forwardHITLResponse publishes the decision to redis; the API server
// applies it and wakes the waiting execution
func (c *Client) forwardHITLResponse(msg inboundMessage) {
	payload, err := json.Marshal(map[string]any{
		"user_id":    c.userID,
		"request_id": msg.RequestID,
		"action":     msg.Action,
		"value":      msg.Value,
		"message":    msg.Message,
	})
	if err != nil {
		c.sendError("invalid response payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.server.redis.PublishEvent(ctx, hitlResponseChannel, string(payload)); err != nil {
		c.server.log.Error("forward hitl response", "user_id", c.userID, "error", err)
		c.sendError("response delivery failed")
		return
	}
	c.sendJSON(map[string]any{"type": "hitl_response_ack", "request_id": msg.RequestID})
}

func (c *Client) sendJSON(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (c *Client) sendError(message string) {
	c.sendJSON(map[string]any{"type": "error", "error": message})
}

// writePump pumps queued messages to the connection and keeps it
// alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// drain the queue as individual frames so each JSON
			// object parses on its own
			n := len(c.send)
			for i := 0; i < n; i++ {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
