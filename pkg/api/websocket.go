package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentwatch/ares/pkg/bus"
	"github.com/agentwatch/ares/pkg/core"
)

// ClientMessage is what WebSocket clients send: subscribe/unsubscribe to a
// topic pattern, or ping.
type ClientMessage struct {
	Action  string `json:"action"`
	Pattern string `json:"pattern,omitempty"`
}

// ConnectionManager bridges WebSocket connections onto the dispatch fabric.
// Each client subscription gets its own fabric subscription with its own
// bounded queue, so one slow client never stalls another.
type ConnectionManager struct {
	core         *core.Core
	writeTimeout time.Duration

	mu          sync.RWMutex
	connections map[string]*Connection
}

// Connection is a single WebSocket client.
//
// subs is accessed only by the goroutine that owns this connection
// (HandleConnection's read loop and its deferred cleanup), so it needs no
// lock. writeMu serializes writes because each fabric subscription pumps
// events from its own goroutine.
type Connection struct {
	ID   string
	conn *websocket.Conn
	ctx  context.Context

	writeMu sync.Mutex
	subs    map[string]*bus.Subscription
}

// NewConnectionManager creates a connection manager over the core's fabric.
func NewConnectionManager(c *core.Core, writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		core:         c,
		writeTimeout: writeTimeout,
		connections:  make(map[string]*Connection),
	}
}

// HandleWS handles GET /ws: upgrade, then block in the read loop until the
// client goes away.
func (s *Server) HandleWS(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		// Origin validation is the deployment proxy's job; the service
		// itself accepts any origin.
		InsecureSkipVerify: true,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.connManager.HandleConnection(c.Request.Context(), conn)
}

// HandleConnection manages the lifecycle of one WebSocket connection.
// Blocks until the connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	c := &Connection{
		ID:   uuid.New().String(),
		conn: conn,
		ctx:  ctx,
		subs: make(map[string]*bus.Subscription),
	}

	m.register(c)
	defer m.unregister(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.ID,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message", "connection_id", c.ID, "error", err)
			continue
		}
		m.handleClientMessage(c, &msg)
	}
}

// ActiveConnections returns the count of open WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

func (m *ConnectionManager) handleClientMessage(c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Pattern == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "pattern is required for subscribe"})
			return
		}
		if _, exists := c.subs[msg.Pattern]; exists {
			m.sendJSON(c, map[string]string{"type": "subscription.confirmed", "pattern": msg.Pattern})
			return
		}
		sub, err := m.core.Subscribe(msg.Pattern)
		if err != nil {
			m.sendJSON(c, map[string]string{
				"type":    "subscription.error",
				"pattern": msg.Pattern,
				"message": err.Error(),
			})
			return
		}
		c.subs[msg.Pattern] = sub
		m.sendJSON(c, map[string]string{"type": "subscription.confirmed", "pattern": msg.Pattern})
		go m.pump(c, msg.Pattern, sub)

	case "unsubscribe":
		if msg.Pattern == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "pattern is required for unsubscribe"})
			return
		}
		if sub, exists := c.subs[msg.Pattern]; exists {
			sub.Close()
			delete(c.subs, msg.Pattern)
		}

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})

	default:
		m.sendJSON(c, map[string]string{"type": "error", "message": "unknown action " + msg.Action})
	}
}

// pump forwards one fabric subscription to the client until either side
// closes. Drops happen at the fabric, not here: when the subscription's
// bounded queue overflows, the client is told how many events it lost.
func (m *ConnectionManager) pump(c *Connection, pattern string, sub *bus.Subscription) {
	var reportedDrops uint64
	for evt := range sub.Events() {
		payload := map[string]any{
			"type":    "event",
			"pattern": pattern,
			"event":   evt,
		}
		if dropped := sub.Dropped(); dropped > reportedDrops {
			payload["dropped"] = dropped - reportedDrops
			reportedDrops = dropped
		}
		if err := m.sendJSONErr(c, payload); err != nil {
			sub.Close()
			return
		}
	}
}

func (m *ConnectionManager) register(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

func (m *ConnectionManager) unregister(c *Connection) {
	for _, sub := range c.subs {
		sub.Close()
	}
	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	if err := m.sendJSONErr(c, v); err != nil {
		slog.Warn("Failed to send WebSocket message", "connection_id", c.ID, "error", err)
	}
}

func (m *ConnectionManager) sendJSONErr(c *Connection, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}
