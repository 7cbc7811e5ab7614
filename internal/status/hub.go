// Package status broadcasts sync progress to local UI clients over
// WebSocket.
package status

import (
	"encoding/json"
	"net/http"
	"strings"
	gosync "sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roamlog/roamlog/internal/logging"
	"github.com/roamlog/roamlog/internal/models"
	syncpkg "github.com/roamlog/roamlog/internal/sync"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Local UI only.
		return strings.HasPrefix(r.Host, "localhost") || strings.HasPrefix(r.Host, "127.0.0.1")
	},
}

// Event types pushed to clients.
const (
	EventSyncStarted          = "sync.started"
	EventSyncProgress         = "sync.progress"
	EventSyncCompleted        = "sync.completed"
	EventSyncFailed           = "sync.failed"
	EventSyncConflictDetected = "sync.conflict_detected"
)

// Envelope wraps every outbound message.
type Envelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// client is one connected UI.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub maintains client connections and fans coordinator events out to
// them. It implements the coordinator's EventSink.
type Hub struct {
	clients    map[string]*client
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
	closeOnce  gosync.Once
	mu         gosync.RWMutex
}

// NewHub creates a running Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:    make(map[string]*client),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

// Close disconnects every client and stops the fan-out loop.
// Idempotent.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("Status client connected", map[string]interface{}{
				"client_id": c.id,
				"total":     total,
			})

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for id, c := range h.clients {
				select {
				case c.send <- message:
				default:
					// Slow client; drop it rather than block the feed.
					close(c.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast pushes one typed event to every connected client.
func (h *Hub) Broadcast(eventType string, data map[string]interface{}) {
	raw, err := json.Marshal(Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		logging.Error("Failed to serialize status event", err, nil)
		return
	}
	select {
	case h.broadcast <- raw:
	default:
		logging.Warn("Status broadcast buffer full, event dropped", map[string]interface{}{
			"type": eventType,
		})
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// =====================================================
// EventSink implementation
// =====================================================

func (h *Hub) SyncStarted(session models.SyncSession) {
	h.Broadcast(EventSyncStarted, map[string]interface{}{
		"started_at": session.StartedAt,
		"phase":      string(session.Phase),
	})
}

func (h *Hub) SyncProgress(session models.SyncSession) {
	h.Broadcast(EventSyncProgress, map[string]interface{}{
		"phase":    string(session.Phase),
		"progress": session.Progress,
	})
}

func (h *Hub) SyncCompleted(session models.SyncSession, result *syncpkg.BatchResult) {
	data := map[string]interface{}{
		"started_at": session.StartedAt,
		"status":     "completed",
	}
	if result != nil {
		data["processed"] = result.TotalProcessed
		data["resolved"] = result.Resolved
		data["conflicts"] = result.Conflicts
		data["failed"] = result.Failed
	}
	h.Broadcast(EventSyncCompleted, data)
}

func (h *Hub) SyncFailed(session models.SyncSession, err error) {
	h.Broadcast(EventSyncFailed, map[string]interface{}{
		"error":  err.Error(),
		"status": "failed",
	})
}

func (h *Hub) ConflictDetected(rec *models.ConflictRecord) {
	h.Broadcast(EventSyncConflictDetected, map[string]interface{}{
		"conflict_id": rec.ID,
		"entity_type": string(rec.EntityType),
		"entity_id":   rec.EntityID,
		"strategy":    rec.Strategy,
		"status":      string(rec.Status),
	})
}

// =====================================================
// Connection plumbing
// =====================================================

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("Status client read error", map[string]interface{}{
					"error": err.Error(),
				})
			}
			break
		}

		var msg map[string]interface{}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if action, _ := msg["action"].(string); action == "ping" {
			raw, _ := json.Marshal(map[string]interface{}{
				"action":    "pong",
				"timestamp": time.Now().Unix(),
			})
			select {
			case c.send <- raw:
			default:
			}
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Handler upgrades HTTP requests to status connections.
func Handler(h *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("Failed to upgrade status connection", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}

		c := &client{
			id:   time.Now().Format("20060102150405.000") + "-" + r.RemoteAddr,
			conn: conn,
			send: make(chan []byte, 256),
			hub:  h,
		}
		select {
		case h.register <- c:
		case <-h.done:
			conn.Close()
			return
		}

		go c.writePump()
		go c.readPump()
	}
}
