package generation

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	clientSendBuffer = 64
	writeTimeout     = 10 * time.Second
	pingInterval     = 25 * time.Second
)

// Event is one lifecycle notification pushed to live observers.
type Event struct {
	Type           string         `json:"type"`
	ConversationID uint64         `json:"conversation_id"`
	Data           map[string]any `json:"data,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan Event
	done chan struct{}
	once sync.Once
}

// Hub fans generation lifecycle events out to WebSocket subscribers keyed
// by conversation, so a UI can observe a message mid-flight without
// polling the store.
type Hub struct {
	mu      sync.RWMutex
	clients map[uint64]map[*client]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[uint64]map[*client]struct{})}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browsers reach this endpoint cross-origin behind the CORS layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Publish delivers an event to every subscriber of the conversation.
// Slow subscribers drop events rather than stalling the generation task.
func (h *Hub) Publish(conversationID uint64, event string, payload map[string]any) {
	if h == nil {
		return
	}

	ev := Event{Type: event, ConversationID: conversationID, Data: payload}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[conversationID] {
		select {
		case c.send <- ev:
		default:
		}
	}
}

// Subscribe upgrades the HTTP connection and streams events for the given
// conversation until the peer disconnects.
func (h *Hub) Subscribe(w http.ResponseWriter, r *http.Request, conversationID uint64) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &client{
		conn: conn,
		send: make(chan Event, clientSendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.clients[conversationID] == nil {
		h.clients[conversationID] = make(map[*client]struct{})
	}
	h.clients[conversationID][c] = struct{}{}
	h.mu.Unlock()

	go c.writeLoop()
	c.readLoop()

	h.remove(conversationID, c)
	return nil
}

func (h *Hub) remove(conversationID uint64, c *client) {
	h.mu.Lock()
	if set, ok := h.clients[conversationID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, conversationID)
		}
	}
	h.mu.Unlock()

	c.close()
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// readLoop consumes (and discards) client frames so pings/pongs and close
// handshakes are processed; it returns when the peer goes away.
func (c *client) readLoop() {
	c.conn.SetReadLimit(1024)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			payload, err := json.Marshal(ev)
			if err != nil {
				log.Printf("generation: marshal ws event: %v", err)
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
