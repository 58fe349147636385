package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/fpang/topic-explorer/internal/generation"
	"github.com/fpang/topic-explorer/internal/jobs"
	"github.com/fpang/topic-explorer/internal/session"
)

const (
	MessageJob      = "job"
	MessageProgress = "progress"
	MessageSession  = "session"

	clientBuffer = 64
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Message is one push to connected clients.
type Message struct {
	Type     string               `json:"type"`
	Job      *jobs.Job            `json:"job,omitempty"`
	JobID    string               `json:"jobId,omitempty"`
	Progress *generation.Progress `json:"progress,omitempty"`
	Session  *SessionSummary      `json:"session,omitempty"`
}

// SessionSummary is the small view of a session pushed on every change.
type SessionSummary struct {
	ID            string    `json:"id"`
	Revision      uint64    `json:"revision"`
	CurrentNodeID string    `json:"currentNodeId,omitempty"`
	NodeCount     int       `json:"nodeCount"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func summarize(s session.Snapshot) SessionSummary {
	return SessionSummary{
		ID:            s.ID,
		Revision:      s.Revision,
		CurrentNodeID: s.Tree.CurrentNodeID,
		NodeCount:     s.Tree.Len(),
		UpdatedAt:     s.UpdatedAt,
	}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans orchestrator events out to websocket clients. It implements
// orchestrator.Observer. A client that cannot keep up is disconnected.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates a hub. allowedOrigins empty accepts any origin.
func NewHub(allowedOrigins ...string) *Hub {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				_, ok := allowed[r.Header.Get("Origin")]
				return ok
			},
		},
	}
}

// ServeWS upgrades the request and registers the client. The initial
// messages are queued before any broadcast reaches the client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, initial ...Message) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientBuffer+len(initial))}
	for _, m := range initial {
		if data, err := json.Marshal(m); err == nil {
			c.send <- data
		}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	log.Debug().Int("clients", n).Msg("WebSocket client connected")

	go h.writePump(c)
	go h.readPump(c)
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// JobChanged implements orchestrator.Observer.
func (h *Hub) JobChanged(j jobs.Job) {
	h.broadcast(Message{Type: MessageJob, Job: &j, JobID: j.ID})
}

// JobProgress implements orchestrator.Observer.
func (h *Hub) JobProgress(id string, p generation.Progress) {
	h.broadcast(Message{Type: MessageProgress, JobID: id, Progress: &p})
}

// SessionChanged implements orchestrator.Observer.
func (h *Hub) SessionChanged(s session.Snapshot) {
	sum := summarize(s)
	h.broadcast(Message{Type: MessageSession, Session: &sum})
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.dropLocked(c)
	}
}

func (h *Hub) broadcast(m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		log.Error().Err(err).Str("type", m.Type).Msg("Failed to encode hub message")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			log.Warn().Msg("WebSocket client too slow, disconnecting")
			h.dropLocked(c)
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.drop(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(c)
				return
			}
		}
	}
}

// readPump discards client frames; it exists to notice disconnects and to
// process control frames.
func (h *Hub) readPump(c *client) {
	defer h.drop(c)
	c.conn.SetReadLimit(4096)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("WebSocket client closed unexpectedly")
			}
			return
		}
	}
}
