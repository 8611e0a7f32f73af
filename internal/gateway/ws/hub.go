// Package ws implements the WebSocket fan-out hub for workspace events.
// Observers connect via WebSocket and receive file-change and session
// lifecycle events in real-time instead of polling the changes endpoint.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ElizenDevVini/eliza-town-sub000/internal/protocol"
)

const (
	// clientBuffer is the per-observer send queue depth. A slow observer
	// that falls this far behind starts dropping events rather than
	// stalling the broadcast path.
	clientBuffer = 64

	writeTimeout = 5 * time.Second
)

// Hub fans workspace events out to all connected observers.
// Notify never blocks: events are queued per connection and dropped
// when an observer cannot keep up.
type Hub struct {
	logger *slog.Logger
	token  string // Shared bearer token. Empty = no auth.

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a Hub with no connected observers.
func NewHub(token string, logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		token:   token,
		clients: make(map[*client]struct{}),
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(h.handleUpgrade)
}

func (h *Hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if h.token != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = r.Header.Get("Authorization")
			if len(token) > 7 && token[:7] == "Bearer " {
				token = token[7:]
			}
		}
		if token != h.token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"elizatown-events-v1"},
	})
	if err != nil {
		h.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	h.handleConnection(r.Context(), conn)
}

func (h *Hub) handleConnection(ctx context.Context, conn *websocket.Conn) {
	c := &client{
		conn: conn,
		send: make(chan []byte, clientBuffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "hub shutting down")
		return
	}
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("observer connected", slog.Int("observers", count))

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.writeLoop(writeCtx, h.logger)

	// Observers are receive-only. The read loop exists to detect
	// disconnects and to service control frames.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				h.logger.Debug("observer disconnected normally")
			}
			return
		}
	}
}

func (c *client) writeLoop(ctx context.Context, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				logger.Debug("observer write failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// Notify broadcasts an event to all connected observers.
// Implements the workspace change notifier contract: it never blocks,
// and a slow or dead observer only loses its own events.
func (h *Hub) Notify(env *protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Warn("encoding event failed",
			slog.String("type", string(env.Type)),
			slog.String("error", err.Error()),
		)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Queue full: drop the event for this observer.
			h.logger.Debug("observer queue full, dropping event",
				slog.String("type", string(env.Type)),
			)
		}
	}
}

// Observers returns the number of connected observers.
func (h *Hub) Observers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects all observers and rejects new connections.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close(websocket.StatusGoingAway, "hub shutting down")
	}
}
