package progress

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/timmy/studiodesk/internal/logger"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
)

// Notifier delivers job events to every live connection of a user.
type Notifier interface {
	Publish(userID string, ev Event)
}

// NewUpgrader returns the upgrader for progress connections. checkOrigin decides
// which browser origins may connect.
func NewUpgrader(checkOrigin func(r *http.Request) bool) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// Hub keeps the open progress connections of every user. A user may have several
// (one per open page) and all of them get every event for that user; receivers
// pick their job by the event's JobID.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[*client]struct{})}
}

// Serve registers conn for userID and blocks until the peer disconnects or ctx
// is cancelled. Inbound messages are read only to process control frames.
func (h *Hub) Serve(ctx context.Context, userID string, conn *websocket.Conn) {
	c := &client{conn: conn}
	h.add(userID, c)
	defer func() {
		remaining := h.remove(userID, c)
		conn.Close()
		logger.CtxDebug(ctx, "Progress client disconnected: user_id=%s, remaining=%d", userID, remaining)
	}()

	logger.CtxDebug(ctx, "Progress client connected: user_id=%s", userID)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				conn.Close()
				return
			case <-ticker.C:
				if err := c.write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.CtxWarn(ctx, "Progress connection error: user_id=%s, error=%v", userID, err)
			}
			return
		}
	}
}

// Publish sends ev to every connection of userID. Write failures close the
// failing connection; its Serve loop then unregisters it.
func (h *Hub) Publish(userID string, ev Event) {
	data, err := Encode(ev)
	if err != nil {
		logger.Error("Failed to encode progress event: user_id=%s, error=%v", userID, err)
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients[userID]))
	for c := range h.clients[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.write(websocket.TextMessage, data); err != nil {
			logger.Warn("Failed to send progress event: user_id=%s, type=%s, error=%v", userID, Type(ev), err)
			c.conn.Close()
		}
	}
}

// Connections returns the number of open connections of userID.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (h *Hub) add(userID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[userID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[userID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) remove(userID string, c *client) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[userID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, userID)
	}
	return len(set)
}
