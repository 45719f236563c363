package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"gitlab.com/localtalent/cve-tracker/alerts"
	"gitlab.com/localtalent/cve-tracker/tracker"
)

const (
	writeTimeout = 5 * time.Second
	sendBuffer   = 32
)

// client is one WebSocket connection. Its writeLoop is the only writer of
// conn; Publish only queues messages on send.
type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

func (c *client) drop() {
	c.once.Do(func() { close(c.done) })
}

func (c *client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			c.conn.Close(websocket.StatusPolicyViolation, "too slow")
			return
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Debug("ws write error", "error", err)
				c.drop()
			}
		}
	}
}

// Hub fans alert events out to the WebSocket connections of a room.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[*client]struct{}),
	}
}

func (h *Hub) Subscribe(room string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*client]struct{})
	}
	h.rooms[room][c] = struct{}{}
}

func (h *Hub) Unsubscribe(room string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.rooms[room]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) clients(room string) []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := make([]*client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		clients = append(clients, c)
	}
	return clients
}

// Publish queues event for every connection in room without waiting for
// the writes. A connection whose queue is full is dropped.
func (h *Hub) Publish(room string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("could not encode event", "room", room, "err", err)
		return
	}

	for _, c := range h.clients(room) {
		select {
		case c.send <- data:
		case <-c.done:
			h.Unsubscribe(room, c)
		default:
			slog.Warn("ws client too slow, dropping", "room", room)
			h.Unsubscribe(room, c)
			c.drop()
		}
	}
}

// CloseAll disconnects every client, for shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	all := map[*client]struct{}{}
	for _, room := range h.rooms {
		for c := range room {
			all[c] = struct{}{}
		}
	}
	h.rooms = make(map[string]map[*client]struct{})
	h.mu.Unlock()

	for c := range all {
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

type subscribedEvent struct {
	Type  string   `json:"type"`
	Rooms []string `json:"rooms"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, user tracker.User) {
	tenants, err := s.svc.TenantsForUser(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Error("ws accept error", "error", err)
		return
	}
	defer conn.CloseNow()

	c := newClient(conn)
	defer c.drop()

	rooms := []string{alerts.UserRoom(user.ID)}
	for _, tenant := range tenants {
		rooms = append(rooms, alerts.TenantRoom(tenant.ID))
	}
	for _, room := range rooms {
		s.hub.Subscribe(room, c)
		defer s.hub.Unsubscribe(room, c)
	}

	data, err := json.Marshal(subscribedEvent{Type: "subscribed", Rooms: rooms})
	if err != nil {
		return
	}
	c.send <- data
	go c.writeLoop(r.Context())

	// Clients only listen; reading keeps the connection alive until it closes.
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}
