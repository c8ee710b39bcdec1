// Package hub tracks live connections and which room each one belongs to.
package hub

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Sender is the outbound half of a live connection.
// Send must not block; it reports false when the message was dropped.
type Sender interface {
	Send(payload []byte) bool
}

// Conn is one registered connection.
type Conn struct {
	ID     string
	UserID string
	RoomID string
	Out    Sender
}

// Hub owns the connection registry and the room membership index.
// A connection is in at most one room at a time.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn
	rooms map[string]map[string]struct{} // roomID -> conn ids
	seq   uint64
}

func New() *Hub {
	return &Hub{
		conns: make(map[string]*Conn),
		rooms: make(map[string]map[string]struct{}),
	}
}

// nextID mirrors "<user>-<unixnano>-<seq>"; the seq keeps ids distinct within one nanosecond.
func (h *Hub) nextID(userID string) string {
	n := atomic.AddUint64(&h.seq, 1)
	if userID == "" {
		userID = "anon"
	}
	return fmt.Sprintf("%s-%d-%d", userID, time.Now().UnixNano(), n)
}

// Register adds a connection with no room and returns its id.
func (h *Hub) Register(userID string, out Sender) string {
	id := h.nextID(userID)
	h.mu.Lock()
	h.conns[id] = &Conn{ID: id, UserID: userID, Out: out}
	h.mu.Unlock()
	return id
}

// Unregister removes the connection and its room membership. It returns the
// room the connection was in, or "" when it was unknown or roomless.
func (h *Hub) Unregister(connID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return ""
	}
	delete(h.conns, connID)
	h.leaveLocked(c)
	return c.RoomID
}

// Identify binds the connection to userID once the client names itself.
func (h *Hub) Identify(connID, userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return false
	}
	c.UserID = userID
	return true
}

// Join moves the connection into roomID, leaving any previous room.
func (h *Hub) Join(connID, roomID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return false
	}
	if c.RoomID == roomID {
		return true
	}
	h.leaveLocked(c)
	set := h.rooms[roomID]
	if set == nil {
		set = make(map[string]struct{})
		h.rooms[roomID] = set
	}
	set[connID] = struct{}{}
	c.RoomID = roomID
	return true
}

// Leave drops the connection's room membership and returns the room it left.
func (h *Hub) Leave(connID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return ""
	}
	prev := c.RoomID
	h.leaveLocked(c)
	return prev
}

func (h *Hub) leaveLocked(c *Conn) {
	if c.RoomID == "" {
		return
	}
	if set := h.rooms[c.RoomID]; set != nil {
		delete(set, c.ID)
		if len(set) == 0 {
			delete(h.rooms, c.RoomID)
		}
	}
	c.RoomID = ""
}

// Get returns a copy of the connection record.
func (h *Hub) Get(connID string) (Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connID]
	if !ok {
		return Conn{}, false
	}
	return *c, true
}

// Members returns the connections currently in roomID, ordered by id.
func (h *Hub) Members(roomID string) []Conn {
	h.mu.RLock()
	set := h.rooms[roomID]
	out := make([]Conn, 0, len(set))
	for id := range set {
		if c, ok := h.conns[id]; ok {
			out = append(out, *c)
		}
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ConnectedUsers returns the distinct user ids with a live connection in roomID.
func (h *Hub) ConnectedUsers(roomID string) map[string]struct{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	users := make(map[string]struct{}, len(h.rooms[roomID]))
	for id := range h.rooms[roomID] {
		if c, ok := h.conns[id]; ok {
			users[c.UserID] = struct{}{}
		}
	}
	return users
}

// Broadcast sends payload to every connection in roomID except the one with
// id except. It returns the number of successful deliveries.
func (h *Hub) Broadcast(roomID string, payload []byte, except string) int {
	sent := 0
	for _, c := range h.Members(roomID) {
		if c.ID == except || c.Out == nil {
			continue
		}
		if c.Out.Send(payload) {
			sent++
		}
	}
	return sent
}

// SendTo delivers payload to a single connection.
func (h *Hub) SendTo(connID string, payload []byte) bool {
	c, ok := h.Get(connID)
	if !ok || c.Out == nil {
		return false
	}
	return c.Out.Send(payload)
}

// Stats reports the number of connections and non-empty rooms.
func (h *Hub) Stats() (conns, rooms int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns), len(h.rooms)
}
