package handlers

import (
	"log/slog"
	"sync"

	"militext/internal/utils"
)

// Sender is a connection the hub can push envelopes to.
type Sender interface {
	SendJSON(payload interface{}) error
}

type connMeta struct {
	UserID   string
	Username string
	Conn     Sender
	Room     string
}

// Hub tracks live sockets, their users and the room each one has open.
type Hub struct {
	log *slog.Logger

	mu sync.RWMutex
	// roomID -> connectionID -> Sender
	rooms map[string]map[string]Sender
	// connID -> metadata (includes connection reference)
	conns map[string]*connMeta
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:   log,
		rooms: make(map[string]map[string]Sender),
		conns: make(map[string]*connMeta),
	}
}

// Register stores a new connection. It reports whether this is the user's
// first live connection.
func (h *Hub) Register(connID, userID, username string, conn Sender) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	wasOnline := h.onlineLocked(userID)
	h.conns[connID] = &connMeta{UserID: userID, Username: username, Conn: conn}
	return !wasOnline
}

// Unregister drops the connection and the room it had open. It returns the
// room left, if any, and whether the user is now offline.
func (h *Hub) Unregister(connID string) (room string, offline bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	meta, ok := h.conns[connID]
	if !ok {
		return "", false
	}
	room = meta.Room
	h.leaveLocked(connID, meta)
	delete(h.conns, connID)
	return room, !h.onlineLocked(meta.UserID)
}

// Join moves connID into room. A connection has at most one open room, so
// the previous one, if any, is returned after being left.
func (h *Hub) Join(room, connID string) (previous string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	meta, ok := h.conns[connID]
	if !ok {
		return ""
	}
	previous = meta.Room
	if previous == room {
		return ""
	}
	h.leaveLocked(connID, meta)

	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[string]Sender)
	}
	h.rooms[room][connID] = meta.Conn
	meta.Room = room
	return previous
}

// Leave closes room for connID. It reports whether the connection had it open.
func (h *Hub) Leave(room, connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	meta, ok := h.conns[connID]
	if !ok || meta.Room != room {
		return false
	}
	h.leaveLocked(connID, meta)
	return true
}

func (h *Hub) leaveLocked(connID string, meta *connMeta) {
	if meta.Room == "" {
		return
	}
	if conns, ok := h.rooms[meta.Room]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(h.rooms, meta.Room)
		}
	}
	meta.Room = ""
}

// CurrentRoom returns the room connID has open.
func (h *Hub) CurrentRoom(connID string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if meta, ok := h.conns[connID]; ok {
		return meta.Room
	}
	return ""
}

// Broadcast sends message to every connection with room open except
// excludeConnID.
func (h *Hub) Broadcast(room string, message interface{}, excludeConnID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, conn := range h.rooms[room] {
		if id == excludeConnID {
			continue
		}
		// The read loop notices a dead socket and unregisters it.
		utils.LogError(h.log, conn.SendJSON(message), "Broadcast failed", "room", room, "conn", id)
	}
}

// SendToUser sends message to every connection of userID.
func (h *Hub) SendToUser(userID string, message interface{}) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, meta := range h.conns {
		if meta.UserID == userID {
			utils.LogError(h.log, meta.Conn.SendJSON(message), "SendToUser failed", "user", userID, "conn", id)
		}
	}
}

// SendOutsideRoom sends message to the user's connections that do not
// have room open.
func (h *Hub) SendOutsideRoom(userID, room string, message interface{}) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, meta := range h.conns {
		if meta.UserID == userID && meta.Room != room {
			utils.LogError(h.log, meta.Conn.SendJSON(message), "Notify failed", "user", userID, "conn", id)
		}
	}
}

func (h *Hub) IsUserOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onlineLocked(userID)
}

func (h *Hub) onlineLocked(userID string) bool {
	for _, meta := range h.conns {
		if meta.UserID == userID {
			return true
		}
	}
	return false
}

// Evict closes room on every connection of userID and returns how many
// had it open.
func (h *Hub) Evict(room, userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for connID, meta := range h.conns {
		if meta.UserID == userID && meta.Room == room {
			h.leaveLocked(connID, meta)
			n++
		}
	}
	return n
}

// Counts returns the number of live connections and open rooms.
func (h *Hub) Counts() (conns, rooms int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns), len(h.rooms)
}
