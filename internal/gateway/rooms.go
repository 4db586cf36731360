package gateway

import (
	"log/slog"
	"sync"

	"github.com/pulsechat/pulse/internal/logger"
	"github.com/pulsechat/pulse/internal/metrics"
)

// RoomName is the room a conversation's live events fan out on.
func RoomName(conversationID string) string {
	return "conversation:" + conversationID
}

// Rooms indexes which connections subscribed to which rooms. Broadcast
// copies the member set under the read lock and enqueues outside it, so a
// slow connection never stalls the index.
type Rooms struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Conn]bool
	byConn map[*Conn]map[string]bool
	logger *logger.Logger
}

func NewRooms(log *logger.Logger) *Rooms {
	return &Rooms{
		rooms:  make(map[string]map[*Conn]bool),
		byConn: make(map[*Conn]map[string]bool),
		logger: log.WithComponent("gateway.rooms"),
	}
}

// Join subscribes the connection to the room. Joining twice is a no-op.
func (r *Rooms) Join(room string, c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rooms[room] == nil {
		r.rooms[room] = make(map[*Conn]bool)
	}
	r.rooms[room][c] = true

	if r.byConn[c] == nil {
		r.byConn[c] = make(map[string]bool)
	}
	r.byConn[c][room] = true

	metrics.ActiveRooms.Set(float64(len(r.rooms)))
	r.logger.Debug("connection joined room",
		slog.String("conn_id", c.id),
		slog.String("room", room),
		slog.Int("room_size", len(r.rooms[room])))
}

// Leave unsubscribes the connection from the room.
func (r *Rooms) Leave(room string, c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.leaveLocked(room, c)
	metrics.ActiveRooms.Set(float64(len(r.rooms)))
}

// LeaveAll unsubscribes the connection from every room it joined.
func (r *Rooms) LeaveAll(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for room := range r.byConn[c] {
		r.leaveLocked(room, c)
	}
	metrics.ActiveRooms.Set(float64(len(r.rooms)))
}

func (r *Rooms) leaveLocked(room string, c *Conn) {
	if conns, ok := r.rooms[room]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(r.rooms, room)
		}
	}
	if rooms, ok := r.byConn[c]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(r.byConn, c)
		}
	}
}

// Broadcast enqueues the frame on every member of the room except the
// excluded connection. It returns how many connections accepted the frame.
func (r *Rooms) Broadcast(room string, frame []byte, except *Conn) int {
	r.mu.RLock()
	members, ok := r.rooms[room]
	if !ok || len(members) == 0 {
		r.mu.RUnlock()
		return 0
	}
	conns := make([]*Conn, 0, len(members))
	for c := range members {
		if c == except {
			continue
		}
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	sent := 0
	for _, c := range conns {
		if c.enqueue(frame) {
			sent++
		}
	}
	return sent
}

// InRoom reports whether the connection subscribed to the room.
func (r *Rooms) InRoom(room string, c *Conn) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byConn[c][room]
}

// Count returns the number of rooms with at least one subscriber.
func (r *Rooms) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Members returns how many connections subscribed to the room.
func (r *Rooms) Members(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}
