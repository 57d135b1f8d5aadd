// Package realtime keeps track of live WebSocket connections per chat room and
// runs the per-connection session loop.
package realtime

import (
	"chatline/chatline/utils/logging"
	"chatline/chatline/utils/metrics"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Conn is one registered connection. Deliver must not block: it either hands
// the payload to the connection's outbound queue or fails.
type Conn interface {
	ID() string
	Deliver(payload []byte) error
	Close(reason string)
}

// Registry maps chat rooms to the connections currently attached to them.
// Rooms with no connections are removed, so memory is bounded by active rooms.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]Conn
	roomOf map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:  make(map[string]map[string]Conn),
		roomOf: make(map[string]string),
	}
}

// Register attaches c to roomID. A connection lives in at most one room, so
// registering it again moves it.
func (r *Registry) Register(roomID string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.roomOf[c.ID()]; ok {
		if prev == roomID {
			return
		}
		r.removeLocked(prev, c.ID())
	} else {
		metrics.ActiveConnections.Inc()
	}
	conns, ok := r.rooms[roomID]
	if !ok {
		conns = make(map[string]Conn)
		r.rooms[roomID] = conns
	}
	conns[c.ID()] = c
	r.roomOf[c.ID()] = roomID
}

// Deregister detaches c from roomID. It is a no-op when c is not registered
// there and reports whether anything was removed.
func (r *Registry) Deregister(roomID string, c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.roomOf[c.ID()] != roomID {
		return false
	}
	r.removeLocked(roomID, c.ID())
	metrics.ActiveConnections.Dec()
	return true
}

func (r *Registry) removeLocked(roomID, connID string) {
	delete(r.roomOf, connID)
	conns := r.rooms[roomID]
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.rooms, roomID)
	}
}

// Broadcast delivers payload to every connection in roomID and returns how
// many accepted it. Recipients that fail are removed and closed; the rest are
// unaffected. A recipient that is already closing is only removed. Delivery
// happens outside the lock.
func (r *Registry) Broadcast(roomID string, payload []byte) int {
	r.mu.RLock()
	recipients := make([]Conn, 0, len(r.rooms[roomID]))
	for _, c := range r.rooms[roomID] {
		recipients = append(recipients, c)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range recipients {
		if err := c.Deliver(payload); err != nil {
			if errors.Is(err, errSessionClosed) {
				r.Deregister(roomID, c)
				continue
			}
			logging.AppLogger.Warn("dropping connection after failed delivery",
				zap.String("chat_id", roomID),
				zap.String("conn_id", c.ID()),
				zap.Error(err),
			)
			metrics.DroppedRecipients.Inc()
			r.Deregister(roomID, c)
			c.Close("delivery failed")
			continue
		}
		delivered++
	}
	return delivered
}

// RoomSize returns the number of connections attached to roomID.
func (r *Registry) RoomSize(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

// Rooms returns the number of rooms with at least one connection.
func (r *Registry) Rooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Connections returns the total number of registered connections.
func (r *Registry) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.roomOf)
}
