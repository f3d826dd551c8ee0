// Package rooms tracks which connections are subscribed to which rooms.
// The registry is pure in-memory bookkeeping: it is rebuilt from zero on
// every process restart and never persisted.
package rooms

import (
	"log"
	"sync"

	"github.com/SahilKulkarni10/metaconnect-broker/metrics"
	"github.com/SahilKulkarni10/metaconnect-broker/protocol"
)

// Conn is the registry's view of one physical connection. The concrete
// implementation lives in the websocket package.
type Conn interface {
	// ID is the opaque connection id, unique per physical connection.
	ID() string
	// UserID returns the identified user id, or "" while anonymous.
	UserID() string
	// SendEvent delivers one envelope over the connection.
	SendEvent(env protocol.Envelope) error
}

type room struct {
	mu      sync.RWMutex
	members map[string]Conn // connection id -> connection
}

type entry struct {
	conn    Conn
	rooms   map[string]struct{}
	dropped bool
}

// Registry is the bidirectional connection<->room index. A connection's
// room set and a room's member set are always each other's inverse: both
// sides are updated while holding the registry mutex and the room mutex,
// and fan-out reads take the same room mutex.
//
// Lock order is always registry.mu before room.mu.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*entry
	rooms map[string]*room
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*entry),
		rooms: make(map[string]*room),
	}
}

// Add registers a new connection. The connection starts with an empty
// room set; the auth gate and join handlers populate it.
func (r *Registry) Add(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[conn.ID()]; exists {
		return
	}
	r.conns[conn.ID()] = &entry{
		conn:  conn,
		rooms: make(map[string]struct{}),
	}
	metrics.ActiveConnections.Inc()
	metrics.TotalConnections.Inc()
}

// Join subscribes a connection to a room. Joining a room the connection
// already belongs to is a no-op.
func (r *Registry) Join(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok || e.dropped {
		return
	}
	if _, already := e.rooms[roomID]; already {
		return
	}

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{members: make(map[string]Conn)}
		r.rooms[roomID] = rm
		metrics.ActiveRooms.Inc()
	}

	rm.mu.Lock()
	rm.members[connID] = e.conn
	rm.mu.Unlock()
	e.rooms[roomID] = struct{}{}
}

// Leave unsubscribes a connection from a room. Leaving a room the
// connection is not in is a no-op. Empty rooms are removed.
func (r *Registry) Leave(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(connID, roomID)
}

func (r *Registry) leaveLocked(connID, roomID string) {
	e, ok := r.conns[connID]
	if !ok {
		return
	}
	if _, member := e.rooms[roomID]; !member {
		return
	}
	delete(e.rooms, roomID)

	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	rm.mu.Lock()
	delete(rm.members, connID)
	empty := len(rm.members) == 0
	rm.mu.Unlock()

	if empty {
		delete(r.rooms, roomID)
		metrics.ActiveRooms.Dec()
	}
}

// Subscribers returns a snapshot of the room's current members. The
// snapshot is not kept in sync with later joins and leaves; callers must
// not hold it past the current dispatch.
func (r *Registry) Subscribers(roomID string) []Conn {
	r.mu.RLock()
	rm, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	rm.mu.RLock()
	defer rm.mu.RUnlock()
	subs := make([]Conn, 0, len(rm.members))
	for _, c := range rm.members {
		subs = append(subs, c)
	}
	return subs
}

// Rooms returns a snapshot of the rooms a connection is subscribed to.
func (r *Registry) Rooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[connID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(e.rooms))
	for id := range e.rooms {
		out = append(out, id)
	}
	return out
}

// Drop removes the connection from every room it had joined and deletes
// its entry. It reports whether this call performed the drop: explicit
// disconnect and idle timeout race to drop the same connection, and only
// the first caller wins.
//
// Drop does not mutate any live-session state itself; the caller forwards
// "this user's connection is gone" to the session coordinator.
func (r *Registry) Drop(connID string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok || e.dropped {
		return nil, false
	}
	e.dropped = true

	for roomID := range e.rooms {
		r.leaveLocked(connID, roomID)
	}
	delete(r.conns, connID)
	metrics.ActiveConnections.Dec()
	log.Printf("connection %s dropped", connID)
	return e.conn, true
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Connections returns a snapshot of every registered connection, used for
// shutdown sweeps.
func (r *Registry) Connections() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conn, 0, len(r.conns))
	for _, e := range r.conns {
		out = append(out, e.conn)
	}
	return out
}
