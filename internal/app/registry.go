package app

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/sketchsync/internal/core"
	"github.com/dkeye/sketchsync/internal/domain"
	"github.com/rs/zerolog/log"
)

type ConnState int

const (
	StateUnjoined ConnState = iota
	StateJoined
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateUnjoined:
		return "unjoined"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Connection is the gateway's record of one authenticated transport
// connection. Lifecycle fields change only through Gateway methods.
type Connection struct {
	ID   domain.ConnID
	User domain.User
	out  core.Sender

	// mu serializes transitions; the room registry is called with it held.
	mu             sync.Mutex
	state          ConnState
	room           domain.RoomID
	protocolErrors int

	lastSeen atomic.Int64
}

func (c *Connection) State() (ConnState, domain.RoomID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.room
}

func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Connection) touch(at time.Time) {
	c.lastSeen.Store(at.UnixNano())
}

// Registry indexes live connections by id.
type Registry struct {
	mu    sync.RWMutex
	conns map[domain.ConnID]*Connection
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[domain.ConnID]*Connection)}
}

func (r *Registry) Add(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
	log.Debug().Str("module", "app.registry").Str("conn", string(c.ID)).Str("user", string(c.User.ID)).Msg("bound connection")
}

func (r *Registry) Get(id domain.ConnID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

func (r *Registry) Remove(id domain.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
	log.Debug().Str("module", "app.registry").Str("conn", string(id)).Msg("unbind connection")
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns the current connections in no particular order.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}
