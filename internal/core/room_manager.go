package core

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/sketchsync/internal/domain"
	"github.com/rs/zerolog/log"
)

// joinAttempts bounds retries when a join races with eviction or teardown.
const joinAttempts = 3

// Registry is the process-wide catalog of live rooms. One Room instance
// exists per id at a time; rooms are created lazily and evicted after
// staying empty for RoomConfig.IdleTTL.
type Registry struct {
	store     Store
	recon     *Reconciler
	cfg       RoomConfig
	recorder  MembershipRecorder
	compactor *Compactor
	now       func() time.Time
	detach    atomic.Pointer[DetachFunc]

	mu     sync.RWMutex
	rooms  map[domain.RoomID]*Room
	closed bool
}

type RegistryOption func(*Registry)

// WithRecorder replaces the store as the destination of membership events.
func WithRecorder(r MembershipRecorder) RegistryOption {
	return func(reg *Registry) { reg.recorder = r }
}

func WithCompactor(c *Compactor) RegistryOption {
	return func(reg *Registry) { reg.compactor = c }
}

func WithClock(now func() time.Time) RegistryOption {
	return func(reg *Registry) { reg.now = now }
}

func NewRegistry(store Store, cfg RoomConfig, opts ...RegistryOption) *Registry {
	reg := &Registry{
		store:    store,
		recon:    NewReconciler(store),
		cfg:      cfg,
		recorder: store,
		now:      time.Now,
		rooms:    make(map[domain.RoomID]*Room),
	}
	for _, opt := range opts {
		opt(reg)
	}
	return reg
}

func (reg *Registry) Config() RoomConfig { return reg.cfg }

// SetDetachHook installs the callback used when a room drops a connection on
// its own. The gateway sets it once at startup.
func (reg *Registry) SetDetachHook(fn DetachFunc) {
	reg.detach.Store(&fn)
}

func (reg *Registry) detachHook() DetachFunc {
	if p := reg.detach.Load(); p != nil {
		return *p
	}
	return nil
}

// GetOrCreate returns the live room for id, creating it if needed. A fresh
// room starts with its idle timer armed so rooms nobody manages to join do
// not linger.
func (reg *Registry) GetOrCreate(id domain.RoomID) *Room {
	reg.mu.RLock()
	room, ok := reg.rooms[id]
	reg.mu.RUnlock()
	if ok {
		return room
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if room, ok = reg.rooms[id]; ok {
		return room
	}
	room = reg.newRoom(id)
	if reg.closed {
		room.closed = true
		return room
	}
	reg.rooms[id] = room
	room.mu.Lock()
	room.armIdleLocked()
	room.mu.Unlock()
	return room
}

func (reg *Registry) newRoom(id domain.RoomID) *Room {
	r := &Room{
		id:        id,
		createdAt: reg.now(),
		cfg:       reg.cfg,
		store:     reg.store,
		recon:     reg.recon,
		recorder:  reg.recorder,
		logger:    log.With().Str("module", "core.room").Str("room", string(id)).Logger(),
		now:       reg.now,
		onIdle:    reg.evictIfIdle,
		onFatal:   func(r *Room, _ error) { reg.remove(r) },
		onDetach:  reg.detachHook,
		members:   make(map[domain.ConnID]*memberEntry),
		presence:  NewPresence(),
	}
	if reg.compactor != nil {
		r.onAccepted = reg.compactor.Observe
	}
	return r
}

func (reg *Registry) Lookup(id domain.RoomID) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	room, ok := reg.rooms[id]
	return room, ok
}

// Join attaches m to the room, rehydrating it from storage first if it is not
// in memory. Catch-up frames are queued on out before any live operation.
func (reg *Registry) Join(ctx context.Context, id domain.RoomID, m domain.Member, out Sender, since *uint64) (JoinResult, error) {
	var err error
	for range joinAttempts {
		if reg.isClosed() {
			return JoinResult{}, domain.ErrConnClosed
		}
		room := reg.GetOrCreate(id)
		if err = room.load(ctx); err == nil {
			var res JoinResult
			if res, err = room.join(ctx, m, out, since); err == nil {
				return res, nil
			}
		}
		if !errors.Is(err, errRoomClosed) {
			return JoinResult{}, err
		}
	}
	return JoinResult{}, domain.Wrap(domain.ErrRoomReset, err)
}

// Leave detaches conn from the room. It reports whether conn was a member.
func (reg *Registry) Leave(id domain.RoomID, conn domain.ConnID) bool {
	room, ok := reg.Lookup(id)
	if !ok {
		return false
	}
	return room.leave(conn)
}

func (reg *Registry) List() []domain.RoomInfo {
	reg.mu.RLock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.mu.RUnlock()

	out := make([]domain.RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

func (reg *Registry) evictIfIdle(room *Room) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.rooms[room.id] != room || !room.closeIfIdle() {
		return
	}
	delete(reg.rooms, room.id)
	log.Info().Str("module", "core.registry").Str("room", string(room.id)).Msg("idle room evicted")
}

func (reg *Registry) remove(room *Room) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.rooms[room.id] == room {
		delete(reg.rooms, room.id)
	}
}

func (reg *Registry) isClosed() bool {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.closed
}

// Close stops every room timer and refuses new joins. Members are not
// notified; the gateway closes their connections.
func (reg *Registry) Close() {
	reg.mu.Lock()
	reg.closed = true
	rooms := reg.rooms
	reg.rooms = make(map[domain.RoomID]*Room)
	reg.mu.Unlock()
	for _, r := range rooms {
		r.shutdown()
	}
	if reg.compactor != nil {
		reg.compactor.Close()
	}
}
