// Package app wires authenticated connections to rooms. The Gateway owns
// every connection's lifecycle and guarantees exactly one room leave per
// join, whatever ends the membership.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/sketchsync/internal/core"
	"github.com/dkeye/sketchsync/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Verifier turns a raw credential into an identity.
type Verifier interface {
	Verify(ctx context.Context, credential string) (domain.User, error)
}

type GatewayConfig struct {
	// HeartbeatTimeout closes connections silent for longer. Zero disables.
	HeartbeatTimeout time.Duration
	// MaxProtocolErrors closes a connection after that many consecutive
	// client mistakes. Zero disables.
	MaxProtocolErrors int
	JoinRateLimit     int
	JoinRateWindow    time.Duration
}

type Gateway struct {
	verifier Verifier
	rooms    *core.Registry
	bc       *core.Broadcaster
	conns    *Registry
	limiter  *JoinRateLimiter
	cfg      GatewayConfig
	now      func() time.Time
}

func NewGateway(verifier Verifier, rooms *core.Registry, cfg GatewayConfig) *Gateway {
	g := &Gateway{
		verifier: verifier,
		rooms:    rooms,
		bc:       core.NewBroadcaster(rooms),
		conns:    NewRegistry(),
		limiter:  NewJoinRateLimiter(cfg.JoinRateLimit, cfg.JoinRateWindow),
		cfg:      cfg,
		now:      time.Now,
	}
	rooms.SetDetachHook(g.onDetach)
	return g
}

func (g *Gateway) Rooms() *core.Registry { return g.rooms }

func (g *Gateway) Authenticate(ctx context.Context, credential string) (domain.User, error) {
	user, err := g.verifier.Verify(ctx, credential)
	if err != nil {
		return domain.User{}, domain.Wrap(domain.ErrUnauthorized, err)
	}
	return user, nil
}

// Attach registers an authenticated transport as a new Unjoined connection.
func (g *Gateway) Attach(user domain.User, out core.Sender) *Connection {
	c := &Connection{
		ID:    domain.ConnID(uuid.NewString()),
		User:  user,
		out:   out,
		state: StateUnjoined,
	}
	c.touch(g.now())
	g.conns.Add(c)
	log.Info().Str("module", "app.gateway").Str("conn", string(c.ID)).Str("user", string(user.ID)).Bool("guest", user.IsGuest).Msg("connection attached")
	return c
}

// Connect authenticates credential and attaches out.
func (g *Gateway) Connect(ctx context.Context, credential string, out core.Sender) (*Connection, error) {
	user, err := g.Authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}
	return g.Attach(user, out), nil
}

// Join attaches the connection to roomID, leaving its current room first.
// since is the last sequence number the client holds, nil for none.
func (g *Gateway) Join(ctx context.Context, conn domain.ConnID, roomID string, since *uint64) (core.JoinResult, error) {
	c, ok := g.conns.Get(conn)
	if !ok {
		return core.JoinResult{}, domain.ErrConnClosed
	}
	id, err := domain.ParseRoomID(roomID)
	if err != nil {
		return core.JoinResult{}, domain.Wrap(domain.ErrInvalidRoom, err)
	}
	if !g.limiter.Allow(c.User.ID) {
		return core.JoinResult{}, domain.ErrRateLimited
	}

	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return core.JoinResult{}, domain.ErrConnClosed
	case StateJoined:
		g.leaveLocked(c)
	}

	m := domain.NewMember(c.ID, c.User, g.now().UTC())
	res, err := g.rooms.Join(ctx, id, m, c.out, since)
	if err == nil {
		c.state = StateJoined
		c.room = id
		c.protocolErrors = 0
	}
	c.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).Str("module", "app.gateway").Str("conn", string(c.ID)).Str("room", string(id)).Msg("join failed")
		if errors.Is(err, domain.ErrSlowConsumer) {
			g.Close(conn, err)
		}
		return core.JoinResult{}, err
	}
	return res, nil
}

// Leave detaches the connection from its room. It reports whether there was
// a room to leave.
func (g *Gateway) Leave(conn domain.ConnID) (domain.RoomID, bool) {
	c, ok := g.conns.Get(conn)
	if !ok {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateJoined {
		return "", false
	}
	room := c.room
	g.leaveLocked(c)
	return room, true
}

func (g *Gateway) leaveLocked(c *Connection) {
	g.rooms.Leave(c.room, c.ID)
	c.state = StateUnjoined
	c.room = ""
}

// Submit sequences payload in the connection's room. The ack frame is queued
// by the room; the returned number is informational.
func (g *Gateway) Submit(ctx context.Context, conn domain.ConnID, payload json.RawMessage, clientTS int64, ref string) (uint64, error) {
	c, ok := g.conns.Get(conn)
	if !ok {
		return 0, domain.ErrConnClosed
	}

	c.mu.Lock()
	var (
		seq uint64
		err error
	)
	switch c.state {
	case StateClosed:
		err = domain.ErrConnClosed
	case StateUnjoined:
		err = domain.ErrNotJoined
	default:
		seq, err = g.bc.Submit(ctx, c.room, c.ID, payload, clientTS, ref)
	}
	exceeded := g.countLocked(c, err)
	c.mu.Unlock()

	if exceeded {
		log.Warn().Str("module", "app.gateway").Str("conn", string(conn)).Msg("too many protocol errors")
		g.Close(conn, domain.ErrBadMessage)
	}
	return seq, err
}

// ProtocolError records a malformed client frame. It reports whether the
// connection was closed as a result.
func (g *Gateway) ProtocolError(conn domain.ConnID) bool {
	c, ok := g.conns.Get(conn)
	if !ok {
		return false
	}
	c.mu.Lock()
	exceeded := g.countLocked(c, domain.ErrBadMessage)
	c.mu.Unlock()
	if exceeded {
		g.Close(conn, domain.ErrBadMessage)
	}
	return exceeded
}

// countLocked tracks consecutive client mistakes; anything else resets it.
func (g *Gateway) countLocked(c *Connection, err error) bool {
	if !errors.Is(err, domain.ErrNotJoined) && !errors.Is(err, domain.ErrBadMessage) {
		c.protocolErrors = 0
		return false
	}
	c.protocolErrors++
	return g.cfg.MaxProtocolErrors > 0 && c.protocolErrors >= g.cfg.MaxProtocolErrors
}

// Touch records liveness for the heartbeat reaper.
func (g *Gateway) Touch(conn domain.ConnID) {
	if c, ok := g.conns.Get(conn); ok {
		c.touch(g.now())
	}
}

func (g *Gateway) WhoAmI(conn domain.ConnID) (domain.User, domain.RoomID, bool) {
	c, ok := g.conns.Get(conn)
	if !ok {
		return domain.User{}, "", false
	}
	_, room := c.State()
	return c.User, room, true
}

// Close terminates the connection, leaving its room if it is in one. Safe to
// call any number of times from any goroutine.
func (g *Gateway) Close(conn domain.ConnID, reason error) {
	c, ok := g.conns.Get(conn)
	if !ok {
		return
	}
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	if c.state == StateJoined {
		g.leaveLocked(c)
	}
	c.state = StateClosed
	c.mu.Unlock()

	g.conns.Remove(conn)
	c.out.Close()
	log.Info().Err(reason).Str("module", "app.gateway").Str("conn", string(conn)).Msg("connection closed")
}

// onDetach runs when a room dropped the connection on its own. The room has
// already removed the member, so no leave is sent back.
func (g *Gateway) onDetach(conn domain.ConnID, room domain.RoomID, reason error) {
	c, ok := g.conns.Get(conn)
	if !ok {
		return
	}
	c.mu.Lock()
	if c.state != StateJoined || c.room != room {
		c.mu.Unlock()
		return
	}
	c.state = StateUnjoined
	c.room = ""
	c.mu.Unlock()

	if errors.Is(reason, domain.ErrSlowConsumer) {
		g.Close(conn, reason)
	}
}

// Reap closes connections not seen within the heartbeat timeout and returns
// how many it closed.
func (g *Gateway) Reap() int {
	if g.cfg.HeartbeatTimeout <= 0 {
		return 0
	}
	deadline := g.now().Add(-g.cfg.HeartbeatTimeout)
	n := 0
	for _, c := range g.conns.Snapshot() {
		if c.LastSeen().Before(deadline) {
			log.Info().Str("module", "app.gateway").Str("conn", string(c.ID)).Time("last_seen", c.LastSeen()).Msg("heartbeat timeout")
			g.Close(c.ID, domain.ErrConnClosed)
			n++
		}
	}
	g.limiter.Prune()
	return n
}

// Run reaps silent connections until ctx is done.
func (g *Gateway) Run(ctx context.Context) {
	if g.cfg.HeartbeatTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(max(g.cfg.HeartbeatTimeout/2, 10*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Reap()
		}
	}
}

// Shutdown closes every connection.
func (g *Gateway) Shutdown() {
	for _, c := range g.conns.Snapshot() {
		g.Close(c.ID, domain.ErrConnClosed)
	}
}
