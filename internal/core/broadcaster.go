package core

import (
	"context"
	"encoding/json"

	"github.com/dkeye/sketchsync/internal/domain"
)

// Broadcaster validates submissions and hands them to the room's sequencer.
type Broadcaster struct {
	reg        *Registry
	maxPayload int
}

func NewBroadcaster(reg *Registry) *Broadcaster {
	return &Broadcaster{reg: reg, maxPayload: reg.cfg.MaxPayload}
}

// Submit sequences payload in room on behalf of conn and returns its
// sequence number. Oversized or malformed payloads are rejected before a
// number is assigned. The acknowledgement frame is queued to conn by the
// room itself, ahead of any later operation.
func (b *Broadcaster) Submit(ctx context.Context, room domain.RoomID, conn domain.ConnID, payload json.RawMessage, clientTS int64, ref string) (uint64, error) {
	if b.maxPayload > 0 && len(payload) > b.maxPayload {
		return 0, domain.ErrPayloadTooLarge
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return 0, domain.ErrBadMessage
	}
	r, ok := b.reg.Lookup(room)
	if !ok {
		return 0, domain.ErrNotJoined
	}
	// The room may keep the slice in its log tail.
	owned := make(json.RawMessage, len(payload))
	copy(owned, payload)
	return r.submit(ctx, conn, owned, clientTS, ref)
}
