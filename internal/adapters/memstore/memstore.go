// Package memstore keeps rooms' durable state in process memory. It backs
// single-node development setups and tests.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/dkeye/sketchsync/internal/domain"
)

type Store struct {
	mu     sync.RWMutex
	ops    map[domain.RoomID][]domain.Operation
	snaps  map[domain.RoomID]domain.Snapshot
	events []domain.MembershipEvent
}

func New() *Store {
	return &Store{
		ops:   make(map[domain.RoomID][]domain.Operation),
		snaps: make(map[domain.RoomID]domain.Snapshot),
	}
}

// AppendOperation stores op at its sequence number. Re-appending the same
// operation is a no-op; anything else at an occupied or non-adjacent
// position is a conflict.
func (s *Store) AppendOperation(ctx context.Context, op domain.Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.ops[op.RoomID]
	n := uint64(len(log))
	switch {
	case op.Seq == 0:
		return fmt.Errorf("%w: sequence numbers start at 1", domain.ErrSequenceConflict)
	case op.Seq <= n:
		if log[op.Seq-1].SameContent(op) {
			return nil
		}
		return fmt.Errorf("%w: room %s seq %d", domain.ErrSequenceConflict, op.RoomID, op.Seq)
	case op.Seq > n+1:
		return fmt.Errorf("%w: room %s seq %d after %d", domain.ErrSequenceConflict, op.RoomID, op.Seq, n)
	}
	op.Payload = bytes.Clone(op.Payload)
	s.ops[op.RoomID] = append(log, op)
	return nil
}

func (s *Store) LoadSince(ctx context.Context, room domain.RoomID, afterSeq uint64) ([]domain.Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.ops[room]
	if afterSeq >= uint64(len(log)) {
		return nil, nil
	}
	return slices.Clone(log[afterSeq:]), nil
}

func (s *Store) LoadLatestSnapshot(ctx context.Context, room domain.RoomID) (*domain.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[room]
	if !ok {
		return nil, nil
	}
	snap.State = bytes.Clone(snap.State)
	return &snap, nil
}

// SaveSnapshot keeps only the most advanced snapshot per room.
func (s *Store) SaveSnapshot(ctx context.Context, snap domain.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.snaps[snap.RoomID]; ok && cur.Through >= snap.Through {
		return nil
	}
	snap.State = bytes.Clone(snap.State)
	s.snaps[snap.RoomID] = snap
	return nil
}

func (s *Store) RecordMembershipEvent(ctx context.Context, ev domain.MembershipEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

// MembershipEvents returns the recorded events for room in arrival order.
func (s *Store) MembershipEvents(room domain.RoomID) []domain.MembershipEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.MembershipEvent
	for _, ev := range s.events {
		if ev.RoomID == room {
			out = append(out, ev)
		}
	}
	return out
}
