package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/sketchsync/internal/domain"
)

// ErrSequenceGap means the durable log is not contiguous where it must be.
var ErrSequenceGap = errors.New("operation log is not contiguous")

// Reconciliation is what a joining client needs to reach parity with Through.
type Reconciliation struct {
	// Baseline is the snapshot state (JSON array of operations) covering
	// 1..BaselineThrough. Empty when the client is catching up incrementally
	// or no snapshot exists.
	Baseline        []byte
	BaselineThrough uint64
	// Operations covers BaselineThrough+1..Through (or since+1..Through).
	Operations []domain.Operation
	Through    uint64
	// Reset is set when the client's claimed position was unusable and a
	// full state is being sent instead.
	Reset bool
}

// Reconciler computes catch-up sets from durable storage.
type Reconciler struct {
	store Store
}

func NewReconciler(store Store) *Reconciler {
	return &Reconciler{store: store}
}

// Reconcile returns the state between since (exclusive) and through
// (inclusive). A nil since means the client has nothing: the latest snapshot
// plus the operations after it are returned, or the full log when the room
// was never compacted.
func (rc *Reconciler) Reconcile(ctx context.Context, room domain.RoomID, since *uint64, through uint64) (Reconciliation, error) {
	var rec Reconciliation
	if since != nil && *since > through {
		since = nil
		rec.Reset = true
	}

	if since != nil {
		ops, err := rc.store.LoadSince(ctx, room, *since)
		if err != nil {
			return Reconciliation{}, fmt.Errorf("load since %d: %w", *since, err)
		}
		ops = upTo(ops, through)
		if err := checkContiguous(ops, *since, through); err != nil {
			return Reconciliation{}, err
		}
		rec.Operations = ops
		rec.Through = through
		return rec, nil
	}

	snap, err := rc.store.LoadLatestSnapshot(ctx, room)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("load snapshot: %w", err)
	}
	var base uint64
	if snap != nil && snap.Through > 0 {
		rec.Baseline = snap.State
		rec.BaselineThrough = snap.Through
		base = snap.Through
		// A snapshot only ever covers acknowledged operations, so it may run
		// ahead of the position read before loading it but never past the
		// room's current head.
		through = max(through, snap.Through)
	}

	ops, err := rc.store.LoadSince(ctx, room, base)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("load since %d: %w", base, err)
	}
	ops = upTo(ops, through)
	if err := checkContiguous(ops, base, through); err != nil {
		return Reconciliation{}, err
	}
	rec.Operations = ops
	rec.Through = through
	return rec, nil
}

// upTo drops operations past through. Appends that have been acknowledged by
// the store but not yet published by the sequencer show up here.
func upTo(ops []domain.Operation, through uint64) []domain.Operation {
	for i, op := range ops {
		if op.Seq > through {
			return ops[:i]
		}
	}
	return ops
}

func checkContiguous(ops []domain.Operation, after, through uint64) error {
	if uint64(len(ops)) != through-after {
		return fmt.Errorf("%w: want %d operations after %d, have %d", ErrSequenceGap, through-after, after, len(ops))
	}
	for i, op := range ops {
		if op.Seq != after+uint64(i)+1 {
			return fmt.Errorf("%w: position %d holds seq %d", ErrSequenceGap, after+uint64(i)+1, op.Seq)
		}
	}
	return nil
}
