package core

import (
	"context"
	"errors"

	"github.com/dkeye/sketchsync/internal/domain"
)

// Frame is one encoded server message for a single connection.
type Frame []byte

// ErrBackpressure is returned by Sender.TrySend when the outbound queue is full.
var ErrBackpressure = errors.New("backpressure")

// Sender abstracts the outbound side of a transport connection.
// Owned by the adapter; the adapter must Close() it.
type Sender interface {
	// TrySend enqueues f without blocking.
	TrySend(f Frame) error
	Close()
}

// MembershipRecorder receives best-effort join/leave traces.
type MembershipRecorder interface {
	RecordMembershipEvent(ctx context.Context, ev domain.MembershipEvent) error
}

// Store is the persistence bridge. It is the only writer of durable state.
type Store interface {
	// AppendOperation is idempotent on (RoomID, Seq): appending the same
	// operation twice succeeds, a different one fails with
	// domain.ErrSequenceConflict.
	AppendOperation(ctx context.Context, op domain.Operation) error
	// LoadSince returns operations with Seq > afterSeq in ascending order.
	LoadSince(ctx context.Context, room domain.RoomID, afterSeq uint64) ([]domain.Operation, error)
	// LoadLatestSnapshot returns nil, nil when the room has no snapshot.
	LoadLatestSnapshot(ctx context.Context, room domain.RoomID) (*domain.Snapshot, error)
	SaveSnapshot(ctx context.Context, snap domain.Snapshot) error
	MembershipRecorder
}

// MembershipRecorders fans a membership event out to several recorders and
// joins their errors.
type MembershipRecorders []MembershipRecorder

func (rs MembershipRecorders) RecordMembershipEvent(ctx context.Context, ev domain.MembershipEvent) error {
	var errs []error
	for _, r := range rs {
		if r == nil {
			continue
		}
		if err := r.RecordMembershipEvent(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DetachFunc is told when the room side drops a connection on its own
// (slow consumer, room teardown). It is always invoked asynchronously.
type DetachFunc func(conn domain.ConnID, room domain.RoomID, reason error)
