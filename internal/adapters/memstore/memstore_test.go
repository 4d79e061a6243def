package memstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dkeye/sketchsync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func op(seq uint64, payload string) domain.Operation {
	return domain.Operation{
		RoomID:   "r1",
		Seq:      seq,
		AuthorID: "u1",
		Payload:  json.RawMessage(payload),
		ServerTS: time.Unix(1700000000, 0).UTC(),
	}
}

func TestAppendIsIdempotentPerSequence(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.AppendOperation(ctx, op(1, `{"a":1}`)))
	require.NoError(t, s.AppendOperation(ctx, op(1, `{"a":1}`)), "retry with the same content must succeed")
	require.NoError(t, s.AppendOperation(ctx, op(2, `{"a":2}`)))

	ops, err := s.LoadSince(ctx, "r1", 0)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, uint64(1), ops[0].Seq)
	assert.Equal(t, uint64(2), ops[1].Seq)
}

func TestAppendRejectsConflicts(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.AppendOperation(ctx, op(1, `{"a":1}`)))

	tests := []struct {
		name string
		op   domain.Operation
	}{
		{"different payload", op(1, `{"a":9}`)},
		{"gap", op(3, `{"a":3}`)},
		{"zero", op(0, `{}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.AppendOperation(ctx, tt.op)
			assert.ErrorIs(t, err, domain.ErrSequenceConflict)
		})
	}
}

func TestLoadSince(t *testing.T) {
	ctx := context.Background()
	s := New()
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, s.AppendOperation(ctx, op(i, `{}`)))
	}

	ops, err := s.LoadSince(ctx, "r1", 3)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, uint64(4), ops[0].Seq)

	ops, err = s.LoadSince(ctx, "r1", 5)
	require.NoError(t, err)
	assert.Empty(t, ops)

	ops, err = s.LoadSince(ctx, "other", 0)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestSnapshotsOnlyAdvance(t *testing.T) {
	ctx := context.Background()
	s := New()

	snap, err := s.LoadLatestSnapshot(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, snap)

	require.NoError(t, s.SaveSnapshot(ctx, domain.Snapshot{RoomID: "r1", Through: 10, State: []byte(`[]`)}))
	require.NoError(t, s.SaveSnapshot(ctx, domain.Snapshot{RoomID: "r1", Through: 5, State: []byte(`[1]`)}))

	snap, err = s.LoadLatestSnapshot(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, uint64(10), snap.Through)
	assert.Equal(t, `[]`, string(snap.State))
}

func TestMembershipEvents(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.RecordMembershipEvent(ctx, domain.MembershipEvent{RoomID: "r1", UserID: "u1", Type: domain.MemberJoined}))
	require.NoError(t, s.RecordMembershipEvent(ctx, domain.MembershipEvent{RoomID: "r2", UserID: "u2", Type: domain.MemberJoined}))
	require.NoError(t, s.RecordMembershipEvent(ctx, domain.MembershipEvent{RoomID: "r1", UserID: "u1", Type: domain.MemberLeft}))

	evs := s.MembershipEvents("r1")
	require.Len(t, evs, 2)
	assert.Equal(t, domain.MemberLeft, evs[1].Type)
}
