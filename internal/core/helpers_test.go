package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/sketchsync/internal/adapters/memstore"
	"github.com/dkeye/sketchsync/internal/domain"
	"github.com/dkeye/sketchsync/internal/protocol"
	"github.com/stretchr/testify/require"
)

// fakeSender records frames. A positive limit makes it report backpressure
// once that many frames are queued.
type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
	limit  int
	full   bool
	closed bool
}

func (s *fakeSender) TrySend(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.full || (s.limit > 0 && len(s.frames) >= s.limit) {
		return ErrBackpressure
	}
	s.frames = append(s.frames, append([]byte(nil), f...))
	return nil
}

func (s *fakeSender) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *fakeSender) setFull(full bool) {
	s.mu.Lock()
	s.full = full
	s.mu.Unlock()
}

// received is a loose union of every server message, enough for assertions.
type received struct {
	Type           string                  `json:"type"`
	Seq            uint64                  `json:"sequenceNumber"`
	AuthorID       domain.UserID           `json:"authorId"`
	Payload        json.RawMessage         `json:"payload"`
	Presence       string                  `json:"presence"`
	User           domain.User             `json:"user"`
	Code           string                  `json:"code"`
	Ref            string                  `json:"ref"`
	Operations     []domain.Operation      `json:"operations"`
	Final          bool                    `json:"final"`
	Members        []domain.Member         `json:"members"`
	Reconciliation protocol.Reconciliation `json:"reconciliation"`
}

func (s *fakeSender) messages(t *testing.T) []received {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]received, 0, len(s.frames))
	for _, f := range s.frames {
		var m received
		require.NoError(t, json.Unmarshal(f, &m))
		out = append(out, m)
	}
	return out
}

func (s *fakeSender) ofType(t *testing.T, typ string) []received {
	t.Helper()
	var out []received
	for _, m := range s.messages(t) {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// observedSeqs is every sequence number a member learned about, in arrival
// order: catch-up operations, acks of its own submissions and live
// operations from others.
func (s *fakeSender) observedSeqs(t *testing.T) []uint64 {
	t.Helper()
	var out []uint64
	for _, m := range s.messages(t) {
		switch m.Type {
		case protocol.TypeReconciliationBatch:
			for _, op := range m.Operations {
				out = append(out, op.Seq)
			}
		case protocol.TypeAck, protocol.TypeOperation:
			out = append(out, m.Seq)
		}
	}
	return out
}

// flakyStore fails the next failAppends appends before delegating. The next
// lostAcks appends are stored but still reported as failed.
type flakyStore struct {
	*memstore.Store
	mu          sync.Mutex
	failAppends int
	lostAcks    int
	appends     int
}

var (
	errDiskFull = errors.New("disk full")
	errTimeout  = errors.New("i/o timeout")
)

func (f *flakyStore) AppendOperation(ctx context.Context, op domain.Operation) error {
	f.mu.Lock()
	f.appends++
	if f.failAppends > 0 {
		f.failAppends--
		f.mu.Unlock()
		return errDiskFull
	}
	lost := f.lostAcks > 0
	if lost {
		f.lostAcks--
	}
	f.mu.Unlock()
	if err := f.Store.AppendOperation(ctx, op); err != nil {
		return err
	}
	if lost {
		return errTimeout
	}
	return nil
}

func (f *flakyStore) loseNextAcks(n int) {
	f.mu.Lock()
	f.lostAcks = n
	f.mu.Unlock()
}

func (f *flakyStore) failNext(n int) {
	f.mu.Lock()
	f.failAppends = n
	f.mu.Unlock()
}

func testConfig() RoomConfig {
	cfg := DefaultRoomConfig()
	cfg.AppendRetries = 0
	cfg.AppendTimeout = time.Second
	return cfg
}

func member(conn, user string) domain.Member {
	return domain.NewMember(domain.ConnID(conn), domain.User{ID: domain.UserID(user), DisplayName: user}, time.Now())
}

func mustJoin(t *testing.T, reg *Registry, room domain.RoomID, conn, user string, since *uint64) *fakeSender {
	t.Helper()
	out := &fakeSender{}
	_, err := reg.Join(context.Background(), room, member(conn, user), out, since)
	require.NoError(t, err)
	return out
}

func submit(t *testing.T, b *Broadcaster, room domain.RoomID, conn, payload string) uint64 {
	t.Helper()
	seq, err := b.Submit(context.Background(), room, domain.ConnID(conn), json.RawMessage(payload), 0, "")
	require.NoError(t, err)
	return seq
}

func seqRange(from, to uint64) []uint64 {
	var out []uint64
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func ptr[T any](v T) *T { return &v }
