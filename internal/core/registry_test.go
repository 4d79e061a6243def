package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/sketchsync/internal/adapters/memstore"
	"github.com/dkeye/sketchsync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateIsSingleInstance(t *testing.T) {
	reg := NewRegistry(memstore.New(), testConfig())

	const workers = 50
	rooms := make([]*Room, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rooms[i] = reg.GetOrCreate("shared")
		}(i)
	}
	wg.Wait()

	for _, r := range rooms {
		assert.Same(t, rooms[0], r)
	}
	assert.Equal(t, 1, reg.Len())
}

func TestIdleRoomIsEvictedAndRehydrated(t *testing.T) {
	store := memstore.New()
	cfg := testConfig()
	cfg.IdleTTL = 20 * time.Millisecond
	reg := NewRegistry(store, cfg)
	b := NewBroadcaster(reg)

	mustJoin(t, reg, "abc", "ca", "alice", nil)
	submit(t, b, "abc", "ca", `{"n":1}`)
	submit(t, b, "abc", "ca", `{"n":2}`)
	first, _ := reg.Lookup("abc")

	time.Sleep(3 * cfg.IdleTTL)
	assert.Equal(t, 1, reg.Len(), "occupied rooms are never evicted")

	require.True(t, reg.Leave("abc", "ca"))
	assert.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 5*time.Millisecond)

	mustJoin(t, reg, "abc", "cb", "bob", nil)
	second, ok := reg.Lookup("abc")
	require.True(t, ok)
	assert.NotSame(t, first, second)
	assert.Equal(t, uint64(2), second.LastSeq())
	assert.Equal(t, uint64(3), submit(t, b, "abc", "cb", `{"n":3}`))
}

func TestRejoinWithinGraceKeepsRoom(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTTL = 50 * time.Millisecond
	reg := NewRegistry(memstore.New(), cfg)

	mustJoin(t, reg, "abc", "ca", "alice", nil)
	first, _ := reg.Lookup("abc")
	reg.Leave("abc", "ca")
	mustJoin(t, reg, "abc", "ca2", "alice", nil)

	time.Sleep(3 * cfg.IdleTTL)
	second, ok := reg.Lookup("abc")
	require.True(t, ok)
	assert.Same(t, first, second)
}

func TestUnjoinedRoomIsEvicted(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTTL = 10 * time.Millisecond
	reg := NewRegistry(memstore.New(), cfg)

	reg.GetOrCreate("ghost")
	assert.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestListRooms(t *testing.T) {
	reg := NewRegistry(memstore.New(), testConfig())
	b := NewBroadcaster(reg)
	mustJoin(t, reg, "b", "c1", "u1", nil)
	mustJoin(t, reg, "a", "c2", "u2", nil)
	mustJoin(t, reg, "a", "c3", "u3", nil)
	submit(t, b, "a", "c2", `{}`)

	rooms := reg.List()
	require.Len(t, rooms, 2)
	assert.Equal(t, domain.RoomID("a"), rooms[0].ID)
	assert.Equal(t, 2, rooms[0].Members)
	assert.Equal(t, uint64(1), rooms[0].LastSeq)
	assert.Equal(t, domain.RoomID("b"), rooms[1].ID)
}

func TestMembershipEventsAreRecorded(t *testing.T) {
	store := memstore.New()
	reg := NewRegistry(store, testConfig())
	mustJoin(t, reg, "abc", "ca", "alice", nil)
	reg.Leave("abc", "ca")

	assert.Eventually(t, func() bool { return len(store.MembershipEvents("abc")) == 2 }, time.Second, 5*time.Millisecond)
}

func TestClosedRegistryRefusesJoins(t *testing.T) {
	reg := NewRegistry(memstore.New(), testConfig())
	mustJoin(t, reg, "abc", "ca", "alice", nil)
	reg.Close()

	_, err := reg.Join(context.Background(), "abc", member("cb", "bob"), &fakeSender{}, nil)
	assert.ErrorIs(t, err, domain.ErrConnClosed)
	assert.Zero(t, reg.Len())
}
