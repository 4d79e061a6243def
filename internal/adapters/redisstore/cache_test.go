package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/sketchsync/internal/adapters/memstore"
	"github.com/dkeye/sketchsync/internal/domain"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupClient(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("redis container test skipped in short mode")
	}
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	client, err := Connect(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// countingStore counts snapshot reads reaching the backing store.
type countingStore struct {
	*memstore.Store
	reads int
}

func (s *countingStore) LoadLatestSnapshot(ctx context.Context, room domain.RoomID) (*domain.Snapshot, error) {
	s.reads++
	return s.Store.LoadLatestSnapshot(ctx, room)
}

func TestSnapshotCache(t *testing.T) {
	client := setupClient(t)
	ctx := context.Background()
	backing := &countingStore{Store: memstore.New()}
	cache := New(backing, client, time.Minute)

	snap, err := cache.LoadLatestSnapshot(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.Equal(t, 1, backing.reads)

	created := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, cache.SaveSnapshot(ctx, domain.Snapshot{RoomID: "r1", Through: 4, State: []byte(`[1,2,3,4]`), CreatedAt: created}))

	for range 3 {
		snap, err = cache.LoadLatestSnapshot(ctx, "r1")
		require.NoError(t, err)
		require.NotNil(t, snap)
		assert.Equal(t, uint64(4), snap.Through)
		assert.Equal(t, `[1,2,3,4]`, string(snap.State))
		assert.True(t, created.Equal(snap.CreatedAt))
	}
	assert.Equal(t, 2, backing.reads, "only the first read after a save reaches the store")

	require.NoError(t, cache.SaveSnapshot(ctx, domain.Snapshot{RoomID: "r1", Through: 8, State: []byte(`[]`), CreatedAt: created}))
	snap, err = cache.LoadLatestSnapshot(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, uint64(8), snap.Through, "save invalidates the cached entry")
}
