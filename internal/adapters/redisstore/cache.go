// Package redisstore fronts a Store with a Redis cache of the latest
// snapshot per room, which every full reconciliation reads.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/sketchsync/internal/codec"
	"github.com/dkeye/sketchsync/internal/core"
	"github.com/dkeye/sketchsync/internal/domain"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const keyPrefix = "sketchsync:snapshot:"

// Connect parses url, creates a client and verifies it with a ping.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return c, nil
}

// SnapshotCache is a core.Store whose snapshot reads are cache-aside.
// Cache failures degrade to the underlying store and are only logged.
type SnapshotCache struct {
	core.Store
	client *redis.Client
	ttl    time.Duration
}

var _ core.Store = (*SnapshotCache)(nil)

func New(store core.Store, client *redis.Client, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{Store: store, client: client, ttl: ttl}
}

type cachedSnapshot struct {
	Through   uint64    `json:"through"`
	State     []byte    `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
}

func key(room domain.RoomID) string { return keyPrefix + string(room) }

func (c *SnapshotCache) LoadLatestSnapshot(ctx context.Context, room domain.RoomID) (*domain.Snapshot, error) {
	if snap, ok := c.get(ctx, room); ok {
		return snap, nil
	}
	snap, err := c.Store.LoadLatestSnapshot(ctx, room)
	if err != nil || snap == nil {
		return snap, err
	}
	c.set(ctx, *snap)
	return snap, nil
}

// SaveSnapshot writes through and drops the cached entry; the next read
// repopulates it from the store.
func (c *SnapshotCache) SaveSnapshot(ctx context.Context, snap domain.Snapshot) error {
	if err := c.Store.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	if err := c.client.Del(ctx, key(snap.RoomID)).Err(); err != nil {
		log.Warn().Err(err).Str("module", "redisstore").Str("room", string(snap.RoomID)).Msg("invalidate snapshot")
	}
	return nil
}

func (c *SnapshotCache) get(ctx context.Context, room domain.RoomID) (*domain.Snapshot, bool) {
	blob, err := c.client.Get(ctx, key(room)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "redisstore").Str("room", string(room)).Msg("snapshot cache read")
		return nil, false
	}
	raw, err := codec.Decompress(blob)
	if err != nil {
		log.Warn().Err(err).Str("module", "redisstore").Str("room", string(room)).Msg("snapshot cache corrupt")
		return nil, false
	}
	var cs cachedSnapshot
	if err := json.Unmarshal(raw, &cs); err != nil {
		log.Warn().Err(err).Str("module", "redisstore").Str("room", string(room)).Msg("snapshot cache decode")
		return nil, false
	}
	return &domain.Snapshot{RoomID: room, Through: cs.Through, State: cs.State, CreatedAt: cs.CreatedAt}, true
}

func (c *SnapshotCache) set(ctx context.Context, snap domain.Snapshot) {
	raw, err := json.Marshal(cachedSnapshot{Through: snap.Through, State: snap.State, CreatedAt: snap.CreatedAt})
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key(snap.RoomID), codec.Compress(raw), c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("module", "redisstore").Str("room", string(snap.RoomID)).Msg("snapshot cache write")
	}
}
