package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/sketchsync/internal/domain"
	"github.com/rs/zerolog/log"
)

const compactTimeout = 30 * time.Second

// Compactor folds a room's log into a Snapshot every N accepted operations.
// Snapshots only shorten reconciliation; the log itself is never truncated.
type Compactor struct {
	store Store
	every uint64
	now   func() time.Time

	mu       sync.Mutex
	closed   bool
	inFlight map[domain.RoomID]bool
	wg       sync.WaitGroup
}

func NewCompactor(store Store, every int) *Compactor {
	if every < 0 {
		every = 0
	}
	return &Compactor{
		store:    store,
		every:    uint64(every),
		now:      time.Now,
		inFlight: make(map[domain.RoomID]bool),
	}
}

// Observe is called after seq was accepted in room. It never blocks.
func (c *Compactor) Observe(room domain.RoomID, seq uint64) {
	if c.every == 0 || seq%c.every != 0 {
		return
	}
	c.mu.Lock()
	if c.closed || c.inFlight[room] {
		c.mu.Unlock()
		return
	}
	c.inFlight[room] = true
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.inFlight, room)
			c.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), compactTimeout)
		defer cancel()
		if err := c.Compact(ctx, room, seq); err != nil {
			log.Warn().Err(err).Str("module", "core.compactor").Str("room", string(room)).Uint64("through", seq).Msg("compaction failed")
		}
	}()
}

// Compact writes a snapshot covering 1..through, extending the latest one.
func (c *Compactor) Compact(ctx context.Context, room domain.RoomID, through uint64) error {
	prev, err := c.store.LoadLatestSnapshot(ctx, room)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	var (
		base  uint64
		state []domain.Operation
	)
	if prev != nil {
		if prev.Through >= through {
			return nil
		}
		base = prev.Through
		if err := json.Unmarshal(prev.State, &state); err != nil {
			return fmt.Errorf("decode snapshot through %d: %w", prev.Through, err)
		}
	}

	ops, err := c.store.LoadSince(ctx, room, base)
	if err != nil {
		return fmt.Errorf("load since %d: %w", base, err)
	}
	ops = upTo(ops, through)
	if err := checkContiguous(ops, base, through); err != nil {
		return err
	}
	state = append(state, ops...)
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	snap := domain.Snapshot{RoomID: room, Through: through, State: raw, CreatedAt: c.now().UTC()}
	if err := c.store.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	log.Info().Str("module", "core.compactor").Str("room", string(room)).Uint64("through", through).Int("ops", len(state)).Msg("snapshot saved")
	return nil
}

// Wait blocks until in-flight compactions finish.
func (c *Compactor) Wait() { c.wg.Wait() }

// Close stops scheduling new compactions and waits for running ones.
func (c *Compactor) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wg.Wait()
}
