// Package pgstore persists room logs, snapshots and membership traces in
// PostgreSQL.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/sketchsync/internal/codec"
	"github.com/dkeye/sketchsync/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect creates a pgx pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string, opts ...func(*pgxpool.Config)) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 8
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	if cfg.MaxConnLifetime == 0 {
		cfg.MaxConnLifetime = 60 * time.Minute
	}
	if cfg.HealthCheckPeriod == 0 {
		cfg.HealthCheckPeriod = time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// The insert only lands when it extends the log by exactly one, so a gap can
// never be written. Zero rows affected means the slot is taken or the
// predecessor is missing.
const appendSQL = `
INSERT INTO room_operations (room_id, seq, author_id, payload, client_ts, server_ts)
SELECT $1::text, $2::bigint, $3::text, $4::bytea, $5::bigint, $6::timestamptz
WHERE $2::bigint = 1
   OR EXISTS (SELECT 1 FROM room_operations WHERE room_id = $1::text AND seq = $2::bigint - 1)
ON CONFLICT (room_id, seq) DO NOTHING`

func (s *Store) AppendOperation(ctx context.Context, op domain.Operation) error {
	if op.Seq == 0 {
		return fmt.Errorf("%w: sequence numbers start at 1", domain.ErrSequenceConflict)
	}
	tag, err := s.pool.Exec(ctx, appendSQL,
		string(op.RoomID), int64(op.Seq), string(op.AuthorID), []byte(op.Payload), op.ClientTS, op.ServerTS)
	if err != nil {
		return fmt.Errorf("append %s/%d: %w", op.RoomID, op.Seq, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var (
		author  string
		payload []byte
	)
	err = s.pool.QueryRow(ctx,
		`SELECT author_id, payload FROM room_operations WHERE room_id = $1 AND seq = $2`,
		string(op.RoomID), int64(op.Seq)).Scan(&author, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: room %s seq %d has no predecessor", domain.ErrSequenceConflict, op.RoomID, op.Seq)
	}
	if err != nil {
		return fmt.Errorf("append %s/%d: read existing: %w", op.RoomID, op.Seq, err)
	}
	existing := domain.Operation{RoomID: op.RoomID, Seq: op.Seq, AuthorID: domain.UserID(author), Payload: payload}
	if existing.SameContent(op) {
		return nil
	}
	return fmt.Errorf("%w: room %s seq %d", domain.ErrSequenceConflict, op.RoomID, op.Seq)
}

func (s *Store) LoadSince(ctx context.Context, room domain.RoomID, afterSeq uint64) ([]domain.Operation, error) {
	rows, err := s.pool.Query(ctx, `
SELECT seq, author_id, payload, client_ts, server_ts
FROM room_operations
WHERE room_id = $1 AND seq > $2
ORDER BY seq`, string(room), int64(afterSeq))
	if err != nil {
		return nil, fmt.Errorf("load %s since %d: %w", room, afterSeq, err)
	}
	defer rows.Close()

	var ops []domain.Operation
	for rows.Next() {
		var (
			seq     int64
			author  string
			payload []byte
			op      = domain.Operation{RoomID: room}
		)
		if err := rows.Scan(&seq, &author, &payload, &op.ClientTS, &op.ServerTS); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		op.Seq = uint64(seq)
		op.AuthorID = domain.UserID(author)
		op.Payload = payload
		op.ServerTS = op.ServerTS.UTC()
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load %s since %d: %w", room, afterSeq, err)
	}
	return ops, nil
}

func (s *Store) LoadLatestSnapshot(ctx context.Context, room domain.RoomID) (*domain.Snapshot, error) {
	var (
		through int64
		blob    []byte
		snap    = domain.Snapshot{RoomID: room}
	)
	err := s.pool.QueryRow(ctx, `
SELECT through_seq, state, created_at
FROM room_snapshots
WHERE room_id = $1
ORDER BY through_seq DESC
LIMIT 1`, string(room)).Scan(&through, &blob, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", room, err)
	}
	state, err := codec.Decompress(blob)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s through %d: %w", room, through, err)
	}
	snap.Through = uint64(through)
	snap.State = state
	snap.CreatedAt = snap.CreatedAt.UTC()
	return &snap, nil
}

func (s *Store) SaveSnapshot(ctx context.Context, snap domain.Snapshot) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO room_snapshots (room_id, through_seq, state, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (room_id, through_seq) DO NOTHING`,
		string(snap.RoomID), int64(snap.Through), codec.Compress(snap.State), snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("save snapshot %s through %d: %w", snap.RoomID, snap.Through, err)
	}
	return nil
}

func (s *Store) RecordMembershipEvent(ctx context.Context, ev domain.MembershipEvent) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO room_membership_events (room_id, user_id, event_type, at)
VALUES ($1, $2, $3, $4)`,
		string(ev.RoomID), string(ev.UserID), string(ev.Type), ev.At)
	if err != nil {
		return fmt.Errorf("record membership %s/%s: %w", ev.RoomID, ev.UserID, err)
	}
	return nil
}

// MembershipEvents returns room's trace, oldest first.
func (s *Store) MembershipEvents(ctx context.Context, room domain.RoomID) ([]domain.MembershipEvent, error) {
	rows, err := s.pool.Query(ctx, `
SELECT user_id, event_type, at
FROM room_membership_events
WHERE room_id = $1
ORDER BY at, id`, string(room))
	if err != nil {
		return nil, fmt.Errorf("membership %s: %w", room, err)
	}
	defer rows.Close()

	var out []domain.MembershipEvent
	for rows.Next() {
		var user, kind string
		ev := domain.MembershipEvent{RoomID: room}
		if err := rows.Scan(&user, &kind, &ev.At); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		ev.UserID = domain.UserID(user)
		ev.Type = domain.MembershipEventType(kind)
		out = append(out, ev)
	}
	return out, rows.Err()
}
