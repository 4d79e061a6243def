package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/sketchsync/internal/domain"
	"github.com/dkeye/sketchsync/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// errRoomClosed tells the registry to retry against a fresh instance.
var errRoomClosed = errors.New("room closed")

type RoomConfig struct {
	MaxMembers int
	// LogTail is how many recent operations stay in memory for incremental
	// catch-up without touching storage.
	LogTail            int
	MaxPayload         int
	AppendTimeout      time.Duration
	AppendRetries      int
	ReconcileBatch     int
	ReconcileMaxFrames int
	IdleTTL            time.Duration
}

func DefaultRoomConfig() RoomConfig {
	return RoomConfig{
		MaxMembers:         64,
		LogTail:            1024,
		MaxPayload:         64 << 10,
		AppendTimeout:      5 * time.Second,
		AppendRetries:      2,
		ReconcileBatch:     256,
		ReconcileMaxFrames: 32,
		IdleTTL:            5 * time.Minute,
	}
}

// JoinResult is what a connection learns when it is attached to a room.
type JoinResult struct {
	RoomID  domain.RoomID
	Members []domain.Member
	Through uint64
	Reset   bool
}

type memberEntry struct {
	member domain.Member
	out    Sender
}

// Room is the single in-memory authority for one room: its sequence counter,
// recent operations and live members.
//
// Lock order: seq before mu. Fan-out happens under mu so every member sees
// the same order; sends never block because Sender.TrySend is non-blocking.
type Room struct {
	id        domain.RoomID
	createdAt time.Time
	cfg       RoomConfig
	store     Store
	recon     *Reconciler
	recorder  MembershipRecorder
	logger    zerolog.Logger
	now       func() time.Time

	onIdle     func(*Room)
	onFatal    func(*Room, error)
	onDetach   func() DetachFunc
	onAccepted func(domain.RoomID, uint64)

	// seq serializes sequencing: one active sequencer per room.
	seq sync.Mutex
	// unsettled is set under seq when an append failed without a verdict;
	// the store may hold the operation anyway.
	unsettled bool

	mu       sync.RWMutex
	loaded   bool
	closed   bool
	lastSeq  uint64
	tail     []domain.Operation
	members  map[domain.ConnID]*memberEntry
	presence *Presence
	idle     *time.Timer
}

func (r *Room) ID() domain.RoomID { return r.id }

func (r *Room) Info() domain.RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return domain.RoomInfo{
		ID:        r.id,
		Members:   len(r.members),
		LastSeq:   r.lastSeq,
		CreatedAt: r.createdAt.Unix(),
	}
}

func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *Room) LastSeq() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSeq
}

// load rehydrates the sequence counter and log tail from durable storage.
// It is retried on the next join if storage fails.
func (r *Room) load(ctx context.Context) error {
	r.mu.RLock()
	loaded, closed := r.loaded, r.closed
	r.mu.RUnlock()
	if closed {
		return errRoomClosed
	}
	if loaded {
		return nil
	}

	r.seq.Lock()
	defer r.seq.Unlock()
	r.mu.RLock()
	loaded = r.loaded
	r.mu.RUnlock()
	if loaded {
		return nil
	}

	var base uint64
	snap, err := r.store.LoadLatestSnapshot(ctx, r.id)
	if err != nil {
		return domain.Wrap(domain.ErrStorage, fmt.Errorf("load snapshot: %w", err))
	}
	if snap != nil {
		base = snap.Through
	}
	ops, err := r.store.LoadSince(ctx, r.id, base)
	if err != nil {
		return domain.Wrap(domain.ErrStorage, fmt.Errorf("load log: %w", err))
	}
	last := base
	if n := len(ops); n > 0 {
		last = ops[n-1].Seq
	}
	if err := checkContiguous(ops, base, last); err != nil {
		return domain.Wrap(domain.ErrStorage, err)
	}

	r.mu.Lock()
	r.lastSeq = last
	r.tail = ops
	r.trimTailLocked()
	r.loaded = true
	r.mu.Unlock()

	r.logger.Info().Uint64("last_seq", last).Uint64("snapshot_through", base).Msg("room loaded")
	return nil
}

// join reconciles the connection and registers it for live operations.
//
// Catch-up is computed in two phases: first against durable storage up to
// the head observed at entry, without blocking the sequencer, then, under
// the member lock, topped up from the in-memory tail to the current head.
// The connection is added in the same critical section, so every operation
// is delivered exactly once: either in the catch-up or live.
func (r *Room) join(ctx context.Context, m domain.Member, out Sender, since *uint64) (JoinResult, error) {
	r.mu.RLock()
	closed, full, head := r.closed, r.fullLocked(), r.lastSeq
	var rec Reconciliation
	fast := false
	if since != nil && *since <= head {
		if ops, ok := r.tailAfterLocked(*since, head); ok {
			rec = Reconciliation{Operations: ops, Through: head}
			fast = true
		}
	}
	r.mu.RUnlock()
	if closed {
		return JoinResult{}, errRoomClosed
	}
	if full {
		return JoinResult{}, domain.ErrRoomFull
	}

	if !fast {
		var err error
		rec, err = r.recon.Reconcile(ctx, r.id, since, head)
		if err != nil {
			if errors.Is(err, ErrSequenceGap) {
				r.fail(err)
			}
			return JoinResult{}, domain.Wrap(domain.ErrStorage, err)
		}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return JoinResult{}, errRoomClosed
	}
	if r.fullLocked() {
		r.mu.Unlock()
		return JoinResult{}, domain.ErrRoomFull
	}
	if r.lastSeq > rec.Through {
		extra, err := r.catchUpLocked(ctx, rec.Through)
		if err != nil {
			r.mu.Unlock()
			return JoinResult{}, domain.Wrap(domain.ErrStorage, err)
		}
		rec.Operations = append(rec.Operations, extra...)
		rec.Through = r.lastSeq
	}

	r.presence.Joined(m)
	members := r.presence.Members()
	frames, err := r.joinFrames(members, rec)
	if err == nil {
		for _, f := range frames {
			if err = out.TrySend(f); err != nil {
				err = domain.Wrap(domain.ErrSlowConsumer, err)
				break
			}
		}
	}
	if err != nil {
		r.presence.Left(m.ConnID)
		r.mu.Unlock()
		return JoinResult{}, err
	}

	r.members[m.ConnID] = &memberEntry{member: m, out: out}
	if r.idle != nil {
		r.idle.Stop()
		r.idle = nil
	}
	var dropped []domain.Member
	if f, err := protocol.PresenceFrame(domain.MemberJoined, m); err == nil {
		dropped = r.deliverLocked(f, m.ConnID)
	}
	r.mu.Unlock()

	r.logger.Info().
		Str("conn", string(m.ConnID)).
		Str("user", string(m.User.ID)).
		Uint64("through", rec.Through).
		Int("catch_up", len(rec.Operations)).
		Msg("member joined")
	r.record(m.User.ID, domain.MemberJoined)
	r.afterDelivery(dropped)

	return JoinResult{RoomID: r.id, Members: members, Through: rec.Through, Reset: rec.Reset}, nil
}

// catchUpLocked returns operations in (after, lastSeq]. The tail normally
// covers them; if it rolled over between the two join phases the durable log
// is read instead.
func (r *Room) catchUpLocked(ctx context.Context, after uint64) ([]domain.Operation, error) {
	if ops, ok := r.tailAfterLocked(after, r.lastSeq); ok {
		return ops, nil
	}
	ops, err := r.store.LoadSince(ctx, r.id, after)
	if err != nil {
		return nil, fmt.Errorf("load since %d: %w", after, err)
	}
	ops = upTo(ops, r.lastSeq)
	if err := checkContiguous(ops, after, r.lastSeq); err != nil {
		return nil, err
	}
	return ops, nil
}

func (r *Room) joinFrames(members []domain.Member, rec Reconciliation) ([]Frame, error) {
	joined := protocol.Joined{
		Type:    protocol.TypeJoined,
		RoomID:  r.id,
		Members: members,
		Reconciliation: protocol.Reconciliation{
			BaselineThrough: rec.BaselineThrough,
			Through:         rec.Through,
			Reset:           rec.Reset,
		},
	}
	if len(rec.Baseline) > 0 {
		joined.Reconciliation.Baseline = json.RawMessage(rec.Baseline)
	}
	b, err := protocol.Encode(joined)
	if err != nil {
		return nil, fmt.Errorf("encode joined: %w", err)
	}
	frames := []Frame{b}

	// Large catch-ups are packed into fewer, bigger batches so they fit the
	// connection's outbound queue.
	size := r.cfg.ReconcileBatch
	if size <= 0 {
		size = len(rec.Operations)
	}
	if mf := r.cfg.ReconcileMaxFrames; mf > 0 {
		size = max(size, (len(rec.Operations)+mf-1)/mf)
	}
	ops := rec.Operations
	for {
		n := min(size, len(ops))
		batch := protocol.ReconciliationBatch{
			Type:       protocol.TypeReconciliationBatch,
			Operations: ops[:n],
			Final:      n == len(ops),
		}
		if batch.Operations == nil {
			batch.Operations = []domain.Operation{}
		}
		b, err := protocol.Encode(batch)
		if err != nil {
			return nil, fmt.Errorf("encode reconciliation batch: %w", err)
		}
		frames = append(frames, b)
		ops = ops[n:]
		if len(ops) == 0 {
			return frames, nil
		}
	}
}

// submit sequences, persists and fans out one operation. The sequence number
// is published only after the store acknowledges the append, so a failed
// append leaves the counter untouched and no member ever sees the number.
func (r *Room) submit(ctx context.Context, author domain.ConnID, payload json.RawMessage, clientTS int64, ref string) (uint64, error) {
	r.seq.Lock()
	defer r.seq.Unlock()

	if err := r.settle(ctx); err != nil {
		return 0, err
	}

	r.mu.RLock()
	closed, loaded := r.closed, r.loaded
	e, ok := r.members[author]
	next := r.lastSeq + 1
	r.mu.RUnlock()
	if closed || !loaded {
		return 0, domain.ErrRoomReset
	}
	if !ok {
		return 0, domain.ErrNotJoined
	}

	op := domain.Operation{
		RoomID:   r.id,
		Seq:      next,
		AuthorID: e.member.User.ID,
		Payload:  payload,
		ClientTS: clientTS,
		ServerTS: r.now().UTC(),
	}
	opFrame, err := protocol.OperationFrame(op)
	if err != nil {
		return 0, domain.Wrap(domain.ErrBadMessage, err)
	}
	ackFrame, err := protocol.AckFrame(op.Seq, ref)
	if err != nil {
		return 0, domain.Wrap(domain.ErrBadMessage, err)
	}

	if err := r.appendDurable(ctx, op); err != nil {
		if errors.Is(err, domain.ErrSequenceConflict) {
			r.fail(err)
			return 0, domain.Wrap(domain.ErrRoomReset, err)
		}
		r.unsettled = true
		r.logger.Error().Err(err).Uint64("seq", op.Seq).Msg("append failed, sequence rolled back")
		return 0, domain.Wrap(domain.ErrStorage, err)
	}

	r.mu.Lock()
	if r.closed {
		// Torn down while the append was in flight. The operation is durable
		// and reaches everyone, its author included, on rejoin.
		r.mu.Unlock()
		return 0, domain.ErrRoomReset
	}
	r.lastSeq = op.Seq
	r.tail = append(r.tail, op)
	r.trimTailLocked()

	var dropped []domain.Member
	if self, ok := r.members[author]; ok && self.out.TrySend(ackFrame) != nil {
		dropped = r.evictSlowLocked([]domain.Member{self.member})
	}
	dropped = append(dropped, r.deliverLocked(opFrame, author)...)
	r.mu.Unlock()

	r.logger.Debug().Uint64("seq", op.Seq).Str("author", string(op.AuthorID)).Msg("operation accepted")
	r.afterDelivery(dropped)
	if r.onAccepted != nil {
		r.onAccepted(r.id, op.Seq)
	}
	return op.Seq, nil
}

// settle adopts operations that reached storage although their append
// reported failure, so the next number assigned is free. Adopted operations
// go to every member, their author included, because the author was told the
// submit failed. Called with seq held.
func (r *Room) settle(ctx context.Context) error {
	if !r.unsettled {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	if r.cfg.AppendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.AppendTimeout)
		defer cancel()
	}

	r.mu.RLock()
	last := r.lastSeq
	r.mu.RUnlock()

	ops, err := r.store.LoadSince(ctx, r.id, last)
	if err != nil {
		return domain.Wrap(domain.ErrStorage, fmt.Errorf("settle after %d: %w", last, err))
	}
	if n := len(ops); n > 0 {
		if err := checkContiguous(ops, last, ops[n-1].Seq); err != nil {
			r.fail(err)
			return domain.Wrap(domain.ErrRoomReset, err)
		}
	}
	frames := make([]Frame, 0, len(ops))
	for _, op := range ops {
		f, err := protocol.OperationFrame(op)
		if err != nil {
			return domain.Wrap(domain.ErrStorage, fmt.Errorf("encode seq %d: %w", op.Seq, err))
		}
		frames = append(frames, f)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return domain.ErrRoomReset
	}
	var dropped []domain.Member
	for i, op := range ops {
		r.lastSeq = op.Seq
		r.tail = append(r.tail, op)
		dropped = append(dropped, r.deliverLocked(frames[i], "")...)
	}
	r.trimTailLocked()
	r.unsettled = false
	r.mu.Unlock()

	if len(ops) > 0 {
		r.logger.Warn().Uint64("last_seq", ops[len(ops)-1].Seq).Int("adopted", len(ops)).Msg("adopted operations persisted without acknowledgement")
	}
	r.afterDelivery(dropped)
	if r.onAccepted != nil {
		for _, op := range ops {
			r.onAccepted(r.id, op.Seq)
		}
	}
	return nil
}

// appendDurable retries with the same sequence number, which the store uses
// as the idempotency key. The caller's cancellation is ignored: an append in
// flight always runs to completion or explicit failure.
func (r *Room) appendDurable(ctx context.Context, op domain.Operation) error {
	ctx = context.WithoutCancel(ctx)
	var err error
	for attempt := 0; attempt <= r.cfg.AppendRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 25 * time.Millisecond)
		}
		actx, cancel := ctx, context.CancelFunc(func() {})
		if r.cfg.AppendTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, r.cfg.AppendTimeout)
		}
		err = r.store.AppendOperation(actx, op)
		cancel()
		if err == nil || errors.Is(err, domain.ErrSequenceConflict) {
			return err
		}
		r.logger.Warn().Err(err).Uint64("seq", op.Seq).Int("attempt", attempt+1).Msg("append attempt failed")
	}
	return err
}

// leave detaches conn. It reports false when conn was not a member, in which
// case no presence event is emitted.
func (r *Room) leave(conn domain.ConnID) bool {
	r.mu.Lock()
	e, ok := r.members[conn]
	if !ok {
		r.mu.Unlock()
		return false
	}
	r.removeLocked(conn)
	var dropped []domain.Member
	if f, err := protocol.PresenceFrame(domain.MemberLeft, e.member); err == nil {
		dropped = r.deliverLocked(f, "")
	}
	r.mu.Unlock()

	r.logger.Info().Str("conn", string(conn)).Str("user", string(e.member.User.ID)).Msg("member left")
	r.record(e.member.User.ID, domain.MemberLeft)
	r.afterDelivery(dropped)
	return true
}

// fail tears the room down after an invariant violation. Members are told to
// rejoin; the next join rebuilds the room from durable storage.
func (r *Room) fail(cause error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if r.idle != nil {
		r.idle.Stop()
		r.idle = nil
	}
	detached := make([]domain.Member, 0, len(r.members))
	if f, err := protocol.ErrorFrame(domain.ErrRoomReset, ""); err == nil {
		for _, e := range r.members {
			_ = e.out.TrySend(f)
		}
	}
	for _, e := range r.members {
		detached = append(detached, e.member)
	}
	r.members = make(map[domain.ConnID]*memberEntry)
	r.presence = NewPresence()
	r.mu.Unlock()

	r.logger.Error().Err(cause).Int("members", len(detached)).Msg("room torn down")
	if r.onFatal != nil {
		r.onFatal(r, cause)
	}
	detach := r.detachHook()
	for _, m := range detached {
		r.record(m.User.ID, domain.MemberLeft)
		if detach != nil {
			go detach(m.ConnID, r.id, domain.Wrap(domain.ErrRoomReset, cause))
		}
	}
}

// closeIfIdle marks an empty room closed. Called by the registry when the
// idle timer fires.
func (r *Room) closeIfIdle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.members) > 0 {
		return false
	}
	r.closed = true
	r.idle = nil
	return true
}

func (r *Room) shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.idle != nil {
		r.idle.Stop()
		r.idle = nil
	}
}

func (r *Room) fullLocked() bool {
	return r.cfg.MaxMembers > 0 && len(r.members) >= r.cfg.MaxMembers
}

// deliverLocked sends f to every member except `except` and returns the
// members dropped for overflowing their queue.
func (r *Room) deliverLocked(f Frame, except domain.ConnID) []domain.Member {
	var slow []domain.Member
	for id, e := range r.members {
		if id == except {
			continue
		}
		if err := e.out.TrySend(f); err != nil {
			slow = append(slow, e.member)
		}
	}
	if len(slow) == 0 {
		return nil
	}
	return r.evictSlowLocked(slow)
}

// evictSlowLocked removes slow members and announces their departure. An
// announcement can overflow another member, which is then evicted too.
func (r *Room) evictSlowLocked(slow []domain.Member) []domain.Member {
	for _, m := range slow {
		r.removeLocked(m.ConnID)
	}
	for i := 0; i < len(slow); i++ {
		f, err := protocol.PresenceFrame(domain.MemberLeft, slow[i])
		if err != nil {
			continue
		}
		for id, e := range r.members {
			if e.out.TrySend(f) != nil {
				slow = append(slow, e.member)
				r.removeLocked(id)
			}
		}
	}
	return slow
}

func (r *Room) removeLocked(conn domain.ConnID) {
	delete(r.members, conn)
	r.presence.Left(conn)
	if len(r.members) == 0 && !r.closed {
		r.armIdleLocked()
	}
}

func (r *Room) armIdleLocked() {
	if r.onIdle == nil || r.cfg.IdleTTL <= 0 {
		return
	}
	if r.idle != nil {
		r.idle.Stop()
	}
	r.idle = time.AfterFunc(r.cfg.IdleTTL, func() { r.onIdle(r) })
}

func (r *Room) afterDelivery(dropped []domain.Member) {
	if len(dropped) == 0 {
		return
	}
	detach := r.detachHook()
	for _, m := range dropped {
		r.logger.Warn().Str("conn", string(m.ConnID)).Str("user", string(m.User.ID)).Msg("slow consumer dropped")
		r.record(m.User.ID, domain.MemberLeft)
		if detach != nil {
			go detach(m.ConnID, r.id, domain.ErrSlowConsumer)
		}
	}
}

func (r *Room) detachHook() DetachFunc {
	if r.onDetach == nil {
		return nil
	}
	return r.onDetach()
}

// tailAfterLocked returns a copy of operations in (after, through] if the
// in-memory tail still holds all of them.
func (r *Room) tailAfterLocked(after, through uint64) ([]domain.Operation, bool) {
	if through > r.lastSeq || after > through {
		return nil, false
	}
	held := uint64(len(r.tail))
	if r.lastSeq-after > held {
		return nil, false
	}
	start := held - (r.lastSeq - after)
	end := start + (through - after)
	out := make([]domain.Operation, end-start)
	copy(out, r.tail[start:end])
	return out, true
}

// trimTailLocked keeps between LogTail and 2*LogTail entries so trimming is
// amortised.
func (r *Room) trimTailLocked() {
	limit := r.cfg.LogTail
	if limit <= 0 {
		r.tail = nil
		return
	}
	if len(r.tail) <= 2*limit {
		return
	}
	kept := make([]domain.Operation, limit, 2*limit)
	copy(kept, r.tail[len(r.tail)-limit:])
	r.tail = kept
}

func (r *Room) record(user domain.UserID, kind domain.MembershipEventType) {
	if r.recorder == nil {
		return
	}
	ev := domain.MembershipEvent{RoomID: r.id, UserID: user, Type: kind, At: r.now().UTC()}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.recorder.RecordMembershipEvent(ctx, ev); err != nil {
			log.Warn().Err(err).Str("module", "core.room").Str("room", string(ev.RoomID)).Str("type", string(kind)).Msg("membership event not recorded")
		}
	}()
}
