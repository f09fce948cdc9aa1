package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"collabsync/backend/internal/crdt"
	"collabsync/backend/internal/store"
)

const DefaultDebounce = 2 * time.Second

type OpLog interface {
	Append(ctx context.Context, docID string, delta []byte, authorID *uint64) (uint64, error)
	Range(ctx context.Context, docID string, from uint64) ([]store.Operation, error)
}

type SnapshotStore interface {
	Save(ctx context.Context, docID string, state []byte, seq uint64) error
	Load(ctx context.Context, docID string) (*store.SnapshotRecord, error)
}

// Bus carries locally applied deltas to the other processes. A room holds a
// subscription to its document channel for as long as it is open.
type Bus interface {
	Publish(ctx context.Context, docID string, delta []byte) error
	Subscribe(ctx context.Context, docID string) error
	Unsubscribe(ctx context.Context, docID string) error
}

type Options struct {
	Debounce time.Duration
	Loader   crdt.Loader
	Bus      Bus
	Events   EventSink
	Logger   *slog.Logger
	// Instance tags emitted events with the producing process.
	Instance string
}

// Registry holds at most one Room per document for this process.
// Lock order: Room.mu before Registry.mu.
type Registry struct {
	oplog     OpLog
	snapshots SnapshotStore
	load      crdt.Loader
	bus       Bus
	events    EventSink
	logger    *slog.Logger
	instance  string
	debounce  time.Duration

	loads        singleflight.Group
	nextClientID atomic.Uint64

	mu       sync.Mutex
	rooms    map[string]*Room
	closing  map[string]chan struct{}
	shutdown bool
}

func NewRegistry(oplog OpLog, snapshots SnapshotStore, opt Options) *Registry {
	if opt.Debounce <= 0 {
		opt.Debounce = DefaultDebounce
	}
	if opt.Loader == nil {
		opt.Loader = crdt.Load
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	return &Registry{
		oplog:     oplog,
		snapshots: snapshots,
		load:      opt.Loader,
		bus:       opt.Bus,
		events:    opt.Events,
		logger:    opt.Logger.With("component", "registry"),
		instance:  opt.Instance,
		debounce:  opt.Debounce,
		rooms:     make(map[string]*Room),
		closing:   make(map[string]chan struct{}),
	}
}

// Room returns the live room for docID, or nil.
func (g *Registry) Room(docID string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rooms[docID]
}

func (g *Registry) RoomCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Acquire returns the room for docID, loading it from snapshot plus log tail
// on first use. Concurrent callers share a single load.
func (g *Registry) Acquire(ctx context.Context, docID string) (*Room, error) {
	if room, err := g.lookup(ctx, docID); room != nil || err != nil {
		return room, err
	}
	v, err, _ := g.loads.Do(docID, func() (interface{}, error) {
		loadCtx := context.WithoutCancel(ctx)
		if room, err := g.lookup(loadCtx, docID); room != nil || err != nil {
			return room, err
		}
		room, err := g.loadRoom(loadCtx, docID)
		if err != nil {
			return nil, err
		}
		g.mu.Lock()
		if g.shutdown {
			g.mu.Unlock()
			g.unsubscribe(loadCtx, docID)
			return nil, ErrRegistryClosed
		}
		g.rooms[docID] = room
		g.mu.Unlock()

		// bus deltas that arrived before the room was registered were
		// dropped, but every published delta was appended first
		room.mu.Lock()
		g.catchUpLocked(loadCtx, room, 0)
		seq := room.lastAppliedSeq
		room.mu.Unlock()
		g.logger.Info("room opened", "doc", docID, "seq", seq)
		return room, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Room), nil
}

// lookup waits out a room that is still being torn down.
func (g *Registry) lookup(ctx context.Context, docID string) (*Room, error) {
	for {
		g.mu.Lock()
		if g.shutdown {
			g.mu.Unlock()
			return nil, ErrRegistryClosed
		}
		if room, ok := g.rooms[docID]; ok {
			g.mu.Unlock()
			return room, nil
		}
		done, closing := g.closing[docID]
		g.mu.Unlock()
		if !closing {
			return nil, nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// loadRoom subscribes before reading so that, together with the catch-up
// after registration, every published delta reaches the room.
func (g *Registry) loadRoom(ctx context.Context, docID string) (*Room, error) {
	g.subscribe(ctx, docID)
	doc, seq, err := g.loadState(ctx, docID)
	if err != nil {
		g.unsubscribe(ctx, docID)
		return nil, err
	}
	return newRoom(g, docID, doc, seq), nil
}

func (g *Registry) loadState(ctx context.Context, docID string) (crdt.Doc, uint64, error) {
	snap, err := g.snapshots.Load(ctx, docID)
	if err != nil {
		return nil, 0, &PersistenceError{Op: "load snapshot", DocID: docID, Err: err}
	}
	var (
		state []byte
		seq   uint64
	)
	if snap != nil {
		state, seq = snap.State, snap.SeqAtSnapshot
	}
	doc, err := g.load(state)
	if err != nil {
		return nil, 0, &PersistenceError{Op: "decode snapshot", DocID: docID, Err: err}
	}
	ops, err := g.oplog.Range(ctx, docID, seq)
	if err != nil {
		return nil, 0, &PersistenceError{Op: "replay", DocID: docID, Err: err}
	}
	for _, op := range ops {
		if _, err := doc.ApplyDelta(op.Delta); err != nil {
			g.logger.Warn("skip undecodable op during replay", "doc", docID, "seq", op.Seq, "err", err)
		}
		seq = op.Seq
	}
	if n := doc.Pending(); n > 0 {
		g.logger.Warn("log holds changes with missing dependencies", "doc", docID, "held", n)
	}
	return doc, seq, nil
}

// Join attaches peer and returns a fresh awareness client id.
func (g *Registry) Join(ctx context.Context, docID string, peer Peer) (uint64, *Room, error) {
	for {
		room, err := g.Acquire(ctx, docID)
		if err != nil {
			return 0, nil, err
		}
		room.mu.Lock()
		if room.closed {
			room.mu.Unlock()
			continue
		}
		id := g.nextClientID.Add(1)
		room.peers[peer] = id
		room.mu.Unlock()
		return id, room, nil
	}
}

// Leave detaches peer. The last peer out flushes and destroys the room.
func (g *Registry) Leave(ctx context.Context, docID string, peer Peer) error {
	room := g.Room(docID)
	if room == nil {
		return nil
	}
	room.mu.Lock()
	if _, ok := room.peers[peer]; !ok {
		room.mu.Unlock()
		return nil
	}
	delete(room.peers, peer)
	if len(room.peers) > 0 {
		room.mu.Unlock()
		return nil
	}
	room.closed = true
	room.cancelTimerLocked()
	done := make(chan struct{})
	g.mu.Lock()
	if g.rooms[docID] == room {
		delete(g.rooms, docID)
	}
	g.closing[docID] = done
	g.mu.Unlock()
	room.mu.Unlock()

	err := room.flush(ctx, true)
	// still inside the closing window, so a reopen subscribes after this
	g.unsubscribe(ctx, docID)

	g.mu.Lock()
	delete(g.closing, docID)
	g.mu.Unlock()
	close(done)

	if err != nil {
		g.logger.Error("final snapshot failed", "doc", docID, "err", err)
	}
	g.logger.Info("room closed", "doc", docID)
	return err
}

// mergeLocked applies delta to the room. A delta that fails outright is
// ErrInvalidDelta; a partial failure is logged and the rest kept.
func (g *Registry) mergeLocked(room *Room, delta []byte) (crdt.Merge, error) {
	m, err := room.doc.ApplyDelta(delta)
	if err != nil {
		if !m.Changed() && len(m.Held) == 0 {
			return m, fmt.Errorf("%w: %v", ErrInvalidDelta, err)
		}
		g.logger.Warn("delta partly merged", "doc", room.docID, "err", err)
	}
	return m, nil
}

// ApplyLocal merges a delta from a local connection, appends its new
// changes to the log and fans them out. Changes waiting on dependencies are
// logged and published too, and broadcast once they merge. A failed append
// still leaves the delta merged and broadcast; the caller gets a
// *PersistenceError.
func (g *Registry) ApplyLocal(ctx context.Context, docID string, delta []byte, origin Peer, authorID *uint64) (uint64, error) {
	room, err := g.Acquire(ctx, docID)
	if err != nil {
		return 0, err
	}

	room.mu.Lock()
	m, err := g.mergeLocked(room, delta)
	if err != nil {
		room.mu.Unlock()
		return 0, err
	}
	if len(m.Held) > 0 {
		// the missing changes may already be in the log
		g.catchUpLocked(ctx, room, 0)
	}
	record := m.New()
	if len(record) == 0 {
		if m.Changed() {
			room.broadcastMergeLocked(m, origin)
			room.dirty = true
			room.scheduleLocked()
		}
		seq := room.lastAppliedSeq
		room.mu.Unlock()
		return seq, nil
	}
	seq, appendErr := g.oplog.Append(ctx, docID, record, authorID)
	if appendErr == nil {
		switch {
		case seq > room.lastAppliedSeq+1:
			if g.catchUpLocked(ctx, room, seq) {
				room.lastAppliedSeq = seq
			}
		case seq > room.lastAppliedSeq:
			room.lastAppliedSeq = seq
		}
	}
	if m.Changed() {
		room.broadcastMergeLocked(m, origin)
		room.dirty = true
		room.scheduleLocked()
	}
	room.mu.Unlock()

	g.publish(ctx, docID, record)
	if appendErr != nil {
		return 0, &PersistenceError{Op: "append", DocID: docID, Err: appendErr}
	}
	g.emit(ctx, DocOpEvent{
		EventType: EventOpAppended,
		DocID:     docID,
		Seq:       seq,
		AuthorID:  authorID,
		Delta:     record,
		Instance:  g.instance,
		AppliedAt: time.Now(),
	})
	return seq, nil
}

// catchUpLocked merges logged ops after the watermark, stopping before seq
// before (0 for all), and advances the watermark over them. It reports
// false when the log could not be read.
func (g *Registry) catchUpLocked(ctx context.Context, room *Room, before uint64) bool {
	from := room.lastAppliedSeq
	ops, err := g.oplog.Range(ctx, room.docID, from)
	if err != nil {
		g.logger.Warn("catch-up failed, watermark held", "doc", room.docID, "from", from, "err", err)
		return false
	}
	for _, op := range ops {
		if before > 0 && op.Seq >= before {
			break
		}
		m, err := room.doc.ApplyDelta(op.Delta)
		if err != nil {
			g.logger.Warn("skip undecodable op during catch-up", "doc", room.docID, "seq", op.Seq, "err", err)
		}
		if m.Changed() {
			room.broadcastMergeLocked(m, nil)
			room.dirty = true
			room.scheduleLocked()
		}
		room.lastAppliedSeq = op.Seq
	}
	return true
}

// ApplyRemote merges a delta that arrived over the bus. It is never appended
// or republished. Deltas this process already holds, including its own
// publishes, change nothing and are dropped. A delta whose dependencies are
// missing makes the room catch up from the log.
func (g *Registry) ApplyRemote(ctx context.Context, docID string, delta []byte) error {
	room := g.Room(docID)
	if room == nil {
		return nil
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.closed {
		return nil
	}
	m, err := g.mergeLocked(room, delta)
	if err != nil {
		return err
	}
	if m.Changed() {
		room.broadcastMergeLocked(m, nil)
		room.dirty = true
		room.scheduleLocked()
	}
	if len(m.Held) > 0 {
		g.catchUpLocked(ctx, room, 0)
	}
	return nil
}

// ForceSnapshot persists a live room immediately. Unknown rooms are a no-op.
func (g *Registry) ForceSnapshot(ctx context.Context, docID string) error {
	room := g.Room(docID)
	if room == nil {
		return nil
	}
	return room.ForceSnapshot(ctx)
}

// Compact writes a fresh snapshot for docID whether or not it is open here.
func (g *Registry) Compact(ctx context.Context, docID string) (uint64, error) {
	if room := g.Room(docID); room != nil {
		if err := room.ForceSnapshot(ctx); err != nil {
			return 0, err
		}
		return room.LastAppliedSeq(), nil
	}
	doc, seq, err := g.loadState(ctx, docID)
	if err != nil {
		return 0, err
	}
	if n := doc.Pending(); n > 0 {
		return 0, fmt.Errorf("%w: %d changes wait on missing dependencies", ErrSnapshotDeferred, n)
	}
	if err := g.snapshots.Save(ctx, docID, doc.EncodeFull(), seq); err != nil {
		return 0, &PersistenceError{Op: "snapshot", DocID: docID, Err: err}
	}
	return seq, nil
}

// Shutdown refuses new rooms and flushes every open one, waiting for all writes.
func (g *Registry) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.shutdown = true
	rooms := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		rooms = append(rooms, room)
	}
	g.mu.Unlock()

	errs := make([]error, len(rooms))
	var eg errgroup.Group
	for i, room := range rooms {
		eg.Go(func() error {
			errs[i] = room.ForceSnapshot(ctx)
			return nil
		})
	}
	_ = eg.Wait()
	g.logger.Info("registry flushed", "rooms", len(rooms))
	return errors.Join(errs...)
}

// HandleBusMessage is the bus callback for deltas from other processes.
func (g *Registry) HandleBusMessage(docID string, delta []byte) {
	if err := g.ApplyRemote(context.Background(), docID, delta); err != nil {
		g.logger.Warn("drop remote delta", "doc", docID, "err", err)
	}
}

func (g *Registry) publish(ctx context.Context, docID string, delta []byte) {
	if g.bus == nil {
		return
	}
	if err := g.bus.Publish(ctx, docID, delta); err != nil {
		g.logger.Warn("publish failed", "doc", docID, "err", fmt.Errorf("%w: %v", ErrBusUnavailable, err))
	}
}

func (g *Registry) subscribe(ctx context.Context, docID string) {
	if g.bus == nil {
		return
	}
	if err := g.bus.Subscribe(ctx, docID); err != nil {
		g.logger.Warn("subscribe failed", "doc", docID, "err", fmt.Errorf("%w: %v", ErrBusUnavailable, err))
	}
}

func (g *Registry) unsubscribe(ctx context.Context, docID string) {
	if g.bus == nil {
		return
	}
	if err := g.bus.Unsubscribe(context.WithoutCancel(ctx), docID); err != nil {
		g.logger.Warn("unsubscribe failed", "doc", docID, "err", fmt.Errorf("%w: %v", ErrBusUnavailable, err))
	}
}

func (g *Registry) emit(ctx context.Context, evt DocOpEvent) {
	if g.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if err := g.events.Enqueue(ctx, evt); err != nil {
		g.logger.Warn("op event dropped", "doc", evt.DocID, "seq", evt.Seq, "err", err)
	}
}
