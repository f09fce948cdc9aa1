package collab

import (
	"context"
	"sync"
	"time"

	"collabsync/backend/internal/crdt"
	"collabsync/backend/internal/protocol"
)

// Peer is a live connection attached to a room.
type Peer interface {
	ID() string
	// Deliver queues frame without blocking. It must not call back into the room.
	Deliver(frame []byte) bool
}

// Room owns one document's replicated state. mu guards everything below it;
// snapMu keeps a single snapshot write in flight and is taken before mu.
type Room struct {
	docID string
	reg   *Registry

	snapMu sync.Mutex

	mu             sync.Mutex
	doc            crdt.Doc
	peers          map[Peer]uint64
	lastAppliedSeq uint64
	dirty          bool
	timer          *time.Timer
	timerToken     uint64
	closed         bool
}

func newRoom(reg *Registry, docID string, doc crdt.Doc, seq uint64) *Room {
	return &Room{
		docID:          docID,
		reg:            reg,
		doc:            doc,
		peers:          make(map[Peer]uint64),
		lastAppliedSeq: seq,
	}
}

func (r *Room) DocID() string { return r.docID }

func (r *Room) LastAppliedSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastAppliedSeq
}

func (r *Room) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func (r *Room) StateVector() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.EncodeStateVector()
}

func (r *Room) EncodeFull() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.EncodeFull()
}

func (r *Room) DeltaSince(vector []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.EncodeDeltaSince(vector)
}

func (r *Room) Heads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return crdt.Heads(r.doc)
}

// Broadcast sends frame to every peer except the given one (nil for all).
func (r *Room) Broadcast(frame []byte, except Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(frame, except)
}

func (r *Room) broadcastLocked(frame []byte, except Peer) {
	for p := range r.peers {
		if p == except {
			continue
		}
		p.Deliver(frame)
	}
}

// broadcastMergeLocked sends what m merged. The origin already has its own
// changes, so it only gets the released ones.
func (r *Room) broadcastMergeLocked(m crdt.Merge, origin Peer) {
	if !m.Changed() {
		return
	}
	r.broadcastLocked(protocol.EncodeUpdate(m.Merged()), origin)
	if _, ok := r.peers[origin]; ok && len(m.Released) > 0 {
		origin.Deliver(protocol.EncodeUpdate(m.Released))
	}
}

// scheduleLocked restarts the debounce timer. A fired timer whose token is
// stale does nothing.
func (r *Room) scheduleLocked() {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timerToken++
	token := r.timerToken
	r.timer = time.AfterFunc(r.reg.debounce, func() { r.onTimer(token) })
}

func (r *Room) cancelTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.timerToken++
}

func (r *Room) onTimer(token uint64) {
	r.mu.Lock()
	if token != r.timerToken || r.closed {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.mu.Unlock()

	if err := r.flush(context.Background(), false); err != nil {
		r.reg.logger.Error("debounced snapshot failed", "doc", r.docID, "err", err)
	}
}

// ForceSnapshot cancels the pending timer and persists right away.
func (r *Room) ForceSnapshot(ctx context.Context) error {
	r.mu.Lock()
	r.cancelTimerLocked()
	r.mu.Unlock()
	return r.flush(ctx, true)
}

// flush writes the current state at lastAppliedSeq. Without force a clean
// room is skipped. A room holding changes with missing dependencies stays
// dirty and unsaved: the snapshot would drop them while its watermark
// covers their log entries.
func (r *Room) flush(ctx context.Context, force bool) error {
	r.snapMu.Lock()
	defer r.snapMu.Unlock()

	r.mu.Lock()
	if !force && !r.dirty {
		r.mu.Unlock()
		return nil
	}
	if n := r.doc.Pending(); n > 0 {
		r.dirty = true
		r.mu.Unlock()
		r.reg.logger.Warn("snapshot deferred", "doc", r.docID, "held", n)
		return nil
	}
	state := r.doc.EncodeFull()
	seq := r.lastAppliedSeq
	r.dirty = false
	r.mu.Unlock()

	if err := r.reg.snapshots.Save(ctx, r.docID, state, seq); err != nil {
		r.mu.Lock()
		r.dirty = true
		r.mu.Unlock()
		return &PersistenceError{Op: "snapshot", DocID: r.docID, Err: err}
	}
	r.reg.logger.Debug("snapshot saved", "doc", r.docID, "seq", seq, "bytes", len(state), "forced", force)
	return nil
}
