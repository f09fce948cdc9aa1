package collab

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/require"

	"collabsync/backend/internal/crdt"
	"collabsync/backend/internal/protocol"
	"collabsync/backend/internal/store"
	"collabsync/backend/internal/store/storetest"
)

type fakePeer struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Deliver(frame []byte) bool {
	p.mu.Lock()
	p.frames = append(p.frames, frame)
	p.mu.Unlock()
	return true
}

func (p *fakePeer) updates(t *testing.T) [][]byte {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var out [][]byte
	for _, f := range p.frames {
		msg, err := protocol.Decode(f)
		require.NoError(t, err)
		require.Equal(t, protocol.KindSync, msg.Kind)
		require.Equal(t, protocol.SyncUpdate, msg.Step)
		out = append(out, msg.Payload)
	}
	return out
}

type countingSnapshots struct {
	*store.SnapshotStore
	mu    sync.Mutex
	saves []uint64
	loads int
}

func (c *countingSnapshots) Save(ctx context.Context, docID string, state []byte, seq uint64) error {
	c.mu.Lock()
	c.saves = append(c.saves, seq)
	c.mu.Unlock()
	return c.SnapshotStore.Save(ctx, docID, state, seq)
}

func (c *countingSnapshots) Load(ctx context.Context, docID string) (*store.SnapshotRecord, error) {
	c.mu.Lock()
	c.loads++
	c.mu.Unlock()
	return c.SnapshotStore.Load(ctx, docID)
}

func (c *countingSnapshots) saved() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.saves...)
}

func (c *countingSnapshots) loadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loads
}

type fakeBus struct {
	mu     sync.Mutex
	sent   int
	subs   map[string]int
	unsubs map[string]int
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: map[string]int{}, unsubs: map[string]int{}}
}

func (b *fakeBus) Publish(context.Context, string, []byte) error {
	b.mu.Lock()
	b.sent++
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) Subscribe(_ context.Context, docID string) error {
	b.mu.Lock()
	b.subs[docID]++
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) Unsubscribe(_ context.Context, docID string) error {
	b.mu.Lock()
	b.unsubs[docID]++
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent
}

func (b *fakeBus) subscriptions(docID string) (subs, unsubs int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[docID], b.unsubs[docID]
}

type failingLog struct{ *store.OpLog }

func (failingLog) Append(context.Context, string, []byte, *uint64) (uint64, error) {
	return 0, errors.New("disk on fire")
}

type captureSink struct {
	mu   sync.Mutex
	evts []DocOpEvent
}

func (s *captureSink) Enqueue(_ context.Context, evt DocOpEvent) error {
	s.mu.Lock()
	s.evts = append(s.evts, evt)
	s.mu.Unlock()
	return nil
}

type fixture struct {
	oplog *store.OpLog
	snaps *countingSnapshots
	bus   *fakeBus
	reg   *Registry
}

func newFixture(t *testing.T, debounce time.Duration) *fixture {
	t.Helper()
	db := storetest.Open(t)
	f := &fixture{
		oplog: store.NewOpLog(db),
		snaps: &countingSnapshots{SnapshotStore: store.NewSnapshotStore(db)},
		bus:   newFakeBus(),
	}
	f.reg = NewRegistry(f.oplog, f.snaps, Options{Debounce: debounce, Bus: f.bus})
	return f
}

// clientDelta is an edit made by an independent client replica.
func clientDelta(t *testing.T, key, val string) []byte {
	t.Helper()
	d := automerge.New()
	require.NoError(t, d.Path(key).Set(val))
	_, err := d.Commit("edit " + key)
	require.NoError(t, err)
	return d.SaveIncremental()
}

// chain returns n deltas from one replica, each depending on the one before.
func chain(t *testing.T, n int) [][]byte {
	t.Helper()
	d := automerge.New()
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		require.NoError(t, d.Path(fmt.Sprintf("k%d", i)).Set(i))
		_, err := d.Commit(fmt.Sprintf("edit %d", i))
		require.NoError(t, err)
		out = append(out, d.SaveIncremental())
	}
	return out
}

// racingLog runs during once, right after the first Range returns.
type racingLog struct {
	*store.OpLog
	once   sync.Once
	during func()
}

func (l *racingLog) Range(ctx context.Context, docID string, from uint64) ([]store.Operation, error) {
	ops, err := l.OpLog.Range(ctx, docID, from)
	l.once.Do(func() {
		if l.during != nil {
			l.during()
		}
	})
	return ops, err
}

func sortedHeads(d crdt.Doc) []string {
	h := crdt.Heads(d)
	sort.Strings(h)
	return h
}

func docOf(t *testing.T, deltas ...[]byte) crdt.Doc {
	t.Helper()
	d := crdt.New()
	for _, u := range deltas {
		_, err := d.ApplyDelta(u)
		require.NoError(t, err)
	}
	return d
}
