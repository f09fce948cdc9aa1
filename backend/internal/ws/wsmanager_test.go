package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/presence"
	"collabsync/backend/internal/protocol"
	"collabsync/backend/internal/store"
	"collabsync/backend/internal/store/storetest"
)

type env struct {
	srv     *httptest.Server
	oplog   *store.OpLog
	snaps   *store.SnapshotStore
	reg     *collab.Registry
	tracker *presence.Tracker
	manager *Manager
}

func newEnv(t *testing.T, maxConns int) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	db := storetest.Open(t)
	docs := store.NewDocumentStore(db)
	require.NoError(t, docs.CreateDocument(ctx, "D", 1, "doc"))
	require.NoError(t, docs.SetRole(ctx, "D", 2, store.RoleEdit))
	require.NoError(t, docs.SetRole(ctx, "D", 3, store.RoleView))

	e := &env{oplog: store.NewOpLog(db), snaps: store.NewSnapshotStore(db), tracker: presence.NewTracker()}
	e.reg = collab.NewRegistry(e.oplog, e.snaps, collab.Options{Debounce: time.Hour})
	e.manager = NewManager(e.reg, e.tracker, nil, docs, collab.NewSemaphoreControl(maxConns), ManagerOptions{})

	r := gin.New()
	r.Use(func(c *gin.Context) {
		id, _ := strconv.ParseUint(c.Query("user"), 10, 64)
		c.Set("userId", id)
		c.Set("username", "user"+c.Query("user"))
	})
	r.GET("/collab/ws/:docId", e.manager.WebSocketConnect)
	e.srv = httptest.NewServer(r)
	t.Cleanup(e.srv.Close)
	return e
}

func (e *env) dial(t *testing.T, doc string, user int) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/collab/ws/" + doc + "?user=" + strconv.Itoa(user)
	return websocket.DefaultDialer.Dial(url, nil)
}

// join dials and consumes the two handshake frames.
func (e *env) join(t *testing.T, user int) *websocket.Conn {
	t.Helper()
	c, _, err := e.dial(t, "D", user)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	msg := read(t, c)
	require.Equal(t, protocol.KindSync, msg.Kind)
	require.Equal(t, protocol.SyncStep1, msg.Step)
	msg = read(t, c)
	require.Equal(t, protocol.KindAwareness, msg.Kind)
	return c
}

func read(t *testing.T, c *websocket.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	mt, data, err := c.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

func assertSilent(t *testing.T, c *websocket.Conn) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := c.ReadMessage()
	require.Error(t, err)
	var ne interface{ Timeout() bool }
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
}

func send(t *testing.T, c *websocket.Conn, frame []byte) {
	t.Helper()
	require.NoError(t, c.WriteMessage(websocket.BinaryMessage, frame))
}

func clientDelta(t *testing.T, key, val string) []byte {
	t.Helper()
	d := automerge.New()
	require.NoError(t, d.Path(key).Set(val))
	_, err := d.Commit("edit")
	require.NoError(t, err)
	return d.SaveIncremental()
}

func TestUpdateReachesOthersNotSender(t *testing.T) {
	e := newEnv(t, 10)
	a := e.join(t, 1)
	b := e.join(t, 2)

	u1 := clientDelta(t, "title", "hello")
	send(t, a, protocol.EncodeUpdate(u1))

	msg := read(t, b)
	assert.Equal(t, protocol.SyncUpdate, msg.Step)
	assert.Equal(t, u1, msg.Payload)

	ops, err := e.oplog.Range(context.Background(), "D", 0)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.NotNil(t, ops[0].AuthorID)
	assert.Equal(t, uint64(1), *ops[0].AuthorID)

	assertSilent(t, a)
}

func TestReadOnlyWritesDroppedButStep1Served(t *testing.T) {
	e := newEnv(t, 10)
	a := e.join(t, 1)
	viewer := e.join(t, 3)

	seed := clientDelta(t, "x", "1")
	send(t, a, protocol.EncodeUpdate(seed))
	assert.Equal(t, seed, read(t, viewer).Payload)

	send(t, viewer, protocol.EncodeUpdate(clientDelta(t, "y", "2")))
	send(t, viewer, protocol.EncodeSyncStep2(clientDelta(t, "z", "3")))
	send(t, viewer, protocol.EncodeSyncStep1(nil))

	msg := read(t, viewer)
	require.Equal(t, protocol.SyncStep2, msg.Step)
	assert.NotEmpty(t, msg.Payload)

	latest, err := e.oplog.LatestSeq(context.Background(), "D")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), latest)
	assertSilent(t, a)
}

func TestMalformedFramesAreIgnored(t *testing.T) {
	e := newEnv(t, 10)
	a := e.join(t, 1)

	send(t, a, []byte{0xff, 0xff})
	send(t, a, []byte{42})
	send(t, a, protocol.EncodeUpdate([]byte("not a delta")))
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("hi")))

	// still alive
	send(t, a, protocol.EncodeAwarenessQuery())
	assert.Equal(t, protocol.KindAwareness, read(t, a).Kind)
}

func TestJoinRefusals(t *testing.T) {
	e := newEnv(t, 10)

	c, _, err := e.dial(t, "missing", 1)
	require.NoError(t, err)
	_, _, err = c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, CloseDocumentNotFound), "got %v", err)

	c, _, err = e.dial(t, "D", 99)
	require.NoError(t, err)
	msg := read(t, c)
	assert.Equal(t, protocol.KindAuth, msg.Kind)
	assert.Equal(t, ReasonPermissionDenied, msg.Reason)
	_, _, err = c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, ClosePermissionDenied), "got %v", err)
}

func TestConnectionLimit(t *testing.T) {
	e := newEnv(t, 1)
	_ = e.join(t, 1)

	_, resp, err := e.dial(t, "D", 2)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func awareness(entries ...protocol.AwarenessEntry) []byte {
	return protocol.EncodeAwareness(protocol.EncodeAwarenessUpdate(entries))
}

func ids(t *testing.T, msg protocol.Message) []uint64 {
	t.Helper()
	require.Equal(t, protocol.KindAwareness, msg.Kind)
	entries, err := protocol.DecodeAwarenessUpdate(msg.Payload)
	require.NoError(t, err)
	out := make([]uint64, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ClientID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestAwarenessOwnershipCleanup(t *testing.T) {
	e := newEnv(t, 10)
	a := e.join(t, 1)
	b := e.join(t, 2)
	state := json.RawMessage(`{"user":{"name":"ann"}}`)

	send(t, a, awareness(
		protocol.AwarenessEntry{ClientID: 5, Clock: 1, State: state},
		protocol.AwarenessEntry{ClientID: 9, Clock: 1, State: state},
	))
	assert.Equal(t, []uint64{5, 9}, ids(t, read(t, b)))

	send(t, b, awareness(protocol.AwarenessEntry{ClientID: 7, Clock: 1, State: state}))
	assert.Equal(t, []uint64{7}, ids(t, read(t, a)))

	send(t, b, protocol.EncodeAwarenessQuery())
	assert.Equal(t, []uint64{5, 7, 9}, ids(t, read(t, b)))

	require.NoError(t, a.Close())
	msg := read(t, b)
	assert.Equal(t, []uint64{5, 9}, ids(t, msg))
	entries, err := protocol.DecodeAwarenessUpdate(msg.Payload)
	require.NoError(t, err)
	for _, en := range entries {
		assert.True(t, en.Removed())
	}

	snap := e.tracker.Snapshot("D")
	require.Len(t, snap, 1)
	assert.Equal(t, uint64(7), snap[0].ClientID)
}

func TestLastLeaveFlushesRoom(t *testing.T) {
	e := newEnv(t, 10)
	a := e.join(t, 1)
	send(t, a, protocol.EncodeUpdate(clientDelta(t, "k", "v")))
	require.Eventually(t, func() bool {
		seq, _ := e.oplog.LatestSeq(context.Background(), "D")
		return seq == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return e.reg.RoomCount() == 0 && e.manager.ConnCount() == 0 },
		2*time.Second, 10*time.Millisecond)

	rec, err := e.snaps.Load(context.Background(), "D")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, uint64(1), rec.SeqAtSnapshot)
}

func TestCloseAllDrainsSessions(t *testing.T) {
	e := newEnv(t, 10)
	a := e.join(t, 1)
	_ = e.join(t, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.manager.CloseAll(ctx))
	assert.Zero(t, e.manager.ConnCount())
	assert.Zero(t, e.reg.RoomCount())

	_, _, err := a.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestStaleAwarenessDoesNotTransferOwnership(t *testing.T) {
	e := newEnv(t, 10)
	a := e.join(t, 1)
	b := e.join(t, 2)
	state := json.RawMessage(`{"user":{"name":"ann"}}`)

	send(t, a, awareness(protocol.AwarenessEntry{ClientID: 5, Clock: 3, State: state}))
	assert.Equal(t, []uint64{5}, ids(t, read(t, b)))

	// b replays an old clock for a's id; it is rejected and not claimed
	send(t, b, awareness(protocol.AwarenessEntry{ClientID: 5, Clock: 1, State: state}))
	send(t, b, protocol.EncodeAwarenessQuery())
	assert.Equal(t, []uint64{5}, ids(t, read(t, b)))

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool { return e.manager.ConnCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	snap := e.tracker.Snapshot("D")
	require.Len(t, snap, 1)
	assert.Equal(t, uint64(5), snap[0].ClientID)
	assert.Equal(t, uint64(3), snap[0].Clock)
	assertSilent(t, a)
}
