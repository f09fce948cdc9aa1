package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/automerge/automerge-go"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabsync/backend/internal/cache"
	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/httpapi/handlers"
	"collabsync/backend/internal/store"
	"collabsync/backend/internal/store/storetest"
)

type fixture struct {
	router *gin.Engine
	docs   *store.DocumentStore
	oplog  *store.OpLog
	snaps  *store.SnapshotStore
	roster cache.Roster
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := storetest.Open(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &fixture{
		docs:   store.NewDocumentStore(db),
		oplog:  store.NewOpLog(db),
		snaps:  store.NewSnapshotStore(db),
		roster: cache.NewRedisRoster(rdb),
	}
	reg := collab.NewRegistry(f.oplog, f.snaps, collab.Options{})
	h := handlers.NewDocumentHandler(f.docs, f.oplog, f.roster, reg, nil)

	f.router = gin.New()
	f.router.GET("/collab/healthz", handlers.Healthz)
	g := f.router.Group("/collab", func(c *gin.Context) {
		id, _ := strconv.ParseUint(c.GetHeader("X-User"), 10, 64)
		c.Set("userId", id)
	})
	h.Register(g)

	ctx := context.Background()
	require.NoError(t, f.docs.CreateDocument(ctx, "D", 1, "doc"))
	require.NoError(t, f.docs.SetRole(ctx, "D", 2, store.RoleView))
	return f
}

func (f *fixture) do(method, path string, user uint64, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-User", strconv.FormatUint(user, 10))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/collab/healthz", 0, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateAndGetDocument(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/collab/docs", 7, map[string]string{"title": "notes"})
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		DocID   string `json:"docId"`
		OwnerID uint64 `json:"ownerId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, uint64(7), created.OwnerID)

	w = f.do(http.MethodGet, "/collab/docs/"+created.DocID, 7, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var doc store.Document
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "notes", doc.Title)

	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/collab/docs/"+created.DocID, 8, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/collab/docs/nope", 7, nil).Code)

	w = f.do(http.MethodPost, "/collab/docs", 7, nil)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestArchiveDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Equal(t, http.StatusForbidden, f.do(http.MethodDelete, "/collab/docs/D", 2, nil).Code)
	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/collab/docs/D", 1, nil).Code)

	ok, err := f.docs.Exists(ctx, "D")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetCollaborator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := f.do(http.MethodPut, "/collab/docs/D/collaborators/5", 1, map[string]string{"role": "EDIT"})
	require.Equal(t, http.StatusOK, w.Code)
	ok, err := f.docs.CanWrite(ctx, "D", 5)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, http.StatusForbidden,
		f.do(http.MethodPut, "/collab/docs/D/collaborators/6", 2, map[string]string{"role": "EDIT"}).Code)
	assert.Equal(t, http.StatusBadRequest,
		f.do(http.MethodPut, "/collab/docs/D/collaborators/6", 1, map[string]string{"role": "OWNER"}).Code)
}

func TestListOpsPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.oplog.Append(ctx, "D", []byte{byte(i)}, nil)
		require.NoError(t, err)
	}

	w := f.do(http.MethodGet, "/collab/docs/D/ops?from=1&limit=1", 2, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Ops  []store.Operation `json:"ops"`
		Next uint64            `json:"next"`
		More bool              `json:"more"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Ops, 1)
	assert.Equal(t, uint64(2), page.Ops[0].Seq)
	assert.Equal(t, []byte{1}, page.Ops[0].Delta)
	assert.Equal(t, uint64(2), page.Next)
	assert.True(t, page.More)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/collab/docs/D/ops?from=x", 2, nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/collab/docs/D/ops", 9, nil).Code)
}

func TestMembers(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.roster.AddMember(context.Background(), "D", "c1", cache.Member{UserID: 1, Username: "ann"}, time.Minute))

	w := f.do(http.MethodGet, "/collab/docs/D/members", 2, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Members []cache.Member `json:"members"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []cache.Member{{UserID: 1, Username: "ann"}}, resp.Members)
}

func TestSnapshotRequiresOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := automerge.New()
	require.NoError(t, d.Path("k").Set("v"))
	_, err := d.Commit("edit")
	require.NoError(t, err)
	_, err = f.oplog.Append(ctx, "D", d.SaveIncremental(), nil)
	require.NoError(t, err)

	assert.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/collab/docs/D/snapshot", 2, nil).Code)

	w := f.do(http.MethodPost, "/collab/docs/D/snapshot", 1, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rec, err := f.snaps.Load(ctx, "D")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, uint64(1), rec.SeqAtSnapshot)
}
