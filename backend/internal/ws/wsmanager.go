package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"collabsync/backend/internal/cache"
	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/presence"
	"collabsync/backend/internal/protocol"
)

const (
	DefaultPingInterval = 30 * time.Second
	DefaultRosterTTL    = 90 * time.Second
)

// allow local dev origins plus any configured prefixes
func newUpgrader(allowed []string) websocket.Upgrader {
	prefixes := append([]string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}, allowed...)
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || origin == "null" {
				return true
			}
			for _, p := range prefixes {
				if strings.HasPrefix(origin, p) {
					return true
				}
			}
			return false
		},
	}
}

// Permissions is what the gateway needs to know before a join.
type Permissions interface {
	Exists(ctx context.Context, docID string) (bool, error)
	CanRead(ctx context.Context, docID string, userID uint64) (bool, error)
	CanWrite(ctx context.Context, docID string, userID uint64) (bool, error)
}

type ManagerOptions struct {
	PingInterval   time.Duration
	RosterTTL      time.Duration
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Manager is the session gateway: it admits sockets and wires them to rooms.
type Manager struct {
	reg      *collab.Registry
	presence *presence.Tracker
	roster   cache.Roster
	perms    Permissions
	sem      *collab.SemaphoreControl
	logger   *slog.Logger
	upgrader websocket.Upgrader

	pingInterval time.Duration
	rosterTTL    time.Duration

	mu    sync.Mutex
	conns map[*Conn]struct{}
	wg    sync.WaitGroup
}

func NewManager(reg *collab.Registry, tracker *presence.Tracker, roster cache.Roster, perms Permissions, sem *collab.SemaphoreControl, opt ManagerOptions) *Manager {
	if opt.PingInterval <= 0 {
		opt.PingInterval = DefaultPingInterval
	}
	if opt.RosterTTL <= 0 {
		opt.RosterTTL = DefaultRosterTTL
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if roster == nil {
		roster = cache.NewNoopRoster()
	}
	return &Manager{
		reg:          reg,
		presence:     tracker,
		roster:       roster,
		perms:        perms,
		sem:          sem,
		logger:       opt.Logger.With("component", "gateway"),
		upgrader:     newUpgrader(opt.AllowedOrigins),
		pingInterval: opt.PingInterval,
		rosterTTL:    opt.RosterTTL,
		conns:        make(map[*Conn]struct{}),
	}
}

// WebSocketConnect serves GET .../ws/:docId. The auth middleware has already
// put userId and username on the context.
func (m *Manager) WebSocketConnect(c *gin.Context) {
	docID := c.Param("docId")
	if docID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "missing docId"})
		return
	}
	userID := c.GetUint64("userId")
	username := c.GetString("username")

	if !m.sem.TryAcquire() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "BUSY", "message": "too many connections"})
		return
	}
	defer m.sem.Release()

	ctx := c.Request.Context()
	exists, err := m.perms.Exists(ctx, docID)
	if err != nil {
		m.logger.Error("document lookup", "doc", docID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "document lookup failed"})
		return
	}
	var canRead, canWrite bool
	if exists {
		if canRead, err = m.perms.CanRead(ctx, docID, userID); err == nil {
			canWrite, err = m.perms.CanWrite(ctx, docID, userID)
		}
		if err != nil {
			m.logger.Error("permission lookup", "doc", docID, "user", userID, "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "permission lookup failed"})
			return
		}
	}

	wsConn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade", "err", err, "origin", c.Request.Header.Get("Origin"))
		return
	}

	switch {
	case !exists:
		refuse(wsConn, CloseDocumentNotFound, ReasonDocumentNotFound, nil)
		return
	case !canRead:
		refuse(wsConn, ClosePermissionDenied, ReasonPermissionDenied, protocol.EncodeAuthDenied(ReasonPermissionDenied))
		return
	}

	conn := m.newConn(wsConn, docID, userID, username, canWrite)
	// the request context ends with the handler, the session outlives it
	sessCtx := context.WithoutCancel(ctx)
	clientID, room, err := m.reg.Join(sessCtx, docID, conn)
	if err != nil {
		conn.logger.Error("join room", "err", err)
		refuse(wsConn, CloseRoomUnavailable, ReasonRoomUnavailable, nil)
		return
	}
	conn.attach(clientID, room)
	m.track(conn)
	defer m.untrack(conn)

	conn.refreshRoster(sessCtx)
	conn.logger.Info("joined", "clientId", clientID, "canWrite", canWrite)

	go conn.writeLoop()
	conn.handshake()
	conn.readLoop(sessCtx)
	conn.teardown()
	conn.logger.Info("left")
}

func refuse(wsConn *websocket.Conn, code int, reason string, frame []byte) {
	deadline := time.Now().Add(writeWait)
	if frame != nil {
		_ = wsConn.SetWriteDeadline(deadline)
		_ = wsConn.WriteMessage(websocket.BinaryMessage, frame)
	}
	_ = wsConn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = wsConn.Close()
}

func (m *Manager) track(c *Conn) {
	m.mu.Lock()
	m.conns[c] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()
}

func (m *Manager) untrack(c *Conn) {
	m.mu.Lock()
	delete(m.conns, c)
	m.mu.Unlock()
	m.wg.Done()
}

func (m *Manager) ConnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// CloseAll disconnects every session and waits for their teardown.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	for c := range m.conns {
		c.Close(websocket.CloseGoingAway, "server shutting down")
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
