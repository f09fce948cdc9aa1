package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabsync/backend/internal/cache"
	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/presence"
	"collabsync/backend/internal/protocol"
)

const (
	sendQueueSize = 256
	writeWait     = 10 * time.Second
	maxFrameSize  = 16 << 20
	leaveTimeout  = 10 * time.Second
)

// Conn is one client connection bound to a single document room.
type Conn struct {
	id       string
	ws       *websocket.Conn
	docID    string
	userID   uint64
	username string
	canWrite bool

	reg      *collab.Registry
	presence *presence.Tracker
	roster   cache.Roster
	logger   *slog.Logger

	pingInterval time.Duration
	rosterTTL    time.Duration

	room     *collab.Room
	clientID uint64

	// send is never closed; done signals the writer to stop.
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closeCode int
	closeMsg  string

	mu    sync.Mutex
	owned map[uint64]struct{}
}

var _ collab.Peer = (*Conn)(nil)

func (m *Manager) newConn(ws *websocket.Conn, docID string, userID uint64, username string, canWrite bool) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:           id,
		ws:           ws,
		docID:        docID,
		userID:       userID,
		username:     username,
		canWrite:     canWrite,
		reg:          m.reg,
		presence:     m.presence,
		roster:       m.roster,
		logger:       m.logger.With("conn", id, "doc", docID, "user", userID),
		pingInterval: m.pingInterval,
		rosterTTL:    m.rosterTTL,
		send:         make(chan []byte, sendQueueSize),
		done:         make(chan struct{}),
		owned:        make(map[uint64]struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

// Deliver queues frame for the writer. A full queue closes the connection
// instead of blocking the room.
func (c *Conn) Deliver(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.logger.Warn("send queue full, dropping slow consumer")
		c.Close(CloseSlowConsumer, ReasonSlowConsumer)
		return false
	}
}

// Close asks the writer to send a close frame and drop the socket.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode, c.closeMsg = code, reason
		close(c.done)
	})
}

func (c *Conn) attach(clientID uint64, room *collab.Room) {
	c.clientID = clientID
	c.room = room
}

// handshake sends our state vector and the current awareness snapshot.
func (c *Conn) handshake() {
	c.Deliver(protocol.EncodeSyncStep1(c.room.StateVector()))
	snap := c.presence.Snapshot(c.docID)
	c.Deliver(protocol.EncodeAwareness(protocol.EncodeAwarenessUpdate(snap)))
}

func (c *Conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(maxFrameSize)
	pongWait := 2 * c.pingInterval
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("read error", "err", err)
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		c.handle(ctx, data)
	}
}

func (c *Conn) handle(ctx context.Context, frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		c.logger.Debug("ignore frame", "err", errors.Join(collab.ErrProtocol, err))
		return
	}
	switch msg.Kind {
	case protocol.KindSync:
		c.handleSync(ctx, msg)
	case protocol.KindAwareness:
		c.handleAwareness(msg.Payload)
	case protocol.KindAwarenessQuery:
		c.Deliver(protocol.EncodeAwareness(protocol.EncodeAwarenessUpdate(c.presence.Snapshot(c.docID))))
	case protocol.KindAuth:
		// server to client only
	}
}

func (c *Conn) handleSync(ctx context.Context, msg protocol.Message) {
	if msg.Step == protocol.SyncStep1 {
		delta, err := c.room.DeltaSince(msg.Payload)
		if err != nil {
			c.logger.Debug("bad state vector", "err", err)
			return
		}
		c.Deliver(protocol.EncodeSyncStep2(delta))
		return
	}
	// step 2 and updates both carry content
	if !c.canWrite {
		c.logger.Debug("drop write", "err", collab.ErrPermissionDenied)
		return
	}
	author := c.userID
	_, err := c.reg.ApplyLocal(ctx, c.docID, msg.Payload, c, &author)
	var perr *collab.PersistenceError
	switch {
	case err == nil:
	case errors.As(err, &perr):
		c.logger.Error("update merged but not persisted", "err", err)
	case errors.Is(err, collab.ErrProtocol):
		c.logger.Debug("ignore update", "err", err)
	default:
		c.logger.Warn("apply update", "err", err)
	}
}

func (c *Conn) handleAwareness(update []byte) {
	entries, err := protocol.DecodeAwarenessUpdate(update)
	if err != nil {
		c.logger.Debug("ignore awareness", "err", err)
		return
	}
	applied := c.presence.Apply(c.docID, entries)
	if len(applied) == 0 {
		return
	}
	// only accepted entries change ownership; a stale one for another
	// connection's id must not make us clean it up
	c.mu.Lock()
	for _, e := range applied {
		if e.Removed() {
			delete(c.owned, e.ClientID)
		} else {
			c.owned[e.ClientID] = struct{}{}
		}
	}
	c.mu.Unlock()
	c.room.Broadcast(protocol.EncodeAwareness(protocol.EncodeAwarenessUpdate(applied)), c)
}

func (c *Conn) ownedIDs() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uint64, 0, len(c.owned))
	for id := range c.owned {
		ids = append(ids, id)
	}
	return ids
}

// teardown clears our awareness ids, tells the room, then leaves it.
func (c *Conn) teardown() {
	c.Close(websocket.CloseNormalClosure, "")

	removed := c.presence.Remove(c.docID, c.ownedIDs())
	if len(removed) > 0 {
		c.room.Broadcast(protocol.EncodeAwareness(protocol.EncodeAwarenessUpdate(removed)), c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if err := c.reg.Leave(ctx, c.docID, c); err != nil {
		c.logger.Error("leave room", "err", err)
	}
	c.presence.ClearIfEmpty(c.docID)
	if err := c.roster.RemoveMember(ctx, c.docID, c.id); err != nil {
		c.logger.Warn("roster remove", "err", err)
	}
}

func (c *Conn) refreshRoster(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	m := cache.Member{UserID: c.userID, Username: c.username}
	if err := c.roster.AddMember(ctx, c.docID, c.id, m, c.rosterTTL); err != nil {
		c.logger.Warn("roster refresh", "err", err)
	}
}

// writeLoop owns all socket writes, including keep-alive pings.
func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
			go c.refreshRoster(context.Background())
		case <-c.done:
			if c.closeCode != websocket.CloseAbnormalClosure {
				msg := websocket.FormatCloseMessage(c.closeCode, c.closeMsg)
				_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			}
			return
		}
	}
}
