package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"collabsync/backend/internal/cache"
	"collabsync/backend/internal/store"
)

const (
	defaultOpsLimit = 500
	maxOpsLimit     = 5000
)

type Documents interface {
	CreateDocument(ctx context.Context, id string, ownerID uint64, title string) error
	Get(ctx context.Context, id string) (*store.Document, error)
	Archive(ctx context.Context, id string) error
	SetRole(ctx context.Context, docID string, userID uint64, role store.Role) error
	CanRead(ctx context.Context, docID string, userID uint64) (bool, error)
	CanAdmin(ctx context.Context, docID string, userID uint64) (bool, error)
}

type OpReader interface {
	RangePage(ctx context.Context, docID string, from uint64, limit int) ([]store.Operation, error)
}

type Compactor interface {
	Compact(ctx context.Context, docID string) (uint64, error)
}

// DocumentHandler serves the REST side of a document: metadata, catch-up
// ops, the online roster and forced snapshots.
type DocumentHandler struct {
	docs   Documents
	ops    OpReader
	roster cache.Roster
	rooms  Compactor
	logger *slog.Logger
}

func NewDocumentHandler(docs Documents, ops OpReader, roster cache.Roster, rooms Compactor, logger *slog.Logger) *DocumentHandler {
	if roster == nil {
		roster = cache.NewNoopRoster()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentHandler{docs: docs, ops: ops, roster: roster, rooms: rooms, logger: logger}
}

// Register mounts the document routes on an authenticated group.
func (h *DocumentHandler) Register(g *gin.RouterGroup) {
	g.POST("/docs", h.CreateDocument)
	g.GET("/docs/:docId", h.GetDocument)
	g.DELETE("/docs/:docId", h.ArchiveDocument)
	g.PUT("/docs/:docId/collaborators/:userId", h.SetCollaborator)
	g.GET("/docs/:docId/ops", h.ListOps)
	g.GET("/docs/:docId/members", h.Members)
	g.POST("/docs/:docId/snapshot", h.Snapshot)
}

func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"code": code, "message": msg})
}

// allowed runs a permission check and writes the failure response itself.
func (h *DocumentHandler) allowed(c *gin.Context, check func(context.Context, string, uint64) (bool, error)) bool {
	docID := c.Param("docId")
	ok, err := check(c.Request.Context(), docID, c.GetUint64("userId"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		abort(c, http.StatusNotFound, "NOT_FOUND", "document not found")
		return false
	case err != nil:
		h.logger.Error("permission lookup", "doc", docID, "err", err)
		abort(c, http.StatusInternalServerError, "INTERNAL", "permission lookup failed")
		return false
	case !ok:
		abort(c, http.StatusForbidden, "FORBIDDEN", "permission denied")
		return false
	}
	return true
}

type createDocumentRequest struct {
	Title string `json:"title"`
}

func (h *DocumentHandler) CreateDocument(c *gin.Context) {
	var req createDocumentRequest
	// an empty body creates an untitled document
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, "BAD_REQUEST", "invalid body")
			return
		}
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "Untitled"
	}
	ownerID := c.GetUint64("userId")
	id := uuid.NewString()
	if err := h.docs.CreateDocument(c.Request.Context(), id, ownerID, title); err != nil {
		h.logger.Error("create document", "err", err)
		abort(c, http.StatusInternalServerError, "INTERNAL", "create failed")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"docId": id, "ownerId": ownerID, "title": title})
}

func (h *DocumentHandler) GetDocument(c *gin.Context) {
	if !h.allowed(c, h.docs.CanRead) {
		return
	}
	doc, err := h.docs.Get(c.Request.Context(), c.Param("docId"))
	if err != nil {
		abort(c, http.StatusNotFound, "NOT_FOUND", "document not found")
		return
	}
	c.JSON(http.StatusOK, doc)
}

// ArchiveDocument hides the document; new sessions are refused with
// document-not-found, the log and snapshots are kept.
func (h *DocumentHandler) ArchiveDocument(c *gin.Context) {
	if !h.allowed(c, h.docs.CanAdmin) {
		return
	}
	docID := c.Param("docId")
	if err := h.docs.Archive(c.Request.Context(), docID); err != nil {
		h.logger.Error("archive document", "doc", docID, "err", err)
		abort(c, http.StatusInternalServerError, "INTERNAL", "archive failed")
		return
	}
	c.Status(http.StatusNoContent)
}

type setCollaboratorRequest struct {
	Role store.Role `json:"role" binding:"required"`
}

func (h *DocumentHandler) SetCollaborator(c *gin.Context) {
	if !h.allowed(c, h.docs.CanAdmin) {
		return
	}
	userID, err := strconv.ParseUint(c.Param("userId"), 10, 64)
	if err != nil {
		abort(c, http.StatusBadRequest, "BAD_REQUEST", "invalid userId")
		return
	}
	var req setCollaboratorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "BAD_REQUEST", "invalid body")
		return
	}
	switch req.Role {
	case store.RoleEdit, store.RoleComment, store.RoleView:
	default:
		abort(c, http.StatusBadRequest, "BAD_REQUEST", "role must be EDIT, COMMENT or VIEW")
		return
	}
	if err := h.docs.SetRole(c.Request.Context(), c.Param("docId"), userID, req.Role); err != nil {
		h.logger.Error("set role", "doc", c.Param("docId"), "err", err)
		abort(c, http.StatusInternalServerError, "INTERNAL", "update failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "role": req.Role})
}

// ListOps returns ops with seq > from so a client can catch up over HTTP.
func (h *DocumentHandler) ListOps(c *gin.Context) {
	if !h.allowed(c, h.docs.CanRead) {
		return
	}
	from, err := strconv.ParseUint(c.DefaultQuery("from", "0"), 10, 64)
	if err != nil {
		abort(c, http.StatusBadRequest, "BAD_REQUEST", "invalid from")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultOpsLimit)))
	if err != nil || limit <= 0 {
		abort(c, http.StatusBadRequest, "BAD_REQUEST", "invalid limit")
		return
	}
	limit = min(limit, maxOpsLimit)

	docID := c.Param("docId")
	ops, err := h.ops.RangePage(c.Request.Context(), docID, from, limit)
	if err != nil {
		h.logger.Error("list ops", "doc", docID, "err", err)
		abort(c, http.StatusInternalServerError, "INTERNAL", "read failed")
		return
	}
	next := from
	if len(ops) > 0 {
		next = ops[len(ops)-1].Seq
	}
	c.JSON(http.StatusOK, gin.H{"ops": ops, "next": next, "more": len(ops) == limit})
}

func (h *DocumentHandler) Members(c *gin.Context) {
	if !h.allowed(c, h.docs.CanRead) {
		return
	}
	members, err := h.roster.Members(c.Request.Context(), c.Param("docId"))
	if err != nil {
		h.logger.Warn("roster members", "doc", c.Param("docId"), "err", err)
		abort(c, http.StatusBadGateway, "UPSTREAM", "roster unavailable")
		return
	}
	if members == nil {
		members = []cache.Member{}
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

func (h *DocumentHandler) Snapshot(c *gin.Context) {
	if !h.allowed(c, h.docs.CanAdmin) {
		return
	}
	docID := c.Param("docId")
	seq, err := h.rooms.Compact(c.Request.Context(), docID)
	if err != nil {
		h.logger.Error("compact", "doc", docID, "err", err)
		abort(c, http.StatusInternalServerError, "INTERNAL", "snapshot failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "seq": seq})
}
