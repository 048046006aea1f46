package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"convo-service/internal/engine"
	"convo-service/internal/middleware"
	"convo-service/internal/models"
	"convo-service/internal/telemetry"
)

// ConvoHandler exposes the conversation engine over HTTP.
type ConvoHandler struct {
	engine *engine.Engine
	audit  *telemetry.AuditEmitter
}

// NewConvoHandler builds a ConvoHandler. audit may be nil.
func NewConvoHandler(eng *engine.Engine, audit *telemetry.AuditEmitter) *ConvoHandler {
	return &ConvoHandler{engine: eng, audit: audit}
}

// ListConvos returns a page of the caller's conversations, most recently
// active first.
func (h *ConvoHandler) ListConvos(c *gin.Context) {
	did, ok := middleware.CallerDID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	views, next, err := h.engine.ListConversations(c.Request.Context(), did, c.Query("cursor"), limitQuery(c))
	if err != nil {
		h.emitAudit(c, "ERROR", "failed to list conversations")
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"convos": views, "cursor": next})
}

// StartConvo gets or creates the direct conversation with another
// identity.
func (h *ConvoHandler) StartConvo(c *gin.Context) {
	did, ok := middleware.CallerDID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	var req struct {
		Member string `json:"member" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	view, err := h.engine.GetOrCreateDirect(c.Request.Context(), did, req.Member)
	if err != nil {
		h.emitAudit(c, "ERROR", "failed to start conversation")
		writeEngineError(c, err)
		return
	}
	h.emitAudit(c, "INFO", "conversation started")
	c.JSON(http.StatusOK, view)
}

// SyncLog returns log entries after the caller's cursor across all of
// their conversations.
func (h *ConvoHandler) SyncLog(c *gin.Context) {
	did, ok := middleware.CallerDID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	entries, next, err := h.engine.SyncLog(c.Request.Context(), did, c.Query("cursor"), limitQuery(c))
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "cursor": next})
}

// PostMessage appends a message to the conversation.
func (h *ConvoHandler) PostMessage(c *gin.Context) {
	did, ok := middleware.CallerDID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	var req struct {
		Body   string          `json:"body" binding:"required"`
		Facets json.RawMessage `json:"facets"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	view, err := h.engine.SendMessage(c.Request.Context(), did, c.Param("convo_id"), req.Body, req.Facets)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

// ListMessages pages through a conversation's messages newest-first.
func (h *ConvoHandler) ListMessages(c *gin.Context) {
	did, ok := middleware.CallerDID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	views, next, err := h.engine.ListMessages(c.Request.Context(), did, c.Param("convo_id"), c.Query("cursor"), limitQuery(c))
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": views, "cursor": next})
}

// DeleteMessage soft-deletes a message for everyone. Sender only.
func (h *ConvoHandler) DeleteMessage(c *gin.Context) {
	did, ok := middleware.CallerDID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	if err := h.engine.DeleteMessage(c.Request.Context(), did, c.Param("message_id")); err != nil {
		writeEngineError(c, err)
		return
	}
	h.emitAudit(c, "INFO", "message deleted")
	c.Status(http.StatusNoContent)
}

// AddReaction adds an emoji reaction to a message.
func (h *ConvoHandler) AddReaction(c *gin.Context) {
	did, ok := middleware.CallerDID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	var req struct {
		Value string `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	view, err := h.engine.AddReaction(c.Request.Context(), did, c.Param("message_id"), req.Value)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// RemoveReaction removes the caller's reaction identified by the value
// query parameter.
func (h *ConvoHandler) RemoveReaction(c *gin.Context) {
	did, ok := middleware.CallerDID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	view, err := h.engine.RemoveReaction(c.Request.Context(), did, c.Param("message_id"), c.Query("value"))
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// MarkDelivered records delivery of a message to the caller.
func (h *ConvoHandler) MarkDelivered(c *gin.Context) {
	did, ok := middleware.CallerDID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	st, err := h.engine.MarkDelivered(c.Request.Context(), did, c.Param("message_id"))
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// MarkMessageRead records that the caller read a message.
func (h *ConvoHandler) MarkMessageRead(c *gin.Context) {
	did, ok := middleware.CallerDID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	st, err := h.engine.MarkMessageRead(c.Request.Context(), did, c.Param("message_id"))
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// GetMessageStatus returns the derived delivery state of a message as
// visible to the caller.
func (h *ConvoHandler) GetMessageStatus(c *gin.Context) {
	did, ok := middleware.CallerDID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	view, err := h.engine.GetMessageStatus(c.Request.Context(), did, c.Param("message_id"))
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// MarkConvoRead advances the caller's read cursor to the latest message.
func (h *ConvoHandler) MarkConvoRead(c *gin.Context) {
	did, ok := middleware.CallerDID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	rev, err := h.engine.MarkConversationRead(c.Request.Context(), did, c.Param("convo_id"))
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"read_rev": rev})
}

// SetStatus applies an accept or leave transition to the caller's
// membership.
func (h *ConvoHandler) SetStatus(c *gin.Context) {
	did, ok := middleware.CallerDID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	var req struct {
		Status models.MembershipStatus `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	mem, err := h.engine.SetMembershipStatus(c.Request.Context(), did, c.Param("convo_id"), req.Status)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	h.emitAudit(c, "INFO", "membership status changed")
	c.JSON(http.StatusOK, mem)
}

// Mute flips the caller's muted flag for the conversation.
func (h *ConvoHandler) Mute(c *gin.Context) {
	did, ok := middleware.CallerDID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	var req struct {
		Muted *bool `json:"muted" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.engine.MuteConversation(c.Request.Context(), did, c.Param("convo_id"), *req.Muted); err != nil {
		writeEngineError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ConvoHandler) emitAudit(c *gin.Context, level, text string) {
	if h.audit == nil {
		return
	}
	h.audit.Emit(c.Request.Context(), level, text, requestIDFromContext(c), didFromContext(c))
}

func limitQuery(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil {
		return 0
	}
	return limit
}
