package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"convo-service/internal/middleware"
	"convo-service/internal/models"
	"convo-service/internal/presence"
)

// PresenceHandler exposes presence and privacy settings over HTTP.
type PresenceHandler struct {
	presence *presence.Coordinator
}

// NewPresenceHandler builds a PresenceHandler.
func NewPresenceHandler(coordinator *presence.Coordinator) *PresenceHandler {
	return &PresenceHandler{presence: coordinator}
}

// UpdatePresence records the caller's presence transition.
func (h *PresenceHandler) UpdatePresence(c *gin.Context) {
	did, ok := middleware.CallerDID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	var req struct {
		Online *bool `json:"online" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p, err := h.presence.UpdatePresence(c.Request.Context(), did, *req.Online)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// BatchPresence resolves presence for up to 100 identities as visible to
// the caller.
func (h *PresenceHandler) BatchPresence(c *gin.Context) {
	did, ok := middleware.CallerDID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	var req struct {
		DIDs []string `json:"dids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	views, err := h.presence.BatchGetPresence(c.Request.Context(), did, req.DIDs)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"presence": views})
}

// GetPrivacy returns the caller's disclosure settings.
func (h *PresenceHandler) GetPrivacy(c *gin.Context) {
	did, ok := middleware.CallerDID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	settings, err := h.presence.GetPrivacy(c.Request.Context(), did)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

// PutPrivacy replaces the caller's disclosure settings.
func (h *PresenceHandler) PutPrivacy(c *gin.Context) {
	did, ok := middleware.CallerDID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	var req struct {
		ShareReadReceipts *bool `json:"share_read_receipts" binding:"required"`
		ShareOnline       *bool `json:"share_online" binding:"required"`
		ShareLastSeen     *bool `json:"share_last_seen" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	settings := models.PrivacySettings{
		DID:               did,
		ShareReadReceipts: *req.ShareReadReceipts,
		ShareOnline:       *req.ShareOnline,
		ShareLastSeen:     *req.ShareLastSeen,
	}
	if err := h.presence.SetPrivacy(c.Request.Context(), settings); err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}
