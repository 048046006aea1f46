package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"convo-service/internal/engine"
	"convo-service/internal/presence"
)

// writeEngineError maps the engine's error taxonomy onto HTTP statuses.
func writeEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrNotAMember):
		c.JSON(http.StatusForbidden, gin.H{"error": "not a conversation member"})
	case errors.Is(err, engine.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, engine.ErrLimitExceeded), errors.Is(err, presence.ErrLimitExceeded):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
