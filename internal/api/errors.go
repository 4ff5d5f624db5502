package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/generation"
)

// writeError maps service sentinels onto HTTP statuses. AccessDenied
// deliberately covers not-found generations too, so callers cannot probe
// for ids they do not own.
func (h *Handlers) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, generation.ErrAccessDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
	case errors.Is(err, generation.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, generation.ErrActiveExists):
		c.JSON(http.StatusConflict, gin.H{"error": "conversation already has an active generation"})
	case errors.Is(err, generation.ErrModelNotAllowed):
		c.JSON(http.StatusBadRequest, gin.H{"error": "model not allowed"})
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "request failed"})
	}
}
