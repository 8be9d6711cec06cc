package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/EternisAI/silo-control/internal/agents"
	"github.com/EternisAI/silo-control/internal/dispatch"
	"github.com/EternisAI/silo-control/internal/store"
	"github.com/gin-gonic/gin"
)

var errInvalidLimit = errors.New("limit must be a non-negative integer")

// respondError maps service errors onto status codes. Unknown errors are
// logged and hidden behind a generic message.
func respondError(c *gin.Context, err error, action string) {
	switch {
	case errors.Is(err, agents.ErrAgentNotFound),
		errors.Is(err, dispatch.ErrUnknownAgent),
		errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, dispatch.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, dispatch.ErrPolicy),
		errors.Is(err, agents.ErrInvalidName),
		errors.Is(err, agents.ErrInvalidAllowedIP):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		slog.Error("Request failed", "action", action, "path", c.Request.URL.Path, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to " + action})
	}
}
