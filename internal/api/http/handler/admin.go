package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/EternisAI/silo-control/internal/agents"
	"github.com/EternisAI/silo-control/internal/api/http/dto"
	"github.com/EternisAI/silo-control/internal/control"
	"github.com/EternisAI/silo-control/internal/registry"
	"github.com/EternisAI/silo-control/internal/store"
	"github.com/gin-gonic/gin"
)

const defaultReapThreshold = 15 * time.Minute

type AdminHandler struct {
	control      *control.Service
	agentService *agents.Service
	registry     *registry.Registry
}

func NewAdminHandler(ctrl *control.Service, agentService *agents.Service, reg *registry.Registry) *AdminHandler {
	return &AdminHandler{
		control:      ctrl,
		agentService: agentService,
		registry:     reg,
	}
}

// ListConnections returns every open connection across all agents
// GET /api/connections
func (h *AdminHandler) ListConnections(c *gin.Context) {
	agentList, err := h.agentService.List(c.Request.Context())
	if err != nil {
		respondError(c, err, "list connections")
		return
	}

	var open []store.Connection
	for _, a := range agentList {
		conns, err := h.registry.ListOpen(c.Request.Context(), a.ID)
		if err != nil {
			respondError(c, err, "list connections")
			return
		}
		open = append(open, conns...)
	}

	c.JSON(http.StatusOK, toConnectionsResponse(open))
}

// Sweep delivers every eligible command now
// POST /api/sweep
func (h *AdminHandler) Sweep(c *gin.Context) {
	n, err := h.control.SweepAll(c.Request.Context())
	if err != nil {
		respondError(c, err, "sweep commands")
		return
	}
	c.JSON(http.StatusOK, dto.CountResponse{Count: n})
}

// Reap closes connections whose last heartbeat is older than the threshold
// POST /api/reap
func (h *AdminHandler) Reap(c *gin.Context) {
	var req dto.ReapRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	threshold := defaultReapThreshold
	if req.ThresholdSeconds > 0 {
		threshold = time.Duration(req.ThresholdSeconds) * time.Second
	}

	n, err := h.control.ReapStale(c.Request.Context(), threshold)
	if err != nil {
		respondError(c, err, "reap connections")
		return
	}
	slog.Info("Reaped stale connections on request", "count", n, "threshold", threshold)
	c.JSON(http.StatusOK, dto.CountResponse{Count: n})
}

// Ping queues a clock probe for every connected agent
// POST /api/ping
func (h *AdminHandler) Ping(c *gin.Context) {
	n, err := h.control.PingAll(c.Request.Context())
	if err != nil {
		respondError(c, err, "ping agents")
		return
	}
	c.JSON(http.StatusOK, dto.CountResponse{Count: n})
}
