package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/EternisAI/silo-control/internal/agents"
	"github.com/EternisAI/silo-control/internal/api/http/dto"
	"github.com/EternisAI/silo-control/internal/registry"
	"github.com/EternisAI/silo-control/internal/status"
	"github.com/EternisAI/silo-control/internal/store"
	"github.com/gin-gonic/gin"
)

type AgentsHandler struct {
	agentService *agents.Service
	registry     *registry.Registry
	monitor      *status.Monitor
}

func NewAgentsHandler(agentService *agents.Service, reg *registry.Registry, monitor *status.Monitor) *AgentsHandler {
	return &AgentsHandler{
		agentService: agentService,
		registry:     reg,
		monitor:      monitor,
	}
}

func (h *AgentsHandler) toResponse(c *gin.Context, a *store.Agent) dto.AgentResponse {
	connected, err := h.registry.IsConnected(c.Request.Context(), a.ID)
	if err != nil {
		slog.Error("Failed to check agent connectivity", "agent_id", a.ID, "error", err)
	}
	return dto.AgentResponse{
		ID:           a.ID,
		Name:         a.Name,
		AllowedIP:    a.AllowedIP,
		Concurrent:   a.Concurrent,
		Enabled:      a.Enabled,
		ExpiresAt:    a.ExpiresAt,
		Commissioned: a.Commissioned,
		StartedAt:    a.StartedAt,
		Connected:    connected,
		Status:       a.Status,
		CreatedAt:    a.CreatedAt,
	}
}

// ListAgents returns every registered agent
// GET /api/agents
func (h *AgentsHandler) ListAgents(c *gin.Context) {
	agentList, err := h.agentService.List(c.Request.Context())
	if err != nil {
		respondError(c, err, "list agents")
		return
	}

	responses := make([]dto.AgentResponse, len(agentList))
	for i := range agentList {
		responses[i] = h.toResponse(c, &agentList[i])
	}
	c.JSON(http.StatusOK, dto.ListAgentsResponse{Agents: responses, Count: len(responses)})
}

// CreateAgent registers an agent and returns its key once
// POST /api/agents
func (h *AgentsHandler) CreateAgent(c *gin.Context) {
	var req dto.CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	agent, key, err := h.agentService.Create(c.Request.Context(), agents.CreateRequest{
		Name:       req.Name,
		Concurrent: req.Concurrent,
		AllowedIP:  req.AllowedIP,
		ExpiresAt:  req.ExpiresAt,
	})
	if err != nil {
		respondError(c, err, "create agent")
		return
	}

	c.JSON(http.StatusCreated, dto.CreateAgentResponse{Agent: h.toResponse(c, agent), Key: key})
}

// GetAgent returns details for a specific agent
// GET /api/agents/:id
func (h *AgentsHandler) GetAgent(c *gin.Context) {
	agent, err := h.agentService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "get agent")
		return
	}
	c.JSON(http.StatusOK, h.toResponse(c, agent))
}

// SetEnabled enables or disables an agent. Disabling does not drop live
// connections; they stop receiving commands.
// PATCH /api/agents/:id
func (h *AgentsHandler) SetEnabled(c *gin.Context) {
	var req dto.SetEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	agentID := c.Param("id")
	if err := h.agentService.SetEnabled(c.Request.Context(), agentID, *req.Enabled); err != nil {
		respondError(c, err, "update agent")
		return
	}

	agent, err := h.agentService.Get(c.Request.Context(), agentID)
	if err != nil {
		respondError(c, err, "get agent")
		return
	}
	c.JSON(http.StatusOK, h.toResponse(c, agent))
}

// GetStatus returns the stored status, computing it on first access
// GET /api/agents/:id/status
func (h *AgentsHandler) GetStatus(c *gin.Context) {
	st, err := h.monitor.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "get status")
		return
	}
	c.JSON(http.StatusOK, st)
}

// RefreshStatus recomputes and stores the status now
// POST /api/agents/:id/status
func (h *AgentsHandler) RefreshStatus(c *gin.Context) {
	st, err := h.monitor.Recompute(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "refresh status")
		return
	}
	c.JSON(http.StatusOK, st)
}

// ListConnections returns the agent's connection history, newest first
// GET /api/agents/:id/connections?limit=N&open=true
func (h *AgentsHandler) ListConnections(c *gin.Context) {
	agentID := c.Param("id")
	if _, err := h.agentService.Get(c.Request.Context(), agentID); err != nil {
		respondError(c, err, "get agent")
		return
	}

	limit, err := parseLimit(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var conns []store.Connection
	if c.Query("open") == "true" {
		conns, err = h.registry.ListOpen(c.Request.Context(), agentID)
	} else {
		conns, err = h.registry.History(c.Request.Context(), agentID, limit)
	}
	if err != nil {
		respondError(c, err, "list connections")
		return
	}

	c.JSON(http.StatusOK, toConnectionsResponse(conns))
}

func toConnectionsResponse(conns []store.Connection) dto.ListConnectionsResponse {
	responses := make([]dto.ConnectionResponse, len(conns))
	for i, conn := range conns {
		responses[i] = dto.ConnectionResponse{
			ID:              conn.ID,
			AgentID:         conn.AgentID,
			RemoteIP:        conn.RemoteIP,
			State:           string(conn.State()),
			OpenedAt:        conn.OpenedAt,
			LastHeartbeatAt: conn.LastHeartbeatAt,
			ClosedAt:        conn.ClosedAt,
		}
	}
	return dto.ListConnectionsResponse{Connections: responses, Count: len(responses)}
}

func parseLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, errInvalidLimit
	}
	return limit, nil
}
