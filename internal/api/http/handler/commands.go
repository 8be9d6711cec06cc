package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/EternisAI/silo-control/internal/api/http/dto"
	"github.com/EternisAI/silo-control/internal/dispatch"
	"github.com/EternisAI/silo-control/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
)

type CommandsHandler struct {
	engine *dispatch.Engine
	clock  clockwork.Clock
}

func NewCommandsHandler(engine *dispatch.Engine, clock clockwork.Clock) *CommandsHandler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CommandsHandler{engine: engine, clock: clock}
}

func toCommandResponse(cmd *store.Command, now time.Time) dto.CommandResponse {
	return dto.CommandResponse{
		ID:          cmd.ID,
		AgentID:     cmd.AgentID,
		Shell:       cmd.Shell,
		Line:        cmd.Line,
		Data:        cmd.Data,
		Username:    cmd.Username,
		Groupname:   cmd.Groupname,
		RequestedBy: cmd.RequestedBy,
		RunAfter:    cmd.RunAfter,
		State:       string(cmd.State(now)),
		AddedAt:     cmd.AddedAt,
		ScheduledAt: cmd.ScheduledAt,
		DeliveredAt: cmd.DeliveredAt,
		AckedAt:     cmd.AckedAt,
		HandledAt:   cmd.HandledAt,
		Success:     cmd.Success,
		Result:      cmd.Result,
		ElapsedTime: cmd.ElapsedTime,
	}
}

// Submit queues a command for an agent
// POST /api/agents/:id/commands
func (h *CommandsHandler) Submit(c *gin.Context) {
	var req dto.SubmitCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	requestedBy := req.RequestedBy
	if requestedBy == "" {
		requestedBy = c.GetString("requested_by")
	}
	if requestedBy == "" {
		requestedBy = "admin"
	}

	cmd, err := h.engine.Submit(c.Request.Context(), dispatch.SubmitRequest{
		AgentID:     c.Param("id"),
		Shell:       req.Shell,
		Line:        req.Line,
		Data:        req.Data,
		Username:    req.Username,
		Groupname:   req.Groupname,
		RunAfter:    req.RunAfter,
		ScheduledAt: req.ScheduledAt,
		RequestedBy: requestedBy,
	})
	if err != nil {
		respondError(c, err, "submit command")
		return
	}

	c.JSON(http.StatusCreated, toCommandResponse(cmd, h.clock.Now()))
}

// ListForAgent returns an agent's commands, newest schedule first
// GET /api/agents/:id/commands?limit=N
func (h *CommandsHandler) ListForAgent(c *gin.Context) {
	h.list(c, c.Param("id"))
}

// List returns commands across every agent
// GET /api/commands?limit=N
func (h *CommandsHandler) List(c *gin.Context) {
	h.list(c, "")
}

func (h *CommandsHandler) list(c *gin.Context, agentID string) {
	limit, err := parseLimit(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cmds, err := h.engine.List(c.Request.Context(), agentID, limit)
	if err != nil {
		respondError(c, err, "list commands")
		return
	}

	now := h.clock.Now()
	responses := make([]dto.CommandResponse, len(cmds))
	for i := range cmds {
		responses[i] = toCommandResponse(&cmds[i], now)
	}
	c.JSON(http.StatusOK, dto.ListCommandsResponse{Commands: responses, Count: len(responses)})
}

// Get returns one command
// GET /api/commands/:id
func (h *CommandsHandler) Get(c *gin.Context) {
	cmd, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "get command")
		return
	}
	c.JSON(http.StatusOK, toCommandResponse(cmd, h.clock.Now()))
}

// Cancel fails an unhandled command and everything that depends on it
// DELETE /api/commands/:id
func (h *CommandsHandler) Cancel(c *gin.Context) {
	h.transition(c, "cancel command", h.engine.Cancel)
}

// Retry requeues a command from scratch
// POST /api/commands/:id/retry
func (h *CommandsHandler) Retry(c *gin.Context) {
	cmd, err := h.engine.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "retry command")
		return
	}
	c.JSON(http.StatusOK, toCommandResponse(cmd, h.clock.Now()))
}

// Ack records an acknowledgement on behalf of the agent
// POST /api/commands/:id/ack
func (h *CommandsHandler) Ack(c *gin.Context) {
	h.transition(c, "acknowledge command", h.engine.Ack)
}

// Complete records a terminal outcome on behalf of the agent
// POST /api/commands/:id/complete
func (h *CommandsHandler) Complete(c *gin.Context) {
	var req dto.CompleteCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome := store.Outcome{Success: *req.Success, Result: req.Result, ElapsedTime: req.ElapsedTime}
	h.transition(c, "complete command", func(ctx context.Context, id string) error {
		return h.engine.Complete(ctx, id, outcome)
	})
}

func (h *CommandsHandler) transition(c *gin.Context, action string, fn func(ctx context.Context, id string) error) {
	id := c.Param("id")
	if err := fn(c.Request.Context(), id); err != nil {
		respondError(c, err, action)
		return
	}

	cmd, err := h.engine.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "get command")
		return
	}
	c.JSON(http.StatusOK, toCommandResponse(cmd, h.clock.Now()))
}
