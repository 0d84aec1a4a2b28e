package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agendo/agendo/internal/common/errors"
	"github.com/agendo/agendo/internal/domain"
)

// Registry endpoints: agents, capabilities, tasks. Administrative surface,
// thin wrappers over the store.

// CreateAgent registers a CLI binary.
// POST /api/agents
func (h *Handler) CreateAgent(c *gin.Context) {
	var req CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	agent := &domain.Agent{
		Name:          req.Name,
		BinaryPath:    req.BinaryPath,
		WorkingDir:    req.WorkingDir,
		EnvAllowlist:  req.EnvAllowlist,
		MaxConcurrent: req.MaxConcurrent,
		Active:        true,
	}
	if err := h.store.CreateAgent(c.Request.Context(), agent); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

// GetAgent retrieves an agent by ID.
// GET /api/agents/:agentId
func (h *Handler) GetAgent(c *gin.Context) {
	agent, err := h.store.GetAgent(c.Request.Context(), c.Param("agentId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// CreateCapability registers an invocation pattern.
// POST /api/capabilities
func (h *Handler) CreateCapability(c *gin.Context) {
	var req CreateCapabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	mode := domain.InteractionMode(req.InteractionMode)
	switch mode {
	case domain.ModeTemplate:
		if len(req.CommandTokens) == 0 {
			respondError(c, errors.Validation("template capabilities require command_tokens"))
			return
		}
	case domain.ModePrompt:
		if req.PromptTemplate == "" {
			respondError(c, errors.Validation("prompt capabilities require prompt_template"))
			return
		}
	default:
		respondError(c, errors.Validation("interaction_mode must be template or prompt"))
		return
	}

	if _, err := h.store.GetAgent(c.Request.Context(), req.AgentID); err != nil {
		respondError(c, err)
		return
	}

	cap := &domain.Capability{
		AgentID:         req.AgentID,
		Key:             req.Key,
		InteractionMode: mode,
		CommandTokens:   req.CommandTokens,
		PromptTemplate:  req.PromptTemplate,
		Model:           req.Model,
		ArgsSchema:      req.ArgsSchema,
		DangerLevel:     req.DangerLevel,
		TimeoutSec:      req.TimeoutSec,
		MaxOutputBytes:  req.MaxOutputBytes,
	}
	if err := h.store.CreateCapability(c.Request.Context(), cap); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cap)
}

// GetCapability retrieves a capability by ID.
// GET /api/capabilities/:capabilityId
func (h *Handler) GetCapability(c *gin.Context) {
	cap, err := h.store.GetCapability(c.Request.Context(), c.Param("capabilityId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cap)
}

// CreateTask creates a task in todo.
// POST /api/tasks
func (h *Handler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	task := &domain.Task{
		Title:        req.Title,
		Description:  req.Description,
		InputContext: req.InputContext,
		Status:       domain.TaskStatusTodo,
	}
	if err := h.store.CreateTask(c.Request.Context(), task); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

// GetTask retrieves a task by ID.
// GET /api/tasks/:taskId
func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.store.GetTask(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// UpdateTaskStatus applies a board transition under the transition table.
// PUT /api/tasks/:taskId/status
func (h *Handler) UpdateTaskStatus(c *gin.Context) {
	taskID := c.Param("taskId")

	var req UpdateTaskStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	to := domain.TaskStatus(req.Status)
	if err := h.store.UpdateTaskStatus(c.Request.Context(), taskID, to); err != nil {
		respondError(c, err)
		return
	}
	task, err := h.store.GetTask(c.Request.Context(), taskID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// ListTaskEvents returns the audit trail for a task.
// GET /api/tasks/:taskId/events
func (h *Handler) ListTaskEvents(c *gin.Context) {
	events, err := h.store.ListTaskEvents(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "total": len(events)})
}
