package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/common/errors"
	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/domain"
	"github.com/agendo/agendo/internal/events/bus"
	"github.com/agendo/agendo/internal/queue"
	"github.com/agendo/agendo/internal/runner"
	"github.com/agendo/agendo/internal/safety"
	"github.com/agendo/agendo/internal/store"
)

// concurrencyStatuses are the execution statuses counted against an agent's
// concurrency cap.
var concurrencyStatuses = []domain.ExecutionStatus{
	domain.ExecutionStatusQueued,
	domain.ExecutionStatusRunning,
	domain.ExecutionStatusCancelling,
}

// Handler contains the HTTP handlers of the execution core.
type Handler struct {
	store       store.Store
	queue       queue.Queue
	bus         bus.EventBus
	allowedDirs []string
	logger      *logger.Logger
}

// NewHandler creates a new API handler. allowedDirs is the working-directory
// allow-list enforced before any execution or session row is created.
func NewHandler(st store.Store, q queue.Queue, eb bus.EventBus, allowedDirs []string, log *logger.Logger) *Handler {
	return &Handler{
		store:       st,
		queue:       q,
		bus:         eb,
		allowedDirs: allowedDirs,
		logger:      log,
	}
}

// checkWorkingDir validates the effective working directory of a new run:
// the task's override when present, the agent's default otherwise.
func (h *Handler) checkWorkingDir(agent *domain.Agent, task *domain.Task) error {
	workingDir := agent.WorkingDir
	if task.InputContext != nil && task.InputContext.WorkingDir != "" {
		workingDir = task.InputContext.WorkingDir
	}
	_, err := safety.ValidateWorkingDir(workingDir, h.allowedDirs)
	return err
}

// Execution endpoints

// CreateExecution validates, inserts a queued execution, and enqueues the
// job.
// POST /api/executions
func (h *Handler) CreateExecution(c *gin.Context) {
	var req CreateExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	ctx := c.Request.Context()
	agent, err := h.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		respondError(c, err)
		return
	}
	cap, err := h.store.GetCapability(ctx, req.CapabilityID)
	if err != nil {
		respondError(c, err)
		return
	}
	task, err := h.store.GetTask(ctx, req.TaskID)
	if err != nil {
		respondError(c, err)
		return
	}

	if !agent.Active {
		respondError(c, errors.Conflict("agent is not active"))
		return
	}
	if cap.AgentID != agent.ID {
		respondError(c, errors.Validation("capability does not belong to agent"))
		return
	}
	if err := h.checkWorkingDir(agent, task); err != nil {
		respondError(c, err)
		return
	}
	if req.ParentExecutionID != "" {
		if _, err := h.store.GetExecution(ctx, req.ParentExecutionID); err != nil {
			respondError(c, err)
			return
		}
	}

	// Best-effort cap: not race-free under contention, acceptable for
	// human-driven enqueue rates.
	if agent.MaxConcurrent > 0 {
		count, err := h.store.CountExecutionsForAgent(ctx, agent.ID, concurrencyStatuses)
		if err != nil {
			respondError(c, err)
			return
		}
		if count >= agent.MaxConcurrent {
			respondError(c, errors.Conflict(
				fmt.Sprintf("agent concurrency limit reached (%d)", agent.MaxConcurrent)))
			return
		}
	}

	exec := &domain.Execution{
		TaskID:            req.TaskID,
		AgentID:           req.AgentID,
		CapabilityID:      req.CapabilityID,
		Mode:              cap.InteractionMode,
		Args:              req.Args,
		ExtraArgs:         req.ExtraArgs,
		ParentExecutionID: req.ParentExecutionID,
		SessionRef:        req.SessionRef,
		Status:            domain.ExecutionStatusQueued,
	}
	if err := h.store.CreateExecution(ctx, exec); err != nil {
		respondError(c, err)
		return
	}

	if err := h.store.AppendTaskEvent(ctx, &domain.TaskEvent{
		TaskID:    req.TaskID,
		Actor:     "api",
		EventType: domain.EventExecutionCreated,
		Payload:   map[string]any{"execution_id": exec.ID},
	}); err != nil {
		h.logger.Warn("failed to append task event", zap.Error(err))
	}

	if _, err := h.queue.Enqueue(ctx, queue.QueueExecuteCapability,
		queue.ExecuteCapabilityPayload{ExecutionID: exec.ID},
		queue.DefaultOptions(queue.QueueExecuteCapability)); err != nil {
		h.logger.Error("enqueue failed", zap.String("execution_id", exec.ID), zap.Error(err))
		respondError(c, errors.InternalError("failed to enqueue execution", err))
		return
	}

	c.JSON(http.StatusCreated, exec)
}

// GetExecution retrieves an execution by ID.
// GET /api/executions/:executionId
func (h *Handler) GetExecution(c *gin.Context) {
	exec, err := h.store.GetExecution(c.Request.Context(), c.Param("executionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// CancelExecution requests cancellation: queued runs are cancelled outright,
// running ones move to cancelling and the worker brings the child down.
// POST /api/executions/:executionId/cancel
func (h *Handler) CancelExecution(c *gin.Context) {
	executionID := c.Param("executionId")
	status, matched, err := h.store.RequestExecutionCancel(c.Request.Context(), executionID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !matched {
		respondError(c, errors.Conflict(
			fmt.Sprintf("execution is %s and cannot be cancelled", status)))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": executionID, "status": status})
}

// PostExecutionMessage drops a follow-up message for the runner to deliver.
// POST /api/executions/:executionId/message
func (h *Handler) PostExecutionMessage(c *gin.Context) {
	executionID := c.Param("executionId")

	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	exec, err := h.store.GetExecution(c.Request.Context(), executionID)
	if err != nil {
		respondError(c, err)
		return
	}
	if exec.Status != domain.ExecutionStatusRunning {
		respondError(c, errors.Conflict(
			fmt.Sprintf("execution is %s, messages require running", exec.Status)))
		return
	}

	if err := runner.DropMessage(runner.MessageDir(executionID), messageName(), req.Content); err != nil {
		respondError(c, errors.InternalError("failed to drop message", err))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": executionID})
}

// Session endpoints

// CreateSession inserts a starting session and enqueues the run-session job.
// POST /api/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	ctx := c.Request.Context()
	agent, err := h.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		respondError(c, err)
		return
	}
	cap, err := h.store.GetCapability(ctx, req.CapabilityID)
	if err != nil {
		respondError(c, err)
		return
	}
	task, err := h.store.GetTask(ctx, req.TaskID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !agent.Active {
		respondError(c, errors.Conflict("agent is not active"))
		return
	}
	if cap.InteractionMode != domain.ModePrompt {
		respondError(c, errors.Validation("sessions require a prompt-mode capability"))
		return
	}
	if err := h.checkWorkingDir(agent, task); err != nil {
		respondError(c, err)
		return
	}

	sess := &domain.Session{
		TaskID:         req.TaskID,
		AgentID:        req.AgentID,
		CapabilityID:   req.CapabilityID,
		InitialPrompt:  req.InitialPrompt,
		PermissionMode: req.PermissionMode,
		TeamID:         req.TeamID,
		Status:         domain.SessionStatusStarting,
	}
	if err := h.store.CreateSession(ctx, sess); err != nil {
		respondError(c, err)
		return
	}

	if _, err := h.queue.Enqueue(ctx, queue.QueueRunSession,
		queue.RunSessionPayload{SessionID: sess.ID},
		queue.DefaultOptions(queue.QueueRunSession)); err != nil {
		h.logger.Error("enqueue failed", zap.String("session_id", sess.ID), zap.Error(err))
		respondError(c, errors.InternalError("failed to enqueue session", err))
		return
	}

	c.JSON(http.StatusCreated, sess)
}

// GetSession retrieves a session by ID.
// GET /api/sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.store.GetSession(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// PostSessionMessage drops a message for the session's worker to deliver.
// POST /api/sessions/:sessionId/message
func (h *Handler) PostSessionMessage(c *gin.Context) {
	sessionID := c.Param("sessionId")

	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	ctx := c.Request.Context()
	sess, err := h.store.GetSession(ctx, sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	switch sess.Status {
	case domain.SessionStatusActive, domain.SessionStatusAwaitingInput,
		domain.SessionStatusStarting, domain.SessionStatusIdle:
	default:
		respondError(c, errors.Conflict(
			fmt.Sprintf("session is %s and cannot receive messages", sess.Status)))
		return
	}

	if err := runner.DropMessage(runner.MessageDir(sessionID), messageName(), req.Content); err != nil {
		respondError(c, errors.InternalError("failed to drop message", err))
		return
	}

	// A message to an idle session wakes it: move it to starting so repeat
	// posts do not stack jobs, then enqueue the cold resume.
	if sess.Status == domain.SessionStatusIdle {
		matched, err := h.store.UpdateSessionStatusIf(ctx, sessionID,
			[]domain.SessionStatus{domain.SessionStatusIdle}, domain.SessionStatusStarting)
		if err != nil {
			respondError(c, err)
			return
		}
		if matched {
			if _, err := h.queue.Enqueue(ctx, queue.QueueRunSession,
				queue.RunSessionPayload{SessionID: sessionID},
				queue.DefaultOptions(queue.QueueRunSession)); err != nil {
				h.logger.Error("enqueue failed", zap.String("session_id", sessionID), zap.Error(err))
				respondError(c, errors.InternalError("failed to enqueue session resume", err))
				return
			}
		}
	}
	c.JSON(http.StatusAccepted, gin.H{"id": sessionID})
}

// EndSession requests an end; the supervising worker notices and brings the
// agent down.
// POST /api/sessions/:sessionId/end
func (h *Handler) EndSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	matched, err := h.store.UpdateSessionStatusIf(c.Request.Context(), sessionID,
		[]domain.SessionStatus{
			domain.SessionStatusStarting, domain.SessionStatusActive,
			domain.SessionStatusAwaitingInput, domain.SessionStatusIdle,
		}, domain.SessionStatusEnded)
	if err != nil {
		respondError(c, err)
		return
	}
	if !matched {
		respondError(c, errors.Conflict("session already ended"))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": sessionID, "status": domain.SessionStatusEnded})
}

// SetSessionPermissionMode records the new mode; the worker restarts the
// agent to apply it.
// PUT /api/sessions/:sessionId/permission-mode
func (h *Handler) SetSessionPermissionMode(c *gin.Context) {
	sessionID := c.Param("sessionId")

	var req PermissionModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	sess, err := h.store.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	if sess.Status.IsTerminal() {
		respondError(c, errors.Conflict("session already ended"))
		return
	}

	if err := h.store.SetSessionPermissionMode(c.Request.Context(), sessionID, req.PermissionMode); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": sessionID, "permission_mode": req.PermissionMode})
}

// Health reports process liveness.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"bus_connected": h.bus != nil && h.bus.IsConnected(),
	})
}

// messageName builds a drop-file name that sorts in send order.
func messageName() string {
	return fmt.Sprintf("%020d", time.Now().UnixNano())
}
