package api

import (
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/codeherd/codeherd/internal/common/errors"
	"github.com/codeherd/codeherd/internal/common/logger"
	"github.com/codeherd/codeherd/internal/orchestrator"
	"github.com/codeherd/codeherd/internal/orchestrator/queue"
	"github.com/codeherd/codeherd/internal/orchestrator/registry"
)

// Handler contains HTTP handlers for the orchestrator API
type Handler struct {
	service  *orchestrator.Service
	registry *registry.Registry
	logger   *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(service *orchestrator.Service, reg *registry.Registry, log *logger.Logger) *Handler {
	return &Handler{
		service:  service,
		registry: reg,
		logger:   log.WithFields(zap.String("component", "orchestrator-api")),
	}
}

// SubmitTask accepts a task for a chat
// POST /api/v1/tasks
func (h *Handler) SubmitTask(c *gin.Context) {
	var req SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	outcome, err := h.service.SubmitTask(req.ToTaskRequest())
	if err != nil {
		h.logger.Warn("task submission rejected",
			zap.Int64("chat_id", req.ChatID),
			zap.Error(err))
		c.JSON(statusFor(err), errorBody(err))
		return
	}

	c.JSON(http.StatusAccepted, outcome)
}

// GetChatStatus returns the chat's current work snapshot
// GET /api/v1/chats/:chatId/status
func (h *Handler) GetChatStatus(c *gin.Context) {
	chatID, ok := h.chatID(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.service.Status(chatID))
}

// ApprovePlan starts execution of the chat's pending plan
// POST /api/v1/chats/:chatId/plan/approve
func (h *Handler) ApprovePlan(c *gin.Context) {
	chatID, ok := h.chatID(c)
	if !ok {
		return
	}

	if err := h.service.ApprovePlan(chatID); err != nil {
		c.JSON(statusFor(err), errorBody(err))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "plan approved, execution started"})
}

// RevisePlan re-runs planning with feedback
// POST /api/v1/chats/:chatId/plan/revise
func (h *Handler) RevisePlan(c *gin.Context) {
	chatID, ok := h.chatID(c)
	if !ok {
		return
	}

	var req RevisePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.service.RevisePlan(chatID, req.Feedback); err != nil {
		c.JSON(statusFor(err), errorBody(err))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "plan revision started"})
}

// CancelPlan discards the chat's pending plan
// POST /api/v1/chats/:chatId/plan/cancel
func (h *Handler) CancelPlan(c *gin.Context) {
	chatID, ok := h.chatID(c)
	if !ok {
		return
	}

	if err := h.service.CancelPlan(chatID); err != nil {
		c.JSON(statusFor(err), errorBody(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "plan cancelled"})
}

// CancelQueued removes a queued task by position
// POST /api/v1/chats/:chatId/queue/cancel
func (h *Handler) CancelQueued(c *gin.Context) {
	chatID, ok := h.chatID(c)
	if !ok {
		return
	}

	var req CancelQueuedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	qt, err := h.service.CancelQueued(chatID, req.Position)
	if err != nil {
		c.JSON(statusFor(err), errorBody(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "queued task cancelled",
		"task_id": qt.ID,
	})
}

// CancelRunning cancels the chat's in-flight invocation
// POST /api/v1/chats/:chatId/cancel
func (h *Handler) CancelRunning(c *gin.Context) {
	chatID, ok := h.chatID(c)
	if !ok {
		return
	}

	if err := h.service.CancelRunning(chatID); err != nil {
		c.JSON(statusFor(err), errorBody(err))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "cancellation requested"})
}

// ResumeInterrupted re-submits a task interrupted by a restart
// POST /api/v1/interrupted/:recordId/resume
func (h *Handler) ResumeInterrupted(c *gin.Context) {
	recordID := c.Param("recordId")
	if recordID == "" {
		appErr := errors.BadRequest("recordId is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	outcome, err := h.service.ResumeInterrupted(recordID)
	if err != nil {
		c.JSON(statusFor(err), errorBody(err))
		return
	}
	c.JSON(http.StatusAccepted, outcome)
}

// DismissInterrupted drops an interrupted-task record
// POST /api/v1/interrupted/:recordId/dismiss
func (h *Handler) DismissInterrupted(c *gin.Context) {
	recordID := c.Param("recordId")
	if recordID == "" {
		appErr := errors.BadRequest("recordId is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.service.DismissInterrupted(recordID); err != nil {
		c.JSON(statusFor(err), errorBody(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "interrupted task dismissed"})
}

// ListAgents returns the live agent entries
// GET /api/v1/agents
func (h *Handler) ListAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": h.registry.GetSnapshot()})
}

// GetAgent returns one agent entry, live or retained
// GET /api/v1/agents/:agentId
func (h *Handler) GetAgent(c *gin.Context) {
	entry := h.registry.Get(c.Param("agentId"))
	if entry == nil {
		appErr := errors.NotFound("agent not found")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// GetAgentHistory returns the completed-run history ring
// GET /api/v1/agents/history
func (h *Handler) GetAgentHistory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"history": h.registry.History()})
}

// chatID parses the :chatId path parameter, responding with 400 on failure.
func (h *Handler) chatID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("chatId"), 10, 64)
	if err != nil {
		appErr := errors.ValidationError("chatId", "must be an integer")
		c.JSON(appErr.HTTPStatus, appErr)
		return 0, false
	}
	return id, true
}

// statusFor maps service errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case stderrors.Is(err, queue.ErrQueueFull):
		return http.StatusTooManyRequests
	case stderrors.Is(err, orchestrator.ErrNoPendingPlan),
		stderrors.Is(err, orchestrator.ErrNothingRunning),
		stderrors.Is(err, orchestrator.ErrUnknownInterrupted),
		stderrors.Is(err, queue.ErrTaskNotFound):
		return http.StatusNotFound
	case stderrors.Is(err, orchestrator.ErrChatBusy):
		return http.StatusConflict
	case stderrors.Is(err, orchestrator.ErrEmptyTask):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) gin.H {
	return gin.H{"error": err.Error()}
}
