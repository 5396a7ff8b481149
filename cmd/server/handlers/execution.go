package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/flowforge/flowforge/cmd/server/container"
	"github.com/flowforge/flowforge/cmd/server/middleware"
	"github.com/flowforge/flowforge/common/models"
	"github.com/flowforge/flowforge/common/orchestrator"
)

// ExecutionHandler handles execution lifecycle requests
type ExecutionHandler struct {
	c *container.Container
}

func NewExecutionHandler(c *container.Container) *ExecutionHandler {
	return &ExecutionHandler{c: c}
}

type executeRequest struct {
	Input           map[string]any `json:"input"`
	TimeoutBudgetMs int64          `json:"timeout_budget_ms"`
}

// Execute starts a run of a workflow
// POST /api/v1/workflows/:id/execute
func (h *ExecutionHandler) Execute(c echo.Context) error {
	userID := middleware.GetUserID(c)
	workflowID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid workflow id")
	}

	var req executeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	record, err := h.c.Orchestrator.Start(c.Request().Context(), userID, workflowID, orchestrator.StartOptions{
		Input:           req.Input,
		TimeoutBudgetMs: req.TimeoutBudgetMs,
	})
	if err != nil {
		return badRequest(c, err.Error())
	}
	return c.JSON(http.StatusAccepted, record)
}

// GetExecution returns a run's status with node-level detail
// GET /api/v1/executions/:id
func (h *ExecutionHandler) GetExecution(c echo.Context) error {
	userID := middleware.GetUserID(c)
	executionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid execution id")
	}

	status, err := h.c.Orchestrator.GetStatus(c.Request().Context(), userID, executionID)
	if err != nil {
		return notFoundOr500(c, h, "get execution", err)
	}
	return c.JSON(http.StatusOK, status)
}

// ListExecutions lists a workflow's runs
// GET /api/v1/workflows/:id/executions
func (h *ExecutionHandler) ListExecutions(c echo.Context) error {
	userID := middleware.GetUserID(c)
	workflowID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid workflow id")
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	executions, err := h.c.ExecutionRepo.List(c.Request().Context(), userID, workflowID, limit, offset)
	if err != nil {
		return internalError(c, h, "list executions", err)
	}
	if executions == nil {
		executions = []models.ExecutionLog{}
	}
	return c.JSON(http.StatusOK, map[string]any{"executions": executions})
}

// Pause stops a run before its next node
// POST /api/v1/executions/:id/pause
func (h *ExecutionHandler) Pause(c echo.Context) error {
	return h.lifecycle(c, h.c.Orchestrator.Pause)
}

// Resume releases a paused run
// POST /api/v1/executions/:id/resume
func (h *ExecutionHandler) Resume(c echo.Context) error {
	return h.lifecycle(c, h.c.Orchestrator.Resume)
}

// Stop cancels a run
// POST /api/v1/executions/:id/stop
func (h *ExecutionHandler) Stop(c echo.Context) error {
	return h.lifecycle(c, h.c.Orchestrator.Stop)
}

func (h *ExecutionHandler) lifecycle(c echo.Context, op func(ctx context.Context, userID string, id uuid.UUID) error) error {
	userID := middleware.GetUserID(c)
	executionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid execution id")
	}
	if err := op(c.Request().Context(), userID, executionID); err != nil {
		return c.JSON(http.StatusConflict, map[string]any{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
}
