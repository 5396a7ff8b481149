package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/flowforge/flowforge/cmd/server/container"
	"github.com/flowforge/flowforge/cmd/server/middleware"
	"github.com/flowforge/flowforge/common/models"
)

// HITLHandler handles human-in-the-loop requests
type HITLHandler struct {
	c *container.Container
}

func NewHITLHandler(c *container.Container) *HITLHandler {
	return &HITLHandler{c: c}
}

// ListPending lists the caller's open requests
// GET /api/v1/hitl/pending
func (h *HITLHandler) ListPending(c echo.Context) error {
	userID := middleware.GetUserID(c)

	requests, err := h.c.Orchestrator.ListPendingHITL(c.Request().Context(), userID)
	if err != nil {
		return internalError(c, h, "list pending hitl requests", err)
	}
	if requests == nil {
		requests = []models.HITLRequest{}
	}
	return c.JSON(http.StatusOK, map[string]any{"requests": requests})
}

type respondRequest struct {
	Action  string `json:"action"`
	Value   any    `json:"value,omitempty"`
	Message string `json:"message,omitempty"`
}

// Respond applies a human decision to a pending request
// POST /api/v1/hitl/:id/respond
func (h *HITLHandler) Respond(c echo.Context) error {
	userID := middleware.GetUserID(c)
	requestID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid request id")
	}

	var req respondRequest
	if err := c.Bind(&req); err != nil || req.Action == "" {
		return badRequest(c, "action is required")
	}

	request, err := h.c.Orchestrator.RespondToHITL(c.Request().Context(), userID, requestID, req.Action, req.Value, req.Message)
	if err != nil {
		return c.JSON(http.StatusConflict, map[string]any{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, request)
}
