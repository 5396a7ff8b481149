package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/flowforge/flowforge/cmd/server/container"
	"github.com/flowforge/flowforge/cmd/server/middleware"
	"github.com/flowforge/flowforge/common/models"
	"github.com/flowforge/flowforge/common/repository"
)

// WorkflowHandler handles workflow CRUD and compilation requests
type WorkflowHandler struct {
	c *container.Container
}

func NewWorkflowHandler(c *container.Container) *WorkflowHandler {
	return &WorkflowHandler{c: c}
}

type createWorkflowRequest struct {
	Name       string          `json:"name"`
	Definition json.RawMessage `json:"definition"`
}

// CreateWorkflow creates a draft workflow
// POST /api/v1/workflows
func (h *WorkflowHandler) CreateWorkflow(c echo.Context) error {
	userID := middleware.GetUserID(c)

	var req createWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if strings.TrimSpace(req.Name) == "" {
		return badRequest(c, "name is required")
	}
	if len(req.Definition) == 0 {
		req.Definition = json.RawMessage(`{"nodes":[],"edges":[]}`)
	}

	now := time.Now().UTC()
	workflow := &models.Workflow{
		ID:         uuid.New(),
		UserID:     userID,
		Name:       req.Name,
		Slug:       slugify(req.Name),
		Definition: req.Definition,
		Status:     models.WorkflowDraft,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := h.c.WorkflowRepo.Create(c.Request().Context(), workflow); err != nil {
		return internalError(c, h, "create workflow", err)
	}
	return c.JSON(http.StatusCreated, workflow)
}

// GetWorkflow returns one workflow
// GET /api/v1/workflows/:id
func (h *WorkflowHandler) GetWorkflow(c echo.Context) error {
	userID := middleware.GetUserID(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid workflow id")
	}

	workflow, err := h.c.WorkflowRepo.GetByID(c.Request().Context(), userID, id)
	if err != nil {
		return notFoundOr500(c, h, "get workflow", err)
	}
	return c.JSON(http.StatusOK, workflow)
}

// ListWorkflows lists the caller's workflows
// GET /api/v1/workflows?limit=50&offset=0
func (h *WorkflowHandler) ListWorkflows(c echo.Context) error {
	userID := middleware.GetUserID(c)
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	workflows, err := h.c.WorkflowRepo.List(c.Request().Context(), userID, limit, offset)
	if err != nil {
		return internalError(c, h, "list workflows", err)
	}
	if workflows == nil {
		workflows = []models.Workflow{}
	}
	return c.JSON(http.StatusOK, map[string]any{"workflows": workflows})
}

type updateDefinitionRequest struct {
	Definition json.RawMessage `json:"definition"`
}

// UpdateDefinition replaces a workflow's definition, creating a version
// PUT /api/v1/workflows/:id/definition
func (h *WorkflowHandler) UpdateDefinition(c echo.Context) error {
	userID := middleware.GetUserID(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid workflow id")
	}

	var req updateDefinitionRequest
	if err := c.Bind(&req); err != nil || len(req.Definition) == 0 {
		return badRequest(c, "definition is required")
	}

	workflow, err := h.c.WorkflowRepo.UpdateDefinition(c.Request().Context(), userID, id, req.Definition)
	if err != nil {
		return notFoundOr500(c, h, "update workflow definition", err)
	}
	return c.JSON(http.StatusOK, workflow)
}

// PatchDefinition merges an RFC 7386 patch into the definition
// PATCH /api/v1/workflows/:id/definition
func (h *WorkflowHandler) PatchDefinition(c echo.Context) error {
	userID := middleware.GetUserID(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid workflow id")
	}

	var patch json.RawMessage
	if err := c.Bind(&patch); err != nil || len(patch) == 0 {
		return badRequest(c, "patch body is required")
	}

	workflow, err := h.c.WorkflowRepo.ApplyPatch(c.Request().Context(), userID, id, patch)
	if err != nil {
		return notFoundOr500(c, h, "patch workflow definition", err)
	}
	return c.JSON(http.StatusOK, workflow)
}

type statusRequest struct {
	Status models.WorkflowStatus `json:"status"`
}

// UpdateStatus transitions lifecycle status
// POST /api/v1/workflows/:id/status
func (h *WorkflowHandler) UpdateStatus(c echo.Context) error {
	userID := middleware.GetUserID(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid workflow id")
	}

	var req statusRequest
	if err := c.Bind(&req); err != nil || req.Status == "" {
		return badRequest(c, "status is required")
	}

	workflow, err := h.c.WorkflowRepo.UpdateStatus(c.Request().Context(), userID, id, req.Status)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return notFound(c)
		}
		return badRequest(c, err.Error())
	}
	return c.JSON(http.StatusOK, workflow)
}

// DeleteWorkflow removes a workflow and its versions
// DELETE /api/v1/workflows/:id
func (h *WorkflowHandler) DeleteWorkflow(c echo.Context) error {
	userID := middleware.GetUserID(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid workflow id")
	}

	if err := h.c.WorkflowRepo.Delete(c.Request().Context(), userID, id); err != nil {
		return notFoundOr500(c, h, "delete workflow", err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ListVersions returns version history
// GET /api/v1/workflows/:id/versions
func (h *WorkflowHandler) ListVersions(c echo.Context) error {
	userID := middleware.GetUserID(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid workflow id")
	}

	versions, err := h.c.WorkflowRepo.ListVersions(c.Request().Context(), userID, id)
	if err != nil {
		return notFoundOr500(c, h, "list workflow versions", err)
	}
	if versions == nil {
		versions = []models.WorkflowVersion{}
	}
	return c.JSON(http.StatusOK, map[string]any{"versions": versions})
}

// GetVersion returns one version snapshot
// GET /api/v1/workflows/:id/versions/:version
func (h *WorkflowHandler) GetVersion(c echo.Context) error {
	userID := middleware.GetUserID(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid workflow id")
	}
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil || version < 1 {
		return badRequest(c, "invalid version number")
	}

	snapshot, err := h.c.WorkflowRepo.GetVersion(c.Request().Context(), userID, id, version)
	if err != nil {
		return notFoundOr500(c, h, "get workflow version", err)
	}
	return c.JSON(http.StatusOK, snapshot)
}

type compileRequest struct {
	Definition json.RawMessage `json:"definition"`
}

// Compile validates a definition without saving or running it
// POST /api/v1/workflows/compile
func (h *WorkflowHandler) Compile(c echo.Context) error {
	userID := middleware.GetUserID(c)
	var req compileRequest
	if err := c.Bind(&req); err != nil || len(req.Definition) == 0 {
		return badRequest(c, "definition is required")
	}

	result := h.c.Orchestrator.Compile(c.Request().Context(), userID, req.Definition)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusBadRequest
	}
	return c.JSON(status, result)
}

// NodeTypes lists the registered node palette
// GET /api/v1/node-types
func (h *WorkflowHandler) NodeTypes(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"node_types": h.c.Registry.Metadata(),
	})
}

func slugify(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, slug)
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	return strings.Trim(slug, "-")
}
