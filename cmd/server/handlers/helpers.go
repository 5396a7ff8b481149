package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/flowforge/flowforge/common/repository"
)

// loggerOwner lets shared helpers reach a handler's container
type loggerOwner interface {
	logError(operation string, err error)
}

func (h *WorkflowHandler) logError(operation string, err error) {
	h.c.Components.Logger.Error(operation, "error", err)
}

func (h *ExecutionHandler) logError(operation string, err error) {
	h.c.Components.Logger.Error(operation, "error", err)
}

func (h *HITLHandler) logError(operation string, err error) {
	h.c.Components.Logger.Error(operation, "error", err)
}

func (h *CredentialHandler) logError(operation string, err error) {
	h.c.Components.Logger.Error(operation, "error", err)
}

func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, map[string]any{"error": message})
}

func notFound(c echo.Context) error {
	return c.JSON(http.StatusNotFound, map[string]any{"error": "not found"})
}

func internalError(c echo.Context, h loggerOwner, operation string, err error) error {
	h.logError(operation, err)
	return c.JSON(http.StatusInternalServerError, map[string]any{"error": "internal error"})
}

func notFoundOr500(c echo.Context, h loggerOwner, operation string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return notFound(c)
	}
	return internalError(c, h, operation, err)
}
