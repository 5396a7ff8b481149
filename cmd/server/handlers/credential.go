package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/flowforge/flowforge/cmd/server/container"
	"github.com/flowforge/flowforge/cmd/server/middleware"
	"github.com/flowforge/flowforge/common/models"
)

// CredentialHandler handles credential lifecycle requests. Responses
// carry metadata only; decrypted payloads never leave the service.
type CredentialHandler struct {
	c *container.Container
}

func NewCredentialHandler(c *container.Container) *CredentialHandler {
	return &CredentialHandler{c: c}
}

type credentialRequest struct {
	Name      string                `json:"name"`
	Type      models.CredentialType `json:"type"`
	Data      map[string]any        `json:"data"`
	TokenURL  *string               `json:"token_url,omitempty"`
	ExpiresAt *time.Time            `json:"expires_at,omitempty"`
}

// Create stores a new encrypted credential
// POST /api/v1/credentials
func (h *CredentialHandler) Create(c echo.Context) error {
	userID := middleware.GetUserID(c)

	var req credentialRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if len(req.Data) == 0 {
		return badRequest(c, "data is required")
	}
	if req.Type == "" {
		req.Type = models.CredentialAPIKey
	}

	cred, err := h.c.Credentials.Create(c.Request().Context(), userID, req.Name, req.Type, req.Data, req.TokenURL, req.ExpiresAt)
	if err != nil {
		return badRequest(c, err.Error())
	}
	return c.JSON(http.StatusCreated, cred)
}

// List returns the caller's credential metadata
// GET /api/v1/credentials
func (h *CredentialHandler) List(c echo.Context) error {
	userID := middleware.GetUserID(c)

	creds, err := h.c.Credentials.List(c.Request().Context(), userID)
	if err != nil {
		return internalError(c, h, "list credentials", err)
	}
	if creds == nil {
		creds = []models.Credential{}
	}
	return c.JSON(http.StatusOK, map[string]any{"credentials": creds})
}

// Get returns one credential's metadata
// GET /api/v1/credentials/:id
func (h *CredentialHandler) Get(c echo.Context) error {
	userID := middleware.GetUserID(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid credential id")
	}

	cred, err := h.c.Credentials.Get(c.Request().Context(), userID, id)
	if err != nil {
		return notFoundOr500(c, h, "get credential", err)
	}
	return c.JSON(http.StatusOK, cred)
}

// Update re-encrypts a credential's payload
// PUT /api/v1/credentials/:id
func (h *CredentialHandler) Update(c echo.Context) error {
	userID := middleware.GetUserID(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid credential id")
	}

	var req credentialRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	cred, err := h.c.Credentials.Update(c.Request().Context(), userID, id, req.Name, req.Data, req.TokenURL, req.ExpiresAt)
	if err != nil {
		return notFoundOr500(c, h, "update credential", err)
	}
	return c.JSON(http.StatusOK, cred)
}

// Delete removes a credential
// DELETE /api/v1/credentials/:id
func (h *CredentialHandler) Delete(c echo.Context) error {
	userID := middleware.GetUserID(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid credential id")
	}

	if err := h.c.Credentials.Delete(c.Request().Context(), userID, id); err != nil {
		return notFoundOr500(c, h, "delete credential", err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Verify checks the stored payload without revealing it
// POST /api/v1/credentials/:id/verify
func (h *CredentialHandler) Verify(c echo.Context) error {
	userID := middleware.GetUserID(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid credential id")
	}

	if err := h.c.Credentials.Verify(c.Request().Context(), userID, id); err != nil {
		return c.JSON(http.StatusUnprocessableEntity, map[string]any{
			"valid": false,
			"error": err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"valid": true})
}

// Types lists supported credential types
// GET /api/v1/credentials/types
func (h *CredentialHandler) Types(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"types": []models.CredentialType{
			models.CredentialAPIKey,
			models.CredentialOAuth2,
			models.CredentialBasic,
			models.CredentialBearer,
			models.CredentialCustom,
		},
	})
}

// Audit returns a credential's access history
// GET /api/v1/credentials/:id/audit
func (h *CredentialHandler) Audit(c echo.Context) error {
	userID := middleware.GetUserID(c)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid credential id")
	}

	entries, err := h.c.CredentialRepo.ListAudit(c.Request().Context(), userID, id, 0)
	if err != nil {
		return internalError(c, h, "list credential audit", err)
	}
	if entries == nil {
		entries = []models.CredentialAuditEntry{}
	}
	return c.JSON(http.StatusOK, map[string]any{"entries": entries})
}
