package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/flowforge/flowforge/cmd/server/container"
	"github.com/flowforge/flowforge/common/config"
	"github.com/flowforge/flowforge/common/logger"
	"github.com/flowforge/flowforge/common/models"
	"github.com/flowforge/flowforge/common/orchestrator"
	"github.com/flowforge/flowforge/common/registry"
)

type stubCredStore struct{}

func (stubCredStore) Resolve(ctx context.Context, userID string, id uuid.UUID) (map[string]any, error) {
	return nil, nil
}

func (stubCredStore) List(ctx context.Context, userID string) ([]models.Credential, error) {
	return nil, nil
}

func newCompileHandler() *WorkflowHandler {
	reg := registry.NewDefault(registry.Options{AllowPrivateHosts: true})
	orch := orchestrator.New(orchestrator.Deps{
		Handlers: reg,
		Catalog:  reg,
		Creds:    stubCredStore{},
		Config: config.EngineConfig{
			MaxLoopIterations: 100,
			MaxNestingDepth:   4,
			NodeTimeout:       5 * time.Second,
			ApprovalTimeout:   time.Minute,
		},
		Logger: logger.New("error", "json"),
	})
	return NewWorkflowHandler(&container.Container{Registry: reg, Orchestrator: orch})
}

func postCompile(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows/compile", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := newCompileHandler().Compile(e.NewContext(req, rec)); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return rec
}

func TestCompile_ValidDefinitionReturnsOK(t *testing.T) {
	rec := postCompile(t, `{"definition": {
		"nodes": [
			{"id": "a", "type": "manualTrigger", "data": {"label": "go"}},
			{"id": "b", "type": "set", "data": {"config": {"values": {"k": "v"}}}}
		],
		"edges": [{"source": "a", "target": "b"}]
	}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
}

func TestCompile_FailureReturnsBadRequest(t *testing.T) {
	// dangling edge target, the graph cannot compile
	rec := postCompile(t, `{"definition": {
		"nodes": [{"id": "a", "type": "manualTrigger", "data": {"label": "go"}}],
		"edges": [{"source": "a", "target": "ghost"}]
	}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusBadRequest, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"success":false`) {
		t.Errorf("body should carry the compile result: %s", rec.Body.String())
	}
}
