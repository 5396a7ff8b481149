package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/flowforge/flowforge/common/engine"
)

// subworkflowHandler delegates to the supervisor, which owns nesting
// depth and circular-chain enforcement.
type subworkflowHandler struct{}

func (h *subworkflowHandler) Metadata() engine.Metadata {
	return engine.Metadata{
		NodeType:    "subworkflow",
		DisplayName: "Sub-Workflow",
		Category:    "action",
		Fields: []engine.Field{
			{Name: "workflow_id", Type: "string", Required: true},
			{Name: "wait_for_completion", Type: "boolean", Description: "Defaults to true; false starts the child and moves on"},
			{Name: "input", Type: "object", Description: "Payload for the child run, defaults to this node's input"},
		},
		InputHandles:  []string{"input"},
		OutputHandles: []string{"success", "error"},
	}
}

func (h *subworkflowHandler) ValidateConfig(config map[string]any) []string {
	raw, _ := config["workflow_id"].(string)
	if strings.TrimSpace(raw) == "" {
		return []string{"workflow_id is required"}
	}
	if _, err := uuid.Parse(raw); err != nil {
		return []string{fmt.Sprintf("workflow_id %q is not a valid UUID", raw)}
	}
	return nil
}

func (h *subworkflowHandler) Execute(ctx context.Context, input []engine.NodeItem, config map[string]any, ec *engine.ExecutionContext) (*engine.NodeExecutionResult, error) {
	if ec == nil || ec.Supervisor == nil {
		return engine.Fail("error", "sub-workflow execution is not available in this run mode"), nil
	}

	result, err := ec.Supervisor.ExecuteSubworkflow(ctx, ec, config, input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return engine.Fail("error", err.Error()), nil
	}
	return result, nil
}
