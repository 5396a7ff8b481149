package registry

import (
	"context"

	"github.com/flowforge/flowforge/common/engine"
)

// mergeHandler joins converging branches. Append concatenates the
// incoming items in arrival order; combine folds every item's fields
// into a single item, later branches winning on key conflicts.
type mergeHandler struct{}

func (h *mergeHandler) Metadata() engine.Metadata {
	return engine.Metadata{
		NodeType:    "merge",
		DisplayName: "Merge",
		Category:    "flow",
		Fields: []engine.Field{
			{Name: "mode", Type: "string", Description: "append (default) or combine"},
		},
		InputHandles:  []string{"input"},
		OutputHandles: []string{"output"},
	}
}

func (h *mergeHandler) ValidateConfig(config map[string]any) []string {
	if mode, ok := config["mode"].(string); ok && mode != "" && mode != "append" && mode != "combine" {
		return []string{"mode must be append or combine"}
	}
	return nil
}

func (h *mergeHandler) Execute(ctx context.Context, input []engine.NodeItem, config map[string]any, ec *engine.ExecutionContext) (*engine.NodeExecutionResult, error) {
	mode, _ := config["mode"].(string)
	if mode != "combine" {
		return engine.Succeed("output", input), nil
	}

	combined := map[string]any{}
	for _, item := range input {
		for k, v := range item.JSON {
			combined[k] = v
		}
	}
	return engine.Succeed("output", engine.Items(combined)), nil
}
