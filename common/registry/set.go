package registry

import (
	"context"

	"github.com/flowforge/flowforge/common/engine"
)

// setHandler writes configured values onto each passing item. With
// keep_only_set the incoming fields are dropped and only the
// configured values survive.
type setHandler struct{}

func (h *setHandler) Metadata() engine.Metadata {
	return engine.Metadata{
		NodeType:    "set",
		DisplayName: "Set",
		Category:    "transform",
		Fields: []engine.Field{
			{Name: "values", Type: "object", Required: true, Description: "Fields to write onto each item"},
			{Name: "keep_only_set", Type: "boolean", Description: "Drop incoming fields, keep only the configured values"},
		},
		InputHandles:  []string{"input"},
		OutputHandles: []string{"output"},
	}
}

func (h *setHandler) ValidateConfig(config map[string]any) []string {
	if _, ok := config["values"].(map[string]any); !ok {
		return []string{"values must be an object"}
	}
	return nil
}

func (h *setHandler) Execute(ctx context.Context, input []engine.NodeItem, config map[string]any, ec *engine.ExecutionContext) (*engine.NodeExecutionResult, error) {
	values, _ := config["values"].(map[string]any)
	keepOnlySet, _ := config["keep_only_set"].(bool)

	if len(input) == 0 {
		input = []engine.NodeItem{{JSON: map[string]any{}}}
	}

	out := make([]engine.NodeItem, 0, len(input))
	for i, item := range input {
		merged := map[string]any{}
		if !keepOnlySet {
			for k, v := range item.JSON {
				merged[k] = v
			}
		}
		for k, v := range values {
			merged[k] = v
		}
		out = append(out, engine.NodeItem{JSON: merged, PairedItem: &engine.PairedItem{Item: i}})
	}
	return engine.Succeed("output", out), nil
}
