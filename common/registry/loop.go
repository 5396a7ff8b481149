package registry

import (
	"context"
	"fmt"

	"github.com/flowforge/flowforge/common/engine"
)

// Loop handlers are re-entrant: the engine routes the body's tail
// back here, increments the node's loop counter, and re-executes.
// Per-loop state (source list, accumulated results) lives in the
// execution variables under node-scoped keys.

type loopHandler struct{}

func (h *loopHandler) Metadata() engine.Metadata {
	return engine.Metadata{
		NodeType:    "loop",
		DisplayName: "Loop",
		Category:    "flow",
		Fields: []engine.Field{
			{Name: "max_loop_count", Type: "number", Required: true, Description: "Hard cap on iterations, 1 to 1000"},
			{Name: "count", Type: "number", Description: "Iterate a fixed number of times instead of over items"},
		},
		InputHandles:  []string{"input"},
		OutputHandles: []string{"loop", "done"},
	}
}

func (h *loopHandler) ValidateConfig(config map[string]any) []string {
	return validateLoopCap(config)
}

func (h *loopHandler) Execute(ctx context.Context, input []engine.NodeItem, config map[string]any, ec *engine.ExecutionContext) (*engine.NodeExecutionResult, error) {
	nodeID := ec.CurrentNodeID
	idx := ec.LoopStats[nodeID]
	srcKey := loopStateKey(nodeID, "src")
	accKey := loopStateKey(nodeID, "acc")

	if idx == 0 {
		var source []any
		if count, ok := intFromConfig(config["count"]); ok && count > 0 {
			source = make([]any, count)
			for i := range source {
				source[i] = i
			}
		} else {
			source = engine.ItemsToAny(input)
		}
		ec.Variables[srcKey] = source
		ec.Variables[accKey] = []any{}
	} else {
		// re-entry: the incoming items are the body's last output
		acc, _ := ec.Variables[accKey].([]any)
		ec.Variables[accKey] = append(acc, engine.FirstJSON(input))
	}

	source, _ := ec.Variables[srcKey].([]any)
	maxLoop, _ := intFromConfig(config["max_loop_count"])

	if idx < len(source) && idx < maxLoop {
		return engine.Succeed("loop", engine.Items(map[string]any{
			"item":  source[idx],
			"index": idx,
			"total": len(source),
		})), nil
	}

	results, _ := ec.Variables[accKey].([]any)
	delete(ec.Variables, srcKey)
	delete(ec.Variables, accKey)
	return engine.Succeed("done", engine.Items(map[string]any{
		"results":    results,
		"iterations": idx,
	})), nil
}

type splitInBatchesHandler struct{}

func (h *splitInBatchesHandler) Metadata() engine.Metadata {
	return engine.Metadata{
		NodeType:    "splitInBatches",
		DisplayName: "Split In Batches",
		Category:    "flow",
		Fields: []engine.Field{
			{Name: "max_loop_count", Type: "number", Required: true, Description: "Hard cap on iterations, 1 to 1000"},
			{Name: "batch_size", Type: "number", Description: "Items per batch, defaults to 10"},
		},
		InputHandles:  []string{"input"},
		OutputHandles: []string{"loop", "done"},
	}
}

func (h *splitInBatchesHandler) ValidateConfig(config map[string]any) []string {
	problems := validateLoopCap(config)
	if raw, present := config["batch_size"]; present {
		if size, ok := intFromConfig(raw); !ok || size < 1 {
			problems = append(problems, "batch_size must be a positive number")
		}
	}
	return problems
}

func (h *splitInBatchesHandler) Execute(ctx context.Context, input []engine.NodeItem, config map[string]any, ec *engine.ExecutionContext) (*engine.NodeExecutionResult, error) {
	nodeID := ec.CurrentNodeID
	idx := ec.LoopStats[nodeID]
	srcKey := loopStateKey(nodeID, "src")
	accKey := loopStateKey(nodeID, "acc")

	batchSize := 10
	if size, ok := intFromConfig(config["batch_size"]); ok && size > 0 {
		batchSize = size
	}

	if idx == 0 {
		ec.Variables[srcKey] = engine.ItemsToAny(input)
		ec.Variables[accKey] = []any{}
	} else {
		acc, _ := ec.Variables[accKey].([]any)
		ec.Variables[accKey] = append(acc, engine.FirstJSON(input))
	}

	source, _ := ec.Variables[srcKey].([]any)
	maxLoop, _ := intFromConfig(config["max_loop_count"])
	totalBatches := (len(source) + batchSize - 1) / batchSize

	if idx < totalBatches && idx < maxLoop {
		start := idx * batchSize
		end := start + batchSize
		if end > len(source) {
			end = len(source)
		}
		return engine.Succeed("loop", engine.Items(map[string]any{
			"items":         source[start:end],
			"batch_index":   idx,
			"total_batches": totalBatches,
		})), nil
	}

	results, _ := ec.Variables[accKey].([]any)
	delete(ec.Variables, srcKey)
	delete(ec.Variables, accKey)
	return engine.Succeed("done", engine.Items(map[string]any{
		"results":    results,
		"iterations": idx,
	})), nil
}

func validateLoopCap(config map[string]any) []string {
	raw, present := config["max_loop_count"]
	if !present {
		return []string{"max_loop_count is required"}
	}
	cap, ok := intFromConfig(raw)
	if !ok || cap < 1 || cap > 1000 {
		return []string{"max_loop_count must be between 1 and 1000"}
	}
	return nil
}

func loopStateKey(nodeID, kind string) string {
	return fmt.Sprintf("__loop_%s_%s", kind, nodeID)
}

func intFromConfig(raw any) (int, bool) {
	switch v := raw.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
