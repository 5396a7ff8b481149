package registry

import (
	"context"
	"time"

	"github.com/flowforge/flowforge/common/engine"
)

// Trigger handlers are entry points: they shape the execution's
// initial payload into items and pass it downstream unchanged.

type manualTriggerHandler struct{}

func (h *manualTriggerHandler) Metadata() engine.Metadata {
	return engine.Metadata{
		NodeType:      "manualTrigger",
		DisplayName:   "Manual Trigger",
		Category:      "trigger",
		OutputHandles: []string{"output"},
	}
}

func (h *manualTriggerHandler) ValidateConfig(config map[string]any) []string { return nil }

func (h *manualTriggerHandler) Execute(ctx context.Context, input []engine.NodeItem, config map[string]any, ec *engine.ExecutionContext) (*engine.NodeExecutionResult, error) {
	return engine.Succeed("output", input), nil
}

type webhookTriggerHandler struct{}

func (h *webhookTriggerHandler) Metadata() engine.Metadata {
	return engine.Metadata{
		NodeType:    "webhookTrigger",
		DisplayName: "Webhook Trigger",
		Category:    "trigger",
		Fields: []engine.Field{
			{Name: "path", Type: "string", Description: "URL path the webhook listens on"},
			{Name: "method", Type: "string", Description: "Accepted HTTP method"},
		},
		OutputHandles: []string{"output"},
	}
}

func (h *webhookTriggerHandler) ValidateConfig(config map[string]any) []string { return nil }

func (h *webhookTriggerHandler) Execute(ctx context.Context, input []engine.NodeItem, config map[string]any, ec *engine.ExecutionContext) (*engine.NodeExecutionResult, error) {
	return engine.Succeed("output", input), nil
}

type scheduleTriggerHandler struct{}

func (h *scheduleTriggerHandler) Metadata() engine.Metadata {
	return engine.Metadata{
		NodeType:    "scheduleTrigger",
		DisplayName: "Schedule Trigger",
		Category:    "trigger",
		Fields: []engine.Field{
			{Name: "cron", Type: "string", Description: "Cron expression"},
		},
		OutputHandles: []string{"output"},
	}
}

func (h *scheduleTriggerHandler) ValidateConfig(config map[string]any) []string { return nil }

func (h *scheduleTriggerHandler) Execute(ctx context.Context, input []engine.NodeItem, config map[string]any, ec *engine.ExecutionContext) (*engine.NodeExecutionResult, error) {
	items := make([]engine.NodeItem, len(input))
	copy(items, input)
	if len(items) == 0 {
		items = []engine.NodeItem{{JSON: map[string]any{}}}
	}
	// stamp the fire time so downstream nodes can reference it
	for i := range items {
		if items[i].JSON == nil {
			items[i].JSON = map[string]any{}
		}
		items[i].JSON["triggered_at"] = time.Now().UTC().Format(time.RFC3339)
	}
	return engine.Succeed("output", items), nil
}
