package registry

import (
	"context"

	"github.com/flowforge/flowforge/common/engine"
	"github.com/flowforge/flowforge/common/models"
)

const defaultApprovalTimeoutSeconds = 24 * 60 * 60

// humanApprovalHandler pauses the run until a human decides, or until
// the request times out and the configured auto action applies.
type humanApprovalHandler struct{}

func (h *humanApprovalHandler) Metadata() engine.Metadata {
	return engine.Metadata{
		NodeType:    "humanApproval",
		DisplayName: "Human Approval",
		Category:    "flow",
		Fields: []engine.Field{
			{Name: "title", Type: "string"},
			{Name: "message", Type: "string", Description: "What the reviewer is asked to decide"},
			{Name: "options", Type: "array", Description: "Choices offered, defaults to approve/reject"},
			{Name: "timeout_seconds", Type: "number", Description: "Defaults to 24 hours"},
			{Name: "auto_action", Type: "string", Description: "approve or reject applied on timeout, defaults to reject"},
		},
		InputHandles:  []string{"input"},
		OutputHandles: []string{"approved", "rejected"},
		WaitsForInput: true,
	}
}

func (h *humanApprovalHandler) ValidateConfig(config map[string]any) []string {
	if action, ok := config["auto_action"].(string); ok && action != "" && action != "approve" && action != "reject" {
		return []string{"auto_action must be approve or reject"}
	}
	if raw, present := config["timeout_seconds"]; present {
		if secs, ok := intFromConfig(raw); !ok || secs < 1 {
			return []string{"timeout_seconds must be a positive number"}
		}
	}
	return nil
}

func (h *humanApprovalHandler) Execute(ctx context.Context, input []engine.NodeItem, config map[string]any, ec *engine.ExecutionContext) (*engine.NodeExecutionResult, error) {
	if ec == nil || ec.Supervisor == nil {
		return engine.Fail("rejected", "human approval is not available in this run mode"), nil
	}

	req := engine.HumanRequest{
		NodeID:         ec.CurrentNodeID,
		Type:           string(models.HITLApproval),
		TimeoutSeconds: defaultApprovalTimeoutSeconds,
		AutoAction:     "reject",
	}
	if title, ok := config["title"].(string); ok {
		req.Title = title
	}
	if message, ok := config["message"].(string); ok {
		req.Message = message
	}
	if action, ok := config["auto_action"].(string); ok && action != "" {
		req.AutoAction = action
	}
	if secs, ok := intFromConfig(config["timeout_seconds"]); ok && secs > 0 {
		req.TimeoutSeconds = secs
	}
	if rawOptions, ok := config["options"].([]any); ok {
		for _, o := range rawOptions {
			if s, ok := o.(string); ok {
				req.Options = append(req.Options, s)
			}
		}
	}
	if len(req.Options) == 0 {
		req.Options = []string{"approve", "reject"}
	}
	req.ContextData = map[string]any{"input": engine.FirstJSON(input)}

	resp, err := ec.Supervisor.AskHuman(ctx, ec, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return engine.Fail("rejected", err.Error()), nil
	}

	out := make([]engine.NodeItem, 0, len(input)+1)
	out = append(out, input...)
	if len(out) == 0 {
		out = []engine.NodeItem{{JSON: map[string]any{}}}
	}
	decision := map[string]any{"action": resp.Action}
	if resp.Message != "" {
		decision["message"] = resp.Message
	}
	if resp.Value != nil {
		decision["value"] = resp.Value
	}
	for i := range out {
		if out[i].JSON == nil {
			out[i].JSON = map[string]any{}
		}
		out[i].JSON["approval"] = decision
	}

	if resp.Action == "approve" {
		return engine.Succeed("approved", out), nil
	}
	return engine.Succeed("rejected", out), nil
}
