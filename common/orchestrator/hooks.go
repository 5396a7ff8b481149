package orchestrator

import (
	"context"

	"github.com/flowforge/flowforge/common/engine"
	"github.com/flowforge/flowforge/common/models"
)

// BeforeNode is the pause gate. A pause request stops the driver here,
// before the next node runs; cancellation and context expiry win over
// waiting for a resume.
func (o *Orchestrator) BeforeNode(ctx context.Context, ec *engine.ExecutionContext, nodeID string) engine.HookResult {
	handle := o.handleFor(ec.ExecutionID)
	if handle == nil {
		return engine.Continue
	}
	handle.setCurrentNode(nodeID)

	gate := handle.gate()
	if gate == nil {
		return engine.Continue
	}

	handle.setState(models.ExecutionPaused)
	if err := o.executions.UpdateState(ctx, ec.ExecutionID, models.ExecutionPaused); err != nil {
		o.log.Error("mark execution paused", "execution_id", ec.ExecutionID, "error", err)
	}
	o.events.Send(ec.ExecutionID, "execution_paused", map[string]any{"next_node": nodeID})

	select {
	case <-gate:
	case <-ctx.Done():
		return engine.HookResult{Decision: engine.DecisionCancel, Reason: "cancelled while paused"}
	}

	if ctx.Err() != nil {
		return engine.HookResult{Decision: engine.DecisionCancel, Reason: "cancelled while paused"}
	}

	handle.setState(models.ExecutionRunning)
	if err := o.executions.UpdateState(ctx, ec.ExecutionID, models.ExecutionRunning); err != nil {
		o.log.Error("mark execution resumed", "execution_id", ec.ExecutionID, "error", err)
	}
	o.events.Send(ec.ExecutionID, "execution_resumed", map[string]any{"next_node": nodeID})
	return engine.Continue
}

// AfterNode currently only tracks driver position
func (o *Orchestrator) AfterNode(ctx context.Context, ec *engine.ExecutionContext, nodeID string, result *engine.NodeExecutionResult) engine.HookResult {
	return engine.Continue
}

// OnError leaves retry and error-routing decisions to the driver;
// a node config may opt out of failing the run entirely.
func (o *Orchestrator) OnError(ctx context.Context, ec *engine.ExecutionContext, nodeID string, err error) engine.HookResult {
	o.log.Warn("node error", "execution_id", ec.ExecutionID, "node_id", nodeID, "error", err)
	return engine.Continue
}
