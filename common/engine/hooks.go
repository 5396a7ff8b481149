package engine

import "context"

// SupervisionLevel governs which hooks the driver dispatches
type SupervisionLevel int

const (
	// SupervisionNone runs without any hooks (pure execution)
	SupervisionNone SupervisionLevel = iota
	// SupervisionErrorOnly dispatches only OnError
	SupervisionErrorOnly
	// SupervisionFull dispatches BeforeNode, AfterNode and OnError
	SupervisionFull
)

// Decision is a hook's verdict on how the driver proceeds
type Decision int

const (
	// DecisionContinue lets the driver proceed (after an error this
	// means the node is retry-eligible)
	DecisionContinue Decision = iota
	// DecisionAbort fails the execution with the hook's reason
	DecisionAbort
	// DecisionCancel ends the execution as cancelled
	DecisionCancel
)

// HookResult carries a decision and, for aborts, the reason
type HookResult struct {
	Decision Decision
	Reason   string
}

// Continue is the neutral hook result
var Continue = HookResult{Decision: DecisionContinue}

// Hooks is the orchestrator's supervision surface. BeforeNode houses
// the pause gate: it blocks while the execution is paused and returns
// only once the run may proceed (or must stop).
type Hooks interface {
	BeforeNode(ctx context.Context, ec *ExecutionContext, nodeID string) HookResult
	AfterNode(ctx context.Context, ec *ExecutionContext, nodeID string, result *NodeExecutionResult) HookResult
	OnError(ctx context.Context, ec *ExecutionContext, nodeID string, err error) HookResult
}
