package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowforge/flowforge/common/compiler"
	"github.com/flowforge/flowforge/common/expr"
	"github.com/flowforge/flowforge/common/logger"
	"github.com/flowforge/flowforge/common/models"
	"github.com/flowforge/flowforge/common/workflow"
)

// systemLoopCeiling is the safety cap on loop iterations enforced by
// the driver itself, independent of any orchestrator hook
const systemLoopCeiling = 1000

// Engine drives compiled plans. One driver goroutine per execution;
// nodes within an execution run sequentially.
type Engine struct {
	handlers HandlerLookup
	events   EventSink
	recorder Recorder
	log      *logger.Logger
}

// New creates an engine
func New(handlers HandlerLookup, events EventSink, recorder Recorder, log *logger.Logger) *Engine {
	if events == nil {
		events = NopSink{}
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &Engine{handlers: handlers, events: events, recorder: recorder, log: log}
}

// RunOptions configures supervision for one run
type RunOptions struct {
	Hooks Hooks
	Level SupervisionLevel
}

// Outcome is the terminal result of a driver run
type Outcome struct {
	State      models.ExecutionState
	Output     []NodeItem
	Error      string
	FailedNode string
	Warnings   []string
}

// Run executes a plan to completion. It blocks until the execution
// reaches a terminal state and always returns a non-nil outcome.
func (e *Engine) Run(ctx context.Context, plan *compiler.ExecutionPlan, ec *ExecutionContext, inputData map[string]any, opts RunOptions) *Outcome {
	if ec.TimeoutBudgetMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ec.TimeoutBudgetMs)*time.Millisecond)
		defer cancel()
	}

	log := e.log.WithExecutionID(ec.ExecutionID.String())

	skip := make(map[string]bool)
	executed := make(map[string]bool)
	var lastOutput []NodeItem

	order := plan.Order
	for i := 0; i < len(order); i++ {
		nodeID := order[i]
		node := plan.Node(nodeID)

		if err := ctx.Err(); err != nil {
			return e.cancelled(ec, err)
		}

		if skip[nodeID] {
			reason := "conditional branch not taken"
			e.events.Send(ec.ExecutionID, "node_skipped", map[string]any{
				"nodeId": nodeID,
				"reason": reason,
			})
			e.recorder.NodeSkipped(ctx, ec, nodeID, reason)
			continue
		}

		input := e.gatherInput(plan, node, ec, executed, inputData)
		ec.CurrentNodeID = nodeID
		ec.CurrentInput = input

		e.events.Send(ec.ExecutionID, "node_started", map[string]any{
			"nodeId":   nodeID,
			"nodeType": node.Type,
			"nodeName": node.Label,
			"status":   "running",
		})
		e.recorder.NodeStarted(ctx, ec, nodeID, node.Type, i, input)

		if opts.Level == SupervisionFull && opts.Hooks != nil {
			hr := opts.Hooks.BeforeNode(ctx, ec, nodeID)
			switch hr.Decision {
			case DecisionAbort:
				return e.failed(ctx, ec, nodeID, hr.Reason, lastOutput)
			case DecisionCancel:
				return e.cancelled(ec, nil)
			}
		}

		handler, ok := e.handlers.Get(node.Type)
		if !ok {
			// Infrastructure failure, no retry
			return e.failed(ctx, ec, nodeID, fmt.Sprintf("no handler registered for node type %q", node.Type), lastOutput)
		}

		start := time.Now()
		result, retries, directive := e.executeWithRetry(ctx, handler, node, input, ec, opts)
		durationMs := time.Since(start).Milliseconds()

		if directive != nil {
			e.recorder.NodeFinished(ctx, ec, nodeID, Fail("error", directive.Error()), durationMs, retries)
			if errors.Is(directive, context.Canceled) || errors.Is(directive, context.DeadlineExceeded) || ctx.Err() != nil {
				return e.cancelled(ec, directive)
			}
			return e.failed(ctx, ec, nodeID, directive.Error(), lastOutput)
		}

		if !result.Success {
			switch {
			case e.hasErrorRoute(plan, nodeID):
				// Downstream error edge consumes the failure
				result.OutputHandle = "error"
				log.Warn("node failed, routing to error handle", "node_id", nodeID, "error", result.Error)
			case configBool(node.Config, "continueOnError"):
				// Tolerated failure: the error payload flows down
				// the primary handle and the run keeps going.
				result.OutputHandle = primaryHandle(handler)
				ec.Warnings = append(ec.Warnings, fmt.Sprintf("node %s failed, continuing: %s", nodeID, result.Error))
				log.Warn("node failed, continueOnError set", "node_id", nodeID, "error", result.Error)
			default:
				e.events.Send(ec.ExecutionID, "node_complete", map[string]any{
					"nodeId":     nodeID,
					"status":     "failed",
					"error":      result.Error,
					"warnings":   ec.Warnings,
					"durationMs": durationMs,
				})
				e.recorder.NodeFinished(ctx, ec, nodeID, result, durationMs, retries)
				return e.failed(ctx, ec, nodeID, result.Error, lastOutput)
			}
		}

		ec.NodeOutputs[nodeID] = result.Items
		ec.OutputHandles[nodeID] = result.OutputHandle
		ec.ExecutedNodes = append(ec.ExecutedNodes, nodeID)
		executed[nodeID] = true
		lastOutput = result.Items

		if compiler.IsLoopType(node.Type) && result.OutputHandle == "loop" {
			ec.LoopStats[nodeID]++
			if ec.LoopStats[nodeID] > systemLoopCeiling {
				return e.failed(ctx, ec, nodeID, fmt.Sprintf("loop iteration ceiling (%d) exceeded", systemLoopCeiling), lastOutput)
			}
		}

		if opts.Level == SupervisionFull && opts.Hooks != nil {
			hr := opts.Hooks.AfterNode(ctx, ec, nodeID, result)
			switch hr.Decision {
			case DecisionAbort:
				e.recorder.NodeFinished(ctx, ec, nodeID, result, durationMs, retries)
				return e.failed(ctx, ec, nodeID, hr.Reason, lastOutput)
			case DecisionCancel:
				return e.cancelled(ec, nil)
			}
		}

		status := "completed"
		if !result.Success {
			status = "failed"
		}
		event := map[string]any{
			"nodeId":     nodeID,
			"status":     status,
			"output":     ItemsToAny(result.Items),
			"warnings":   ec.Warnings,
			"durationMs": durationMs,
		}
		if result.Error != "" {
			event["error"] = result.Error
		}
		e.events.Send(ec.ExecutionID, "node_complete", event)
		e.recorder.NodeFinished(ctx, ec, nodeID, result, durationMs, retries)

		e.applySkips(plan, nodeID, result.OutputHandle, skip, executed)

		// Loop re-entry: a taken edge targeting an earlier plan
		// position is the loop body back-edge. Clear the body records
		// and move the cursor back; loop counters persist.
		if back := e.backEdgeTarget(plan, nodeID, result.OutputHandle, i); back >= 0 {
			for j := back; j <= i; j++ {
				delete(executed, order[j])
				delete(skip, order[j])
			}
			i = back - 1
		}
	}

	output := lastOutput
	e.log.WithExecutionID(ec.ExecutionID.String()).Info("execution completed",
		"nodes_executed", len(ec.ExecutedNodes))
	return &Outcome{
		State:    models.ExecutionCompleted,
		Output:   output,
		Warnings: ec.Warnings,
	}
}

// executeWithRetry resolves expressions and invokes the handler under
// the per-node timeout, retrying per the node's retry policy. The
// returned error is a fatal directive (hook abort or cancellation).
func (e *Engine) executeWithRetry(ctx context.Context, handler Handler, node *compiler.PlanNode, input []NodeItem, ec *ExecutionContext, opts RunOptions) (*NodeExecutionResult, int, error) {
	maxRetries := configInt(node.Config, "maxRetries", 0)
	retryDelay := configInt(node.Config, "retryDelaySeconds", 1)

	var result *NodeExecutionResult
	var execErr error

	waits := handler.Metadata().WaitsForInput

	for attempt := 0; attempt <= maxRetries; attempt++ {
		resolved := expr.ResolveConfig(node.Config, node.TemplatePaths, ec.Env())

		nodeCtx, cancel := ctx, func() {}
		if !waits {
			nodeCtx, cancel = context.WithTimeout(ctx, time.Duration(node.TimeoutSeconds)*time.Second)
		}
		result, execErr = handler.Execute(nodeCtx, input, resolved, ec)
		cancel()

		if ctx.Err() != nil {
			return nil, attempt, ctx.Err()
		}

		if execErr == nil && result != nil && result.Success {
			return result, attempt, nil
		}

		failure := execErr
		if failure == nil {
			failure = errors.New(resultError(result))
		}

		if opts.Hooks != nil && opts.Level != SupervisionNone {
			hr := opts.Hooks.OnError(ctx, ec, node.ID, failure)
			switch hr.Decision {
			case DecisionAbort:
				return nil, attempt, errors.New(hr.Reason)
			case DecisionCancel:
				return nil, attempt, context.Canceled
			}
		}

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return nil, attempt, ctx.Err()
			case <-time.After(time.Duration(retryDelay) * time.Second):
			}
		}
	}

	if result == nil {
		result = Fail("error", resultError(result)+errString(execErr))
	}
	return result, maxRetries, nil
}

func resultError(result *NodeExecutionResult) string {
	if result == nil {
		return "handler returned no result"
	}
	if result.Error != "" {
		return result.Error
	}
	return "node execution failed"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return ": " + err.Error()
}

// gatherInput concatenates taken predecessors' outputs; entry-point
// nodes receive the execution's initial input data
func (e *Engine) gatherInput(plan *compiler.ExecutionPlan, node *compiler.PlanNode, ec *ExecutionContext, executed map[string]bool, inputData map[string]any) []NodeItem {
	if len(node.Dependencies) == 0 {
		return Items(inputData)
	}

	// Loop re-entry reads only the body's back-edge so the handler
	// sees the body's last output, not the original feed. The body's
	// executed mark is already cleared by the cursor jump, so its
	// recorded output is the source of truth here.
	if compiler.IsLoopType(node.Type) && ec.LoopStats[node.ID] > 0 {
		var items []NodeItem
		for _, edge := range plan.Incoming(node.ID) {
			if plan.Position(edge.Source) <= plan.Position(node.ID) {
				continue
			}
			out, ok := ec.NodeOutputs[edge.Source]
			if !ok {
				continue
			}
			items = append(items, out...)
		}
		if items == nil {
			items = Items(map[string]any{})
		}
		return items
	}

	var items []NodeItem
	for _, edge := range plan.Incoming(node.ID) {
		if !executed[edge.Source] {
			continue
		}
		if !e.edgeTaken(plan, edge, ec.OutputHandles[edge.Source]) {
			continue
		}
		items = append(items, ec.NodeOutputs[edge.Source]...)
	}
	if items == nil {
		items = Items(map[string]any{})
	}
	return items
}

// edgeTaken reports whether an edge carried data: nodes whose
// outgoing edges all share one handle route unconditionally, branch
// nodes route only the handle the result took
func (e *Engine) edgeTaken(plan *compiler.ExecutionPlan, edge workflow.Edge, takenHandle string) bool {
	if len(distinctHandles(plan.Outgoing(edge.Source))) <= 1 {
		return true
	}
	return edge.Handle() == takenHandle
}

// hasErrorRoute reports whether a node has a downstream error edge
func (e *Engine) hasErrorRoute(plan *compiler.ExecutionPlan, nodeID string) bool {
	for _, edge := range plan.Outgoing(nodeID) {
		if edge.Handle() == "error" {
			return true
		}
	}
	return false
}

// backEdgeTarget returns the plan position of a taken edge pointing at
// or before the current cursor, or -1
func (e *Engine) backEdgeTarget(plan *compiler.ExecutionPlan, nodeID, takenHandle string, cursor int) int {
	for _, edge := range plan.Outgoing(nodeID) {
		if !e.edgeTaken(plan, edge, takenHandle) {
			continue
		}
		pos := plan.Position(edge.Target)
		if pos >= 0 && pos <= cursor {
			return pos
		}
	}
	return -1
}

// applySkips marks nodes reachable exclusively through non-taken
// branches. A node also reachable via the taken branch stays live
// (dominance rule).
func (e *Engine) applySkips(plan *compiler.ExecutionPlan, nodeID, takenHandle string, skip, executed map[string]bool) {
	outgoing := plan.Outgoing(nodeID)
	if len(distinctHandles(outgoing)) <= 1 {
		return
	}

	takenReach := make(map[string]bool)
	var untakenRoots []string
	for _, edge := range outgoing {
		if edge.Handle() == takenHandle {
			e.markReachable(plan, edge.Target, takenReach)
		} else {
			untakenRoots = append(untakenRoots, edge.Target)
		}
	}

	candidates := make(map[string]bool)
	for _, root := range untakenRoots {
		e.markReachable(plan, root, candidates)
	}

	for id := range candidates {
		if !takenReach[id] && !executed[id] {
			skip[id] = true
		}
	}
}

func (e *Engine) markReachable(plan *compiler.ExecutionPlan, from string, seen map[string]bool) {
	if seen[from] {
		return
	}
	seen[from] = true
	for _, edge := range plan.Outgoing(from) {
		e.markReachable(plan, edge.Target, seen)
	}
}

func (e *Engine) failed(ctx context.Context, ec *ExecutionContext, nodeID, message string, lastOutput []NodeItem) *Outcome {
	e.log.WithExecutionID(ec.ExecutionID.String()).Warn("execution failed",
		"node_id", nodeID, "error", message)
	return &Outcome{
		State:      models.ExecutionFailed,
		Output:     lastOutput,
		Error:      message,
		FailedNode: nodeID,
		Warnings:   ec.Warnings,
	}
}

func (e *Engine) cancelled(ec *ExecutionContext, err error) *Outcome {
	reason := "cancelled"
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		reason = "timeout"
	}
	return &Outcome{
		State:    models.ExecutionCancelled,
		Error:    reason,
		Warnings: ec.Warnings,
	}
}

func distinctHandles(edges []workflow.Edge) []string {
	seen := make(map[string]bool)
	var handles []string
	for _, e := range edges {
		h := e.Handle()
		if !seen[h] {
			seen[h] = true
			handles = append(handles, h)
		}
	}
	return handles
}

func configInt(config map[string]any, key string, fallback int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}

func configBool(config map[string]any, key string) bool {
	v, _ := config[key].(bool)
	return v
}

// primaryHandle is the handler's first declared output handle, the
// one a successful run would take.
func primaryHandle(h Handler) string {
	if handles := h.Metadata().OutputHandles; len(handles) > 0 {
		return handles[0]
	}
	return "output"
}
