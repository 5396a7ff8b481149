package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/flowforge/common/engine"
	"github.com/flowforge/flowforge/common/models"
)

// AskHuman persists a pending request, parks the run in waiting_human
// and blocks until a response, the timeout's auto action, or
// cancellation.
func (o *Orchestrator) AskHuman(ctx context.Context, ec *engine.ExecutionContext, req engine.HumanRequest) (engine.HumanResponse, error) {
	request := &models.HITLRequest{
		ID:             uuid.New(),
		ExecutionID:    ec.ExecutionID,
		UserID:         ec.UserID,
		NodeID:         req.NodeID,
		Type:           models.HITLType(req.Type),
		Title:          req.Title,
		Message:        req.Message,
		Options:        req.Options,
		Status:         models.HITLPending,
		TimeoutSeconds: req.TimeoutSeconds,
		AutoAction:     req.AutoAction,
		CreatedAt:      time.Now().UTC(),
	}
	if req.ContextData != nil {
		if encoded, err := json.Marshal(req.ContextData); err == nil {
			request.ContextData = encoded
		}
	}
	if request.TimeoutSeconds <= 0 {
		request.TimeoutSeconds = int(o.cfg.ApprovalTimeout.Seconds())
	}

	// the waiter must exist before the request is visible, or a fast
	// response could land between Create and the registration
	waiter := make(chan engine.HumanResponse, 1)
	o.mu.Lock()
	o.waiters[request.ID] = waiter
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.waiters, request.ID)
		o.mu.Unlock()
	}()

	if err := o.hitl.Create(ctx, request); err != nil {
		return engine.HumanResponse{}, fmt.Errorf("create human request: %w", err)
	}

	if handle := o.handleFor(ec.ExecutionID); handle != nil {
		handle.setState(models.ExecutionWaitingHuman)
	}
	if err := o.executions.UpdateState(ctx, ec.ExecutionID, models.ExecutionWaitingHuman); err != nil {
		o.log.Error("mark execution waiting", "execution_id", ec.ExecutionID, "error", err)
	}
	o.events.Send(ec.ExecutionID, "hitl_request", map[string]any{
		"request_id":      request.ID.String(),
		"node_id":         request.NodeID,
		"type":            string(request.Type),
		"title":           request.Title,
		"message":         request.Message,
		"options":         request.Options,
		"timeout_seconds": request.TimeoutSeconds,
	})

	timer := time.NewTimer(time.Duration(request.TimeoutSeconds) * time.Second)
	defer timer.Stop()

	var resp engine.HumanResponse
	var respErr error
	select {
	case resp = <-waiter:
	case <-timer.C:
		resp = engine.HumanResponse{Action: request.AutoAction, Message: "timed out, auto action applied"}
		encoded, _ := json.Marshal(map[string]any{"action": resp.Action, "auto": true})
		if err := o.hitl.Resolve(context.Background(), request.ID, models.HITLTimeout, encoded); err != nil {
			o.log.Error("mark human request timed out", "request_id", request.ID, "error", err)
		}
		o.events.Send(ec.ExecutionID, "hitl_timeout", map[string]any{
			"request_id":  request.ID.String(),
			"auto_action": resp.Action,
		})
	case <-ctx.Done():
		encoded, _ := json.Marshal(map[string]any{"reason": "execution ended"})
		if err := o.hitl.Resolve(context.Background(), request.ID, models.HITLCancelled, encoded); err != nil {
			o.log.Error("cancel human request", "request_id", request.ID, "error", err)
		}
		respErr = ctx.Err()
	}
	if respErr != nil {
		return engine.HumanResponse{}, respErr
	}

	if handle := o.handleFor(ec.ExecutionID); handle != nil {
		handle.setState(models.ExecutionRunning)
	}
	if err := o.executions.UpdateState(context.Background(), ec.ExecutionID, models.ExecutionRunning); err != nil {
		o.log.Error("mark execution running after human response", "execution_id", ec.ExecutionID, "error", err)
	}
	return resp, nil
}

// RespondToHITL applies a human decision. The store's conditional
// update makes duplicate responses lose cleanly; the winning response
// is handed to the parked driver.
func (o *Orchestrator) RespondToHITL(ctx context.Context, userID string, requestID uuid.UUID, action string, value any, message string) (*models.HITLRequest, error) {
	request, err := o.hitl.Get(ctx, userID, requestID)
	if err != nil {
		return nil, err
	}
	if request.Status != models.HITLPending {
		return nil, fmt.Errorf("request %s is already %s", requestID, request.Status)
	}

	var status models.HITLStatus
	switch action {
	case "approve":
		status = models.HITLApproved
	case "reject":
		status = models.HITLRejected
	default:
		status = models.HITLAnswered
	}

	payload := map[string]any{"action": action}
	if value != nil {
		payload["value"] = value
	}
	if message != "" {
		payload["message"] = message
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}

	if err := o.hitl.Resolve(ctx, requestID, status, encoded); err != nil {
		return nil, err
	}
	request.Status = status
	request.Response = encoded

	o.mu.RLock()
	waiter, ok := o.waiters[requestID]
	o.mu.RUnlock()
	if ok {
		select {
		case waiter <- engine.HumanResponse{Action: action, Value: value, Message: message}:
		default:
		}
	}
	o.events.Send(request.ExecutionID, "hitl_response", map[string]any{
		"request_id": requestID.String(),
		"action":     action,
	})
	return request, nil
}

// ExecuteSubworkflow runs a child workflow on behalf of a node. Depth
// and circular-chain violations surface as errors so the node's error
// handle can route them.
func (o *Orchestrator) ExecuteSubworkflow(ctx context.Context, ec *engine.ExecutionContext, config map[string]any, input []engine.NodeItem) (*engine.NodeExecutionResult, error) {
	raw, _ := config["workflow_id"].(string)
	childID, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid workflow_id %q", raw)
	}

	if ec.InChain(childID) {
		return nil, fmt.Errorf("circular sub-workflow call to %s", childID)
	}
	if ec.NestingDepth+1 > ec.MaxNestingDepth {
		return nil, fmt.Errorf("sub-workflow nesting depth %d exceeds the limit of %d", ec.NestingDepth+1, ec.MaxNestingDepth)
	}

	childInput, _ := config["input"].(map[string]any)
	if childInput == nil {
		childInput = engine.FirstJSON(input)
	}

	opts := StartOptions{
		Input:             childInput,
		ParentExecutionID: &ec.ExecutionID,
		NestingDepth:      ec.NestingDepth + 1,
		WorkflowChain:     ec.WorkflowChain,
		TimeoutBudgetMs:   childBudgetMs(ctx, config),
	}

	if wait, ok := config["wait_for_completion"].(bool); ok && !wait {
		record, err := o.Start(ctx, ec.UserID, childID, opts)
		if err != nil {
			return nil, err
		}
		return engine.Succeed("success", engine.Items(map[string]any{
			"execution_id": record.ExecutionID.String(),
			"status":       "started",
		})), nil
	}

	record, outcome, err := o.StartSync(ctx, ec.UserID, childID, opts)
	if err != nil {
		return nil, err
	}
	if outcome.State != models.ExecutionCompleted {
		return nil, fmt.Errorf("sub-workflow %s %s: %s", record.ExecutionID, outcome.State, outcome.Error)
	}

	return engine.Succeed("success", outcome.Output), nil
}

// maxSubworkflowBudget bounds any child run regardless of what the
// parent or the node config asks for.
const maxSubworkflowBudget = time.Hour

// childBudgetMs gives a child run the tightest of the parent's
// remaining deadline, the node's configured timeout, and the system
// ceiling, so a child can never outlive its parent.
func childBudgetMs(ctx context.Context, config map[string]any) int64 {
	budget := maxSubworkflowBudget.Milliseconds()
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline).Milliseconds(); remaining < budget {
			budget = remaining
		}
	}
	var secs float64
	switch v := config["timeout"].(type) {
	case int:
		secs = float64(v)
	case float64:
		secs = v
	}
	if secs > 0 {
		if ms := int64(secs) * 1000; ms < budget {
			budget = ms
		}
	}
	if budget < 1 {
		budget = 1
	}
	return budget
}
