package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/flowforge/flowforge/common/expr"
)

// ExecutionContext is the in-memory state of one run. It is owned by
// exactly one driver goroutine; handlers invoked by that driver may
// read it, nothing else touches it.
type ExecutionContext struct {
	ExecutionID uuid.UUID
	UserID      string
	WorkflowID  uuid.UUID

	// NodeOutputs stores each executed node's items
	NodeOutputs map[string][]NodeItem

	// OutputHandles records the handle each executed node took
	OutputHandles map[string]string

	// Credentials holds decrypted payloads keyed by credential ID
	Credentials map[string]map[string]any

	Variables     map[string]any
	LoopStats     map[string]int
	ExecutedNodes []string
	CurrentNodeID string
	NodeLabelToID map[string]string

	// CurrentInput is the items list feeding the node being executed
	CurrentInput []NodeItem

	// Sub-workflow lineage
	NestingDepth    int
	MaxNestingDepth int
	WorkflowChain   []uuid.UUID
	TimeoutBudgetMs int64

	Warnings []string

	// Supervisor backs humanApproval and subworkflow handlers.
	// Nil when the run has no orchestrator (supervision NONE).
	Supervisor Supervisor
}

// NewExecutionContext creates an empty context for one run
func NewExecutionContext(executionID, workflowID uuid.UUID, userID string) *ExecutionContext {
	return &ExecutionContext{
		ExecutionID:   executionID,
		WorkflowID:    workflowID,
		UserID:        userID,
		NodeOutputs:   make(map[string][]NodeItem),
		OutputHandles: make(map[string]string),
		Credentials:   make(map[string]map[string]any),
		Variables:     make(map[string]any),
		LoopStats:     make(map[string]int),
		NodeLabelToID: make(map[string]string),
	}
}

// Warnf appends a warning tagged with the current node
func (ec *ExecutionContext) Warnf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if ec.CurrentNodeID != "" {
		msg = fmt.Sprintf("node %s: %s", ec.CurrentNodeID, msg)
	}
	ec.Warnings = append(ec.Warnings, msg)
}

// Env builds the expression environment for the current node
func (ec *ExecutionContext) Env() *expr.Env {
	outputs := make(map[string]any, len(ec.NodeOutputs))
	for id, items := range ec.NodeOutputs {
		outputs[id] = ItemsToAny(items)
	}
	return &expr.Env{
		NodeOutputs:   outputs,
		NodeLabelToID: ec.NodeLabelToID,
		CurrentInput:  ItemsToAny(ec.CurrentInput),
		Variables:     ec.Variables,
		Warn: func(msg string) {
			ec.Warnf("%s", msg)
		},
	}
}

// InChain reports whether a workflow already appears in the lineage,
// which would make a sub-workflow call circular
func (ec *ExecutionContext) InChain(workflowID uuid.UUID) bool {
	for _, id := range ec.WorkflowChain {
		if id == workflowID {
			return true
		}
	}
	return false
}

// HumanRequest is a handler's ask for a human decision
type HumanRequest struct {
	NodeID         string
	Type           string
	Title          string
	Message        string
	Options        []string
	ContextData    map[string]any
	TimeoutSeconds int
	AutoAction     string
}

// HumanResponse is the submitted (or auto-applied) decision
type HumanResponse struct {
	Action  string
	Value   any
	Message string
}

// Supervisor is the orchestrator surface handlers reach through the
// execution context
type Supervisor interface {
	// AskHuman blocks until a response arrives or the request times
	// out, in which case the auto action is returned.
	AskHuman(ctx context.Context, ec *ExecutionContext, req HumanRequest) (HumanResponse, error)

	// ExecuteSubworkflow starts a child run and, unless the config
	// says otherwise, waits for its completion.
	ExecuteSubworkflow(ctx context.Context, ec *ExecutionContext, config map[string]any, input []NodeItem) (*NodeExecutionResult, error)
}
