package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ExecutionState represents the lifecycle state of an execution
type ExecutionState string

const (
	ExecutionPending      ExecutionState = "pending"
	ExecutionRunning      ExecutionState = "running"
	ExecutionPaused       ExecutionState = "paused"
	ExecutionWaitingHuman ExecutionState = "waiting_human"
	ExecutionCompleted    ExecutionState = "completed"
	ExecutionFailed       ExecutionState = "failed"
	ExecutionCancelled    ExecutionState = "cancelled"
)

// IsTerminal reports whether the state is final
func (s ExecutionState) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// ExecutionLog is the persistent mirror of an execution handle
// Maps to: execution_log table, unique on execution_id
type ExecutionLog struct {
	ExecutionID uuid.UUID      `db:"execution_id" json:"execution_id"`
	WorkflowID  uuid.UUID      `db:"workflow_id" json:"workflow_id"`
	UserID      string         `db:"user_id" json:"user_id"`
	State       ExecutionState `db:"state" json:"state"`

	InputData  json.RawMessage `db:"input_data" json:"input_data,omitempty"`
	Output     json.RawMessage `db:"output" json:"output,omitempty"`
	Error      *string         `db:"error" json:"error,omitempty"`
	FailedNode *string         `db:"failed_node" json:"failed_node,omitempty"`

	// Sub-workflow lineage
	ParentExecutionID *uuid.UUID `db:"parent_execution_id" json:"parent_execution_id,omitempty"`
	NestingDepth      int        `db:"nesting_depth" json:"nesting_depth"`
	TimeoutBudgetMs   int64      `db:"timeout_budget_ms" json:"timeout_budget_ms"`

	StartedAt   time.Time  `db:"started_at" json:"started_at"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// NodeExecutionStatus is the status of one node within an execution
type NodeExecutionStatus string

const (
	NodePending   NodeExecutionStatus = "pending"
	NodeRunning   NodeExecutionStatus = "running"
	NodeCompleted NodeExecutionStatus = "completed"
	NodeFailed    NodeExecutionStatus = "failed"
	NodeSkipped   NodeExecutionStatus = "skipped"

	// NodeCompletedWithError marks a node that failed but whose
	// failure was consumed by a downstream error edge.
	NodeCompletedWithError NodeExecutionStatus = "completed_with_error"
)

// NodeExecutionLog records one node's run within an execution
// Maps to: node_execution_log table
type NodeExecutionLog struct {
	ID          uuid.UUID           `db:"id" json:"id"`
	ExecutionID uuid.UUID           `db:"execution_id" json:"execution_id"`
	NodeID      string              `db:"node_id" json:"node_id"`
	NodeType    string              `db:"node_type" json:"node_type"`
	Order       int                 `db:"execution_order" json:"execution_order"`
	Status      NodeExecutionStatus `db:"status" json:"status"`

	Input      json.RawMessage `db:"input" json:"input,omitempty"`
	Output     json.RawMessage `db:"output" json:"output,omitempty"`
	Error      *string         `db:"error" json:"error,omitempty"`
	RetryCount int             `db:"retry_count" json:"retry_count"`

	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	DurationMs  int64      `db:"duration_ms" json:"duration_ms"`
}

// StreamEvent is one broadcast event, optionally persisted for replay
// Maps to: stream_event table
type StreamEvent struct {
	EventID     uuid.UUID       `db:"event_id" json:"event_id"`
	ExecutionID uuid.UUID       `db:"execution_id" json:"execution_id"`
	EventType   string          `db:"event_type" json:"event_type"`
	Data        json.RawMessage `db:"data" json:"data"`
	Sequence    int64           `db:"sequence" json:"sequence"`
	Timestamp   time.Time       `db:"timestamp" json:"timestamp"`
}
