package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// HITLType classifies a human-in-the-loop request
type HITLType string

const (
	HITLApproval      HITLType = "approval"
	HITLClarification HITLType = "clarification"
	HITLErrorRecovery HITLType = "error_recovery"
)

// HITLStatus is the lifecycle status of a human-in-the-loop request
type HITLStatus string

const (
	HITLPending   HITLStatus = "pending"
	HITLApproved  HITLStatus = "approved"
	HITLRejected  HITLStatus = "rejected"
	HITLAnswered  HITLStatus = "answered"
	HITLTimeout   HITLStatus = "timeout"
	HITLCancelled HITLStatus = "cancelled"
)

// HITLRequest is a pending human decision blocking an execution
// Maps to: hitl_request table
type HITLRequest struct {
	ID          uuid.UUID `db:"id" json:"id"`
	ExecutionID uuid.UUID `db:"execution_id" json:"execution_id"`
	UserID      string    `db:"user_id" json:"user_id"`
	NodeID      string    `db:"node_id" json:"node_id"`

	Type    HITLType `db:"type" json:"type"`
	Title   string   `db:"title" json:"title"`
	Message string   `db:"message" json:"message"`
	Options []string `db:"options" json:"options"`

	ContextData json.RawMessage `db:"context_data" json:"context_data,omitempty"`

	Status   HITLStatus      `db:"status" json:"status"`
	Response json.RawMessage `db:"response" json:"response,omitempty"`

	TimeoutSeconds int    `db:"timeout_seconds" json:"timeout_seconds"`
	AutoAction     string `db:"auto_action" json:"auto_action"`

	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	RespondedAt *time.Time `db:"responded_at" json:"responded_at,omitempty"`
}
