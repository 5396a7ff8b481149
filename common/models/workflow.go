package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WorkflowStatus represents the lifecycle status of a workflow
type WorkflowStatus string

const (
	WorkflowDraft    WorkflowStatus = "draft"
	WorkflowActive   WorkflowStatus = "active"
	WorkflowPaused   WorkflowStatus = "paused"
	WorkflowArchived WorkflowStatus = "archived"
)

// CanTransitionTo reports whether a status change is legal.
// Transitions move forward only; archived workflows cannot be reactivated.
func (s WorkflowStatus) CanTransitionTo(next WorkflowStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case WorkflowDraft:
		return next == WorkflowActive || next == WorkflowArchived
	case WorkflowActive:
		return next == WorkflowPaused || next == WorkflowArchived
	case WorkflowPaused:
		return next == WorkflowActive || next == WorkflowArchived
	case WorkflowArchived:
		return false
	}
	return false
}

// Workflow represents a stored workflow definition
// Maps to: workflow table
type Workflow struct {
	ID     uuid.UUID `db:"id" json:"id"`
	UserID string    `db:"user_id" json:"user_id"`
	Name   string    `db:"name" json:"name"`
	Slug   string    `db:"slug" json:"slug"`

	// Graph definition: {nodes: [], edges: [], settings: {}}
	Definition json.RawMessage `db:"definition" json:"definition"`

	Status        WorkflowStatus `db:"status" json:"status"`
	VersionNumber int            `db:"version_number" json:"version_number"`

	// Execution counters, updated on terminal execution states
	TotalExecutions      int     `db:"total_executions" json:"total_executions"`
	SuccessfulExecutions int     `db:"successful_executions" json:"successful_executions"`
	AverageDurationMs    float64 `db:"average_duration_ms" json:"average_duration_ms"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// WorkflowVersion is an immutable snapshot of a workflow definition
// Maps to: workflow_version table, unique on (workflow_id, version_number)
type WorkflowVersion struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	WorkflowID    uuid.UUID       `db:"workflow_id" json:"workflow_id"`
	VersionNumber int             `db:"version_number" json:"version_number"`
	Definition    json.RawMessage `db:"definition" json:"definition"`
	CreatedBy     string          `db:"created_by" json:"created_by"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}
