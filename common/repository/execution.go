package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/flowforge/flowforge/common/db"
	"github.com/flowforge/flowforge/common/models"
)

// ExecutionRepository handles execution and node-level run records
type ExecutionRepository struct {
	db *db.DB
}

func NewExecutionRepository(database *db.DB) *ExecutionRepository {
	return &ExecutionRepository{db: database}
}

const executionColumns = `
	execution_id, workflow_id, user_id, state, input_data, output,
	error, failed_node, parent_execution_id, nesting_depth,
	timeout_budget_ms, started_at, completed_at
`

func scanExecution(row pgx.Row) (*models.ExecutionLog, error) {
	e := &models.ExecutionLog{}
	err := row.Scan(
		&e.ExecutionID, &e.WorkflowID, &e.UserID, &e.State, &e.InputData,
		&e.Output, &e.Error, &e.FailedNode, &e.ParentExecutionID,
		&e.NestingDepth, &e.TimeoutBudgetMs, &e.StartedAt, &e.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}
	return e, nil
}

// Create inserts a new execution record
func (r *ExecutionRepository) Create(ctx context.Context, e *models.ExecutionLog) error {
	query := `
		INSERT INTO execution_log (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.db.Exec(ctx, query,
		e.ExecutionID, e.WorkflowID, e.UserID, e.State, e.InputData,
		e.Output, e.Error, e.FailedNode, e.ParentExecutionID,
		e.NestingDepth, e.TimeoutBudgetMs, e.StartedAt, e.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

// Get retrieves an execution owned by the user
func (r *ExecutionRepository) Get(ctx context.Context, userID string, executionID uuid.UUID) (*models.ExecutionLog, error) {
	query := `SELECT ` + executionColumns + ` FROM execution_log WHERE execution_id = $1 AND user_id = $2`
	return scanExecution(r.db.QueryRow(ctx, query, executionID, userID))
}

// List returns a workflow's executions, newest first
func (r *ExecutionRepository) List(ctx context.Context, userID string, workflowID uuid.UUID, limit, offset int) ([]models.ExecutionLog, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	query := `
		SELECT ` + executionColumns + `
		FROM execution_log
		WHERE user_id = $1 AND workflow_id = $2
		ORDER BY started_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.db.Query(ctx, query, userID, workflowID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []models.ExecutionLog
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// UpdateState moves an execution to a non-terminal state
func (r *ExecutionRepository) UpdateState(ctx context.Context, executionID uuid.UUID, state models.ExecutionState) error {
	query := `UPDATE execution_log SET state = $2 WHERE execution_id = $1`
	tag, err := r.db.Exec(ctx, query, executionID, state)
	if err != nil {
		return fmt.Errorf("failed to update execution state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Complete finalizes an execution with its terminal state
func (r *ExecutionRepository) Complete(ctx context.Context, e *models.ExecutionLog) error {
	query := `
		UPDATE execution_log
		SET state = $2, output = $3, error = $4, failed_node = $5, completed_at = $6
		WHERE execution_id = $1
	`
	_, err := r.db.Exec(ctx, query,
		e.ExecutionID, e.State, e.Output, e.Error, e.FailedNode, e.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to complete execution: %w", err)
	}
	return nil
}

// CountRunning returns the user's non-terminal executions, used to
// cap concurrent runs per tenant
func (r *ExecutionRepository) CountRunning(ctx context.Context, userID string) (int, error) {
	query := `
		SELECT count(*)
		FROM execution_log
		WHERE user_id = $1 AND state IN ('pending', 'running', 'paused', 'waiting_human')
	`
	var count int
	if err := r.db.QueryRow(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count running executions: %w", err)
	}
	return count, nil
}

// InsertNodeLog records a node run starting or being skipped
func (r *ExecutionRepository) InsertNodeLog(ctx context.Context, n *models.NodeExecutionLog) error {
	query := `
		INSERT INTO node_execution_log
		(id, execution_id, node_id, node_type, execution_order, status, input, retry_count, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.Exec(ctx, query,
		n.ID, n.ExecutionID, n.NodeID, n.NodeType, n.Order, n.Status,
		n.Input, n.RetryCount, n.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert node log: %w", err)
	}
	return nil
}

// FinishNodeLog closes a node run with its outcome
func (r *ExecutionRepository) FinishNodeLog(ctx context.Context, id uuid.UUID, status models.NodeExecutionStatus, output []byte, nodeErr *string, retryCount int, completedAt time.Time, durationMs int64) error {
	query := `
		UPDATE node_execution_log
		SET status = $2, output = $3, error = $4, retry_count = $5, completed_at = $6, duration_ms = $7
		WHERE id = $1
	`
	_, err := r.db.Exec(ctx, query, id, status, output, nodeErr, retryCount, completedAt, durationMs)
	if err != nil {
		return fmt.Errorf("failed to finish node log: %w", err)
	}
	return nil
}

// ListNodeLogs returns an execution's node runs in execution order
func (r *ExecutionRepository) ListNodeLogs(ctx context.Context, executionID uuid.UUID) ([]models.NodeExecutionLog, error) {
	query := `
		SELECT id, execution_id, node_id, node_type, execution_order, status,
		       input, output, error, retry_count, started_at, completed_at, duration_ms
		FROM node_execution_log
		WHERE execution_id = $1
		ORDER BY execution_order ASC, started_at ASC
	`
	rows, err := r.db.Query(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list node logs: %w", err)
	}
	defer rows.Close()

	var out []models.NodeExecutionLog
	for rows.Next() {
		var n models.NodeExecutionLog
		if err := rows.Scan(
			&n.ID, &n.ExecutionID, &n.NodeID, &n.NodeType, &n.Order, &n.Status,
			&n.Input, &n.Output, &n.Error, &n.RetryCount, &n.StartedAt,
			&n.CompletedAt, &n.DurationMs,
		); err != nil {
			return nil, fmt.Errorf("failed to scan node log: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
