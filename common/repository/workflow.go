package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/flowforge/flowforge/common/db"
	"github.com/flowforge/flowforge/common/models"
)

// ErrNotFound is returned when a row does not exist or is not owned
// by the requesting user
var ErrNotFound = errors.New("not found")

// WorkflowRepository handles database operations for workflows
type WorkflowRepository struct {
	db *db.DB
}

func NewWorkflowRepository(database *db.DB) *WorkflowRepository {
	return &WorkflowRepository{db: database}
}

const workflowColumns = `
	id, user_id, name, slug, definition, status, version_number,
	total_executions, successful_executions, average_duration_ms,
	created_at, updated_at
`

func scanWorkflow(row pgx.Row) (*models.Workflow, error) {
	w := &models.Workflow{}
	err := row.Scan(
		&w.ID, &w.UserID, &w.Name, &w.Slug, &w.Definition, &w.Status,
		&w.VersionNumber, &w.TotalExecutions, &w.SuccessfulExecutions,
		&w.AverageDurationMs, &w.CreatedAt, &w.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan workflow: %w", err)
	}
	return w, nil
}

// Create inserts a workflow and its first version snapshot
func (r *WorkflowRepository) Create(ctx context.Context, w *models.Workflow) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO workflow (id, user_id, name, slug, definition, status, version_number, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $8)
	`
	if _, err := tx.Exec(ctx, query,
		w.ID, w.UserID, w.Name, w.Slug, w.Definition, w.Status,
		w.CreatedAt, w.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to create workflow: %w", err)
	}

	versionQuery := `
		INSERT INTO workflow_version (id, workflow_id, version_number, definition, created_by, created_at)
		VALUES ($1, $2, 1, $3, $4, $5)
	`
	if _, err := tx.Exec(ctx, versionQuery,
		uuid.New(), w.ID, w.Definition, w.UserID, w.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to snapshot workflow version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit workflow: %w", err)
	}
	w.VersionNumber = 1
	return nil
}

// GetByID retrieves a workflow owned by the user
func (r *WorkflowRepository) GetByID(ctx context.Context, userID string, id uuid.UUID) (*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflow WHERE id = $1 AND user_id = $2`
	return scanWorkflow(r.db.QueryRow(ctx, query, id, userID))
}

// List returns the user's workflows, most recently updated first
func (r *WorkflowRepository) List(ctx context.Context, userID string, limit, offset int) ([]models.Workflow, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	query := `
		SELECT ` + workflowColumns + `
		FROM workflow
		WHERE user_id = $1
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var out []models.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// UpdateDefinition replaces the definition, bumps the version number
// and snapshots the new version
func (r *WorkflowRepository) UpdateDefinition(ctx context.Context, userID string, id uuid.UUID, definition json.RawMessage) (*models.Workflow, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE workflow
		SET definition = $3, version_number = version_number + 1, updated_at = now()
		WHERE id = $1 AND user_id = $2
		RETURNING ` + workflowColumns
	w, err := scanWorkflow(tx.QueryRow(ctx, query, id, userID, definition))
	if err != nil {
		return nil, err
	}

	versionQuery := `
		INSERT INTO workflow_version (id, workflow_id, version_number, definition, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`
	if _, err := tx.Exec(ctx, versionQuery,
		uuid.New(), w.ID, w.VersionNumber, definition, userID,
	); err != nil {
		return nil, fmt.Errorf("failed to snapshot workflow version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit workflow update: %w", err)
	}
	return w, nil
}

// ApplyPatch merges an RFC 7386 merge patch into the stored
// definition and records the result as a new version
func (r *WorkflowRepository) ApplyPatch(ctx context.Context, userID string, id uuid.UUID, patch json.RawMessage) (*models.Workflow, error) {
	current, err := r.GetByID(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	merged, err := jsonpatch.MergePatch(current.Definition, patch)
	if err != nil {
		return nil, fmt.Errorf("failed to apply definition patch: %w", err)
	}
	return r.UpdateDefinition(ctx, userID, id, merged)
}

// UpdateStatus transitions a workflow's lifecycle status
func (r *WorkflowRepository) UpdateStatus(ctx context.Context, userID string, id uuid.UUID, status models.WorkflowStatus) (*models.Workflow, error) {
	current, err := r.GetByID(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if !current.Status.CanTransitionTo(status) {
		return nil, fmt.Errorf("cannot transition workflow from %s to %s", current.Status, status)
	}

	query := `
		UPDATE workflow
		SET status = $3, updated_at = now()
		WHERE id = $1 AND user_id = $2
		RETURNING ` + workflowColumns
	return scanWorkflow(r.db.QueryRow(ctx, query, id, userID, status))
}

// Delete removes a workflow and cascades to its versions
func (r *WorkflowRepository) Delete(ctx context.Context, userID string, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM workflow WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordExecution folds one finished execution into the workflow's
// rolling counters
func (r *WorkflowRepository) RecordExecution(ctx context.Context, id uuid.UUID, success bool, durationMs int64) error {
	query := `
		UPDATE workflow
		SET total_executions = total_executions + 1,
		    successful_executions = successful_executions + CASE WHEN $2 THEN 1 ELSE 0 END,
		    average_duration_ms = (average_duration_ms * total_executions + $3) / (total_executions + 1)
		WHERE id = $1
	`
	if _, err := r.db.Exec(ctx, query, id, success, durationMs); err != nil {
		return fmt.Errorf("failed to record execution stats: %w", err)
	}
	return nil
}

// ListVersions returns a workflow's version history, newest first
func (r *WorkflowRepository) ListVersions(ctx context.Context, userID string, id uuid.UUID) ([]models.WorkflowVersion, error) {
	if _, err := r.GetByID(ctx, userID, id); err != nil {
		return nil, err
	}
	query := `
		SELECT id, workflow_id, version_number, definition, created_by, created_at
		FROM workflow_version
		WHERE workflow_id = $1
		ORDER BY version_number DESC
	`
	rows, err := r.db.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow versions: %w", err)
	}
	defer rows.Close()

	var out []models.WorkflowVersion
	for rows.Next() {
		var v models.WorkflowVersion
		if err := rows.Scan(&v.ID, &v.WorkflowID, &v.VersionNumber, &v.Definition, &v.CreatedBy, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan workflow version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetVersion returns one immutable version snapshot
func (r *WorkflowRepository) GetVersion(ctx context.Context, userID string, id uuid.UUID, version int) (*models.WorkflowVersion, error) {
	if _, err := r.GetByID(ctx, userID, id); err != nil {
		return nil, err
	}
	query := `
		SELECT id, workflow_id, version_number, definition, created_by, created_at
		FROM workflow_version
		WHERE workflow_id = $1 AND version_number = $2
	`
	v := &models.WorkflowVersion{}
	err := r.db.QueryRow(ctx, query, id, version).Scan(
		&v.ID, &v.WorkflowID, &v.VersionNumber, &v.Definition, &v.CreatedBy, &v.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow version: %w", err)
	}
	return v, nil
}
