package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/flowforge/flowforge/common/db"
	"github.com/flowforge/flowforge/common/models"
)

// HITLRepository handles human-in-the-loop request records
type HITLRepository struct {
	db *db.DB
}

func NewHITLRepository(database *db.DB) *HITLRepository {
	return &HITLRepository{db: database}
}

const hitlColumns = `
	id, execution_id, user_id, node_id, type, title, message, options,
	context_data, status, response, timeout_seconds, auto_action,
	created_at, responded_at
`

func scanHITL(row pgx.Row) (*models.HITLRequest, error) {
	h := &models.HITLRequest{}
	err := row.Scan(
		&h.ID, &h.ExecutionID, &h.UserID, &h.NodeID, &h.Type, &h.Title,
		&h.Message, &h.Options, &h.ContextData, &h.Status, &h.Response,
		&h.TimeoutSeconds, &h.AutoAction, &h.CreatedAt, &h.RespondedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan hitl request: %w", err)
	}
	return h, nil
}

// Create inserts a pending request
func (r *HITLRepository) Create(ctx context.Context, h *models.HITLRequest) error {
	query := `
		INSERT INTO hitl_request (` + hitlColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := r.db.Exec(ctx, query,
		h.ID, h.ExecutionID, h.UserID, h.NodeID, h.Type, h.Title,
		h.Message, h.Options, h.ContextData, h.Status, h.Response,
		h.TimeoutSeconds, h.AutoAction, h.CreatedAt, h.RespondedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create hitl request: %w", err)
	}
	return nil
}

// Get retrieves a request owned by the user
func (r *HITLRepository) Get(ctx context.Context, userID string, id uuid.UUID) (*models.HITLRequest, error) {
	query := `SELECT ` + hitlColumns + ` FROM hitl_request WHERE id = $1 AND user_id = $2`
	return scanHITL(r.db.QueryRow(ctx, query, id, userID))
}

// ListPending returns the user's open requests, oldest first
func (r *HITLRepository) ListPending(ctx context.Context, userID string) ([]models.HITLRequest, error) {
	query := `
		SELECT ` + hitlColumns + `
		FROM hitl_request
		WHERE user_id = $1 AND status = 'pending'
		ORDER BY created_at ASC
	`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending hitl requests: %w", err)
	}
	defer rows.Close()

	var out []models.HITLRequest
	for rows.Next() {
		h, err := scanHITL(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

// Resolve closes a pending request with the given status. The WHERE
// clause on status makes concurrent responders race safely: exactly
// one update wins, the rest see ErrNotFound.
func (r *HITLRepository) Resolve(ctx context.Context, id uuid.UUID, status models.HITLStatus, response json.RawMessage) error {
	query := `
		UPDATE hitl_request
		SET status = $2, response = $3, responded_at = $4
		WHERE id = $1 AND status = 'pending'
	`
	tag, err := r.db.Exec(ctx, query, id, status, response, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to resolve hitl request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
