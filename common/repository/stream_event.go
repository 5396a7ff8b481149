package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/flowforge/flowforge/common/db"
	"github.com/flowforge/flowforge/common/models"
)

// StreamEventRepository persists broadcast events for replay
type StreamEventRepository struct {
	db *db.DB
}

func NewStreamEventRepository(database *db.DB) *StreamEventRepository {
	return &StreamEventRepository{db: database}
}

// SaveStreamEvent appends one event; it satisfies the broadcaster's
// Store interface
func (r *StreamEventRepository) SaveStreamEvent(ctx context.Context, e *models.StreamEvent) error {
	query := `
		INSERT INTO stream_event (event_id, execution_id, event_type, data, sequence, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Exec(ctx, query,
		e.EventID, e.ExecutionID, e.EventType, e.Data, e.Sequence, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to save stream event: %w", err)
	}
	return nil
}

// ListAfter returns an execution's events with sequence numbers
// strictly greater than afterSequence, in order
func (r *StreamEventRepository) ListAfter(ctx context.Context, executionID uuid.UUID, afterSequence int64, limit int) ([]models.StreamEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	query := `
		SELECT event_id, execution_id, event_type, data, sequence, timestamp
		FROM stream_event
		WHERE execution_id = $1 AND sequence > $2
		ORDER BY sequence ASC
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, executionID, afterSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stream events: %w", err)
	}
	defer rows.Close()

	var out []models.StreamEvent
	for rows.Next() {
		var e models.StreamEvent
		if err := rows.Scan(&e.EventID, &e.ExecutionID, &e.EventType, &e.Data, &e.Sequence, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan stream event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
