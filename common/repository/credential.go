package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/flowforge/flowforge/common/db"
	"github.com/flowforge/flowforge/common/models"
)

// CredentialRepository stores encrypted credentials and their audit
// trail. It satisfies the credentials service's Store interface.
type CredentialRepository struct {
	db *db.DB
}

func NewCredentialRepository(database *db.DB) *CredentialRepository {
	return &CredentialRepository{db: database}
}

const credentialColumns = `
	id, user_id, name, type, encrypted_data, token_url, expires_at,
	created_at, updated_at
`

func scanCredential(row pgx.Row) (*models.Credential, error) {
	c := &models.Credential{}
	err := row.Scan(
		&c.ID, &c.UserID, &c.Name, &c.Type, &c.EncryptedData,
		&c.TokenURL, &c.ExpiresAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan credential: %w", err)
	}
	return c, nil
}

func (r *CredentialRepository) Create(ctx context.Context, c *models.Credential) error {
	query := `
		INSERT INTO credential (` + credentialColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.Exec(ctx, query,
		c.ID, c.UserID, c.Name, c.Type, c.EncryptedData,
		c.TokenURL, c.ExpiresAt, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

func (r *CredentialRepository) Get(ctx context.Context, userID string, id uuid.UUID) (*models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credential WHERE id = $1 AND user_id = $2`
	return scanCredential(r.db.QueryRow(ctx, query, id, userID))
}

func (r *CredentialRepository) List(ctx context.Context, userID string) ([]models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credential WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var out []models.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *CredentialRepository) Update(ctx context.Context, c *models.Credential) error {
	query := `
		UPDATE credential
		SET name = $3, encrypted_data = $4, token_url = $5, expires_at = $6, updated_at = $7
		WHERE id = $1 AND user_id = $2
	`
	tag, err := r.db.Exec(ctx, query,
		c.ID, c.UserID, c.Name, c.EncryptedData, c.TokenURL, c.ExpiresAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *CredentialRepository) Delete(ctx context.Context, userID string, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM credential WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *CredentialRepository) AppendAudit(ctx context.Context, entry *models.CredentialAuditEntry) error {
	query := `
		INSERT INTO credential_audit_log (id, credential_id, user_id, action, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Exec(ctx, query,
		entry.ID, entry.CredentialID, entry.UserID, entry.Action, entry.Detail, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append credential audit entry: %w", err)
	}
	return nil
}

// ListAudit returns a credential's audit trail, newest first
func (r *CredentialRepository) ListAudit(ctx context.Context, userID string, credentialID uuid.UUID, limit int) ([]models.CredentialAuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT id, credential_id, user_id, action, detail, created_at
		FROM credential_audit_log
		WHERE credential_id = $1 AND user_id = $2
		ORDER BY created_at DESC
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, credentialID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list credential audit entries: %w", err)
	}
	defer rows.Close()

	var out []models.CredentialAuditEntry
	for rows.Next() {
		var e models.CredentialAuditEntry
		if err := rows.Scan(&e.ID, &e.CredentialID, &e.UserID, &e.Action, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
