package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CredentialType classifies how a credential authenticates
type CredentialType string

const (
	CredentialAPIKey CredentialType = "api_key"
	CredentialOAuth2 CredentialType = "oauth2"
	CredentialBasic  CredentialType = "basic"
	CredentialBearer CredentialType = "bearer"
	CredentialCustom CredentialType = "custom"
)

// Credential is an encrypted secret owned by one user
// Maps to: credential table. EncryptedData holds nonce||ciphertext
// from AES-256-GCM; the plaintext is a JSON object.
type Credential struct {
	ID     uuid.UUID      `db:"id" json:"id"`
	UserID string         `db:"user_id" json:"user_id"`
	Name   string         `db:"name" json:"name"`
	Type   CredentialType `db:"type" json:"type"`

	EncryptedData []byte `db:"encrypted_data" json:"-"`

	// OAuth2 token lifecycle; refresh fires shortly before ExpiresAt
	TokenURL  *string    `db:"token_url" json:"token_url,omitempty"`
	ExpiresAt *time.Time `db:"expires_at" json:"expires_at,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// IsOAuth reports whether the credential carries a refreshable token pair
func (c *Credential) IsOAuth() bool {
	return c.Type == CredentialOAuth2
}

// CredentialAuditAction classifies an audit log entry
type CredentialAuditAction string

const (
	AuditFetch   CredentialAuditAction = "fetch"
	AuditVerify  CredentialAuditAction = "verify"
	AuditUpdate  CredentialAuditAction = "update"
	AuditDelete  CredentialAuditAction = "delete"
	AuditRefresh CredentialAuditAction = "refresh"
)

// CredentialAuditEntry records access to a credential
// Maps to: credential_audit_log table
type CredentialAuditEntry struct {
	ID           uuid.UUID             `db:"id" json:"id"`
	CredentialID uuid.UUID             `db:"credential_id" json:"credential_id"`
	UserID       string                `db:"user_id" json:"user_id"`
	Action       CredentialAuditAction `db:"action" json:"action"`
	Detail       json.RawMessage       `db:"detail" json:"detail,omitempty"`
	CreatedAt    time.Time             `db:"created_at" json:"created_at"`
}
