package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/flowforge/common/cache"
	"github.com/flowforge/flowforge/common/logger"
	"github.com/flowforge/flowforge/common/models"
)

const (
	// cacheTTL bounds how long a decrypted payload may be served
	// without hitting the database
	cacheTTL = 5 * time.Minute

	// refreshLeeway triggers OAuth refresh before the token actually
	// expires so in-flight node executions never hold a dead token
	refreshLeeway = 5 * time.Minute
)

// Store is the persistence surface the service needs
type Store interface {
	Create(ctx context.Context, cred *models.Credential) error
	Get(ctx context.Context, userID string, id uuid.UUID) (*models.Credential, error)
	List(ctx context.Context, userID string) ([]models.Credential, error)
	Update(ctx context.Context, cred *models.Credential) error
	Delete(ctx context.Context, userID string, id uuid.UUID) error
	AppendAudit(ctx context.Context, entry *models.CredentialAuditEntry) error
}

// Service owns the credential lifecycle: encryption at rest, scoped
// access, caching of decrypted payloads, OAuth refresh, and the audit
// trail. Decrypted values never appear in logs or API responses.
type Service struct {
	store      Store
	cipher     *Cipher
	cache      cache.Cache
	httpClient *http.Client
	log        *logger.Logger
}

func NewService(store Store, cipher *Cipher, c cache.Cache, log *logger.Logger) *Service {
	return &Service{
		store:      store,
		cipher:     cipher,
		cache:      c,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		log:        log,
	}
}

// Create encrypts the payload and stores a new credential
func (s *Service) Create(ctx context.Context, userID, name string, credType models.CredentialType, payload map[string]any, tokenURL *string, expiresAt *time.Time) (*models.Credential, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("credential name is required")
	}
	sealed, err := s.seal(payload)
	if err != nil {
		return nil, err
	}

	cred := &models.Credential{
		ID:            uuid.New(),
		UserID:        userID,
		Name:          name,
		Type:          credType,
		EncryptedData: sealed,
		TokenURL:      tokenURL,
		ExpiresAt:     expiresAt,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	if err := s.store.Create(ctx, cred); err != nil {
		return nil, fmt.Errorf("store credential: %w", err)
	}
	return cred, nil
}

// List returns the caller's credentials, metadata only
func (s *Service) List(ctx context.Context, userID string) ([]models.Credential, error) {
	return s.store.List(ctx, userID)
}

// Get returns one credential's metadata, scoped to the owner
func (s *Service) Get(ctx context.Context, userID string, id uuid.UUID) (*models.Credential, error) {
	return s.store.Get(ctx, userID, id)
}

// Resolve returns the decrypted payload for use inside an execution.
// Results are cached briefly; OAuth credentials are refreshed when
// their token is about to expire. Every resolve is audited.
func (s *Service) Resolve(ctx context.Context, userID string, id uuid.UUID) (map[string]any, error) {
	key := cacheKey(userID, id)
	if cached, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		var payload map[string]any
		if err := json.Unmarshal(cached, &payload); err == nil {
			s.audit(ctx, userID, id, models.AuditFetch, map[string]any{"cached": true})
			return payload, nil
		}
	}

	cred, err := s.store.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	payload, err := s.open(cred)
	if err != nil {
		return nil, err
	}

	if cred.IsOAuth() && s.needsRefresh(cred) {
		refreshed, err := s.refresh(ctx, cred, payload)
		if err != nil {
			s.log.Warn("oauth refresh failed, serving current token",
				"credential_id", id, "error", err)
		} else {
			payload = refreshed
		}
	}

	encoded, err := json.Marshal(payload)
	if err == nil {
		if err := s.cache.Set(ctx, key, encoded, cacheTTL); err != nil {
			s.log.Warn("cache credential payload", "credential_id", id, "error", err)
		}
	}
	s.audit(ctx, userID, id, models.AuditFetch, nil)
	return payload, nil
}

// Update re-encrypts the payload and invalidates the cache
func (s *Service) Update(ctx context.Context, userID string, id uuid.UUID, name string, payload map[string]any, tokenURL *string, expiresAt *time.Time) (*models.Credential, error) {
	cred, err := s.store.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if name != "" {
		cred.Name = name
	}
	if payload != nil {
		sealed, err := s.seal(payload)
		if err != nil {
			return nil, err
		}
		cred.EncryptedData = sealed
	}
	if tokenURL != nil {
		cred.TokenURL = tokenURL
	}
	if expiresAt != nil {
		cred.ExpiresAt = expiresAt
	}
	cred.UpdatedAt = time.Now().UTC()

	if err := s.store.Update(ctx, cred); err != nil {
		return nil, fmt.Errorf("update credential: %w", err)
	}
	s.invalidate(ctx, userID, id)
	s.audit(ctx, userID, id, models.AuditUpdate, nil)
	return cred, nil
}

// Delete removes a credential and invalidates the cache
func (s *Service) Delete(ctx context.Context, userID string, id uuid.UUID) error {
	if err := s.store.Delete(ctx, userID, id); err != nil {
		return err
	}
	s.invalidate(ctx, userID, id)
	s.audit(ctx, userID, id, models.AuditDelete, nil)
	return nil
}

// Verify checks that the stored payload decrypts and carries the
// fields its type requires. It never returns the payload.
func (s *Service) Verify(ctx context.Context, userID string, id uuid.UUID) error {
	cred, err := s.store.Get(ctx, userID, id)
	if err != nil {
		return err
	}
	payload, err := s.open(cred)
	if err != nil {
		s.audit(ctx, userID, id, models.AuditVerify, map[string]any{"ok": false})
		return err
	}

	var missing []string
	for _, field := range requiredFields(cred.Type) {
		if v, ok := payload[field].(string); !ok || v == "" {
			missing = append(missing, field)
		}
	}
	ok := len(missing) == 0
	s.audit(ctx, userID, id, models.AuditVerify, map[string]any{"ok": ok})
	if !ok {
		return fmt.Errorf("credential is missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

func requiredFields(t models.CredentialType) []string {
	switch t {
	case models.CredentialAPIKey:
		return []string{"api_key"}
	case models.CredentialBearer:
		return []string{"token"}
	case models.CredentialBasic:
		return []string{"username", "password"}
	case models.CredentialOAuth2:
		return []string{"access_token", "refresh_token", "client_id"}
	default:
		return nil
	}
}

func (s *Service) needsRefresh(cred *models.Credential) bool {
	return cred.ExpiresAt != nil && time.Until(*cred.ExpiresAt) < refreshLeeway
}

// refresh exchanges the refresh token at the credential's token URL,
// persists the rotated payload, and returns it
func (s *Service) refresh(ctx context.Context, cred *models.Credential, payload map[string]any) (map[string]any, error) {
	if cred.TokenURL == nil || *cred.TokenURL == "" {
		return nil, fmt.Errorf("credential has no token URL")
	}
	refreshToken, _ := payload["refresh_token"].(string)
	if refreshToken == "" {
		return nil, fmt.Errorf("credential has no refresh token")
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	if clientID, _ := payload["client_id"].(string); clientID != "" {
		form.Set("client_id", clientID)
	}
	if clientSecret, _ := payload["client_secret"].(string); clientSecret != "" {
		form.Set("client_secret", clientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *cred.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token refresh request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("token endpoint returned %s", resp.Status)
	}

	var token struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned no access token")
	}

	payload["access_token"] = token.AccessToken
	if token.RefreshToken != "" {
		payload["refresh_token"] = token.RefreshToken
	}

	sealed, err := s.seal(payload)
	if err != nil {
		return nil, err
	}
	cred.EncryptedData = sealed
	if token.ExpiresIn > 0 {
		expires := time.Now().UTC().Add(time.Duration(token.ExpiresIn) * time.Second)
		cred.ExpiresAt = &expires
	}
	cred.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, cred); err != nil {
		return nil, fmt.Errorf("persist refreshed token: %w", err)
	}

	s.invalidate(ctx, cred.UserID, cred.ID)
	s.audit(ctx, cred.UserID, cred.ID, models.AuditRefresh, nil)
	return payload, nil
}

func (s *Service) seal(payload map[string]any) ([]byte, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode credential payload: %w", err)
	}
	return s.cipher.Encrypt(plaintext)
}

func (s *Service) open(cred *models.Credential) (map[string]any, error) {
	plaintext, err := s.cipher.Decrypt(cred.EncryptedData)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("decode credential payload: %w", err)
	}
	return payload, nil
}

func (s *Service) invalidate(ctx context.Context, userID string, id uuid.UUID) {
	if err := s.cache.Delete(ctx, cacheKey(userID, id)); err != nil {
		s.log.Warn("invalidate credential cache", "credential_id", id, "error", err)
	}
}

// audit failures are logged, never fatal: losing an audit row must
// not fail the execution that needed the credential
func (s *Service) audit(ctx context.Context, userID string, id uuid.UUID, action models.CredentialAuditAction, detail map[string]any) {
	entry := &models.CredentialAuditEntry{
		ID:           uuid.New(),
		CredentialID: id,
		UserID:       userID,
		Action:       action,
		CreatedAt:    time.Now().UTC(),
	}
	if detail != nil {
		if encoded, err := json.Marshal(detail); err == nil {
			entry.Detail = encoded
		}
	}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		s.log.Error("append credential audit entry", "credential_id", id, "action", action, "error", err)
	}
}

func cacheKey(userID string, id uuid.UUID) string {
	return fmt.Sprintf("credential:%s:%s", userID, id)
}
