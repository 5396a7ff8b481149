package credentials

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/flowforge/common/cache"
	"github.com/flowforge/flowforge/common/logger"
	"github.com/flowforge/flowforge/common/models"
)

var errNotFound = errors.New("credential not found")

type memoryStore struct {
	mu    sync.Mutex
	creds map[uuid.UUID]*models.Credential
	audit []models.CredentialAuditEntry
}

func newMemoryStore() *memoryStore {
	return &memoryStore{creds: make(map[uuid.UUID]*models.Credential)}
}

func (s *memoryStore) Create(ctx context.Context, cred *models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *cred
	s.creds[cred.ID] = &copied
	return nil
}

func (s *memoryStore) Get(ctx context.Context, userID string, id uuid.UUID) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.creds[id]
	if !ok || cred.UserID != userID {
		return nil, errNotFound
	}
	copied := *cred
	return &copied, nil
}

func (s *memoryStore) List(ctx context.Context, userID string) ([]models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Credential
	for _, cred := range s.creds {
		if cred.UserID == userID {
			out = append(out, *cred)
		}
	}
	return out, nil
}

func (s *memoryStore) Update(ctx context.Context, cred *models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *cred
	s.creds[cred.ID] = &copied
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, userID string, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, id)
	return nil
}

func (s *memoryStore) AppendAudit(ctx context.Context, entry *models.CredentialAuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, *entry)
	return nil
}

func (s *memoryStore) auditActions() []models.CredentialAuditAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.CredentialAuditAction, len(s.audit))
	for i, entry := range s.audit {
		out[i] = entry.Action
	}
	return out
}

func newTestService(t *testing.T) (*Service, *memoryStore) {
	t.Helper()
	cipher, err := NewCipher("unit-test-secret")
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}
	log := logger.New("error", "json")
	store := newMemoryStore()
	return NewService(store, cipher, cache.NewMemoryCache(log), log), store
}

func TestService_CreateEncryptsAtRest(t *testing.T) {
	svc, store := newTestService(t)

	cred, err := svc.Create(context.Background(), "user-1", "github token",
		models.CredentialBearer, map[string]any{"token": "ghp_secret"}, nil, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	stored := store.creds[cred.ID]
	if strings.Contains(string(stored.EncryptedData), "ghp_secret") {
		t.Error("stored payload must be encrypted")
	}
}

func TestService_CreateRequiresName(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Create(context.Background(), "user-1", "  ",
		models.CredentialBearer, map[string]any{"token": "x"}, nil, nil); err == nil {
		t.Error("blank name must be rejected")
	}
}

func TestService_ResolveReturnsPayloadAndAudits(t *testing.T) {
	svc, store := newTestService(t)
	cred, err := svc.Create(context.Background(), "user-1", "api key",
		models.CredentialAPIKey, map[string]any{"api_key": "sk-123"}, nil, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	payload, err := svc.Resolve(context.Background(), "user-1", cred.ID)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if payload["api_key"] != "sk-123" {
		t.Errorf("unexpected payload: %v", payload)
	}

	actions := store.auditActions()
	if len(actions) != 1 || actions[0] != models.AuditFetch {
		t.Errorf("expected one fetch audit entry, got %v", actions)
	}
}

func TestService_ResolveIsScopedToOwner(t *testing.T) {
	svc, _ := newTestService(t)
	cred, _ := svc.Create(context.Background(), "user-1", "api key",
		models.CredentialAPIKey, map[string]any{"api_key": "sk-123"}, nil, nil)

	if _, err := svc.Resolve(context.Background(), "user-2", cred.ID); err == nil {
		t.Error("another user must not resolve the credential")
	}
}

func TestService_ResolveUsesCache(t *testing.T) {
	svc, store := newTestService(t)
	cred, _ := svc.Create(context.Background(), "user-1", "api key",
		models.CredentialAPIKey, map[string]any{"api_key": "sk-123"}, nil, nil)

	if _, err := svc.Resolve(context.Background(), "user-1", cred.ID); err != nil {
		t.Fatalf("first Resolve failed: %v", err)
	}

	// Drop the stored credential; a cached second resolve still works
	store.mu.Lock()
	delete(store.creds, cred.ID)
	store.mu.Unlock()

	payload, err := svc.Resolve(context.Background(), "user-1", cred.ID)
	if err != nil {
		t.Fatalf("cached Resolve failed: %v", err)
	}
	if payload["api_key"] != "sk-123" {
		t.Errorf("unexpected cached payload: %v", payload)
	}
}

func TestService_UpdateInvalidatesCache(t *testing.T) {
	svc, _ := newTestService(t)
	cred, _ := svc.Create(context.Background(), "user-1", "api key",
		models.CredentialAPIKey, map[string]any{"api_key": "old"}, nil, nil)

	if _, err := svc.Resolve(context.Background(), "user-1", cred.ID); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if _, err := svc.Update(context.Background(), "user-1", cred.ID, "api key",
		map[string]any{"api_key": "new"}, nil, nil); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	payload, err := svc.Resolve(context.Background(), "user-1", cred.ID)
	if err != nil {
		t.Fatalf("Resolve after update failed: %v", err)
	}
	if payload["api_key"] != "new" {
		t.Errorf("stale payload served after update: %v", payload)
	}
}

func TestService_VerifyChecksRequiredFields(t *testing.T) {
	svc, _ := newTestService(t)

	complete, _ := svc.Create(context.Background(), "user-1", "basic",
		models.CredentialBasic, map[string]any{"username": "bob", "password": "pw"}, nil, nil)
	if err := svc.Verify(context.Background(), "user-1", complete.ID); err != nil {
		t.Errorf("complete credential must verify, got %v", err)
	}

	incomplete, _ := svc.Create(context.Background(), "user-1", "basic",
		models.CredentialBasic, map[string]any{"username": "bob"}, nil, nil)
	err := svc.Verify(context.Background(), "user-1", incomplete.ID)
	if err == nil {
		t.Fatal("incomplete credential must fail verification")
	}
	if !strings.Contains(err.Error(), "password") {
		t.Errorf("error must name the missing field, got %v", err)
	}
}

func TestService_DeleteRemovesCredential(t *testing.T) {
	svc, _ := newTestService(t)
	cred, _ := svc.Create(context.Background(), "user-1", "api key",
		models.CredentialAPIKey, map[string]any{"api_key": "sk"}, nil, nil)

	if err := svc.Delete(context.Background(), "user-1", cred.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := svc.Get(context.Background(), "user-1", cred.ID); err == nil {
		t.Error("deleted credential must not be retrievable")
	}
}

func TestService_OAuthRefreshNotTriggeredWhenFresh(t *testing.T) {
	svc, store := newTestService(t)
	future := time.Now().Add(time.Hour)
	tokenURL := "http://127.0.0.1:1/never-called"
	cred, _ := svc.Create(context.Background(), "user-1", "oauth",
		models.CredentialOAuth2, map[string]any{
			"access_token":  "at",
			"refresh_token": "rt",
			"client_id":     "cid",
		}, &tokenURL, &future)

	payload, err := svc.Resolve(context.Background(), "user-1", cred.ID)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if payload["access_token"] != "at" {
		t.Errorf("unexpected payload: %v", payload)
	}
	for _, action := range store.auditActions() {
		if action == models.AuditRefresh {
			t.Error("fresh token must not be refreshed")
		}
	}
}
