package memory

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/JakeFAU/multipublish/internal/domain"
)

type credentialKey struct {
	userID   string
	platform string
}

// CredentialStore keeps one credential per (user, platform).
type CredentialStore struct {
	mu    sync.RWMutex
	creds map[credentialKey]domain.PlatformCredential
}

// NewCredentialStore creates an empty CredentialStore.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{creds: make(map[credentialKey]domain.PlatformCredential)}
}

// Put inserts or replaces the credential for its (user, platform).
func (s *CredentialStore) Put(cred domain.PlatformCredential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[credentialKey{userID: cred.UserID, platform: cred.Platform}] = cred
}

// FindActiveCredentials implements domain.CredentialStore.
func (s *CredentialStore) FindActiveCredentials(_ context.Context) ([]domain.PlatformCredential, error) {
	return s.filter(func(c domain.PlatformCredential) bool { return c.IsActive }), nil
}

// FindByUser implements domain.CredentialStore.
func (s *CredentialStore) FindByUser(_ context.Context, userID string) ([]domain.PlatformCredential, error) {
	return s.filter(func(c domain.PlatformCredential) bool { return c.UserID == userID }), nil
}

func (s *CredentialStore) filter(keep func(domain.PlatformCredential) bool) []domain.PlatformCredential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.PlatformCredential
	for _, cred := range s.creds {
		if keep(cred) {
			out = append(out, cred)
		}
	}
	slices.SortFunc(out, func(a, b domain.PlatformCredential) int {
		if c := strings.Compare(a.UserID, b.UserID); c != 0 {
			return c
		}
		return strings.Compare(a.Platform, b.Platform)
	})
	return out
}
