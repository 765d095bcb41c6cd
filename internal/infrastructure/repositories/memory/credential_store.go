package memory

import (
	"context"
	"time"

	"pttlink/internal/core/domain"
	"pttlink/internal/core/ports"
	"pttlink/pkg/cache"
)

// CredentialStore is the in-memory tier of the credential cache. Entries
// live until their credential expires; capacity pressure evicts the
// oldest-cached entry first.
type CredentialStore struct {
	cache *cache.Cache
	now   func() time.Time
}

// NewCredentialStore creates the fast tier with the given entry cap.
func NewCredentialStore(maxEntries int) *CredentialStore {
	return &CredentialStore{
		cache: cache.New(time.Hour, cache.WithMaxEntries(maxEntries)),
		now:   time.Now,
	}
}

func (s *CredentialStore) Get(ctx context.Context, scope domain.ScopeKey) (*domain.Credential, error) {
	v, ok := s.cache.Get(scope.String())
	if !ok {
		return nil, domain.ErrNoCredential
	}
	return v.(*domain.Credential), nil
}

func (s *CredentialStore) Put(ctx context.Context, cred *domain.Credential) error {
	ttl := cred.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return domain.ErrCredentialExpired
	}
	s.cache.SetWithTTL(cred.Scope.String(), cred, ttl)
	return nil
}

func (s *CredentialStore) Delete(ctx context.Context, scope domain.ScopeKey) error {
	s.cache.Delete(scope.String())
	return nil
}

// Stop terminates the cache cleanup goroutine.
func (s *CredentialStore) Stop() {
	s.cache.Stop()
}

var _ ports.CredentialStore = (*CredentialStore)(nil)
