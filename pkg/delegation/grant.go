package delegation

import (
	"sync"
	"time"

	"github.com/swapforge/core/pkg/model"
)

// GrantStore holds issued grants so Revoke can flip RevokedAt and
// Introspect's RevocationChecker can consult it. The settlement/export
// components reading grants for scope checks use the same store.
type GrantStore struct {
	mu     sync.RWMutex
	grants map[string]model.DelegationGrant
}

// NewGrantStore returns an empty store.
func NewGrantStore() *GrantStore {
	return &GrantStore{grants: make(map[string]model.DelegationGrant)}
}

// Put records a newly issued grant.
func (s *GrantStore) Put(g model.DelegationGrant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[g.DelegationID] = g
}

// Get returns a grant by ID.
func (s *GrantStore) Get(delegationID string) (model.DelegationGrant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[delegationID]
	return g, ok
}

// Revoke stamps RevokedAt on the grant if present and not already revoked.
func (s *GrantStore) Revoke(delegationID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[delegationID]
	if !ok || g.RevokedAt != nil {
		return false
	}
	g.RevokedAt = &now
	s.grants[delegationID] = g
	return true
}

// Checker returns a RevocationChecker backed by this store.
func (s *GrantStore) Checker() RevocationChecker {
	return func(delegationID string) *time.Time {
		s.mu.RLock()
		defer s.mu.RUnlock()
		g, ok := s.grants[delegationID]
		if !ok {
			return nil
		}
		return g.RevokedAt
	}
}
