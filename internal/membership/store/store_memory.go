package store

import (
	"context"
	"sort"
	"sync"

	"clublink/internal/membership/models"
	dErrors "clublink/pkg/domain-errors"
)

// InMemoryStore keeps memberships in two indexes guarded by one lock.
// Readers run concurrently; Register holds the write lock across its
// delete and insert.
type InMemoryStore struct {
	mu         sync.RWMutex
	byOrg      map[string]models.Membership
	byPlatform map[string]string // platform id -> org id
	referrals  map[string]struct{}
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byOrg:      make(map[string]models.Membership),
		byPlatform: make(map[string]string),
		referrals:  make(map[string]struct{}),
	}
}

func (s *InMemoryStore) Register(_ context.Context, orgID, platformID string, expiryYear int) error {
	m, err := models.NewMembership(orgID, platformID, expiryYear)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteOrgLocked(orgID)
	if prev, ok := s.byPlatform[platformID]; ok {
		s.deleteOrgLocked(prev)
	}
	s.byOrg[m.OrgID] = *m
	s.byPlatform[m.PlatformID] = m.OrgID
	return nil
}

func (s *InMemoryStore) deleteOrgLocked(orgID string) bool {
	m, ok := s.byOrg[orgID]
	if !ok {
		return false
	}
	delete(s.byOrg, orgID)
	delete(s.byPlatform, m.PlatformID)
	return true
}

func (s *InMemoryStore) GetByOrgID(_ context.Context, orgID string) (*models.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byOrg[orgID]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *InMemoryStore) GetByPlatformID(_ context.Context, platformID string) (*models.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	orgID, ok := s.byPlatform[platformID]
	if !ok {
		return nil, nil
	}
	m := s.byOrg[orgID]
	return &m, nil
}

func (s *InMemoryStore) Remove(_ context.Context, orgID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteOrgLocked(orgID) {
		return 1, nil
	}
	return 0, nil
}

func (s *InMemoryStore) RemoveByPlatformID(_ context.Context, platformID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orgID, ok := s.byPlatform[platformID]
	if !ok {
		return 0, nil
	}
	s.deleteOrgLocked(orgID)
	return 1, nil
}

func (s *InMemoryStore) ListAll(_ context.Context) ([]*models.Membership, error) {
	return s.filter(func(models.Membership) bool { return true }), nil
}

func (s *InMemoryStore) ListExpiredAtOrBefore(_ context.Context, year int) ([]*models.Membership, error) {
	return s.filter(func(m models.Membership) bool { return m.ExpiryYear <= year }), nil
}

func (s *InMemoryStore) filter(keep func(models.Membership) bool) []*models.Membership {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Membership, 0, len(s.byOrg))
	for _, m := range s.byOrg {
		if keep(m) {
			m := m
			out = append(out, &m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrgID < out[j].OrgID })
	return out
}

func (s *InMemoryStore) ReferralClick(_ context.Context, platformID string) error {
	if platformID == "" {
		return dErrors.New(dErrors.CodeValidation, "platform id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.referrals[platformID] = struct{}{}
	return nil
}

func (s *InMemoryStore) ReferralCount(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.referrals)), nil
}

// Ping always succeeds.
func (s *InMemoryStore) Ping(context.Context) error {
	return nil
}

// Clear drops all state. Used between tests.
func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byOrg = make(map[string]models.Membership)
	s.byPlatform = make(map[string]string)
	s.referrals = make(map[string]struct{})
}
