package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"
	"pgregory.net/rapid"

	"clublink/internal/membership/models"
	dErrors "clublink/pkg/domain-errors"
)

// =============================================================================
// In-memory Store Test Suite
// =============================================================================
// Justification for unit tests: the in-memory store backs service tests and
// development deployments, so it must honour the same one-link invariant and
// removal semantics as the PostgreSQL store.

type InMemoryStoreSuite struct {
	suite.Suite
	store *InMemoryStore
	ctx   context.Context
}

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryStoreSuite))
}

func (s *InMemoryStoreSuite) SetupTest() {
	s.store = NewInMemoryStore()
	s.ctx = context.Background()
}

func (s *InMemoryStoreSuite) TestRoundTrip() {
	s.Require().NoError(s.store.Register(s.ctx, "A", "B", 2024))

	m, err := s.store.GetByOrgID(s.ctx, "A")
	s.Require().NoError(err)
	s.Equal(&models.Membership{OrgID: "A", PlatformID: "B", ExpiryYear: 2024}, m)

	m, err = s.store.GetByPlatformID(s.ctx, "B")
	s.Require().NoError(err)
	s.Equal("A", m.OrgID)
}

func (s *InMemoryStoreSuite) TestGetMissingReturnsNil() {
	m, err := s.store.GetByOrgID(s.ctx, "missing")
	s.NoError(err)
	s.Nil(m)

	m, err = s.store.GetByPlatformID(s.ctx, "missing")
	s.NoError(err)
	s.Nil(m)
}

func (s *InMemoryStoreSuite) TestRelinkOverwrites() {
	s.Run("same org id new platform account", func() {
		s.store.Clear()
		s.Require().NoError(s.store.Register(s.ctx, "A", "B", 2024))
		s.Require().NoError(s.store.Register(s.ctx, "A", "C", 2025))

		all, err := s.store.ListAll(s.ctx)
		s.Require().NoError(err)
		s.Equal([]*models.Membership{{OrgID: "A", PlatformID: "C", ExpiryYear: 2025}}, all)

		old, err := s.store.GetByPlatformID(s.ctx, "B")
		s.NoError(err)
		s.Nil(old)
	})

	s.Run("cross link removes both previous rows", func() {
		s.store.Clear()
		s.Require().NoError(s.store.Register(s.ctx, "A", "X", 2024))
		s.Require().NoError(s.store.Register(s.ctx, "B", "Y", 2024))
		s.Require().NoError(s.store.Register(s.ctx, "A", "Y", 2025))

		all, err := s.store.ListAll(s.ctx)
		s.Require().NoError(err)
		s.Equal([]*models.Membership{{OrgID: "A", PlatformID: "Y", ExpiryYear: 2025}}, all)
	})
}

func (s *InMemoryStoreSuite) TestRegisterValidation() {
	err := s.store.Register(s.ctx, "A", "B", 24)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	err = s.store.Register(s.ctx, "", "B", 2024)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *InMemoryStoreSuite) TestRemoveIsIdempotent() {
	s.Require().NoError(s.store.Register(s.ctx, "A", "B", 2024))

	n, err := s.store.Remove(s.ctx, "A")
	s.NoError(err)
	s.Equal(int64(1), n)

	n, err = s.store.Remove(s.ctx, "A")
	s.NoError(err)
	s.Equal(int64(0), n)
}

func (s *InMemoryStoreSuite) TestRemoveByPlatformID() {
	s.Require().NoError(s.store.Register(s.ctx, "A", "B", 2024))

	n, err := s.store.RemoveByPlatformID(s.ctx, "B")
	s.NoError(err)
	s.Equal(int64(1), n)

	m, err := s.store.GetByOrgID(s.ctx, "A")
	s.NoError(err)
	s.Nil(m)

	n, err = s.store.RemoveByPlatformID(s.ctx, "B")
	s.NoError(err)
	s.Equal(int64(0), n)
}

func (s *InMemoryStoreSuite) TestListExpiredAtOrBefore() {
	s.Require().NoError(s.store.Register(s.ctx, "old", "p1", 2022))
	s.Require().NoError(s.store.Register(s.ctx, "edge", "p2", 2023))
	s.Require().NoError(s.store.Register(s.ctx, "current", "p3", 2024))

	expired, err := s.store.ListExpiredAtOrBefore(s.ctx, 2023)
	s.Require().NoError(err)
	s.Len(expired, 2)
	s.Equal("edge", expired[0].OrgID)
	s.Equal("old", expired[1].OrgID)
}

func (s *InMemoryStoreSuite) TestReferrals() {
	s.Require().NoError(s.store.ReferralClick(s.ctx, "p1"))
	s.Require().NoError(s.store.ReferralClick(s.ctx, "p1"))
	s.Require().NoError(s.store.ReferralClick(s.ctx, "p2"))

	n, err := s.store.ReferralCount(s.ctx)
	s.NoError(err)
	s.Equal(int64(2), n)

	s.True(dErrors.HasCode(s.store.ReferralClick(s.ctx, ""), dErrors.CodeValidation))
}

func (s *InMemoryStoreSuite) TestConcurrentOverlappingRegisters() {
	const goroutines = 50
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.store.Register(s.ctx, fmt.Sprintf("org-%d", i%5), fmt.Sprintf("p-%d", i%7), 2024)
		}(i)
	}
	wg.Wait()

	assertOneLinkInvariant(s.T(), s.store)
}

func assertOneLinkInvariant(t interface {
	Fatalf(format string, args ...any)
}, st *InMemoryStore) {
	all, err := st.ListAll(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	orgs := map[string]bool{}
	platforms := map[string]bool{}
	for _, m := range all {
		if orgs[m.OrgID] {
			t.Fatalf("org id %q linked twice", m.OrgID)
		}
		if platforms[m.PlatformID] {
			t.Fatalf("platform id %q linked twice", m.PlatformID)
		}
		orgs[m.OrgID] = true
		platforms[m.PlatformID] = true
	}
}

// TestRegisterInvariantProperty drives random Register/Remove sequences over a
// small identifier space so collisions are frequent.
func TestRegisterInvariantProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		st := NewInMemoryStore()
		ctx := context.Background()
		orgGen := rapid.SampledFrom([]string{"o1", "o2", "o3", "o4"})
		platformGen := rapid.SampledFrom([]string{"p1", "p2", "p3", "p4"})

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		var lastOrg, lastPlatform string
		var lastYear int
		for i := 0; i < steps; i++ {
			if rapid.Bool().Draw(rt, fmt.Sprintf("register-%d", i)) {
				lastOrg = orgGen.Draw(rt, fmt.Sprintf("org-%d", i))
				lastPlatform = platformGen.Draw(rt, fmt.Sprintf("platform-%d", i))
				lastYear = rapid.IntRange(2000, 2100).Draw(rt, fmt.Sprintf("year-%d", i))
				if err := st.Register(ctx, lastOrg, lastPlatform, lastYear); err != nil {
					rt.Fatalf("register: %v", err)
				}
				got, err := st.GetByOrgID(ctx, lastOrg)
				if err != nil || got == nil || got.PlatformID != lastPlatform || got.ExpiryYear != lastYear {
					rt.Fatalf("register(%s,%s,%d) not readable: %+v %v", lastOrg, lastPlatform, lastYear, got, err)
				}
			} else {
				org := orgGen.Draw(rt, fmt.Sprintf("remove-%d", i))
				if _, err := st.Remove(ctx, org); err != nil {
					rt.Fatalf("remove: %v", err)
				}
			}
			assertOneLinkInvariant(rt, st)
		}
	})
}
