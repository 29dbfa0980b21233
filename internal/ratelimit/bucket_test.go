package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

const (
	testLimit  = 3
	testWindow = 15 * time.Minute
)

type InMemoryStoreSuite struct {
	suite.Suite
	store *InMemoryStore
	now   time.Time
	ctx   context.Context
}

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryStoreSuite))
}

func (s *InMemoryStoreSuite) SetupTest() {
	s.now = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	s.store = NewInMemoryStore()
	s.store.now = func() time.Time { return s.now }
	s.ctx = context.Background()
}

func (s *InMemoryStoreSuite) TestAllow() {
	s.Run("attempts up to the limit are allowed", func() {
		var result *Result
		for i := range testLimit {
			var err error
			result, err = s.store.Allow(s.ctx, "link:up-to", testLimit, testWindow)
			s.Require().NoError(err)
			s.True(result.Allowed)
			s.Equal(testLimit-i-1, result.Remaining)
		}
		s.Equal(s.now.Add(testWindow), result.ResetAt)
	})

	s.Run("attempt over the limit is denied with retry hint", func() {
		for range testLimit {
			_, err := s.store.Allow(s.ctx, "link:over", testLimit, testWindow)
			s.Require().NoError(err)
		}
		s.now = s.now.Add(5 * time.Minute)
		result, err := s.store.Allow(s.ctx, "link:over", testLimit, testWindow)
		s.Require().NoError(err)
		s.False(result.Allowed)
		s.Equal(0, result.Remaining)
		s.Equal(10*time.Minute, result.RetryAfter)
	})

	s.Run("keys are independent", func() {
		for range testLimit {
			_, err := s.store.Allow(s.ctx, "link:alice", testLimit, testWindow)
			s.Require().NoError(err)
		}
		result, err := s.store.Allow(s.ctx, "link:bob", testLimit, testWindow)
		s.Require().NoError(err)
		s.True(result.Allowed)
	})
}

func (s *InMemoryStoreSuite) TestWindowSlides() {
	for range testLimit {
		_, err := s.store.Allow(s.ctx, "link:slide", testLimit, testWindow)
		s.Require().NoError(err)
	}

	s.now = s.now.Add(testWindow)
	result, err := s.store.Allow(s.ctx, "link:slide", testLimit, testWindow)
	s.Require().NoError(err)
	s.True(result.Allowed, "attempts older than the window no longer count")
	s.Equal(testLimit-1, result.Remaining)
}

func (s *InMemoryStoreSuite) TestIdleAccountsAreDropped() {
	for _, key := range []string{"link:alice", "link:bob", "link:carol"} {
		_, err := s.store.Allow(s.ctx, key, testLimit, testWindow)
		s.Require().NoError(err)
	}
	s.Len(s.store.buckets, 3)

	s.now = s.now.Add(testWindow + sweepInterval)
	_, err := s.store.Allow(s.ctx, "link:dave", testLimit, testWindow)
	s.Require().NoError(err)

	s.Len(s.store.buckets, 1, "only the account inside its window is kept")
	s.Contains(s.store.buckets, "link:dave")
}

func (s *InMemoryStoreSuite) TestSweepKeepsActiveWindows() {
	for range testLimit {
		_, err := s.store.Allow(s.ctx, "link:busy", testLimit, testWindow)
		s.Require().NoError(err)
	}

	s.now = s.now.Add(2 * sweepInterval)
	result, err := s.store.Allow(s.ctx, "link:busy", testLimit, testWindow)
	s.Require().NoError(err)
	s.False(result.Allowed, "a sweep must not forget attempts still in the window")
}

func (s *InMemoryStoreSuite) TestConcurrentAttemptsNeverExceedLimit() {
	const workers = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := s.store.Allow(s.ctx, "link:race", testLimit, testWindow)
			if err == nil && result.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	s.Equal(testLimit, allowed)
}
