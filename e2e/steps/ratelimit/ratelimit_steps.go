package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cucumber/godog"
)

// TestContext is what the rate limit steps need from the scenario world.
type TestContext interface {
	Build(linkLimit int, linkWindow time.Duration) error
	Request(method, path, platformID string, body any) error
	LastStatus() int
	LastHeader(key string) string
}

// RegisterSteps registers link attempt limiting step definitions.
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	s := &ratelimitSteps{tc: tc}

	ctx.Step(`^link attempts are limited to (\d+) per (\d+) minutes$`, s.limitedTo)
	ctx.Step(`^"([^"]*)" guesses the credential of member "([^"]*)" (\d+) times$`, s.guesses)
	ctx.Step(`^the last (\d+) attempts? should have been rejected with (\d+)$`, s.lastRejected)
	ctx.Step(`^the response should carry a Retry-After header$`, s.retryAfter)
}

type ratelimitSteps struct {
	tc       TestContext
	statuses []int
}

func (s *ratelimitSteps) limitedTo(_ context.Context, limit, minutes int) error {
	return s.tc.Build(limit, time.Duration(minutes)*time.Minute)
}

func (s *ratelimitSteps) guesses(_ context.Context, platformID, orgID string, times int) error {
	s.statuses = s.statuses[:0]
	for i := range times {
		body := map[string]string{"org_id": orgID, "credential": "guess-" + strconv.Itoa(i)}
		if err := s.tc.Request(http.MethodPost, "/me/membership", platformID, body); err != nil {
			return err
		}
		s.statuses = append(s.statuses, s.tc.LastStatus())
	}
	return nil
}

func (s *ratelimitSteps) lastRejected(_ context.Context, n, status int) error {
	if n > len(s.statuses) {
		return fmt.Errorf("only %d attempts were made", len(s.statuses))
	}
	for i, got := range s.statuses[len(s.statuses)-n:] {
		if got != status {
			return fmt.Errorf("attempt %d: expected %d, got %d (all: %v)", len(s.statuses)-n+i+1, status, got, s.statuses)
		}
	}
	return nil
}

func (s *ratelimitSteps) retryAfter(context.Context) error {
	if s.tc.LastHeader("Retry-After") == "" {
		return fmt.Errorf("missing Retry-After header")
	}
	return nil
}
