package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cucumber/godog"
)

// TestContext is what the reconciliation steps need from the scenario world.
type TestContext interface {
	SetNow(t time.Time)
	SetRefuseKick(platformID string, refuse bool)
	RunCycleRemoved() int
	KickLog() []string
	KickErrorLog() []string
}

// RegisterSteps registers reconciliation step definitions.
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	s := &reconcileSteps{tc: tc}

	ctx.Step(`^today is (\d{4}-\d{2}-\d{2}) in London$`, s.todayIs)
	ctx.Step(`^the platform refuses to remove "([^"]*)"$`, s.refuseRemoval)
	ctx.Step(`^the platform accepts removal of "([^"]*)" again$`, s.acceptRemoval)
	ctx.Step(`^a reconciliation cycle runs$`, s.cycleRuns)
	ctx.Step(`^the cycle should remove (\d+) members?$`, s.cycleShouldRemove)
	ctx.Step(`^the kick log should mention "([^"]*)"$`, s.kickLogShouldMention)
	ctx.Step(`^the kick error log should mention "([^"]*)"$`, s.kickErrorLogShouldMention)
}

type reconcileSteps struct {
	tc      TestContext
	removed int
}

func (s *reconcileSteps) todayIs(_ context.Context, day string) error {
	london, err := time.LoadLocation("Europe/London")
	if err != nil {
		return err
	}
	t, err := time.ParseInLocation(time.DateOnly, day, london)
	if err != nil {
		return err
	}
	s.tc.SetNow(t.Add(12 * time.Hour))
	return nil
}

func (s *reconcileSteps) refuseRemoval(_ context.Context, platformID string) error {
	s.tc.SetRefuseKick(platformID, true)
	return nil
}

func (s *reconcileSteps) acceptRemoval(_ context.Context, platformID string) error {
	s.tc.SetRefuseKick(platformID, false)
	return nil
}

func (s *reconcileSteps) cycleRuns(context.Context) error {
	s.removed = s.tc.RunCycleRemoved()
	return nil
}

func (s *reconcileSteps) cycleShouldRemove(_ context.Context, want int) error {
	if s.removed != want {
		return fmt.Errorf("expected %d removals, got %d", want, s.removed)
	}
	return nil
}

func (s *reconcileSteps) kickLogShouldMention(_ context.Context, text string) error {
	return mention(s.tc.KickLog(), text)
}

func (s *reconcileSteps) kickErrorLogShouldMention(_ context.Context, text string) error {
	return mention(s.tc.KickErrorLog(), text)
}

func mention(lines []string, text string) error {
	for _, l := range lines {
		if strings.Contains(l, text) {
			return nil
		}
	}
	return fmt.Errorf("no log line mentions %q in %q", text, lines)
}
