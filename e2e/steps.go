package e2e

import (
	"github.com/cucumber/godog"

	"clublink/e2e/steps/linking"
	"clublink/e2e/steps/ratelimit"
	"clublink/e2e/steps/reconcile"
)

// RegisterSteps registers all step definitions from modular packages
func RegisterSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	linking.RegisterSteps(ctx, tc)
	reconcile.RegisterSteps(ctx, tc)
	ratelimit.RegisterSteps(ctx, tc)
}
