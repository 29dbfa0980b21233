package linking

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cucumber/godog"
)

// TestContext is what the link steps need from the scenario world.
type TestContext interface {
	AddAuthorityMember(orgID, credential string)
	SetAuthorityUp(up bool)
	AddAccount(platformID, token string)
	SetRefuseJoin(refuse bool)
	InTeam(platformID string) bool
	SeedMembership(orgID, platformID string, expiryYear int) error
	Request(method, path, platformID string, body any) error
	AdminRequest(method, path string) error
	LastStatus() int
	ResponseField(field string) (any, error)
	MembershipOf(platformID string) (orgID string, expiryYear int, ok bool)
}

// RegisterSteps registers link, status and removal step definitions.
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	s := &linkingSteps{tc: tc}

	ctx.Step(`^the authority knows member "([^"]*)" with credential "([^"]*)"$`, s.authorityKnowsMember)
	ctx.Step(`^the authority is down$`, s.authorityIsDown)
	ctx.Step(`^platform account "([^"]*)" signs in with token "([^"]*)"$`, s.accountSignsIn)
	ctx.Step(`^the platform refuses team joins$`, s.platformRefusesJoins)
	ctx.Step(`^member "([^"]*)" was linked to "([^"]*)" with expiry year (\d+)$`, s.memberWasLinked)

	ctx.Step(`^"([^"]*)" links member "([^"]*)" with credential "([^"]*)"$`, s.links)
	ctx.Step(`^"([^"]*)" checks their membership$`, s.checksMembership)
	ctx.Step(`^"([^"]*)" unlinks their membership$`, s.unlinks)
	ctx.Step(`^the administrator removes member "([^"]*)"$`, s.adminRemoves)

	ctx.Step(`^the response status should be (\d+)$`, s.statusShouldBe)
	ctx.Step(`^the response error should be "([^"]*)"$`, s.errorShouldBe)
	ctx.Step(`^the response field "([^"]*)" should be (true|false)$`, s.fieldShouldBeBool)
	ctx.Step(`^"([^"]*)" should be in the members team$`, s.shouldBeInTeam)
	ctx.Step(`^"([^"]*)" should not be in the members team$`, s.shouldNotBeInTeam)
	ctx.Step(`^"([^"]*)" should be linked to member "([^"]*)" until (\d+)$`, s.shouldBeLinked)
	ctx.Step(`^"([^"]*)" should have no membership$`, s.shouldHaveNoMembership)
}

type linkingSteps struct {
	tc TestContext
}

type linkBody struct {
	OrgID      string `json:"org_id"`
	Credential string `json:"credential"`
}

func (s *linkingSteps) authorityKnowsMember(_ context.Context, orgID, credential string) error {
	s.tc.AddAuthorityMember(orgID, credential)
	return nil
}

func (s *linkingSteps) authorityIsDown(context.Context) error {
	s.tc.SetAuthorityUp(false)
	return nil
}

func (s *linkingSteps) accountSignsIn(_ context.Context, platformID, token string) error {
	s.tc.AddAccount(platformID, token)
	return nil
}

func (s *linkingSteps) platformRefusesJoins(context.Context) error {
	s.tc.SetRefuseJoin(true)
	return nil
}

func (s *linkingSteps) memberWasLinked(_ context.Context, orgID, platformID string, year int) error {
	return s.tc.SeedMembership(orgID, platformID, year)
}

func (s *linkingSteps) links(_ context.Context, platformID, orgID, credential string) error {
	return s.tc.Request(http.MethodPost, "/me/membership", platformID, linkBody{OrgID: orgID, Credential: credential})
}

func (s *linkingSteps) checksMembership(_ context.Context, platformID string) error {
	return s.tc.Request(http.MethodGet, "/me/membership", platformID, nil)
}

func (s *linkingSteps) unlinks(_ context.Context, platformID string) error {
	return s.tc.Request(http.MethodDelete, "/me/membership", platformID, nil)
}

func (s *linkingSteps) adminRemoves(_ context.Context, orgID string) error {
	return s.tc.AdminRequest(http.MethodDelete, "/admin/memberships/"+orgID)
}

func (s *linkingSteps) statusShouldBe(_ context.Context, want int) error {
	if got := s.tc.LastStatus(); got != want {
		return fmt.Errorf("expected status %d, got %d", want, got)
	}
	return nil
}

func (s *linkingSteps) errorShouldBe(_ context.Context, want string) error {
	got, err := s.tc.ResponseField("error")
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("expected error %q, got %v", want, got)
	}
	return nil
}

func (s *linkingSteps) fieldShouldBeBool(_ context.Context, field, want string) error {
	got, err := s.tc.ResponseField(field)
	if err != nil {
		return err
	}
	if fmt.Sprint(got) != want {
		return fmt.Errorf("expected %s=%s, got %v", field, want, got)
	}
	return nil
}

func (s *linkingSteps) shouldBeInTeam(_ context.Context, platformID string) error {
	if !s.tc.InTeam(platformID) {
		return fmt.Errorf("%s is not in the members team", platformID)
	}
	return nil
}

func (s *linkingSteps) shouldNotBeInTeam(_ context.Context, platformID string) error {
	if s.tc.InTeam(platformID) {
		return fmt.Errorf("%s is still in the members team", platformID)
	}
	return nil
}

func (s *linkingSteps) shouldBeLinked(_ context.Context, platformID, orgID string, year int) error {
	gotOrg, gotYear, ok := s.tc.MembershipOf(platformID)
	if !ok {
		return fmt.Errorf("%s has no membership", platformID)
	}
	if gotOrg != orgID || gotYear != year {
		return fmt.Errorf("expected %s linked to %s until %d, got %s until %d", platformID, orgID, year, gotOrg, gotYear)
	}
	return nil
}

func (s *linkingSteps) shouldHaveNoMembership(_ context.Context, platformID string) error {
	if orgID, _, ok := s.tc.MembershipOf(platformID); ok {
		return fmt.Errorf("%s is still linked to %s", platformID, orgID)
	}
	return nil
}
