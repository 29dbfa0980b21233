package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"clublink/internal/admintoken"
	"clublink/internal/http/mocks"
	"clublink/internal/linking"
	"clublink/internal/membership/models"
	"clublink/internal/platform/metrics"
	"clublink/internal/ratelimit"
	dErrors "clublink/pkg/domain-errors"
	"clublink/pkg/requestcontext"
	"clublink/pkg/testutil"
)

// =============================================================================
// HTTP Router Test Suite
// =============================================================================
// Justification for unit tests: the router owns authentication and the
// mapping from domain error codes to statuses. Services are mocked so each
// test pins one route's contract.

type stubAccounts struct{}

func (stubAccounts) Account(_ context.Context, token string) (*requestcontext.PlatformAccount, error) {
	if token == "alice-token" {
		return &requestcontext.PlatformAccount{ID: "alice", Username: "Alice"}, nil
	}
	return nil, dErrors.New(dErrors.CodeUnauthorized, "bad token")
}

type RouterSuite struct {
	suite.Suite
	ctrl       *gomock.Controller
	links      *mocks.MockLinkService
	store      *mocks.MockMembershipStore
	adminToken string
	healthErr  error
	router     http.Handler
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}

func (s *RouterSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.links = mocks.NewMockLinkService(s.ctrl)
	s.store = mocks.NewMockMembershipStore(s.ctrl)
	s.healthErr = nil

	tokens, err := admintoken.New("router-test-secret-0123")
	s.Require().NoError(err)
	s.adminToken, err = tokens.Issue("root-admin", time.Hour)
	s.Require().NoError(err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	h := NewHandler(s.links, s.store, map[string]HealthCheck{
		"database": func(context.Context) error { return s.healthErr },
	}, logger)
	s.router = NewRouter(h, RouterConfig{
		Logger:         logger,
		Metrics:        metrics.New(reg),
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Accounts:       stubAccounts{},
		AdminTokens:    tokens,
		AdminID:        "root-admin",
	})
}

func (s *RouterSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *RouterSuite) do(method, path, token, body string) *httptest.ResponseRecorder {
	return testutil.DoRequest(s.router, testutil.WithBearer(testutil.NewRawRequest(method, path, body), token))
}

func (s *RouterSuite) TestHealth() {
	s.Run("healthy", func() {
		rec := s.do(http.MethodGet, "/healthz", "", "")
		s.Equal(http.StatusOK, rec.Code)
		s.JSONEq(`{"status":"ok","checks":{"database":"ok"}}`, rec.Body.String())
	})

	s.Run("degraded", func() {
		s.healthErr = errors.New("down")
		rec := s.do(http.MethodGet, "/healthz", "", "")
		s.Equal(http.StatusServiceUnavailable, rec.Code)
		s.JSONEq(`{"status":"degraded","checks":{"database":"unavailable"}}`, rec.Body.String())
	})
}

func (s *RouterSuite) TestMetricsEndpoint() {
	_ = s.do(http.MethodGet, "/healthz", "", "")
	rec := s.do(http.MethodGet, "/metrics", "", "")
	s.Equal(http.StatusOK, rec.Code)
	s.Contains(rec.Body.String(), `clublink_http_request_duration_seconds_count{route="/healthz",status="200"} 1`)
}

func (s *RouterSuite) TestMembershipRequiresPlatformToken() {
	s.Equal(http.StatusUnauthorized, s.do(http.MethodGet, "/me/membership", "", "").Code)
	s.Equal(http.StatusUnauthorized, s.do(http.MethodGet, "/me/membership", "stolen", "").Code)
}

func (s *RouterSuite) TestGetMembership() {
	s.links.EXPECT().Status(gomock.Any(), "alice").Return(&linking.Status{
		Membership: &models.Membership{OrgID: "12345", PlatformID: "alice", ExpiryYear: 2025},
		Linked:     true,
	}, nil)

	rec := s.do(http.MethodGet, "/me/membership", "alice-token", "")
	s.Equal(http.StatusOK, rec.Code)
	s.JSONEq(`{"membership":{"org_id":"12345","platform_id":"alice","expiry_year":2025},"linked":true,"expired":false,"can_renew":false}`, rec.Body.String())
}

func (s *RouterSuite) TestLink() {
	s.links.EXPECT().Link(gomock.Any(), linking.LinkRequest{
		PlatformID:  "alice",
		Username:    "Alice",
		AccessToken: "alice-token",
		OrgID:       "12345",
		Credential:  "hunter2",
	}).Return(&models.Membership{OrgID: "12345", PlatformID: "alice", ExpiryYear: 2025}, nil)

	rec := s.do(http.MethodPost, "/me/membership", "alice-token", `{"org_id":"12345","credential":"hunter2"}`)
	s.Equal(http.StatusCreated, rec.Code)
	s.NotContains(rec.Body.String(), "hunter2")
}

func (s *RouterSuite) TestLinkRejectsMalformedBody() {
	rec := s.do(http.MethodPost, "/me/membership", "alice-token", `{"org_id":12345`)
	testutil.AssertStatusAndError(s.T(), rec, http.StatusBadRequest, "bad_request")

	rec = s.do(http.MethodPost, "/me/membership", "alice-token", `{"org_id":"1","credential":"x","extra":true}`)
	testutil.AssertStatusAndError(s.T(), rec, http.StatusBadRequest, "bad_request")
}

func (s *RouterSuite) TestLinkErrorMapping() {
	cases := []struct {
		code   dErrors.Code
		status int
	}{
		{dErrors.CodeValidation, http.StatusBadRequest},
		{dErrors.CodeForbidden, http.StatusForbidden},
		{dErrors.CodeConflict, http.StatusConflict},
		{dErrors.CodeVerificationFailed, http.StatusUnprocessableEntity},
		{dErrors.CodeVerificationUnavailable, http.StatusServiceUnavailable},
		{dErrors.CodeGatewayFailure, http.StatusBadGateway},
		{dErrors.CodeStore, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		s.Run(string(tc.code), func() {
			s.links.EXPECT().Link(gomock.Any(), gomock.Any()).Return(nil, dErrors.New(tc.code, "msg"))
			rec := testutil.DoRequest(s.router, testutil.WithBearer(
				testutil.NewJSONRequest(s.T(), http.MethodPost, "/me/membership", linkRequest{OrgID: "1", Credential: "x"}),
				"alice-token",
			))
			testutil.AssertStatusAndError(s.T(), rec, tc.status, string(tc.code))
		})
	}
}

func (s *RouterSuite) TestLinkAttemptsAreRateLimited() {
	tokens, err := admintoken.New("router-test-secret-0123")
	s.Require().NoError(err)
	router := NewRouter(NewHandler(s.links, s.store, nil, nil), RouterConfig{
		Accounts:    stubAccounts{},
		AdminTokens: tokens,
		AdminID:     "root-admin",
		LinkLimiter: ratelimit.New(ratelimit.NewInMemoryStore(), 1, time.Minute),
	})
	link := func() int {
		req := testutil.WithBearer(testutil.NewRawRequest(http.MethodPost, "/me/membership", `{"org_id":"1","credential":"x"}`), "alice-token")
		return testutil.DoRequest(router, req).Code
	}

	s.links.EXPECT().Link(gomock.Any(), gomock.Any()).Return(nil, dErrors.New(dErrors.CodeVerificationFailed, "no"))
	s.Equal(http.StatusUnprocessableEntity, link())
	s.Equal(http.StatusTooManyRequests, link())

	s.links.EXPECT().Status(gomock.Any(), "alice").Return(&linking.Status{}, nil)
	s.Equal(http.StatusOK, testutil.DoRequest(router, testutil.WithBearer(testutil.NewRawRequest(http.MethodGet, "/me/membership", ""), "alice-token")).Code)
}

func (s *RouterSuite) TestUnlink() {
	s.links.EXPECT().Unlink(gomock.Any(), "alice").Return(nil)
	s.Equal(http.StatusNoContent, s.do(http.MethodDelete, "/me/membership", "alice-token", "").Code)
}

func (s *RouterSuite) TestReferrals() {
	s.store.EXPECT().ReferralClick(gomock.Any(), "bob").Return(nil)
	s.Equal(http.StatusNoContent, s.do(http.MethodPost, "/referrals/bob", "", "").Code)

	s.store.EXPECT().ReferralCount(gomock.Any()).Return(int64(42), nil)
	rec := s.do(http.MethodGet, "/referrals/count", "", "")
	s.Equal(http.StatusOK, rec.Code)
	s.JSONEq(`{"count":42}`, rec.Body.String())
}

func (s *RouterSuite) TestAdminRoutes() {
	s.Run("platform token is not an admin token", func() {
		s.Equal(http.StatusUnauthorized, s.do(http.MethodGet, "/admin/memberships", "alice-token", "").Code)
	})

	s.Run("lists memberships", func() {
		s.store.EXPECT().ListAll(gomock.Any()).Return([]*models.Membership{
			{OrgID: "1", PlatformID: "alice", ExpiryYear: 2025},
		}, nil)
		rec := s.do(http.MethodGet, "/admin/memberships", s.adminToken, "")
		s.Equal(http.StatusOK, rec.Code)
		s.JSONEq(`{"memberships":[{"org_id":"1","platform_id":"alice","expiry_year":2025}],"count":1}`, rec.Body.String())
	})

	s.Run("removes a membership", func() {
		s.links.EXPECT().AdminRemove(gomock.Any(), "12345").Return(nil)
		s.Equal(http.StatusNoContent, s.do(http.MethodDelete, "/admin/memberships/12345", s.adminToken, "").Code)
	})

	s.Run("unknown membership is not found", func() {
		s.links.EXPECT().AdminRemove(gomock.Any(), "404").Return(dErrors.New(dErrors.CodeNotFound, "membership not found"))
		s.Equal(http.StatusNotFound, s.do(http.MethodDelete, "/admin/memberships/404", s.adminToken, "").Code)
	})
}

func TestErrorDescriptions(t *testing.T) {
	ctrl := gomock.NewController(t)
	links := mocks.NewMockLinkService(ctrl)
	h := NewHandler(links, mocks.NewMockMembershipStore(ctrl), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	account := requestcontext.PlatformAccount{ID: "alice"}

	t.Run("authority outage explains itself", func(t *testing.T) {
		links.EXPECT().Link(gomock.Any(), gomock.Any()).
			Return(nil, dErrors.New(dErrors.CodeVerificationUnavailable, "Could not reach the membership authority."))
		req := testutil.WithAccount(testutil.NewRawRequest(http.MethodPost, "/me/membership", `{"org_id":"1","credential":"x"}`), account, "tok")
		rec := testutil.DoRequest(http.HandlerFunc(h.handleLink), req)

		body := testutil.UnmarshalResponse[map[string]string](t, rec)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "Could not reach the membership authority.", (*body)["error_description"])
	})

	t.Run("store failure hides its cause", func(t *testing.T) {
		links.EXPECT().Link(gomock.Any(), gomock.Any()).
			Return(nil, dErrors.Wrap(errors.New("pq: relation missing"), dErrors.CodeStore, "register membership"))
		req := testutil.WithAccount(testutil.NewRawRequest(http.MethodPost, "/me/membership", `{"org_id":"1","credential":"x"}`), account, "tok")
		rec := testutil.DoRequest(http.HandlerFunc(h.handleLink), req)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "relation missing")
		assert.NotContains(t, rec.Body.String(), "error_description")
	})
}
