package linking

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"clublink/internal/audit"
	"clublink/internal/calendar"
	"clublink/internal/events"
	"clublink/internal/linking/mocks"
	"clublink/internal/membership/models"
	"clublink/internal/verification"
	dErrors "clublink/pkg/domain-errors"
	"clublink/pkg/requestcontext"
)

// =============================================================================
// Link Service Test Suite
// =============================================================================
// Justification for unit tests: the link flow orders two external side
// effects before the store write. Tests pin that a failed verification or a
// failed team join never reaches Register, and that calendar rules decide
// who may relink.

type LinkServiceSuite struct {
	suite.Suite
	ctrl     *gomock.Controller
	store    *mocks.MockStore
	verifier *mocks.MockVerifier
	gateway  *mocks.MockGateway
	events   *events.Recorder
	audit    *audit.InMemoryStore
	policy   *calendar.Policy
	service  *Service
	ctx      context.Context
}

func TestLinkServiceSuite(t *testing.T) {
	suite.Run(t, new(LinkServiceSuite))
}

func (s *LinkServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.store = mocks.NewMockStore(s.ctrl)
	s.verifier = mocks.NewMockVerifier(s.ctrl)
	s.gateway = mocks.NewMockGateway(s.ctrl)
	s.events = &events.Recorder{}
	s.audit = audit.NewInMemoryStore()

	policy, err := calendar.NewPolicy("Europe/London",
		calendar.MonthDay{Month: time.August, Day: 31},
		calendar.MonthDay{Month: time.September, Day: 14},
	)
	s.Require().NoError(err)
	s.policy = policy

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.service, err = New(s.store, s.verifier, s.gateway, policy,
		Config{GroupID: "club-members", ServiceToken: "svc-token"},
		WithLogger(logger),
		WithEventPublisher(s.events),
		WithAuditPublisher(audit.NewPublisher(s.audit, audit.WithLogger(logger))),
	)
	s.Require().NoError(err)

	// June 2025 in London: before this year's expiry date.
	s.ctx = requestcontext.WithTime(context.Background(), time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC))
}

func (s *LinkServiceSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *LinkServiceSuite) request() LinkRequest {
	return LinkRequest{
		PlatformID:  "alice",
		Username:    "Alice",
		AccessToken: "user-token",
		OrgID:       "12345",
		Credential:  "hunter2",
	}
}

// =============================================================================
// Constructor Tests (Invariant Enforcement)
// =============================================================================

func (s *LinkServiceSuite) TestNew() {
	cfg := Config{GroupID: "club-members"}

	s.Run("nil store returns error", func() {
		_, err := New(nil, s.verifier, s.gateway, s.policy, cfg)
		s.ErrorContains(err, "membership store is required")
	})

	s.Run("nil verifier returns error", func() {
		_, err := New(s.store, nil, s.gateway, s.policy, cfg)
		s.ErrorContains(err, "verifier is required")
	})

	s.Run("nil gateway returns error", func() {
		_, err := New(s.store, s.verifier, nil, s.policy, cfg)
		s.ErrorContains(err, "gateway is required")
	})

	s.Run("nil policy returns error", func() {
		_, err := New(s.store, s.verifier, s.gateway, nil, cfg)
		s.ErrorContains(err, "calendar policy is required")
	})

	s.Run("missing group returns error", func() {
		_, err := New(s.store, s.verifier, s.gateway, s.policy, Config{})
		s.ErrorContains(err, "group id is required")
	})
}

// =============================================================================
// Link
// =============================================================================

func (s *LinkServiceSuite) TestLinkSuccess() {
	req := s.request()
	gomock.InOrder(
		s.store.EXPECT().GetByPlatformID(gomock.Any(), "alice").Return(nil, nil),
		s.store.EXPECT().GetByOrgID(gomock.Any(), "12345").Return(nil, nil),
		s.verifier.EXPECT().Verify(gomock.Any(), verification.Claim{OrgID: "12345", Credential: "hunter2"}).Return(nil),
		s.gateway.EXPECT().Add(gomock.Any(), "user-token", "club-members", "alice").Return(true),
		s.store.EXPECT().Register(gomock.Any(), "12345", "alice", 2025).Return(nil),
	)

	m, err := s.service.Link(s.ctx, req)
	s.Require().NoError(err)
	s.Equal(&models.Membership{OrgID: "12345", PlatformID: "alice", ExpiryYear: 2025}, m)

	published := s.events.Events()
	s.Require().Len(published, 1)
	s.Equal(events.TypeLinked, published[0].Type)
	s.Equal(2025, published[0].ExpiryYear)

	lines := s.audit.ListByChannel(audit.ChannelLink)
	s.Require().Len(lines, 1)
	s.Contains(lines[0].Message, "alice")
	s.NotContains(lines[0].Message, "hunter2")
}

func (s *LinkServiceSuite) TestLinkAfterExpiryDateUsesNextYear() {
	ctx := requestcontext.WithTime(context.Background(), time.Date(2025, time.September, 1, 0, 0, 0, 0, time.UTC))
	s.store.EXPECT().GetByPlatformID(gomock.Any(), "alice").Return(nil, nil)
	s.store.EXPECT().GetByOrgID(gomock.Any(), "12345").Return(nil, nil)
	s.verifier.EXPECT().Verify(gomock.Any(), gomock.Any()).Return(nil)
	s.gateway.EXPECT().Add(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(true)
	s.store.EXPECT().Register(gomock.Any(), "12345", "alice", 2026).Return(nil)

	m, err := s.service.Link(ctx, s.request())
	s.Require().NoError(err)
	s.Equal(2026, m.ExpiryYear)
}

func (s *LinkServiceSuite) TestGatewayFailureLeavesNoRow() {
	s.store.EXPECT().GetByPlatformID(gomock.Any(), "alice").Return(nil, nil)
	s.store.EXPECT().GetByOrgID(gomock.Any(), "12345").Return(nil, nil)
	s.verifier.EXPECT().Verify(gomock.Any(), gomock.Any()).Return(nil)
	s.gateway.EXPECT().Add(gomock.Any(), "user-token", "club-members", "alice").Return(false)
	s.store.EXPECT().Register(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	_, err := s.service.Link(s.ctx, s.request())
	s.True(dErrors.HasCode(err, dErrors.CodeGatewayFailure))
	s.Empty(s.events.Events())
}

func (s *LinkServiceSuite) TestVerificationErrorsPropagate() {
	for _, code := range []dErrors.Code{dErrors.CodeVerificationFailed, dErrors.CodeVerificationUnavailable} {
		s.Run(string(code), func() {
			s.store.EXPECT().GetByPlatformID(gomock.Any(), "alice").Return(nil, nil)
			s.store.EXPECT().GetByOrgID(gomock.Any(), "12345").Return(nil, nil)
			s.verifier.EXPECT().Verify(gomock.Any(), gomock.Any()).Return(dErrors.New(code, "nope"))

			_, err := s.service.Link(s.ctx, s.request())
			s.True(dErrors.HasCode(err, code))
		})
	}
}

func (s *LinkServiceSuite) TestCurrentLinkIsForbidden() {
	s.store.EXPECT().GetByPlatformID(gomock.Any(), "alice").
		Return(&models.Membership{OrgID: "12345", PlatformID: "alice", ExpiryYear: 2025}, nil)

	_, err := s.service.Link(s.ctx, s.request())
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
}

func (s *LinkServiceSuite) TestExpiredLinkMayRelink() {
	s.store.EXPECT().GetByPlatformID(gomock.Any(), "alice").
		Return(&models.Membership{OrgID: "12345", PlatformID: "alice", ExpiryYear: 2024}, nil)
	s.store.EXPECT().GetByOrgID(gomock.Any(), "12345").
		Return(&models.Membership{OrgID: "12345", PlatformID: "alice", ExpiryYear: 2024}, nil)
	s.verifier.EXPECT().Verify(gomock.Any(), gomock.Any()).Return(nil)
	s.gateway.EXPECT().Add(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(true)
	s.store.EXPECT().Register(gomock.Any(), "12345", "alice", 2025).Return(nil)

	_, err := s.service.Link(s.ctx, s.request())
	s.NoError(err)
}

func (s *LinkServiceSuite) TestOrgIDHeldByAnotherAccountConflicts() {
	s.store.EXPECT().GetByPlatformID(gomock.Any(), "alice").Return(nil, nil)
	s.store.EXPECT().GetByOrgID(gomock.Any(), "12345").
		Return(&models.Membership{OrgID: "12345", PlatformID: "bob", ExpiryYear: 2025}, nil)

	_, err := s.service.Link(s.ctx, s.request())
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

func (s *LinkServiceSuite) TestValidation() {
	cases := map[string]func(*LinkRequest){
		"empty org id":             func(r *LinkRequest) { r.OrgID = "  " },
		"oversized org id":         func(r *LinkRequest) { r.OrgID = strings.Repeat("9", maxOrgIDLength+1) },
		"org id with inner space":  func(r *LinkRequest) { r.OrgID = "12 345" },
		"org id with control char": func(r *LinkRequest) { r.OrgID = "123\x00" },
		"org id with pipe":         func(r *LinkRequest) { r.OrgID = "123|secret" },
		"org id with semicolon":    func(r *LinkRequest) { r.OrgID = "123;Token" },
		"invalid utf-8 org id":     func(r *LinkRequest) { r.OrgID = "12\xff" },
		"empty credential":         func(r *LinkRequest) { r.Credential = "" },
		"missing platform id":      func(r *LinkRequest) { r.PlatformID = "" },
	}
	for name, mutate := range cases {
		s.Run(name, func() {
			req := s.request()
			mutate(&req)
			_, err := s.service.Link(s.ctx, req)
			s.Require().Error(err)
			s.True(dErrors.HasCode(err, dErrors.CodeValidation) || dErrors.HasCode(err, dErrors.CodeUnauthorized), "got %v", err)
		})
	}
}

func (s *LinkServiceSuite) TestOpaqueOrgIDs() {
	for _, orgID := range []string{"A12345", "club-0042", "ÉCOLE.7", strings.Repeat("9", maxOrgIDLength)} {
		s.Run(orgID, func() {
			req := s.request()
			req.OrgID = "  " + orgID + " "
			gomock.InOrder(
				s.store.EXPECT().GetByPlatformID(gomock.Any(), "alice").Return(nil, nil),
				s.store.EXPECT().GetByOrgID(gomock.Any(), orgID).Return(nil, nil),
				s.verifier.EXPECT().Verify(gomock.Any(), verification.Claim{OrgID: orgID, Credential: "hunter2"}).Return(nil),
				s.gateway.EXPECT().Add(gomock.Any(), "user-token", "club-members", "alice").Return(true),
				s.store.EXPECT().Register(gomock.Any(), orgID, "alice", 2025).Return(nil),
			)

			m, err := s.service.Link(s.ctx, req)
			s.Require().NoError(err)
			s.Equal(orgID, m.OrgID)
		})
	}
}

func (s *LinkServiceSuite) TestRegisterFailureIsReported() {
	storeErr := dErrors.Wrap(errors.New("connection reset"), dErrors.CodeStore, "register membership")
	s.store.EXPECT().GetByPlatformID(gomock.Any(), "alice").Return(nil, nil)
	s.store.EXPECT().GetByOrgID(gomock.Any(), "12345").Return(nil, nil)
	s.verifier.EXPECT().Verify(gomock.Any(), gomock.Any()).Return(nil)
	s.gateway.EXPECT().Add(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(true)
	s.store.EXPECT().Register(gomock.Any(), "12345", "alice", 2025).Return(storeErr)

	_, err := s.service.Link(s.ctx, s.request())
	s.True(dErrors.HasCode(err, dErrors.CodeStore))
	s.Len(s.audit.ListByChannel(audit.ChannelExpiryError), 1)
}

// =============================================================================
// Status and removal
// =============================================================================

func (s *LinkServiceSuite) TestStatus() {
	s.Run("unlinked account may link", func() {
		s.store.EXPECT().GetByPlatformID(gomock.Any(), "alice").Return(nil, nil)
		st, err := s.service.Status(s.ctx, "alice")
		s.Require().NoError(err)
		s.False(st.Linked)
		s.True(st.CanRenew)
	})

	s.Run("current link may not renew", func() {
		s.store.EXPECT().GetByPlatformID(gomock.Any(), "alice").
			Return(&models.Membership{OrgID: "1", PlatformID: "alice", ExpiryYear: 2025}, nil)
		st, err := s.service.Status(s.ctx, "alice")
		s.Require().NoError(err)
		s.True(st.Linked)
		s.False(st.Expired)
		s.False(st.CanRenew)
	})

	s.Run("lapsed link may renew", func() {
		s.store.EXPECT().GetByPlatformID(gomock.Any(), "alice").
			Return(&models.Membership{OrgID: "1", PlatformID: "alice", ExpiryYear: 2024}, nil)
		st, err := s.service.Status(s.ctx, "alice")
		s.Require().NoError(err)
		s.True(st.Expired)
		s.True(st.CanRenew)
	})
}

func (s *LinkServiceSuite) TestAdminRemove() {
	s.Run("kicks then deletes", func() {
		s.store.EXPECT().GetByOrgID(gomock.Any(), "12345").
			Return(&models.Membership{OrgID: "12345", PlatformID: "alice", ExpiryYear: 2025}, nil)
		gomock.InOrder(
			s.gateway.EXPECT().Remove(gomock.Any(), "svc-token", "club-members", "alice").Return(true),
			s.store.EXPECT().Remove(gomock.Any(), "12345").Return(int64(1), nil),
		)
		s.Require().NoError(s.service.AdminRemove(s.ctx, "12345"))
		s.Len(s.audit.ListByChannel(audit.ChannelKick), 1)
	})

	s.Run("gateway failure still deletes the row", func() {
		s.store.EXPECT().GetByOrgID(gomock.Any(), "777").
			Return(&models.Membership{OrgID: "777", PlatformID: "bob", ExpiryYear: 2025}, nil)
		s.gateway.EXPECT().Remove(gomock.Any(), "svc-token", "club-members", "bob").Return(false)
		s.store.EXPECT().Remove(gomock.Any(), "777").Return(int64(1), nil)

		s.Require().NoError(s.service.AdminRemove(s.ctx, "777"))
		s.Len(s.audit.ListByChannel(audit.ChannelKickError), 1)
	})

	s.Run("unknown org id is not found", func() {
		s.store.EXPECT().GetByOrgID(gomock.Any(), "404").Return(nil, nil)
		err := s.service.AdminRemove(s.ctx, "404")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *LinkServiceSuite) TestUnlink() {
	s.store.EXPECT().GetByPlatformID(gomock.Any(), "alice").
		Return(&models.Membership{OrgID: "12345", PlatformID: "alice", ExpiryYear: 2025}, nil)
	s.gateway.EXPECT().Remove(gomock.Any(), "svc-token", "club-members", "alice").Return(true)
	s.store.EXPECT().Remove(gomock.Any(), "12345").Return(int64(1), nil)

	s.Require().NoError(s.service.Unlink(s.ctx, "alice"))

	published := s.events.Events()
	s.Require().Len(published, 1)
	s.Equal(events.TypeRemoved, published[0].Type)
}
