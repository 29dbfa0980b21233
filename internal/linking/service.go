// Package linking binds a platform account to a verified organisation
// membership and undoes that binding on request.
package linking

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks Store,Verifier,Gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"clublink/internal/audit"
	"clublink/internal/calendar"
	"clublink/internal/events"
	"clublink/internal/membership/models"
	"clublink/internal/platform/metrics"
	"clublink/internal/verification"
	dErrors "clublink/pkg/domain-errors"
)

// maxOrgIDLength bounds org ids in runes. Org ids are otherwise opaque.
const maxOrgIDLength = 64

// Store is the subset of the membership store the service needs.
type Store interface {
	Register(ctx context.Context, orgID, platformID string, expiryYear int) error
	GetByOrgID(ctx context.Context, orgID string) (*models.Membership, error)
	GetByPlatformID(ctx context.Context, platformID string) (*models.Membership, error)
	Remove(ctx context.Context, orgID string) (int64, error)
}

// Verifier confirms a membership claim with the verification authority.
type Verifier interface {
	Verify(ctx context.Context, claim verification.Claim) error
}

// Gateway adds and removes platform accounts from the members group.
type Gateway interface {
	Add(ctx context.Context, accessToken, groupID, userID string) bool
	Remove(ctx context.Context, serviceToken, groupID, userID string) bool
}

// Config names the members group and the token used for removals.
type Config struct {
	GroupID      string
	ServiceToken string
}

type Service struct {
	store    Store
	verifier Verifier
	gateway  Gateway
	policy   *calendar.Policy
	cfg      Config

	events  events.Publisher
	audit   *audit.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithEventPublisher(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.events = p
		}
	}
}

func WithAuditPublisher(p *audit.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.audit = p
		}
	}
}

func New(store Store, verifier Verifier, gateway Gateway, policy *calendar.Policy, cfg Config, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("membership store is required")
	}
	if verifier == nil {
		return nil, errors.New("verifier is required")
	}
	if gateway == nil {
		return nil, errors.New("gateway is required")
	}
	if policy == nil {
		return nil, errors.New("calendar policy is required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("group id is required")
	}

	s := &Service{
		store:    store,
		verifier: verifier,
		gateway:  gateway,
		policy:   policy,
		cfg:      cfg,
		events:   events.Noop{},
		logger:   slog.Default(),
		tracer:   otel.Tracer("clublink/linking"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.audit == nil {
		s.audit = audit.NewPublisher(nil, audit.WithLogger(s.logger))
	}
	return s, nil
}

// LinkRequest is one link attempt. Credential is used for verification only
// and is never stored or logged.
type LinkRequest struct {
	PlatformID  string
	Username    string
	AccessToken string
	OrgID       string
	Credential  string
}

// Status describes the caller's current link.
type Status struct {
	Membership *models.Membership `json:"membership,omitempty"`
	Linked     bool               `json:"linked"`
	Expired    bool               `json:"expired"`
	// CanRenew reports whether the link form may be submitted.
	CanRenew bool `json:"can_renew"`
}

// Link verifies the claim, joins the caller to the members group and
// records the link. Nothing is stored unless both external steps succeed.
func (s *Service) Link(ctx context.Context, req LinkRequest) (*models.Membership, error) {
	ctx, span := s.tracer.Start(ctx, "linking.link", trace.WithAttributes(
		attribute.String("platform_id", req.PlatformID),
	))
	defer span.End()

	m, err := s.link(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.metrics.IncLink(linkOutcome(err))
		return nil, err
	}
	s.metrics.IncLink("linked")
	return m, nil
}

func (s *Service) link(ctx context.Context, req LinkRequest) (*models.Membership, error) {
	orgID := strings.TrimSpace(req.OrgID)
	if err := validateLinkRequest(req.PlatformID, orgID, req.Credential); err != nil {
		return nil, err
	}

	canLink, _, err := s.canLink(ctx, req.PlatformID)
	if err != nil {
		return nil, err
	}
	if !canLink {
		return nil, dErrors.New(dErrors.CodeForbidden, "Your account is already linked to a current membership.")
	}

	holder, err := s.store.GetByOrgID(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if holder != nil && holder.PlatformID != req.PlatformID {
		return nil, dErrors.New(dErrors.CodeConflict, "This membership is already linked to another account.")
	}

	if err := s.verifier.Verify(ctx, verification.Claim{OrgID: orgID, Credential: req.Credential}); err != nil {
		return nil, err
	}

	if !s.gateway.Add(ctx, req.AccessToken, s.cfg.GroupID, req.PlatformID) {
		return nil, dErrors.New(dErrors.CodeGatewayFailure, "Could not add you to the members team, please try again later.")
	}

	expiryYear := s.policy.ExpiryYearForNewLink(ctx)
	if err := s.store.Register(ctx, orgID, req.PlatformID, expiryYear); err != nil {
		s.audit.Emit(ctx, audit.Entry{
			Channel:    audit.ChannelExpiryError,
			Message:    "Joined team but failed to record link for " + req.PlatformID + " / " + orgID,
			OrgID:      orgID,
			PlatformID: req.PlatformID,
			Err:        err,
		})
		return nil, err
	}

	m := &models.Membership{OrgID: orgID, PlatformID: req.PlatformID, ExpiryYear: expiryYear}
	s.audit.Infof(ctx, audit.ChannelLink, "Linked %s (%s) to %s, expires %d", req.PlatformID, req.Username, orgID, expiryYear)
	events.Emit(ctx, s.events, s.logger, events.New(ctx, events.TypeLinked, orgID, req.PlatformID, expiryYear))
	return m, nil
}

// Status returns the caller's membership and whether they may (re)link.
func (s *Service) Status(ctx context.Context, platformID string) (*Status, error) {
	if platformID == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "platform account required")
	}
	canLink, m, err := s.canLink(ctx, platformID)
	if err != nil {
		return nil, err
	}
	st := &Status{Membership: m, Linked: m != nil, CanRenew: canLink}
	if m != nil {
		st.Expired = s.policy.IsExpired(ctx, m.ExpiryYear)
	}
	return st, nil
}

// canLink is true when the account has no link or its link has lapsed.
func (s *Service) canLink(ctx context.Context, platformID string) (bool, *models.Membership, error) {
	m, err := s.store.GetByPlatformID(ctx, platformID)
	if err != nil {
		return false, nil, err
	}
	if m == nil {
		return true, nil, nil
	}
	return s.policy.IsExpired(ctx, m.ExpiryYear), m, nil
}

// Unlink removes the caller's own link.
func (s *Service) Unlink(ctx context.Context, platformID string) error {
	m, err := s.store.GetByPlatformID(ctx, platformID)
	if err != nil {
		return err
	}
	if m == nil {
		return dErrors.New(dErrors.CodeNotFound, "no membership linked to this account")
	}
	return s.remove(ctx, m)
}

// AdminRemove removes the link held by orgID.
func (s *Service) AdminRemove(ctx context.Context, orgID string) error {
	m, err := s.store.GetByOrgID(ctx, orgID)
	if err != nil {
		return err
	}
	if m == nil {
		return dErrors.New(dErrors.CodeNotFound, "membership not found")
	}
	return s.remove(ctx, m)
}

// remove kicks the member from the group best effort, then drops the row.
func (s *Service) remove(ctx context.Context, m *models.Membership) error {
	ctx, span := s.tracer.Start(ctx, "linking.remove", trace.WithAttributes(
		attribute.String("org_id", m.OrgID),
	))
	defer span.End()

	if s.gateway.Remove(ctx, s.cfg.ServiceToken, s.cfg.GroupID, m.PlatformID) {
		s.audit.Emit(ctx, audit.Entry{
			Channel:    audit.ChannelKick,
			Message:    "Kicked " + m.PlatformID + " (" + m.OrgID + ") on removal",
			OrgID:      m.OrgID,
			PlatformID: m.PlatformID,
		})
	} else {
		s.audit.Emit(ctx, audit.Entry{
			Channel:    audit.ChannelKickError,
			Message:    "Failed to kick " + m.PlatformID + " (" + m.OrgID + ") on removal",
			OrgID:      m.OrgID,
			PlatformID: m.PlatformID,
		})
	}

	if _, err := s.store.Remove(ctx, m.OrgID); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	events.Emit(ctx, s.events, s.logger, events.New(ctx, events.TypeRemoved, m.OrgID, m.PlatformID, m.ExpiryYear))
	return nil
}

func validateLinkRequest(platformID, orgID, credential string) error {
	if platformID == "" {
		return dErrors.New(dErrors.CodeUnauthorized, "platform account required")
	}
	if !validOrgID(orgID) {
		return dErrors.New(dErrors.CodeValidation, "Invalid member ID.")
	}
	if credential == "" {
		return dErrors.New(dErrors.CodeValidation, "Password is required.")
	}
	return nil
}

// validOrgID accepts any non-empty printable id without whitespace. '|' and
// ';' are refused because they delimit the authority's parameter string.
func validOrgID(orgID string) bool {
	if orgID == "" || utf8.RuneCountInString(orgID) > maxOrgIDLength {
		return false
	}
	for _, r := range orgID {
		if r == utf8.RuneError || !unicode.IsPrint(r) || unicode.IsSpace(r) || r == '|' || r == ';' {
			return false
		}
	}
	return true
}

func linkOutcome(err error) string {
	de, ok := dErrors.As(err)
	if !ok {
		return "error"
	}
	return string(de.Code)
}
