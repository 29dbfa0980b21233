// Package verification confirms a claimed membership against the external
// verification authority.
package verification

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"clublink/internal/platform/metrics"
	dErrors "clublink/pkg/domain-errors"
	"clublink/pkg/platform/circuit"
)

// maxBodyBytes caps how much of an upstream response is read.
const maxBodyBytes = 64 << 10

// maxLoggedPayload caps raw payloads copied into logs.
const maxLoggedPayload = 512

// Claim is one verification attempt. It is never persisted.
type Claim struct {
	OrgID      string
	Credential string
}

// Config describes the authority endpoints and static credentials.
type Config struct {
	VerifyURL string
	// TransformURLs are called in order; each turns the credential into the
	// input of the next stage. Empty means the raw credential is submitted.
	TransformURLs   []string
	APIUser         string
	APIPassword     string
	ClientReference string
	ObjectName      string
	SharedSecret    string
	ServiceToken    string
	Timeout         time.Duration

	// BackdoorOrgID and BackdoorCredentialHash enable a non-production
	// bypass. Both must be set.
	BackdoorOrgID          string
	BackdoorCredentialHash string
}

// Client runs the transform and lookup stages against the authority.
type Client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *circuit.Breaker
	tracer     trace.Tracer
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(cl *Client) {
		if b != nil {
			cl.breaker = b
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) {
		if logger != nil {
			cl.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(cl *Client) {
		cl.metrics = m
	}
}

// New validates the endpoints and builds a client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.VerifyURL == "" {
		return nil, dErrors.New(dErrors.CodeConfiguration, "verification URL is required")
	}
	for _, raw := range append([]string{cfg.VerifyURL}, cfg.TransformURLs...) {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, dErrors.New(dErrors.CodeConfiguration, fmt.Sprintf("invalid verification endpoint %q", raw))
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		breaker:    circuit.New("verification", circuit.WithFailureThreshold(5), circuit.WithCooldown(30*time.Second)),
		tracer:     otel.Tracer("clublink/verification"),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Verify returns nil when the authority confirms the claim. Explicit
// rejections carry CodeVerificationFailed; everything else that is not a
// success carries CodeVerificationUnavailable.
func (c *Client) Verify(ctx context.Context, claim Claim) error {
	ctx, span := c.tracer.Start(ctx, "verification.verify",
		trace.WithAttributes(attribute.Int("transform.stages", len(c.cfg.TransformURLs))),
	)
	defer span.End()

	if claim.OrgID == "" || claim.Credential == "" {
		return dErrors.New(dErrors.CodeValidation, "member id and password are required")
	}

	if c.backdoorMatches(claim) {
		c.logger.WarnContext(ctx, "verification bypassed by backdoor", "org_id", claim.OrgID)
		span.SetAttributes(attribute.Bool("backdoor", true))
		c.metrics.IncVerification("backdoor")
		return nil
	}

	if !c.breaker.Allow() {
		return c.fail(ctx, span, claim, &Error{Category: CategoryCircuitOpen, Message: "verification authority circuit open"})
	}

	credential := claim.Credential
	for i, endpoint := range c.cfg.TransformURLs {
		next, err := c.transform(ctx, i, endpoint, credential)
		if err != nil {
			c.breaker.RecordFailure()
			return c.fail(ctx, span, claim, err)
		}
		credential = next
	}

	body, verr := c.lookup(ctx, claim.OrgID, credential)
	if verr == nil {
		verr = evaluate(body)
	}

	switch {
	case verr == nil:
		c.recordSuccess(ctx)
		c.metrics.IncVerification("verified")
		return nil
	case verr.Category == CategoryRejected || verr.Category == CategoryAmbiguous:
		// The authority answered, so it is healthy.
		c.recordSuccess(ctx)
	default:
		if _, change := c.breaker.RecordFailure(); change.Opened {
			c.logger.WarnContext(ctx, "verification circuit opened")
		}
	}
	return c.fail(ctx, span, claim, verr)
}

func (c *Client) recordSuccess(ctx context.Context) {
	if _, change := c.breaker.RecordSuccess(); change.Closed {
		c.logger.InfoContext(ctx, "verification circuit closed")
	}
}

func (c *Client) fail(ctx context.Context, span trace.Span, claim Claim, verr *Error) error {
	err := classify(verr)
	outcome := "unavailable"
	if verr.Category == CategoryRejected {
		outcome = "failed"
	}
	c.metrics.IncVerification(outcome)
	span.SetStatus(codes.Error, string(verr.Category))
	span.SetAttributes(attribute.String("verification.category", string(verr.Category)))

	attrs := []any{
		"org_id", claim.OrgID,
		"category", string(verr.Category),
		"error", verr.Error(),
	}
	if verr.Category == CategoryAmbiguous || verr.Category == CategoryBadResponse {
		attrs = append(attrs, "raw_payload", truncate(verr.RawPayload, maxLoggedPayload))
		c.logger.WarnContext(ctx, "verification response needs manual review", attrs...)
	} else {
		c.logger.InfoContext(ctx, "verification did not succeed", attrs...)
	}
	return err
}

func (c *Client) backdoorMatches(claim Claim) bool {
	if c.cfg.BackdoorOrgID == "" || c.cfg.BackdoorCredentialHash == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(claim.OrgID), []byte(c.cfg.BackdoorOrgID)) != 1 {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(c.cfg.BackdoorCredentialHash), []byte(claim.Credential)) == nil
}

// transform submits the credential to one transform endpoint. The trimmed
// body is the transformed credential. Failures are never retried.
func (c *Client) transform(ctx context.Context, stage int, endpoint, credential string) (string, *Error) {
	ctx, span := c.tracer.Start(ctx, "verification.transform", trace.WithAttributes(attribute.Int("stage", stage)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	form := url.Values{"credential": {credential}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &Error{Category: CategoryTransform, Message: fmt.Sprintf("build transform request %d", stage), Underlying: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, status, err := c.do(req)
	if err != nil {
		span.SetStatus(codes.Error, "transport")
		return "", &Error{Category: CategoryTransform, Message: fmt.Sprintf("transform stage %d unreachable", stage), Underlying: err}
	}
	if status < 200 || status > 299 {
		span.SetStatus(codes.Error, "status")
		return "", &Error{Category: CategoryTransform, Message: fmt.Sprintf("transform stage %d returned status %d", stage, status)}
	}
	out := strings.TrimSpace(body)
	if out == "" {
		return "", &Error{Category: CategoryTransform, Message: fmt.Sprintf("transform stage %d returned an empty credential", stage)}
	}
	return out, nil
}

// lookup submits the final verification request and returns the raw body.
func (c *Client) lookup(ctx context.Context, orgID, credential string) (string, *Error) {
	ctx, span := c.tracer.Start(ctx, "verification.lookup")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	u, err := url.Parse(c.cfg.VerifyURL)
	if err != nil {
		return "", &Error{Category: CategoryUnreachable, Message: "invalid verification URL", Underlying: err}
	}
	q := u.Query()
	q.Set("userId", c.cfg.APIUser)
	q.Set("password", c.cfg.APIPassword)
	q.Set("clientReference", c.cfg.ClientReference)
	q.Set("objectName", c.cfg.ObjectName)
	q.Set("objectType", "sp")
	q.Set("parameters", fmt.Sprintf("MID|%s;%s|%s;Token|%s", orgID, c.cfg.SharedSecret, credential, c.cfg.ServiceToken))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", &Error{Category: CategoryUnreachable, Message: "build verification request", Underlying: err}
	}

	body, status, err := c.do(req)
	if err != nil {
		span.SetStatus(codes.Error, "transport")
		return "", &Error{Category: CategoryUnreachable, Message: "verification authority unreachable", Underlying: err}
	}
	span.SetAttributes(attribute.Int("http.status_code", status))
	if status < 200 || status > 299 {
		span.SetStatus(codes.Error, "status")
		return "", &Error{
			Category:   CategoryUnreachable,
			Message:    fmt.Sprintf("verification authority returned status %d", status),
			RawPayload: body,
		}
	}
	return body, nil
}

// do executes req and reads a bounded body. Transport errors are stripped of
// the request URL because its query string carries the credential.
func (c *Client) do(req *http.Request) (string, int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return "", 0, fmt.Errorf("%s request failed: %w", urlErr.Op, urlErr.Err)
		}
		return "", 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return string(data), resp.StatusCode, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
