// Package platformapi talks to the community platform: group join/kick for
// the members team, and bearer token resolution to a platform account.
package platformapi

import (
	"context"
	"encoding/json"
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

	dErrors "clublink/pkg/domain-errors"
	"clublink/pkg/requestcontext"
)

const maxBodyBytes = 64 << 10

// Client implements both the group gateway and the account resolver against
// one platform base URL.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	tracer     trace.Tracer
	logger     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

// WithTimeout bounds every call made by the client.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.timeout = d
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

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, dErrors.New(dErrors.CodeConfiguration, fmt.Sprintf("invalid platform base URL %q", baseURL))
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    10 * time.Second,
		tracer:     otel.Tracer("clublink/platformapi"),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type okResponse struct {
	OK bool `json:"ok"`
}

// Add joins userID to groupID using the user's own access token. Any
// failure collapses to false and is logged.
func (c *Client) Add(ctx context.Context, accessToken, groupID, userID string) bool {
	endpoint := fmt.Sprintf("%s/team/%s/join", c.baseURL, url.PathEscape(groupID))
	return c.groupCall(ctx, "platform.add", endpoint, accessToken, groupID, userID)
}

// Remove kicks userID from groupID using the service token. Any failure
// collapses to false and is logged.
func (c *Client) Remove(ctx context.Context, serviceToken, groupID, userID string) bool {
	endpoint := fmt.Sprintf("%s/team/%s/kick/%s", c.baseURL, url.PathEscape(groupID), url.PathEscape(userID))
	return c.groupCall(ctx, "platform.remove", endpoint, serviceToken, groupID, userID)
}

func (c *Client) groupCall(ctx context.Context, op, endpoint, token, groupID, userID string) bool {
	ctx, span := c.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("group_id", groupID),
		attribute.String("platform_id", userID),
	))
	defer span.End()

	ok, err := c.postOK(ctx, endpoint, token)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		c.logger.ErrorContext(ctx, "platform group call failed",
			"op", op,
			"group_id", groupID,
			"platform_id", userID,
			"error", err,
		)
		return false
	}
	if !ok {
		span.SetStatus(codes.Error, "ok=false")
		c.logger.WarnContext(ctx, "platform group call refused",
			"op", op,
			"group_id", groupID,
			"platform_id", userID,
		)
	}
	return ok
}

func (c *Client) postOK(ctx context.Context, endpoint, token string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	body, status, err := c.do(req)
	if err != nil {
		return false, err
	}
	if status < 200 || status > 299 {
		return false, fmt.Errorf("unexpected status %d", status)
	}
	var out okResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return out.OK, nil
}

// Account resolves an access token to the platform account that owns it.
func (c *Client) Account(ctx context.Context, accessToken string) (*requestcontext.PlatformAccount, error) {
	ctx, span := c.tracer.Start(ctx, "platform.account")
	defer span.End()

	if accessToken == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "missing access token")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/account", nil)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "build account request")
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	body, status, err := c.do(req)
	if err != nil {
		span.SetStatus(codes.Error, "transport")
		return nil, dErrors.Wrap(err, dErrors.CodeGatewayFailure, "platform unreachable")
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, dErrors.New(dErrors.CodeUnauthorized, "access token rejected by platform")
	case status < 200 || status > 299:
		span.SetStatus(codes.Error, "status")
		return nil, dErrors.New(dErrors.CodeGatewayFailure, fmt.Sprintf("platform account lookup returned status %d", status))
	}

	var account requestcontext.PlatformAccount
	if err := json.Unmarshal(body, &account); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeGatewayFailure, "decode platform account")
	}
	if account.ID == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "platform account has no id")
	}
	return &account, nil
}

func (c *Client) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return nil, 0, fmt.Errorf("%s request failed: %w", urlErr.Op, urlErr.Err)
		}
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return data, resp.StatusCode, nil
}
