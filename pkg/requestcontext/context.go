// Package requestcontext provides HTTP-independent context accessors for request-scoped values.
//
// Middleware sets these values; services and the reconciliation daemon read
// them without importing net/http.
//
//	account := requestcontext.Account(ctx)
//	requestID := requestcontext.RequestID(ctx)
//	now := requestcontext.Now(ctx)
//
// Tests and workers inject values directly:
//
//	ctx = requestcontext.WithTime(ctx, fixedTime)
package requestcontext

import (
	"context"
	"time"
)

type (
	accountKey     struct{}
	accessTokenKey struct{}
	adminKey       struct{}
	requestIDKey   struct{}
	requestTimeKey struct{}
)

// PlatformAccount is the community platform identity resolved from the
// caller's bearer token.
type PlatformAccount struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// -----------------------------------------------------------------------------
// Caller identity
// -----------------------------------------------------------------------------

// Account retrieves the authenticated platform account. The zero value means
// the request is anonymous.
func Account(ctx context.Context) PlatformAccount {
	if acc, ok := ctx.Value(accountKey{}).(PlatformAccount); ok {
		return acc
	}
	return PlatformAccount{}
}

// WithAccount injects the authenticated platform account.
func WithAccount(ctx context.Context, acc PlatformAccount) context.Context {
	return context.WithValue(ctx, accountKey{}, acc)
}

// AccessToken retrieves the caller's platform access token.
func AccessToken(ctx context.Context) string {
	if tok, ok := ctx.Value(accessTokenKey{}).(string); ok {
		return tok
	}
	return ""
}

// WithAccessToken injects the caller's platform access token. Handlers need
// it to act on the platform on the caller's behalf (joining the team).
func WithAccessToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, accessTokenKey{}, token)
}

// AdminSubject retrieves the subject of a validated admin token.
func AdminSubject(ctx context.Context) string {
	if sub, ok := ctx.Value(adminKey{}).(string); ok {
		return sub
	}
	return ""
}

// WithAdminSubject marks the request as made by an administrator.
func WithAdminSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, adminKey{}, subject)
}

// -----------------------------------------------------------------------------
// Request metadata
// -----------------------------------------------------------------------------

// RequestID retrieves the request ID from the context.
func RequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(requestIDKey{}).(string); ok {
		return reqID
	}
	return ""
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// -----------------------------------------------------------------------------
// Request time
// -----------------------------------------------------------------------------

// Now retrieves the request-scoped time from context.
// Falls back to time.Now() if not set (workers, CLI, tests).
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(requestTimeKey{}).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime injects a specific time into a context.
// Useful for:
//   - Service unit tests that don't run the full HTTP middleware chain
//   - The reconciliation daemon, which pins one instant per cycle
//   - CLI commands
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, requestTimeKey{}, t)
}
