// Package auth authenticates callers by their community platform bearer
// token.
package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	dErrors "clublink/pkg/domain-errors"
	"clublink/pkg/platform/httputil"
	"clublink/pkg/requestcontext"
)

// AccountResolver resolves a platform access token to its account.
type AccountResolver interface {
	Account(ctx context.Context, accessToken string) (*requestcontext.PlatformAccount, error)
}

// BearerToken returns the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	token = strings.TrimSpace(token)
	return token, ok && token != ""
}

// RequireAccount rejects requests without a platform token the resolver
// accepts. The account and the raw token are stored in the context.
func RequireAccount(resolver AccountResolver, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token, ok := BearerToken(r)
			if !ok {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "Missing or invalid Authorization header"))
				return
			}

			account, err := resolver.Account(ctx, token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - token not resolved",
					"error", err,
					"request_id", requestcontext.RequestID(ctx),
				)
				if dErrors.HasCode(err, dErrors.CodeUnauthorized) {
					httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "Invalid or expired token"))
					return
				}
				httputil.WriteError(w, err)
				return
			}

			ctx = requestcontext.WithAccount(ctx, *account)
			ctx = requestcontext.WithAccessToken(ctx, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
