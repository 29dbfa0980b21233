// Package admin guards administrative routes with signed admin tokens.
package admin

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"clublink/internal/admintoken"
	dErrors "clublink/pkg/domain-errors"
	"clublink/pkg/platform/httputil"
	"clublink/pkg/platform/middleware/auth"
	"clublink/pkg/requestcontext"
)

// TokenValidator validates admin bearer tokens.
type TokenValidator interface {
	Validate(token string) (*admintoken.Claims, error)
}

// RequireAdminToken accepts only tokens whose subject is adminID.
func RequireAdminToken(validator TokenValidator, adminID string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token, ok := auth.BearerToken(r)
			if !ok {
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "admin token required"))
				return
			}
			claims, err := validator.Validate(token)
			if err != nil {
				logger.WarnContext(ctx, "admin token rejected",
					"error", err,
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "admin token required"))
				return
			}
			// Use constant-time comparison to prevent timing attacks
			if adminID == "" || subtle.ConstantTimeCompare([]byte(claims.Subject), []byte(adminID)) != 1 {
				logger.WarnContext(ctx, "admin subject mismatch",
					"subject", claims.Subject,
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "not an administrator"))
				return
			}

			next.ServeHTTP(w, r.WithContext(requestcontext.WithAdminSubject(ctx, claims.Subject)))
		})
	}
}
