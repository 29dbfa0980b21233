// Package httpapi exposes the membership service over HTTP.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"clublink/internal/platform/metrics"
	"clublink/internal/ratelimit"
	"clublink/pkg/platform/middleware/admin"
	"clublink/pkg/platform/middleware/auth"
	"clublink/pkg/platform/middleware/request"
	"clublink/pkg/platform/middleware/requesttime"
)

// RouterConfig carries the collaborators the middleware chain needs.
type RouterConfig struct {
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	MetricsHandler http.Handler
	Accounts       auth.AccountResolver
	AdminTokens    admin.TokenValidator
	AdminID        string
	// LinkLimiter caps link attempts per account. Nil disables it.
	LinkLimiter *ratelimit.Middleware
	// Clock pins request time. Nil uses the wall clock.
	Clock func() time.Time
}

// NewRouter wires all public endpoints.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(request.RequestID)
	r.Use(request.Recovery(logger))
	if cfg.Clock != nil {
		r.Use(requesttime.MiddlewareWithClock(cfg.Clock))
	} else {
		r.Use(requesttime.Middleware)
	}
	r.Use(request.AccessLog(logger, cfg.Metrics, routePattern))

	r.Get("/healthz", h.handleHealth)
	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}

	r.Route("/me", func(r chi.Router) {
		r.Use(auth.RequireAccount(cfg.Accounts, logger))
		r.Get("/membership", h.handleGetMembership)
		if cfg.LinkLimiter != nil {
			r.With(cfg.LinkLimiter.LimitLinkAttempts).Post("/membership", h.handleLink)
		} else {
			r.Post("/membership", h.handleLink)
		}
		r.Delete("/membership", h.handleUnlink)
	})

	r.Post("/referrals/{platformID}", h.handleReferralClick)
	r.Get("/referrals/count", h.handleReferralCount)

	r.Route("/admin", func(r chi.Router) {
		r.Use(admin.RequireAdminToken(cfg.AdminTokens, cfg.AdminID, logger))
		r.Get("/memberships", h.handleListMemberships)
		r.Delete("/memberships/{orgID}", h.handleAdminRemove)
	})

	return r
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}
