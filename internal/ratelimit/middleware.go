package ratelimit

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"clublink/internal/platform/metrics"
	"clublink/pkg/platform/httputil"
	"clublink/pkg/requestcontext"
)

// Middleware limits link attempts per platform account. It must run after
// the account middleware.
type Middleware struct {
	store   Store
	limit   int
	window  time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Middleware)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Middleware) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Middleware) {
		m.metrics = mt
	}
}

// New returns a middleware allowing limit attempts per window. A
// non-positive limit disables limiting.
func New(store Store, limit int, window time.Duration, opts ...Option) *Middleware {
	m := &Middleware{
		store:  store,
		limit:  limit,
		window: window,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type rateLimitExceededResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	RetryAfter       int    `json:"retry_after"`
}

// LimitLinkAttempts guards the link endpoint. Only mutating requests are
// counted; a store failure lets the request through.
func (m *Middleware) LimitLinkAttempts(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.limit <= 0 || m.store == nil || r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		platformID := requestcontext.Account(ctx).ID
		result, err := m.store.Allow(ctx, "link:"+platformID, m.limit, m.window)
		if err != nil {
			m.logger.ErrorContext(ctx, "failed to check link rate limit",
				"error", err,
				"platform_id", platformID,
			)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

		if !result.Allowed {
			retry := int(math.Ceil(result.RetryAfter.Seconds()))
			m.logger.WarnContext(ctx, "link attempts rate limited",
				"platform_id", platformID,
				"retry_after_seconds", retry,
			)
			m.metrics.IncLink("rate_limited")
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			httputil.WriteJSON(w, http.StatusTooManyRequests, rateLimitExceededResponse{
				Error:            "rate_limit_exceeded",
				ErrorDescription: "Too many link attempts. Please try again later.",
				RetryAfter:       retry,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
