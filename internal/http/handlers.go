package httpapi

//go:generate mockgen -source=handlers.go -destination=mocks/mocks.go -package=mocks LinkService,MembershipStore

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"clublink/internal/linking"
	"clublink/internal/membership/models"
	dErrors "clublink/pkg/domain-errors"
	"clublink/pkg/platform/httputil"
	"clublink/pkg/requestcontext"
)

const maxBodyBytes = 4 << 10

// LinkService is the link workflow behind /me/membership and admin removal.
type LinkService interface {
	Link(ctx context.Context, req linking.LinkRequest) (*models.Membership, error)
	Status(ctx context.Context, platformID string) (*linking.Status, error)
	Unlink(ctx context.Context, platformID string) error
	AdminRemove(ctx context.Context, orgID string) error
}

// MembershipStore serves listings and referral counters.
type MembershipStore interface {
	ListAll(ctx context.Context) ([]*models.Membership, error)
	ReferralClick(ctx context.Context, platformID string) error
	ReferralCount(ctx context.Context) (int64, error)
}

// HealthCheck reports one dependency's health.
type HealthCheck func(ctx context.Context) error

// Handler is the thin HTTP layer over the link service and the store.
type Handler struct {
	links  LinkService
	store  MembershipStore
	checks map[string]HealthCheck
	logger *slog.Logger
}

func NewHandler(links LinkService, store MembershipStore, checks map[string]HealthCheck, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{links: links, store: store, checks: checks, logger: logger}
}

type linkRequest struct {
	OrgID      string `json:"org_id"`
	Credential string `json:"credential"`
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

type membershipsResponse struct {
	Memberships []*models.Membership `json:"memberships"`
	Count       int                  `json:"count"`
}

type referralCountResponse struct {
	Count int64 `json:"count"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: map[string]string{}}
	status := http.StatusOK
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.WarnContext(ctx, "health check failed", "check", name, "error", err)
			resp.Checks[name] = "unavailable"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	httputil.WriteJSON(w, status, resp)
}

func (h *Handler) handleGetMembership(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st, err := h.links.Status(ctx, requestcontext.Account(ctx).ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, st)
}

func (h *Handler) handleLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body linkRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		h.writeError(w, r, dErrors.New(dErrors.CodeBadRequest, "Invalid form data."))
		return
	}

	account := requestcontext.Account(ctx)
	m, err := h.links.Link(ctx, linking.LinkRequest{
		PlatformID:  account.ID,
		Username:    account.Username,
		AccessToken: requestcontext.AccessToken(ctx),
		OrgID:       body.OrgID,
		Credential:  body.Credential,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, m)
}

func (h *Handler) handleUnlink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.links.Unlink(ctx, requestcontext.Account(ctx).ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleReferralClick(w http.ResponseWriter, r *http.Request) {
	if err := h.store.ReferralClick(r.Context(), chi.URLParam(r, "platformID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleReferralCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.ReferralCount(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, referralCountResponse{Count: n})
}

func (h *Handler) handleListMemberships(w http.ResponseWriter, r *http.Request) {
	all, err := h.store.ListAll(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, membershipsResponse{Memberships: all, Count: len(all)})
}

func (h *Handler) handleAdminRemove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := chi.URLParam(r, "orgID")
	if err := h.links.AdminRemove(ctx, orgID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.InfoContext(ctx, "membership removed by administrator",
		"org_id", orgID,
		"admin", requestcontext.AdminSubject(ctx),
	)
	w.WriteHeader(http.StatusNoContent)
}

// writeError logs server-side failures before rendering the error envelope.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	if code := httputil.StatusFor(codeOf(err)); code >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, "request failed",
			"error", err,
			"path", r.URL.Path,
			"request_id", requestcontext.RequestID(ctx),
		)
	}
	httputil.WriteError(w, err)
}

func codeOf(err error) dErrors.Code {
	if de, ok := dErrors.As(err); ok {
		return de.Code
	}
	return dErrors.CodeInternal
}
