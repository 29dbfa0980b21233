package auth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	dErrors "clublink/pkg/domain-errors"
	"clublink/pkg/requestcontext"
)

type stubResolver struct {
	account *requestcontext.PlatformAccount
	err     error
}

func (s stubResolver) Account(context.Context, string) (*requestcontext.PlatformAccount, error) {
	return s.account, s.err
}

func serve(resolver AccountResolver, header string) (*httptest.ResponseRecorder, requestcontext.PlatformAccount, string) {
	var acc requestcontext.PlatformAccount
	var tok string
	h := RequireAccount(resolver, slog.New(slog.NewTextHandler(io.Discard, nil)))(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		acc = requestcontext.Account(r.Context())
		tok = requestcontext.AccessToken(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/me/membership", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, acc, tok
}

func TestRequireAccount(t *testing.T) {
	alice := &requestcontext.PlatformAccount{ID: "alice", Username: "Alice"}

	t.Run("resolved token passes through", func(t *testing.T) {
		rec, acc, tok := serve(stubResolver{account: alice}, "Bearer lio_abc")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, *alice, acc)
		assert.Equal(t, "lio_abc", tok)
	})

	t.Run("missing header is unauthorized", func(t *testing.T) {
		rec, _, _ := serve(stubResolver{account: alice}, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("non-bearer scheme is unauthorized", func(t *testing.T) {
		rec, _, _ := serve(stubResolver{account: alice}, "Basic abc")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("rejected token is unauthorized", func(t *testing.T) {
		rec, _, _ := serve(stubResolver{err: dErrors.New(dErrors.CodeUnauthorized, "nope")}, "Bearer x")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("platform outage is a gateway failure", func(t *testing.T) {
		rec, _, _ := serve(stubResolver{err: dErrors.New(dErrors.CodeGatewayFailure, "down")}, "Bearer x")
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}
