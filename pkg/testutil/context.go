package testutil

import (
	"net/http"

	"clublink/pkg/requestcontext"
)

// WithAccount stores a platform account and its access token on the request,
// as the account middleware would for an authenticated caller.
func WithAccount(req *http.Request, account requestcontext.PlatformAccount, accessToken string) *http.Request {
	ctx := requestcontext.WithAccount(req.Context(), account)
	ctx = requestcontext.WithAccessToken(ctx, accessToken)
	return req.WithContext(ctx)
}
