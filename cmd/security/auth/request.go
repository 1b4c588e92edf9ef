package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"bloks/cmd/internal/apperr"
)

type ctxKey struct{}

// WithClaims returns a copy of ctx carrying c.
func WithClaims(ctx context.Context, c Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// ClaimsFrom returns the claims stored by WithClaims.
func ClaimsFrom(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(Claims)
	return c, ok && c.UserID != ""
}

// TokenFromRequest extracts an access token from the Authorization header.
// Browsers cannot set headers on a WebSocket upgrade, so the access_token
// query parameter is accepted as a fallback.
func TokenFromRequest(r *http.Request) string {
	if tok := bearerToken(r); tok != "" {
		return tok
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

// Authenticate verifies the request's access token. Missing or invalid tokens
// fail with apperr.ErrUnauthenticated.
func (v *Verifier) Authenticate(r *http.Request) (Claims, error) {
	const op = "auth.authenticate"

	tok := TokenFromRequest(r)
	if tok == "" {
		return Claims{}, apperr.E(op, apperr.ErrUnauthenticated, "missing bearer token")
	}
	c, err := v.Verify(tok, time.Now().UTC())
	if err != nil {
		return Claims{}, apperr.Wrap(op, apperr.ErrUnauthenticated, err)
	}
	return c, nil
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
