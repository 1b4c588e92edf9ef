package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"

	"bloks/cmd/internal/apperr"
)

func newIssuer(t *testing.T) (*Verifier, paseto.V4AsymmetricSecretKey) {
	t.Helper()
	secret := paseto.NewV4AsymmetricSecretKey()
	v, err := NewVerifier(Config{Issuer: "bloks", AccessTokenTTL: time.Minute, ClockSkew: 5 * time.Second, SecretKeyHex: secret.ExportHex()})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v, secret
}

func TestVerifier_IssueVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	v, _ := newIssuer(t)
	now := time.Now().UTC().Truncate(time.Second)

	tok, exp, err := v.Issue("user-a", " A@Example.io ", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !exp.Equal(now.Add(time.Minute)) {
		t.Fatalf("exp mismatch: %v", exp)
	}

	c, err := v.Verify(tok, now)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if c.UserID != "user-a" || c.Email != "a@example.io" || c.Issuer != "bloks" {
		t.Fatalf("claims mismatch: %+v", c)
	}
}

func TestVerifier_PublicKeyOnlyVerifies(t *testing.T) {
	t.Parallel()

	issuer, secret := newIssuer(t)
	v, err := NewVerifier(Config{Issuer: "bloks", PublicKeyHex: secret.Public().ExportHex()})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	if v.CanIssue() {
		t.Fatalf("public-only verifier must not issue")
	}
	if _, _, err := v.Issue("user-a", "", time.Now()); !errors.Is(err, ErrNoSigningKey) {
		t.Fatalf("expected ErrNoSigningKey, got %v", err)
	}

	now := time.Now().UTC()
	tok, _, err := issuer.Issue("user-a", "", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	c, err := v.Verify(tok, now)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if c.UserID != "user-a" || c.Email != "" {
		t.Fatalf("claims mismatch: %+v", c)
	}
}

func TestVerifier_Rejects(t *testing.T) {
	t.Parallel()

	v, _ := newIssuer(t)
	other, _ := newIssuer(t)
	now := time.Now().UTC()

	good, _, err := v.Issue("user-a", "", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	foreign, _, err := other.Issue("user-a", "", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	wrongIssuer, err := NewVerifier(Config{Issuer: "someone-else", PublicKeyHex: v.PublicKeyHex()})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	cases := []struct {
		name string
		v    *Verifier
		tok  string
		at   time.Time
	}{
		{"empty", v, "", now},
		{"garbage", v, "v4.public.nope", now},
		{"foreign key", v, foreign, now},
		{"expired", v, good, now.Add(2 * time.Minute)},
		{"wrong issuer", wrongIssuer, good, now},
	}
	for _, tc := range cases {
		if _, err := tc.v.Verify(tc.tok, tc.at); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", tc.name, err)
		}
	}
}

func TestNewVerifier_ConfigErrors(t *testing.T) {
	t.Parallel()

	a := paseto.NewV4AsymmetricSecretKey()
	b := paseto.NewV4AsymmetricSecretKey()

	for name, cfg := range map[string]Config{
		"no keys":      {},
		"bad secret":   {SecretKeyHex: "zz"},
		"bad public":   {PublicKeyHex: "zz"},
		"key mismatch": {SecretKeyHex: a.ExportHex(), PublicKeyHex: b.Public().ExportHex()},
	} {
		if _, err := NewVerifier(cfg); err != ErrConfig {
			t.Fatalf("%s: expected ErrConfig, got %v", name, err)
		}
	}
}

func TestAuthenticate_HeaderAndQuery(t *testing.T) {
	t.Parallel()

	v, _ := newIssuer(t)
	tok, _, err := v.Issue("user-a", "", time.Now().UTC())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	if c, err := v.Authenticate(r); err != nil || c.UserID != "user-a" {
		t.Fatalf("header auth: %+v %v", c, err)
	}

	r = httptest.NewRequest("GET", "/ws?access_token="+tok, nil)
	if c, err := v.Authenticate(r); err != nil || c.UserID != "user-a" {
		t.Fatalf("query auth: %+v %v", c, err)
	}

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Basic abc")
	if _, err := v.Authenticate(r); !errors.Is(err, apperr.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer junk")
	if _, err := v.Authenticate(r); !errors.Is(err, apperr.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
}

func TestClaimsContext(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("GET", "/", nil)
	if _, ok := ClaimsFrom(r.Context()); ok {
		t.Fatalf("empty context must not carry claims")
	}
	ctx := WithClaims(r.Context(), Claims{UserID: "user-a"})
	c, ok := ClaimsFrom(ctx)
	if !ok || c.UserID != "user-a" {
		t.Fatalf("claims mismatch: %+v %v", c, ok)
	}
}
