package auth

import (
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"

	"bloks/cmd/identity"
)

// Claims is the identity envelope carried by an access token.
type Claims struct {
	UserID    string
	Email     string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Issuer    string
}

// Verifier checks PASETO v4.public access tokens and, when a secret key is
// configured, issues them.
type Verifier struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration

	public paseto.V4AsymmetricPublicKey
	secret *paseto.V4AsymmetricSecretKey
}

// NewVerifier builds a Verifier from cfg.
//
// Clock skew is applied during verification via ValidAt to tolerate minor
// clock differences between the issuer and this service.
func NewVerifier(cfg Config) (*Verifier, error) {
	v := &Verifier{
		issuer:    cfg.Issuer,
		ttl:       cfg.AccessTokenTTL,
		clockSkew: cfg.ClockSkew,
	}
	if v.issuer == "" {
		v.issuer = DefaultConfig().Issuer
	}
	if v.ttl <= 0 {
		v.ttl = DefaultConfig().AccessTokenTTL
	}

	if cfg.SecretKeyHex != "" {
		secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.SecretKeyHex)
		if err != nil {
			return nil, ErrConfig
		}
		v.secret = &secret
		v.public = secret.Public()
	}

	if cfg.PublicKeyHex != "" {
		public, err := paseto.NewV4AsymmetricPublicKeyFromHex(cfg.PublicKeyHex)
		if err != nil {
			return nil, ErrConfig
		}
		if v.secret != nil && public.ExportHex() != v.public.ExportHex() {
			return nil, ErrConfig
		}
		v.public = public
	}

	if v.secret == nil && cfg.PublicKeyHex == "" {
		return nil, ErrConfig
	}
	return v, nil
}

func (v *Verifier) PublicKeyHex() string {
	return v.public.ExportHex()
}

// CanIssue reports whether a signing key is configured.
func (v *Verifier) CanIssue() bool { return v.secret != nil }

// Issue mints an access token for userID. It fails with ErrNoSigningKey when
// the verifier holds only a public key.
func (v *Verifier) Issue(userID, email string, now time.Time) (string, time.Time, error) {
	if v.secret == nil {
		return "", time.Time{}, ErrNoSigningKey
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, ErrInvalidToken
	}
	exp := now.Add(v.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(v.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)

	_ = tok.Set("uid", userID)
	if email = identity.NormalizeEmail(email); email != "" {
		_ = tok.Set("email", email)
	}

	return tok.V4Sign(*v.secret, nil), exp, nil
}

// Verify parses token and returns its claims. Any failure is ErrInvalidToken.
func (v *Verifier) Verify(token string, now time.Time) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrInvalidToken
	}

	// Validate slightly in the future so "nbf" tolerates skew.
	validNow := now.Add(v.clockSkew)

	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(v.issuer))
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(validNow))

	parsed, err := p.ParseV4Public(v.public, token, nil)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	iss, _ := parsed.GetIssuer()
	exp, _ := parsed.GetExpiration()
	iat, _ := parsed.GetIssuedAt()

	uid, err := parsed.GetString("uid")
	if err != nil || strings.TrimSpace(uid) == "" {
		return Claims{}, ErrInvalidToken
	}
	// email is optional; callers that need it fall back to the directory.
	email, _ := parsed.GetString("email")

	return Claims{
		UserID:    uid,
		Email:     identity.NormalizeEmail(email),
		ExpiresAt: exp,
		IssuedAt:  iat,
		Issuer:    iss,
	}, nil
}
