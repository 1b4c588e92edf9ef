// Package invite is the token store behind document sharing.
//
// Invite tokens are document-scoped share links: one live token per document,
// regenerable on demand. Verification tokens are single-use, email-addressed
// and time-limited; consuming one is what grants collaborator access.
package invite

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"strings"
	"time"

	"bloks/cmd/identity"
	"bloks/cmd/internal/apperr"
	"bloks/cmd/internal/keylock"
	"bloks/cmd/internal/metrics"
	"bloks/cmd/internal/repocall"
	"bloks/cmd/security/token"
)

const (
	defaultTokenBytes      = 32
	minTokenBytes          = 16
	defaultVerificationTTL = 24 * time.Hour
	// Expired verification rows are kept this long so a late click reports
	// "expired" rather than "invalid".
	defaultExpiredRetention = 24 * time.Hour
)

// Service issues, validates and consumes tokens.
type Service struct {
	log           *slog.Logger
	invites       InviteStore
	verifications VerificationStore
	locks         *keylock.Map
	call          repocall.Policy
	metrics       *metrics.Metrics
	digest        token.Digester

	tokenBytes      int
	verificationTTL time.Duration
	retention       time.Duration
	now             func() time.Time
}

// Option configures the Service.
type Option func(*Service) error

// WithTokenBytes sets the random length of generated tokens.
func WithTokenBytes(n int) Option {
	return func(s *Service) error {
		if n < minTokenBytes {
			return apperr.E("invite.options", apperr.ErrInvalid, "token bytes below 16")
		}
		s.tokenBytes = n
		return nil
	}
}

// WithVerificationTTL sets how long a verification link stays usable.
func WithVerificationTTL(d time.Duration) Option {
	return func(s *Service) error {
		if d <= 0 {
			return apperr.E("invite.options", apperr.ErrInvalid, "verification ttl")
		}
		s.verificationTTL = d
		return nil
	}
}

// WithExpiredRetention sets how long expired verification rows are kept.
func WithExpiredRetention(d time.Duration) Option {
	return func(s *Service) error {
		if d < 0 {
			return apperr.E("invite.options", apperr.ErrInvalid, "retention")
		}
		s.retention = d
		return nil
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Service) error {
		if log != nil {
			s.log = log
		}
		return nil
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) error { s.metrics = m; return nil }
}

// WithDigester overrides the BLOKS_TOKEN_HMAC_KEY digest of verification tokens.
func WithDigester(d token.Digester) Option {
	return func(s *Service) error { s.digest = d; return nil }
}

func WithCallPolicy(p repocall.Policy) Option {
	return func(s *Service) error { s.call = p; return nil }
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		if now == nil {
			return apperr.E("invite.options", apperr.ErrInvalid, "nil clock")
		}
		s.now = now
		return nil
	}
}

// NewService constructs a Service with safe defaults.
func NewService(invites InviteStore, verifications VerificationStore, opts ...Option) (*Service, error) {
	if invites == nil || verifications == nil {
		return nil, apperr.E("invite.new", apperr.ErrInvalid, "nil store")
	}
	s := &Service{
		log:             slog.Default(),
		invites:         invites,
		verifications:   verifications,
		locks:           keylock.New(),
		digest:          token.DigesterFromEnv(),
		tokenBytes:      defaultTokenBytes,
		verificationTTL: defaultVerificationTTL,
		retention:       defaultExpiredRetention,
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// VerificationTTL reports the configured verification lifetime.
func (s *Service) VerificationTTL() time.Duration { return s.verificationTTL }

// Retention reports how long expired verification rows are kept.
func (s *Service) Retention() time.Duration { return s.retention }

// IssueInvite returns the document's live invite token. Without force an
// existing token is returned unchanged; with force (or when none exists) a
// fresh token replaces it and the previous one stops validating immediately.
func (s *Service) IssueInvite(ctx context.Context, documentID string, force bool) (InviteToken, error) {
	const op = "invite.issue"

	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return InviteToken{}, apperr.E(op, apperr.ErrInvalid, "document id required")
	}

	unlock := s.locks.Lock("invite:" + documentID)
	defer unlock()

	if !force {
		cur, err := repocall.Read(ctx, s.call, op, func(ctx context.Context) (InviteToken, error) {
			return s.invites.GetInvite(ctx, documentID)
		})
		if err == nil {
			s.metrics.TokenOp("invite_issue", "reused")
			return cur, nil
		}
		if !apperr.IsNotFound(err) {
			return InviteToken{}, err
		}
	}

	plain, err := newOpaqueToken(s.tokenBytes)
	if err != nil {
		return InviteToken{}, apperr.Wrap(op, apperr.ErrUnavailable, err)
	}

	out, err := repocall.Once(ctx, s.call, op, func(ctx context.Context) (InviteToken, error) {
		return s.invites.PutInvite(ctx, InviteToken{
			DocumentID: documentID,
			Token:      plain,
			IssuedAt:   s.now(),
		}, force)
	})
	if err != nil {
		return InviteToken{}, err
	}

	outcome := "created"
	if force {
		outcome = "rotated"
	}
	s.metrics.TokenOp("invite_issue", outcome)
	s.log.Info("invite.issue", "document_id", documentID, "outcome", outcome)
	return out, nil
}

// ValidateInvite resolves a live invite token to its document.
// Unknown or rotated tokens fail with apperr.ErrInvalid.
func (s *Service) ValidateInvite(ctx context.Context, tokenStr string) (string, error) {
	const op = "invite.validate"

	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return "", apperr.E(op, apperr.ErrInvalid, "empty token")
	}

	inv, err := repocall.Read(ctx, s.call, op, func(ctx context.Context) (InviteToken, error) {
		return s.invites.FindInvite(ctx, tokenStr)
	})
	if err != nil {
		if apperr.IsNotFound(err) {
			s.metrics.TokenOp("invite_validate", "invalid")
			return "", apperr.E(op, apperr.ErrInvalid, "unknown invite")
		}
		return "", err
	}
	s.metrics.TokenOp("invite_validate", "ok")
	return inv.DocumentID, nil
}

// IssueVerification creates a single-use verification token addressed to email.
func (s *Service) IssueVerification(ctx context.Context, email, documentID string) (VerificationToken, error) {
	const op = "invite.verification.issue"

	email = identity.NormalizeEmail(email)
	if !identity.ValidEmail(email) {
		return VerificationToken{}, apperr.E(op, apperr.ErrInvalid, "email")
	}
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return VerificationToken{}, apperr.E(op, apperr.ErrInvalid, "document id required")
	}

	plain, err := newOpaqueToken(s.tokenBytes)
	if err != nil {
		return VerificationToken{}, apperr.Wrap(op, apperr.ErrUnavailable, err)
	}

	now := s.now()
	rec := VerificationRecord{
		TokenHash:  s.digest.Sum(plain),
		Email:      email,
		DocumentID: documentID,
		ExpiresAt:  now.Add(s.verificationTTL),
		CreatedAt:  now,
	}
	if err := repocall.Exec(ctx, s.call, op, func(ctx context.Context) error {
		return s.verifications.SaveVerification(ctx, rec)
	}); err != nil {
		return VerificationToken{}, err
	}

	s.metrics.TokenOp("verification_issue", "created")
	s.log.Info("invite.verification.issue", "document_id", documentID, "expires_at", rec.ExpiresAt)
	return VerificationToken{
		Token:      plain,
		Email:      email,
		DocumentID: documentID,
		ExpiresAt:  rec.ExpiresAt,
	}, nil
}

// PeekVerification reads a verification token without consuming it.
func (s *Service) PeekVerification(ctx context.Context, tokenStr string) (Verification, error) {
	const op = "invite.verification.peek"

	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return Verification{}, apperr.E(op, apperr.ErrInvalid, "empty token")
	}
	rec, err := repocall.Read(ctx, s.call, op, func(ctx context.Context) (VerificationRecord, error) {
		return s.verifications.PeekVerification(ctx, s.digest.Sum(tokenStr))
	})
	if err != nil {
		if apperr.IsNotFound(err) {
			return Verification{}, apperr.E(op, apperr.ErrInvalid, "unknown or used token")
		}
		return Verification{}, err
	}
	if !s.now().Before(rec.ExpiresAt) {
		return Verification{}, apperr.E(op, apperr.ErrExpired, "")
	}
	return Verification{Email: rec.Email, DocumentID: rec.DocumentID, ExpiresAt: rec.ExpiresAt}, nil
}

// ConsumeVerification spends a verification token. Exactly one of any number
// of concurrent consumers succeeds; the rest fail with apperr.ErrInvalid.
// A token past expiry fails with apperr.ErrExpired. The store call is never
// retried so a lost race is reported as such.
func (s *Service) ConsumeVerification(ctx context.Context, tokenStr string) (Verification, error) {
	const op = "invite.verification.consume"

	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return Verification{}, apperr.E(op, apperr.ErrInvalid, "empty token")
	}
	hash := s.digest.Sum(tokenStr)

	unlock := s.locks.Lock("verify:" + hash)
	defer unlock()

	rec, err := repocall.Once(ctx, s.call, op, func(ctx context.Context) (VerificationRecord, error) {
		return s.verifications.TakeVerification(ctx, hash)
	})
	if err != nil {
		if apperr.IsNotFound(err) {
			s.metrics.TokenOp("verification_consume", "invalid")
			return Verification{}, apperr.E(op, apperr.ErrInvalid, "unknown or used token")
		}
		s.metrics.TokenOp("verification_consume", apperr.Code(err))
		return Verification{}, err
	}

	if !s.now().Before(rec.ExpiresAt) {
		s.metrics.TokenOp("verification_consume", "expired")
		return Verification{}, apperr.E(op, apperr.ErrExpired, "")
	}

	s.metrics.TokenOp("verification_consume", "ok")
	s.log.Info("invite.verification.consume", "document_id", rec.DocumentID)
	return Verification{Email: rec.Email, DocumentID: rec.DocumentID, ExpiresAt: rec.ExpiresAt}, nil
}

// RestoreVerification puts back a token spent by ConsumeVerification when the
// grant it was meant to authorize could not be written. The original expiry
// is kept, so restoring never extends a link's life.
func (s *Service) RestoreVerification(ctx context.Context, tokenStr string, v Verification) error {
	const op = "invite.verification.restore"

	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" || v.DocumentID == "" || v.Email == "" {
		return apperr.E(op, apperr.ErrInvalid, "incomplete verification")
	}
	rec := VerificationRecord{
		TokenHash:  s.digest.Sum(tokenStr),
		Email:      v.Email,
		DocumentID: v.DocumentID,
		ExpiresAt:  v.ExpiresAt,
		CreatedAt:  s.now(),
	}
	if err := repocall.Exec(ctx, s.call, op, func(ctx context.Context) error {
		return s.verifications.SaveVerification(ctx, rec)
	}); err != nil {
		s.metrics.TokenOp("verification_restore", apperr.Code(err))
		return err
	}
	s.metrics.TokenOp("verification_restore", "ok")
	s.log.Info("invite.verification.restore", "document_id", v.DocumentID)
	return nil
}

// PurgeExpired removes verification rows past expiry plus retention.
// Stores without explicit cleanup (Redis TTLs) report zero.
func (s *Service) PurgeExpired(ctx context.Context) (int, error) {
	p, ok := s.verifications.(Purger)
	if !ok {
		return 0, nil
	}
	return p.PurgeExpired(ctx, s.now().Add(-s.retention))
}

// ForgetDocument drops the tokens of a deleted document from stores that do
// not cascade on their own.
func (s *Service) ForgetDocument(ctx context.Context, documentID string) error {
	for _, st := range []any{s.invites, s.verifications} {
		d, ok := st.(Dropper)
		if !ok {
			continue
		}
		if err := repocall.Exec(ctx, s.call, "invite.forget", func(ctx context.Context) error {
			return d.DropDocument(ctx, documentID)
		}); err != nil {
			return err
		}
	}
	return nil
}

func newOpaqueToken(nBytes int) (string, error) {
	if nBytes <= 0 {
		nBytes = defaultTokenBytes
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
