package invite

import (
	"context"
	"time"
)

// InviteToken is the single active share link credential of a document.
type InviteToken struct {
	DocumentID string    `json:"documentId"`
	Token      string    `json:"token"`
	IssuedAt   time.Time `json:"issuedAt"`
}

// VerificationToken is returned once, at issue time. Only its digest is stored.
type VerificationToken struct {
	Token      string    `json:"-"`
	Email      string    `json:"email"`
	DocumentID string    `json:"documentId"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Verification is what a consumed (or peeked) verification token resolves to.
type Verification struct {
	Email      string    `json:"email"`
	DocumentID string    `json:"documentId"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// VerificationRecord is the persisted form of a verification token.
type VerificationRecord struct {
	TokenHash  string    `json:"token_hash"`
	Email      string    `json:"email"`
	DocumentID string    `json:"document_id"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// InviteStore persists the per-document invite slot.
// Missing rows fail with apperr.ErrNotFound.
type InviteStore interface {
	GetInvite(ctx context.Context, documentID string) (InviteToken, error)
	// PutInvite writes inv into the document's slot. With replace=false an
	// existing token wins and is returned instead.
	PutInvite(ctx context.Context, inv InviteToken, replace bool) (InviteToken, error)
	FindInvite(ctx context.Context, token string) (InviteToken, error)
}

// VerificationStore persists pending verification tokens by digest.
// Missing rows fail with apperr.ErrNotFound.
type VerificationStore interface {
	SaveVerification(ctx context.Context, rec VerificationRecord) error
	PeekVerification(ctx context.Context, tokenHash string) (VerificationRecord, error)
	// TakeVerification deletes and returns the record in one atomic step.
	TakeVerification(ctx context.Context, tokenHash string) (VerificationRecord, error)
}

// Purger is implemented by verification stores that need explicit expiry cleanup.
type Purger interface {
	PurgeExpired(ctx context.Context, before time.Time) (int, error)
}

// Dropper is implemented by stores that do not cascade document deletes.
type Dropper interface {
	DropDocument(ctx context.Context, documentID string) error
}
