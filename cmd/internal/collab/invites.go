package collab

import (
	"context"
	"strings"
	"time"

	"bloks/cmd/identity"
	"bloks/cmd/internal/access"
	"bloks/cmd/internal/apperr"
	"bloks/cmd/internal/document"
	"bloks/cmd/internal/mailer"
	"bloks/cmd/internal/repocall"
)

// InviteLink is a document's share link as shown to its owner.
type InviteLink struct {
	Token      string `json:"token"`
	DocumentID string `json:"documentId"`
	InviteURL  string `json:"inviteUrl"`
}

// PendingVerification describes a verification email that was sent.
type PendingVerification struct {
	Email      string    `json:"email"`
	DocumentID string    `json:"documentId"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Acceptance is the outcome of a consumed verification token.
type Acceptance struct {
	DocumentID   string                `json:"documentId"`
	Collaborator document.Collaborator `json:"collaborator"`
	// AlreadyOwner is set when the owner followed their own link.
	AlreadyOwner bool `json:"alreadyOwner,omitempty"`
}

// IssueInvite returns the document's invite link, rotating it when force is set.
func (s *Service) IssueInvite(ctx context.Context, userID, documentID string, force bool) (InviteLink, error) {
	if _, err := s.gate.Authorize(ctx, userID, documentID, access.ActionSettingsChange); err != nil {
		return InviteLink{}, err
	}
	inv, err := s.tokens.IssueInvite(ctx, documentID, force)
	if err != nil {
		return InviteLink{}, err
	}
	return InviteLink{
		Token:      inv.Token,
		DocumentID: inv.DocumentID,
		InviteURL:  s.inviteURL(inv.Token),
	}, nil
}

// RequestVerification checks an invite token and emails a single-use
// verification link to email.
func (s *Service) RequestVerification(ctx context.Context, inviteToken, email string) (PendingVerification, error) {
	const op = "collab.verification.request"

	documentID, err := s.tokens.ValidateInvite(ctx, inviteToken)
	if err != nil {
		return PendingVerification{}, err
	}

	doc, err := repocall.Read(ctx, s.call, op, func(ctx context.Context) (document.Document, error) {
		return s.docs.Get(ctx, documentID)
	})
	if err != nil {
		return PendingVerification{}, err
	}

	vt, err := s.tokens.IssueVerification(ctx, email, documentID)
	if err != nil {
		return PendingVerification{}, err
	}

	msg := mailer.VerificationMail{
		To:            vt.Email,
		DocumentTitle: doc.Title,
		VerifyURL:     s.verifyURL(vt.Token),
		ExpiresAt:     vt.ExpiresAt,
	}
	if s.dir != nil {
		if owner, err := s.dir.Lookup(ctx, doc.OwnerID); err == nil {
			msg.InviterName = owner.Name
		}
	}

	if err := s.mail.SendVerification(ctx, msg); err != nil {
		s.log.Error("mail.verification.fail", "document_id", documentID, "err", err)
		return PendingVerification{}, apperr.Wrap(op, apperr.ErrUnavailable, err)
	}

	return PendingVerification{Email: vt.Email, DocumentID: documentID, ExpiresAt: vt.ExpiresAt}, nil
}

// AcceptInvite spends a verification token on behalf of the caller and grants
// collaborator access. The token must be addressed to the caller's email; a
// mismatch fails with apperr.ErrForbidden and leaves the token unspent.
func (s *Service) AcceptInvite(ctx context.Context, caller Caller, tok string) (Acceptance, error) {
	const op = "collab.invite.accept"

	caller.UserID = strings.TrimSpace(caller.UserID)
	if caller.UserID == "" {
		return Acceptance{}, apperr.E(op, apperr.ErrUnauthenticated, "")
	}

	pending, err := s.tokens.PeekVerification(ctx, tok)
	if err != nil {
		return Acceptance{}, err
	}
	email, err := s.callerEmail(ctx, caller)
	if err != nil {
		return Acceptance{}, err
	}
	if email != pending.Email {
		s.log.Info("invite.accept.mismatch", "document_id", pending.DocumentID, "user_id", caller.UserID)
		return Acceptance{}, apperr.E(op, apperr.ErrForbidden, "link addressed to another account")
	}

	doc, err := repocall.Read(ctx, s.call, op, func(ctx context.Context) (document.Document, error) {
		return s.docs.Get(ctx, pending.DocumentID)
	})
	if err != nil {
		return Acceptance{}, err
	}

	v, err := s.tokens.ConsumeVerification(ctx, tok)
	if err != nil {
		return Acceptance{}, err
	}
	if doc.OwnerID == caller.UserID {
		return Acceptance{
			DocumentID:   doc.ID,
			Collaborator: document.Collaborator{DocumentID: doc.ID, UserID: caller.UserID, Email: email, Role: string(access.RoleOwner)},
			AlreadyOwner: true,
		}, nil
	}

	c, err := repocall.Once(ctx, s.call, op, func(ctx context.Context) (document.Collaborator, error) {
		return s.docs.AddCollaborator(ctx, document.Collaborator{
			DocumentID: v.DocumentID,
			UserID:     caller.UserID,
			Email:      email,
			Role:       document.RoleCollaborator,
			AddedBy:    doc.OwnerID,
			CreatedAt:  s.now(),
		})
	})
	if err != nil {
		// The grant was not written, so the link must stay usable.
		if rerr := s.tokens.RestoreVerification(context.WithoutCancel(ctx), tok, v); rerr != nil {
			s.log.Error("invite.accept.restore.fail", "document_id", v.DocumentID, "err", rerr)
		}
		return Acceptance{}, err
	}

	s.log.Info("invite.accept", "document_id", v.DocumentID, "user_id", caller.UserID)
	return Acceptance{DocumentID: v.DocumentID, Collaborator: c}, nil
}

func (s *Service) callerEmail(ctx context.Context, caller Caller) (string, error) {
	if e := identity.NormalizeEmail(caller.Email); e != "" {
		return e, nil
	}
	if s.dir != nil {
		p, err := s.dir.Lookup(ctx, caller.UserID)
		if err == nil && p.Email != "" {
			return identity.NormalizeEmail(p.Email), nil
		}
		if err != nil && !apperr.IsNotFound(err) {
			return "", err
		}
	}
	return "", apperr.E("collab.invite.accept", apperr.ErrForbidden, "caller has no email")
}
