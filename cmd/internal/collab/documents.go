package collab

import (
	"context"
	"strings"

	"bloks/cmd/internal/access"
	"bloks/cmd/internal/apperr"
	"bloks/cmd/internal/document"
	"bloks/cmd/internal/realtime"
	"bloks/cmd/internal/repocall"
	v1 "bloks/shared/contracts/realtime/v1"
)

// Role returns the caller's role on a document. Callers with no role fail
// with apperr.ErrForbidden so that the answer itself is not an oracle.
func (s *Service) Role(ctx context.Context, userID, documentID string) (access.Role, error) {
	role, _, err := s.gate.Role(ctx, userID, documentID)
	if err != nil {
		return access.RoleNone, err
	}
	if role == access.RoleNone {
		return access.RoleNone, apperr.E("collab.role", apperr.ErrForbidden, "")
	}
	return role, nil
}

// Get returns a document the caller may view.
func (s *Service) Get(ctx context.Context, userID, documentID string) (document.Document, error) {
	grant, err := s.gate.Authorize(ctx, userID, documentID, access.ActionView)
	if err != nil {
		return document.Document{}, err
	}
	return grant.Document, nil
}

// Update applies p and emits document:update to the room.
func (s *Service) Update(ctx context.Context, userID, documentID string, p document.Patch) (document.Document, error) {
	const op = "collab.update"

	if p.Empty() {
		return document.Document{}, apperr.E(op, apperr.ErrInvalid, "nothing to update")
	}
	if err := p.Validate(); err != nil {
		return document.Document{}, err
	}
	if _, err := s.gate.Authorize(ctx, userID, documentID, access.ActionUpdate); err != nil {
		return document.Document{}, err
	}

	doc, err := repocall.Once(ctx, s.call, op, func(ctx context.Context) (document.Document, error) {
		return s.docs.Update(ctx, documentID, p, s.now())
	})
	if err != nil {
		return document.Document{}, err
	}

	s.emit(documentID, v1.TypeDocumentUpdate, doc)
	s.log.Info("document.update", "document_id", documentID, "user_id", userID)
	return doc, nil
}

// Archive archives a document with all of its descendants and emits one
// document:archived event per affected document, each to that document's room.
func (s *Service) Archive(ctx context.Context, userID, documentID string) ([]document.Document, error) {
	const op = "collab.archive"

	if _, err := s.gate.Authorize(ctx, userID, documentID, access.ActionArchive); err != nil {
		return nil, err
	}

	docs, err := repocall.Once(ctx, s.call, op, func(ctx context.Context) ([]document.Document, error) {
		return s.docs.Archive(ctx, documentID, s.now())
	})
	if err != nil {
		return nil, err
	}

	for _, d := range docs {
		s.emit(d.ID, v1.TypeDocumentArchived, d)
	}
	s.log.Info("document.archive", "document_id", documentID, "user_id", userID, "affected", len(docs))
	return docs, nil
}

// Delete removes a document, tells its room, then closes the room and drops
// the document's tokens.
func (s *Service) Delete(ctx context.Context, userID, documentID string) (document.Document, error) {
	const op = "collab.delete"

	if _, err := s.gate.Authorize(ctx, userID, documentID, access.ActionDelete); err != nil {
		return document.Document{}, err
	}

	doc, err := repocall.Once(ctx, s.call, op, func(ctx context.Context) (document.Document, error) {
		return s.docs.Delete(ctx, documentID)
	})
	if err != nil {
		return document.Document{}, err
	}

	s.emit(documentID, v1.DocumentRemoveType(documentID), documentID)
	if s.rt != nil {
		n := s.rt.CloseRoom(ctx, documentID)
		s.log.Info("room.close", "document_id", documentID, "sessions", n)
	}
	if err := s.tokens.ForgetDocument(ctx, documentID); err != nil {
		s.log.Warn("invite.forget.fail", "document_id", documentID, "err", err)
	}

	s.log.Info("document.delete", "document_id", documentID, "user_id", userID)
	return doc, nil
}

// ListAccessible returns the caller's owned and shared non-archived documents.
func (s *Service) ListAccessible(ctx context.Context, userID string) ([]document.Document, error) {
	const op = "collab.list"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperr.E(op, apperr.ErrUnauthenticated, "")
	}
	return repocall.Read(ctx, s.call, op, func(ctx context.Context) ([]document.Document, error) {
		return s.docs.ListAccessible(ctx, userID)
	})
}

// Collaborators lists a document's grants.
func (s *Service) Collaborators(ctx context.Context, userID, documentID string) ([]document.Collaborator, error) {
	const op = "collab.collaborators"

	if _, err := s.gate.Authorize(ctx, userID, documentID, access.ActionView); err != nil {
		return nil, err
	}
	return repocall.Read(ctx, s.call, op, func(ctx context.Context) ([]document.Collaborator, error) {
		return s.docs.ListCollaborators(ctx, documentID)
	})
}

// RemoveCollaborator withdraws targetUserID's grant. The room (except the
// actor) is told first, then the target's live sessions are evicted.
func (s *Service) RemoveCollaborator(ctx context.Context, actorID, documentID, targetUserID string) error {
	const op = "collab.collaborator.remove"

	targetUserID = strings.TrimSpace(targetUserID)
	if targetUserID == "" {
		return apperr.E(op, apperr.ErrInvalid, "user id required")
	}

	grant, err := s.gate.Authorize(ctx, actorID, documentID, access.ActionSettingsChange)
	if err != nil {
		return err
	}
	if grant.Document.OwnerID == targetUserID {
		return apperr.E(op, apperr.ErrInvalid, "owner cannot be removed")
	}

	c, err := repocall.Once(ctx, s.call, op, func(ctx context.Context) (document.Collaborator, error) {
		return s.docs.RemoveCollaborator(ctx, documentID, targetUserID)
	})
	if err != nil {
		return err
	}

	s.emit(documentID, v1.TypeCollaboratorRemoved, v1.CollaboratorRemovedPayload{
		AddedBy:       c.AddedBy,
		DocumentID:    documentID,
		DocumentTitle: grant.Document.Title,
		RemovedUser:   targetUserID,
	}, realtime.ExceptUser(grant.UserID))

	evicted := 0
	if s.rt != nil {
		evicted = s.rt.Evict(ctx, documentID, targetUserID)
	}
	s.log.Info("collaborator.remove", "document_id", documentID, "user_id", targetUserID, "actor_id", actorID, "evicted", evicted)
	return nil
}

// Presence returns who is currently in the document's room.
func (s *Service) Presence(ctx context.Context, userID, documentID string) ([]v1.PresenceUser, error) {
	if _, err := s.gate.Authorize(ctx, userID, documentID, access.ActionBroadcastReceive); err != nil {
		return nil, err
	}
	if s.rt == nil {
		return []v1.PresenceUser{}, nil
	}
	return s.rt.Presence().Snapshot(ctx, documentID)
}
