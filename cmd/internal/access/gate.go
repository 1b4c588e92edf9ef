// Package access decides what a user may do with a document.
//
// Every call re-reads ownership and grants; nothing is cached across a
// session, so a revoked collaborator's next privileged action is rejected.
package access

import (
	"context"
	"log/slog"
	"strings"

	"bloks/cmd/internal/apperr"
	"bloks/cmd/internal/document"
	"bloks/cmd/internal/metrics"
	"bloks/cmd/internal/repocall"
)

// Role is the relation of a user to a document.
type Role string

const (
	RoleNone         Role = "none"
	RoleCollaborator Role = "collaborator"
	RoleOwner        Role = "owner"
)

func (r Role) rank() int {
	switch r {
	case RoleOwner:
		return 2
	case RoleCollaborator:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether r satisfies min.
func (r Role) AtLeast(min Role) bool { return r.rank() >= min.rank() }

// Action is a privileged operation on a document.
type Action string

const (
	ActionJoinRoom         Action = "join-room"
	ActionBroadcastReceive Action = "broadcast-receive"
	ActionView             Action = "view"
	ActionUpdate           Action = "update"
	ActionArchive          Action = "archive"
	ActionDelete           Action = "delete"
	ActionSettingsChange   Action = "settings-change"
)

// MinimumRole returns the role an action requires. Unknown actions require Owner.
func MinimumRole(a Action) Role {
	switch a {
	case ActionJoinRoom, ActionBroadcastReceive, ActionView:
		return RoleCollaborator
	default:
		return RoleOwner
	}
}

// Grant is proof that Authorize allowed Action for (UserID, DocumentID).
type Grant struct {
	UserID     string
	DocumentID string
	Action     Action
	Role       Role
	Document   document.Document
}

// Allows reports whether g authorizes action on documentID for userID.
func (g Grant) Allows(userID, documentID string, action Action) bool {
	return g.UserID != "" &&
		g.UserID == userID &&
		g.DocumentID == documentID &&
		g.Action == action &&
		g.Role.AtLeast(MinimumRole(action))
}

// Reader is the subset of document.Repository the gate needs.
type Reader interface {
	Get(ctx context.Context, id string) (document.Document, error)
	GetCollaborator(ctx context.Context, documentID, userID string) (document.Collaborator, error)
}

// Gate authorizes document actions.
type Gate struct {
	log     *slog.Logger
	docs    Reader
	call    repocall.Policy
	metrics *metrics.Metrics
}

// Option configures a Gate.
type Option func(*Gate)

func WithLogger(log *slog.Logger) Option { return func(g *Gate) { g.log = log } }

func WithMetrics(m *metrics.Metrics) Option { return func(g *Gate) { g.metrics = m } }

func WithCallPolicy(p repocall.Policy) Option { return func(g *Gate) { g.call = p } }

// NewGate constructs a Gate over docs.
func NewGate(docs Reader, opts ...Option) *Gate {
	g := &Gate{docs: docs, log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Role resolves the caller's role without applying an action threshold.
// A missing document fails with apperr.ErrNotFound.
func (g *Gate) Role(ctx context.Context, userID, documentID string) (Role, document.Document, error) {
	const op = "access.role"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return RoleNone, document.Document{}, apperr.E(op, apperr.ErrUnauthenticated, "")
	}
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return RoleNone, document.Document{}, apperr.E(op, apperr.ErrInvalid, "document id required")
	}

	doc, err := repocall.Read(ctx, g.call, op, func(ctx context.Context) (document.Document, error) {
		return g.docs.Get(ctx, documentID)
	})
	if err != nil {
		return RoleNone, document.Document{}, err
	}
	if doc.OwnerID == userID {
		return RoleOwner, doc, nil
	}

	_, err = repocall.Read(ctx, g.call, op, func(ctx context.Context) (document.Collaborator, error) {
		return g.docs.GetCollaborator(ctx, documentID, userID)
	})
	switch {
	case err == nil:
		return RoleCollaborator, doc, nil
	case apperr.IsNotFound(err):
		return RoleNone, doc, nil
	default:
		return RoleNone, document.Document{}, err
	}
}

// Authorize returns a Grant when userID may perform action on documentID.
// Insufficient roles fail with apperr.ErrForbidden.
func (g *Gate) Authorize(ctx context.Context, userID, documentID string, action Action) (Grant, error) {
	const op = "access.authorize"

	role, doc, err := g.Role(ctx, userID, documentID)
	if err != nil {
		g.metrics.AuthzDecision(string(action), apperr.Code(err))
		if apperr.IsUnavailable(err) {
			g.log.Warn("access.authorize.unavailable", "action", action, "document_id", documentID, "err", err)
		}
		return Grant{}, err
	}

	min := MinimumRole(action)
	if !role.AtLeast(min) {
		g.metrics.AuthzDecision(string(action), "forbidden")
		g.log.Info("access.denied", "action", action, "document_id", documentID, "user_id", userID, "role", role)
		return Grant{}, apperr.E(op, apperr.ErrForbidden, string(action)+" requires "+string(min))
	}

	g.metrics.AuthzDecision(string(action), "allowed")
	return Grant{
		UserID:     userID,
		DocumentID: documentID,
		Action:     action,
		Role:       role,
		Document:   doc,
	}, nil
}
