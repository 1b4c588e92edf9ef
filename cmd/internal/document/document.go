// Package document is the persistence boundary for documents and collaborator grants.
//
// The collaboration core reaches storage only through Repository. Two
// implementations exist: MemoryRepository for dev/tests and PostgresRepository.
package document

import (
	"context"
	"strings"
	"time"
)

// RoleCollaborator is the role stored on collaborator grants.
const RoleCollaborator = "collaborator"

// Document is a persisted page.
type Document struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	OwnerID        string    `json:"ownerId"`
	Content        *string   `json:"content,omitempty"`
	Icon           *string   `json:"icon,omitempty"`
	CoverImage     *string   `json:"coverImage,omitempty"`
	IsArchived     bool      `json:"isArchived"`
	IsPublished    bool      `json:"isPublished"`
	ParentDocument *string   `json:"parentDocument,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Collaborator is a (document, user) grant.
type Collaborator struct {
	DocumentID string    `json:"documentId"`
	UserID     string    `json:"userId"`
	Email      string    `json:"email"`
	Role       string    `json:"role"`
	AddedBy    string    `json:"addedBy"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Patch carries the mutable fields of an update. Nil fields are left unchanged.
type Patch struct {
	Title       *string `json:"title,omitempty"`
	Content     *string `json:"content,omitempty"`
	Icon        *string `json:"icon,omitempty"`
	CoverImage  *string `json:"coverImage,omitempty"`
	IsPublished *bool   `json:"isPublished,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Title == nil && p.Content == nil && p.Icon == nil && p.CoverImage == nil && p.IsPublished == nil
}

// Validate rejects blank titles and oversize fields.
func (p Patch) Validate() error {
	if p.Title != nil {
		t := strings.TrimSpace(*p.Title)
		if t == "" || len(t) > maxTitleLen {
			return errInvalid("document.patch", "title")
		}
	}
	if p.Content != nil && len(*p.Content) > maxContentBytes {
		return errInvalid("document.patch", "content too large")
	}
	return nil
}

func (p Patch) apply(d *Document, now time.Time) {
	if p.Title != nil {
		d.Title = strings.TrimSpace(*p.Title)
	}
	if p.Content != nil {
		d.Content = cloneStr(p.Content)
	}
	if p.Icon != nil {
		d.Icon = cloneStr(p.Icon)
	}
	if p.CoverImage != nil {
		d.CoverImage = cloneStr(p.CoverImage)
	}
	if p.IsPublished != nil {
		d.IsPublished = *p.IsPublished
	}
	d.UpdatedAt = now
}

const (
	maxTitleLen     = 512
	maxContentBytes = 4 << 20
)

// Repository is the narrow persistence contract used by the core.
//
// Errors carry apperr kinds: ErrNotFound for missing rows, ErrInvalid for bad input.
// Any other error is treated as a transient persistence failure.
type Repository interface {
	Create(ctx context.Context, d Document) (Document, error)
	Get(ctx context.Context, id string) (Document, error)
	Update(ctx context.Context, id string, p Patch, now time.Time) (Document, error)
	// Archive flags the document and all of its descendants, returning every row it changed.
	Archive(ctx context.Context, id string, now time.Time) ([]Document, error)
	Delete(ctx context.Context, id string) (Document, error)
	// ListAccessible returns non-archived documents owned by or shared with userID.
	ListAccessible(ctx context.Context, userID string) ([]Document, error)

	GetCollaborator(ctx context.Context, documentID, userID string) (Collaborator, error)
	// AddCollaborator is idempotent: an existing grant is returned unchanged.
	AddCollaborator(ctx context.Context, c Collaborator) (Collaborator, error)
	RemoveCollaborator(ctx context.Context, documentID, userID string) (Collaborator, error)
	ListCollaborators(ctx context.Context, documentID string) ([]Collaborator, error)
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
