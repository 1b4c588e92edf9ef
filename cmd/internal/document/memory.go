package document

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryRepository is an in-process Repository for dev mode and tests.
type MemoryRepository struct {
	mu     sync.RWMutex
	docs   map[string]Document
	grants map[string]map[string]Collaborator // documentID -> userID -> grant
}

// NewMemoryRepository constructs an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		docs:   make(map[string]Document),
		grants: make(map[string]map[string]Collaborator),
	}
}

func (r *MemoryRepository) Create(ctx context.Context, d Document) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	d.ID = strings.TrimSpace(d.ID)
	d.OwnerID = strings.TrimSpace(d.OwnerID)
	if d.ID == "" || d.OwnerID == "" {
		return Document{}, errInvalid("document.create", "id and owner required")
	}
	if strings.TrimSpace(d.Title) == "" {
		d.Title = "Untitled"
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = d.CreatedAt
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[d.ID]; ok {
		return Document{}, errInvalid("document.create", "duplicate id")
	}
	if d.ParentDocument != nil {
		if _, ok := r.docs[*d.ParentDocument]; !ok {
			return Document{}, errNotFound("document.create", "parent")
		}
	}
	r.docs[d.ID] = copyDoc(d)
	return copyDoc(d), nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.docs[id]
	if !ok {
		return Document{}, errNotFound("document.get", "document")
	}
	return copyDoc(d), nil
}

func (r *MemoryRepository) Update(ctx context.Context, id string, p Patch, now time.Time) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	if err := p.Validate(); err != nil {
		return Document{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[id]
	if !ok {
		return Document{}, errNotFound("document.update", "document")
	}
	p.apply(&d, now)
	r.docs[id] = d
	return copyDoc(d), nil
}

func (r *MemoryRepository) Archive(ctx context.Context, id string, now time.Time) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[id]; !ok {
		return nil, errNotFound("document.archive", "document")
	}

	var out []Document
	queue := []string{id}
	seen := map[string]bool{}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true

		d := r.docs[cur]
		d.IsArchived = true
		d.UpdatedAt = now
		r.docs[cur] = d
		out = append(out, copyDoc(d))

		for cid, c := range r.docs {
			if c.ParentDocument != nil && *c.ParentDocument == cur {
				queue = append(queue, cid)
			}
		}
	}
	return out, nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[id]
	if !ok {
		return Document{}, errNotFound("document.delete", "document")
	}
	r.deleteTreeLocked(id)
	return copyDoc(d), nil
}

func (r *MemoryRepository) deleteTreeLocked(id string) {
	delete(r.docs, id)
	delete(r.grants, id)
	for cid, c := range r.docs {
		if c.ParentDocument != nil && *c.ParentDocument == id {
			r.deleteTreeLocked(cid)
		}
	}
}

func (r *MemoryRepository) ListAccessible(ctx context.Context, userID string) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Document, 0)
	for id, d := range r.docs {
		if d.IsArchived {
			continue
		}
		_, shared := r.grants[id][userID]
		if d.OwnerID == userID || shared {
			out = append(out, copyDoc(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) GetCollaborator(ctx context.Context, documentID, userID string) (Collaborator, error) {
	if err := ctx.Err(); err != nil {
		return Collaborator{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.grants[documentID][userID]
	if !ok {
		return Collaborator{}, errNotFound("document.collaborator.get", "collaborator")
	}
	return c, nil
}

func (r *MemoryRepository) AddCollaborator(ctx context.Context, c Collaborator) (Collaborator, error) {
	if err := ctx.Err(); err != nil {
		return Collaborator{}, err
	}
	if strings.TrimSpace(c.DocumentID) == "" || strings.TrimSpace(c.UserID) == "" {
		return Collaborator{}, errInvalid("document.collaborator.add", "document and user required")
	}
	if c.Role == "" {
		c.Role = RoleCollaborator
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[c.DocumentID]; !ok {
		return Collaborator{}, errNotFound("document.collaborator.add", "document")
	}
	m := r.grants[c.DocumentID]
	if m == nil {
		m = make(map[string]Collaborator)
		r.grants[c.DocumentID] = m
	}
	if existing, ok := m[c.UserID]; ok {
		return existing, nil
	}
	m[c.UserID] = c
	return c, nil
}

func (r *MemoryRepository) RemoveCollaborator(ctx context.Context, documentID, userID string) (Collaborator, error) {
	if err := ctx.Err(); err != nil {
		return Collaborator{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.grants[documentID][userID]
	if !ok {
		return Collaborator{}, errNotFound("document.collaborator.remove", "collaborator")
	}
	delete(r.grants[documentID], userID)
	if len(r.grants[documentID]) == 0 {
		delete(r.grants, documentID)
	}
	return c, nil
}

func (r *MemoryRepository) ListCollaborators(ctx context.Context, documentID string) ([]Collaborator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.docs[documentID]; !ok {
		return nil, errNotFound("document.collaborator.list", "document")
	}
	out := make([]Collaborator, 0, len(r.grants[documentID]))
	for _, c := range r.grants[documentID] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func copyDoc(d Document) Document {
	d.Content = cloneStr(d.Content)
	d.Icon = cloneStr(d.Icon)
	d.CoverImage = cloneStr(d.CoverImage)
	d.ParentDocument = cloneStr(d.ParentDocument)
	return d
}
