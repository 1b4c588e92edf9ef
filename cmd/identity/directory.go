package identity

import (
	"context"
	"strings"
	"sync"

	"bloks/cmd/internal/apperr"
)

// Profile is the display metadata of a user.
type Profile struct {
	UserID   string `json:"userId"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// Directory looks up profiles by user id. Unknown users fail with apperr.ErrNotFound.
type Directory interface {
	Lookup(ctx context.Context, userID string) (Profile, error)
}

// MemoryDirectory is a Directory backed by a map.
type MemoryDirectory struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewMemoryDirectory constructs a directory seeded with profiles.
func NewMemoryDirectory(profiles ...Profile) *MemoryDirectory {
	d := &MemoryDirectory{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		d.Put(p)
	}
	return d
}

// Put inserts or replaces a profile.
func (d *MemoryDirectory) Put(p Profile) {
	p.UserID = strings.TrimSpace(p.UserID)
	if p.UserID == "" {
		return
	}
	p.Email = NormalizeEmail(p.Email)
	d.mu.Lock()
	d.profiles[p.UserID] = p
	d.mu.Unlock()
}

func (d *MemoryDirectory) Lookup(ctx context.Context, userID string) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}
	d.mu.RLock()
	p, ok := d.profiles[userID]
	d.mu.RUnlock()
	if !ok {
		return Profile{}, apperr.E("identity.lookup", apperr.ErrNotFound, "user")
	}
	return p, nil
}
