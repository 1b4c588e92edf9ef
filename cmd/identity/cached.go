package identity

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// CachedDirectory collapses concurrent lookups for the same user and keeps
// results for a short TTL. Presence snapshots for a busy room hit the same
// handful of users on every join/leave.
type CachedDirectory struct {
	next Directory
	ttl  time.Duration
	now  func() time.Time

	group singleflight.Group

	mu    sync.Mutex
	items map[string]cachedProfile
}

type cachedProfile struct {
	p   Profile
	exp time.Time
}

// NewCachedDirectory wraps next. A ttl <= 0 defaults to 30s.
func NewCachedDirectory(next Directory, ttl time.Duration) *CachedDirectory {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedDirectory{
		next:  next,
		ttl:   ttl,
		now:   time.Now,
		items: make(map[string]cachedProfile),
	}
}

func (c *CachedDirectory) Lookup(ctx context.Context, userID string) (Profile, error) {
	now := c.now()

	c.mu.Lock()
	if it, ok := c.items[userID]; ok && now.Before(it.exp) {
		c.mu.Unlock()
		return it.p, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(userID, func() (any, error) {
		p, err := c.next.Lookup(ctx, userID)
		if err != nil {
			return Profile{}, err
		}
		c.mu.Lock()
		c.items[userID] = cachedProfile{p: p, exp: c.now().Add(c.ttl)}
		c.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return Profile{}, err
	}
	return v.(Profile), nil
}

// Forget drops a cached entry.
func (c *CachedDirectory) Forget(userID string) {
	c.mu.Lock()
	delete(c.items, userID)
	c.mu.Unlock()
}

// Purge drops expired entries and returns how many were removed.
func (c *CachedDirectory) Purge() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, it := range c.items {
		if !now.Before(it.exp) {
			delete(c.items, k)
			n++
		}
	}
	return n
}
