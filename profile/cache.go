package profile

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	portalauth "github.com/MrEthical07/portalauth"
)

// Cache is a read-through [portalauth.ProfileStore] holding recent profiles for a
// bounded time. Lookup errors are never cached, and UpdateRole evicts the entry.
type Cache struct {
	next    portalauth.ProfileStore
	entries *expirable.LRU[string, portalauth.Profile]
}

// NewCache wraps next with an LRU of size entries expiring after ttl.
func NewCache(next portalauth.ProfileStore, size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = 256
	}
	return &Cache{
		next:    next,
		entries: expirable.NewLRU[string, portalauth.Profile](size, nil, ttl),
	}
}

func (c *Cache) GetProfile(ctx context.Context, userID string) (portalauth.Profile, error) {
	if p, ok := c.entries.Get(userID); ok {
		return clone(p), nil
	}
	p, err := c.next.GetProfile(ctx, userID)
	if err != nil {
		return portalauth.Profile{}, err
	}
	c.entries.Add(userID, clone(p))
	return p, nil
}

func (c *Cache) UpdateRole(ctx context.Context, userID, role string) error {
	defer c.entries.Remove(userID)
	return c.next.UpdateRole(ctx, userID, role)
}

// Invalidate drops the cached profile for userID.
func (c *Cache) Invalidate(userID string) {
	c.entries.Remove(userID)
}

func (c *Cache) Len() int {
	return c.entries.Len()
}

func clone(p portalauth.Profile) portalauth.Profile {
	if p.AllowedPagePrefixes != nil {
		p.AllowedPagePrefixes = append([]string(nil), p.AllowedPagePrefixes...)
	}
	return p
}
