package app

import (
	"context"
	"fmt"
	"slices"

	"github.com/Amund211/asyncrefresh/internal/cache"
)

// CacheHandle is a type-erased view of a cache for the admin surface
type CacheHandle struct {
	id         string
	get        func(ctx context.Context, key string) (any, error)
	refresh    func(ctx context.Context, key string) error
	isUpToDate func(ctx context.Context, key string) bool
	keys       func() []string
	queueLen   func() int
	validKey   func(key string) bool
}

func HandleFor[T any](c *cache.Cache[T]) CacheHandle {
	return CacheHandle{
		id: c.ID(),
		get: func(ctx context.Context, key string) (any, error) {
			return c.Get(ctx, key)
		},
		refresh:    c.Refresh,
		isUpToDate: c.IsUpToDate,
		keys:       c.Keys,
		queueLen:   c.QueueLen,
	}
}

// WithKeyValidator rejects keys the cache's builder could never build, so
// they are not queued for rebuild
func (h CacheHandle) WithKeyValidator(validKey func(key string) bool) CacheHandle {
	h.validKey = validKey
	return h
}

// Catalog holds the caches exposed by the service, by id
type Catalog struct {
	caches map[string]CacheHandle
}

func NewCatalog(handles ...CacheHandle) (*Catalog, error) {
	caches := make(map[string]CacheHandle, len(handles))
	for _, handle := range handles {
		if _, ok := caches[handle.id]; ok {
			return nil, fmt.Errorf("duplicate cache id %s", handle.id)
		}
		caches[handle.id] = handle
	}
	return &Catalog{caches: caches}, nil
}

func (c *Catalog) lookup(id string) (CacheHandle, bool) {
	handle, ok := c.caches[id]
	return handle, ok
}

func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.caches))
	for id := range c.caches {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
