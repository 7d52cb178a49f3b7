package cache

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/Amund211/asyncrefresh/internal/logging"
	"github.com/Amund211/asyncrefresh/internal/txn"
)

type pendingKeysResource struct {
	instanceID string
}

// pendingKeys collects the keys a transaction invalidated in one cache.
// It is bound to the transaction both as a resource and as a completion listener.
type pendingKeys[T any] struct {
	cache *Cache[T]

	mu   sync.Mutex
	keys []string
}

func (p *pendingKeys[T]) add(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !slices.Contains(p.keys, key) {
		p.keys = append(p.keys, key)
	}
}

func (p *pendingKeys[T]) has(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return slices.Contains(p.keys, key)
}

func (p *pendingKeys[T]) drain() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := p.keys
	p.keys = nil
	return keys
}

func (p *pendingKeys[T]) AfterCommit(ctx context.Context) error {
	keys := p.drain()
	if len(keys) == 0 {
		return nil
	}

	logging.FromContext(ctx).DebugContext(ctx, "Flushing refreshes after commit", "cacheID", p.cache.id, "keys", len(keys))
	return p.cache.refreshKeys(ctx, keys, true)
}

func (p *pendingKeys[T]) AfterRollback(ctx context.Context) error {
	keys := p.drain()
	if len(keys) > 0 {
		logging.FromContext(ctx).DebugContext(ctx, "Discarding refreshes after rollback", "cacheID", p.cache.id, "keys", len(keys))
	}
	return nil
}

func (c *Cache[T]) lookupPending(tx *txn.Transaction) (*pendingKeys[T], bool) {
	resource, ok := tx.Resource(pendingKeysResource{instanceID: c.instanceID})
	if !ok {
		return nil, false
	}
	pending, ok := resource.(*pendingKeys[T])
	return pending, ok
}

func (c *Cache[T]) pendingFor(tx *txn.Transaction) (*pendingKeys[T], error) {
	if pending, ok := c.lookupPending(tx); ok {
		return pending, nil
	}

	pending := &pendingKeys[T]{cache: c}
	if err := tx.BindResource(pendingKeysResource{instanceID: c.instanceID}, pending); err != nil {
		return nil, fmt.Errorf("failed to bind pending keys: %w", err)
	}
	if err := tx.BindListener(pending); err != nil {
		return nil, fmt.Errorf("failed to bind commit listener: %w", err)
	}
	return pending, nil
}
