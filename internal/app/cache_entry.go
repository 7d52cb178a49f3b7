package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/Amund211/asyncrefresh/internal/cache"
	"github.com/Amund211/asyncrefresh/internal/domain"
	"github.com/Amund211/asyncrefresh/internal/reporting"
	"github.com/Amund211/asyncrefresh/internal/txn"
)

const maxKeyLength = 200

type CacheEntry struct {
	Value any
	// Whether a rebuild of the key was pending when the value was read
	UpToDate bool
}

type GetCacheEntry func(ctx context.Context, cacheID string, key string) (CacheEntry, error)

type RefreshCacheEntry func(ctx context.Context, cacheID string, key string) error

type CacheSummary struct {
	ID       string
	Keys     []string
	QueueLen int
}

type ListCaches func(ctx context.Context) []CacheSummary

func resolve(catalog *Catalog, cacheID string, key string) (CacheHandle, error) {
	if len(key) == 0 || len(key) > maxKeyLength {
		return CacheHandle{}, fmt.Errorf("%w: invalid key length %d", domain.ErrIllegalArgument, len(key))
	}

	handle, ok := catalog.lookup(cacheID)
	if !ok {
		return CacheHandle{}, fmt.Errorf("%w: %s", domain.ErrCacheNotFound, cacheID)
	}

	if handle.validKey != nil && !handle.validKey(key) {
		return CacheHandle{}, fmt.Errorf("%w: invalid key %q for cache %s", domain.ErrIllegalArgument, key, cacheID)
	}
	return handle, nil
}

func BuildGetCacheEntry(catalog *Catalog) GetCacheEntry {
	return func(ctx context.Context, cacheID string, key string) (CacheEntry, error) {
		handle, err := resolve(catalog, cacheID, key)
		if err != nil {
			return CacheEntry{}, err
		}

		upToDate := handle.isUpToDate(ctx, key)

		value, err := handle.get(ctx, key)
		if errors.Is(err, cache.ErrWaitTimeout) || errors.Is(err, cache.ErrClosed) {
			return CacheEntry{}, fmt.Errorf("%w: %w", domain.ErrTemporarilyUnavailable, err)
		} else if err != nil {
			return CacheEntry{}, fmt.Errorf("could not get key %q from cache %s: %w", key, cacheID, err)
		}

		return CacheEntry{
			Value:    value,
			UpToDate: upToDate,
		}, nil
	}
}

// BuildRefreshCacheEntry invalidates the key in its own transaction, so the
// rebuild is queued and broadcast when the transaction commits.
func BuildRefreshCacheEntry(catalog *Catalog) RefreshCacheEntry {
	return func(ctx context.Context, cacheID string, key string) error {
		handle, err := resolve(catalog, cacheID, key)
		if err != nil {
			return err
		}

		txCtx, tx := txn.Begin(ctx)
		if err := handle.refresh(txCtx, key); err != nil {
			if rollbackErr := tx.Rollback(ctx); rollbackErr != nil {
				reporting.Report(ctx, fmt.Errorf("failed to roll back refresh: %w", rollbackErr))
			}
			err := fmt.Errorf("could not refresh key %q in cache %s: %w", key, cacheID, err)
			reporting.Report(ctx, err)
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			err := fmt.Errorf("could not commit refresh of key %q in cache %s: %w", key, cacheID, err)
			reporting.Report(ctx, err)
			return err
		}
		return nil
	}
}

func BuildListCaches(catalog *Catalog) ListCaches {
	return func(ctx context.Context) []CacheSummary {
		ids := catalog.IDs()
		summaries := make([]CacheSummary, 0, len(ids))
		for _, id := range ids {
			handle, _ := catalog.lookup(id)
			summaries = append(summaries, CacheSummary{
				ID:       id,
				Keys:     handle.keys(),
				QueueLen: handle.queueLen(),
			})
		}
		return summaries
	}
}
