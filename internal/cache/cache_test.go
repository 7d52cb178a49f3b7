package cache_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Amund211/asyncrefresh/internal/cache"
	"github.com/Amund211/asyncrefresh/internal/executor"
	"github.com/Amund211/asyncrefresh/internal/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.DiscardHandler)

// countingBuilder returns len(key) and records every build
type countingBuilder struct {
	builds atomic.Int64
	// When set, builds block until the channel is closed
	gate chan struct{}
}

func (b *countingBuilder) Build(ctx context.Context, key string) (int, error) {
	b.builds.Add(1)
	if b.gate != nil {
		select {
		case <-b.gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return len(key), nil
}

func newTestCache(t *testing.T, builder cache.Builder[int], opts ...cache.Option) *cache.Cache[int] {
	t.Helper()

	opts = append([]cache.Option{
		cache.WithLogger(discardLogger),
		cache.WithPollInterval(time.Millisecond),
	}, opts...)
	c := cache.New[int]("test-cache", builder, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c
}

func TestGet(t *testing.T) {
	t.Parallel()

	t.Run("concurrent misses share one build", func(t *testing.T) {
		t.Parallel()

		builder := &countingBuilder{gate: make(chan struct{})}
		c := newTestCache(t, builder)

		results := make([]int, 5)
		errs := make([]error, 5)
		wg := sync.WaitGroup{}
		for i := range 5 {
			wg.Go(func() {
				results[i], errs[i] = c.Get(t.Context(), "abc")
			})
		}

		require.Eventually(t, func() bool {
			return builder.builds.Load() == 1
		}, time.Second, time.Millisecond)
		close(builder.gate)
		wg.Wait()

		for i := range 5 {
			require.NoError(t, errs[i])
			require.Equal(t, 3, results[i])
		}
		require.Equal(t, int64(1), builder.builds.Load())
	})

	t.Run("present key does not wait for rebuild", func(t *testing.T) {
		t.Parallel()

		builder := &countingBuilder{}
		c := newTestCache(t, builder)

		value, err := c.Get(t.Context(), "tenant")
		require.NoError(t, err)
		require.Equal(t, 6, value)

		builder.gate = make(chan struct{})
		require.NoError(t, c.Refresh(t.Context(), "tenant"))
		require.Eventually(t, func() bool {
			return builder.builds.Load() == 2
		}, time.Second, time.Millisecond)

		value, err = c.Get(t.Context(), "tenant")
		require.NoError(t, err)
		require.Equal(t, 6, value)
		require.False(t, c.IsUpToDate(t.Context(), "tenant"))

		close(builder.gate)
		require.Eventually(t, func() bool {
			return c.IsUpToDate(t.Context(), "tenant")
		}, time.Second, time.Millisecond)
	})

	t.Run("failed builds are retried until one succeeds", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int64
		c := cache.New[string]("retrying", cache.BuilderFunc[string](func(ctx context.Context, key string) (string, error) {
			if calls.Add(1) <= 2 {
				return "", errors.New("backend unavailable")
			}
			return "value-" + key, nil
		}),
			cache.WithLogger(discardLogger),
			cache.WithPollInterval(time.Millisecond),
			cache.WithRetryBackoff(time.Millisecond, 5*time.Millisecond),
		)

		ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
		defer cancel()

		value, err := c.Get(ctx, "k")
		require.NoError(t, err)
		require.Equal(t, "value-k", value)
		require.Equal(t, int64(3), calls.Load())
		require.True(t, c.IsUpToDate(ctx, "k"))
	})

	t.Run("panicking builder is retried", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int64
		c := newTestCache(t, cache.BuilderFunc[int](func(ctx context.Context, key string) (int, error) {
			if calls.Add(1) == 1 {
				panic("boom")
			}
			return 42, nil
		}), cache.WithRetryBackoff(time.Millisecond, time.Millisecond))

		ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
		defer cancel()

		value, err := c.Get(ctx, "k")
		require.NoError(t, err)
		require.Equal(t, 42, value)
		require.Equal(t, int64(2), calls.Load())
	})

	t.Run("cancelled context stops waiting", func(t *testing.T) {
		t.Parallel()

		builder := &countingBuilder{gate: make(chan struct{})}
		c := newTestCache(t, builder)
		t.Cleanup(func() { close(builder.gate) })

		ctx, cancel := context.WithCancel(t.Context())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		_, err := c.Get(ctx, "k")
		require.ErrorIs(t, err, context.Canceled)
	})

	t.Run("wait timeout", func(t *testing.T) {
		t.Parallel()

		builder := &countingBuilder{gate: make(chan struct{})}
		c := newTestCache(t, builder, cache.WithWaitTimeout(10*time.Millisecond))
		t.Cleanup(func() { close(builder.gate) })

		_, err := c.Get(t.Context(), "k")
		require.ErrorIs(t, err, cache.ErrWaitTimeout)

		// The build keeps running and is picked up by later reads
		require.Equal(t, 1, c.QueueLen())
	})

	t.Run("closed cache", func(t *testing.T) {
		t.Parallel()

		builder := &countingBuilder{}
		c := newTestCache(t, builder)

		value, err := c.Get(t.Context(), "ab")
		require.NoError(t, err)
		require.Equal(t, 2, value)

		require.NoError(t, c.Close(t.Context()))

		value, err = c.Get(t.Context(), "ab")
		require.NoError(t, err)
		require.Equal(t, 2, value)

		_, err = c.Get(t.Context(), "missing")
		require.ErrorIs(t, err, cache.ErrClosed)
	})
}

func TestRefresh(t *testing.T) {
	t.Parallel()

	t.Run("repeated refreshes of a waiting key are coalesced", func(t *testing.T) {
		t.Parallel()

		exec := &manualExecutor{}
		builder := &countingBuilder{}
		c := newTestCache(t, builder, cache.WithExecutor(exec))

		for range 10 {
			require.NoError(t, c.Refresh(t.Context(), "k"))
		}
		require.Equal(t, 1, c.QueueLen())
		require.Equal(t, 1, exec.pending())

		exec.runAll(t.Context())
		require.Equal(t, int64(1), builder.builds.Load())
		require.Equal(t, 0, c.QueueLen())
		require.True(t, c.IsUpToDate(t.Context(), "k"))
	})

	t.Run("refreshes during a running build cause at most one more build", func(t *testing.T) {
		t.Parallel()

		builder := &countingBuilder{}
		c := newTestCache(t, builder)

		_, err := c.Get(t.Context(), "k")
		require.NoError(t, err)
		require.Equal(t, int64(1), builder.builds.Load())

		builder.gate = make(chan struct{})
		require.NoError(t, c.Refresh(t.Context(), "k"))
		require.Eventually(t, func() bool {
			return builder.builds.Load() == 2
		}, time.Second, time.Millisecond)

		for range 10 {
			require.NoError(t, c.Refresh(t.Context(), "k"))
		}
		require.Equal(t, 1, c.QueueLen())

		close(builder.gate)
		require.Eventually(t, func() bool {
			return c.IsUpToDate(t.Context(), "k")
		}, time.Second, time.Millisecond)
		require.Equal(t, int64(3), builder.builds.Load())
	})

	t.Run("concurrent refreshes during a running build cause exactly one more build", func(t *testing.T) {
		t.Parallel()

		builder := &countingBuilder{}
		c := newTestCache(t, builder)

		_, err := c.Get(t.Context(), "k")
		require.NoError(t, err)

		builder.gate = make(chan struct{})
		require.NoError(t, c.Refresh(t.Context(), "k"))
		require.Eventually(t, func() bool {
			return builder.builds.Load() == 2
		}, time.Second, time.Millisecond)

		wg := sync.WaitGroup{}
		for range 100 {
			wg.Go(func() {
				assert.NoError(t, c.Refresh(t.Context(), "k"))
			})
		}
		wg.Wait()
		require.Equal(t, 1, c.QueueLen())

		close(builder.gate)
		require.Eventually(t, func() bool {
			return c.IsUpToDate(t.Context(), "k")
		}, time.Second, time.Millisecond)
		require.Equal(t, int64(3), builder.builds.Load())
	})

	t.Run("concurrent refreshes of a waiting key are coalesced", func(t *testing.T) {
		t.Parallel()

		exec := &manualExecutor{}
		builder := &countingBuilder{}
		c := newTestCache(t, builder, cache.WithExecutor(exec))

		wg := sync.WaitGroup{}
		for range 100 {
			wg.Go(func() {
				assert.NoError(t, c.Refresh(t.Context(), "k"))
			})
		}
		wg.Wait()
		require.Equal(t, 1, c.QueueLen())
		require.Equal(t, 1, exec.pending())

		exec.runAll(t.Context())
		require.Equal(t, int64(1), builder.builds.Load())
		require.True(t, c.IsUpToDate(t.Context(), "k"))
	})

	t.Run("jobs run in invalidation order", func(t *testing.T) {
		t.Parallel()

		exec := &manualExecutor{}
		var (
			mu    sync.Mutex
			order []string
		)
		c := newTestCache(t, cache.BuilderFunc[int](func(ctx context.Context, key string) (int, error) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, key)
			return 0, nil
		}), cache.WithExecutor(exec))

		for _, key := range []string{"c", "a", "b", "a"} {
			require.NoError(t, c.Refresh(t.Context(), key))
		}
		require.Equal(t, 3, c.QueueLen())

		ran := exec.runAll(t.Context())
		require.Equal(t, 3, ran)
		require.Equal(t, []string{"c", "a", "b"}, order)
		require.Equal(t, []string{"a", "b", "c"}, c.Keys())
	})

	t.Run("is up to date transitions", func(t *testing.T) {
		t.Parallel()

		exec := &manualExecutor{}
		c := newTestCache(t, &countingBuilder{}, cache.WithExecutor(exec))

		require.True(t, c.IsUpToDate(t.Context(), "k"))
		require.NoError(t, c.Refresh(t.Context(), "k"))
		require.False(t, c.IsUpToDate(t.Context(), "k"))
		require.True(t, c.IsUpToDate(t.Context(), "other"))

		exec.runAll(t.Context())
		require.True(t, c.IsUpToDate(t.Context(), "k"))
	})
}

func TestTransactionalRefresh(t *testing.T) {
	t.Parallel()

	t.Run("commit flushes pending keys", func(t *testing.T) {
		t.Parallel()

		exec := &manualExecutor{}
		builder := &countingBuilder{}
		c := newTestCache(t, builder, cache.WithExecutor(exec))

		txCtx, tx := txn.Begin(t.Context())
		require.NoError(t, c.Refresh(txCtx, "a"))
		require.NoError(t, c.Refresh(txCtx, "b"))
		require.NoError(t, c.Refresh(txCtx, "a"))

		require.Equal(t, 0, c.QueueLen())
		require.Equal(t, 0, exec.pending())
		require.False(t, c.IsUpToDate(txCtx, "a"))
		require.True(t, c.IsUpToDate(t.Context(), "a"))

		require.NoError(t, tx.Commit(t.Context()))
		require.Equal(t, 2, c.QueueLen())
		require.False(t, c.IsUpToDate(t.Context(), "a"))

		exec.runAll(t.Context())
		require.Equal(t, int64(2), builder.builds.Load())
		require.Equal(t, []string{"a", "b"}, c.Keys())
	})

	t.Run("rollback discards pending keys", func(t *testing.T) {
		t.Parallel()

		exec := &manualExecutor{}
		builder := &countingBuilder{}
		c := newTestCache(t, builder, cache.WithExecutor(exec))

		txCtx, tx := txn.Begin(t.Context())
		for range 5 {
			require.NoError(t, c.Refresh(txCtx, "k"))
		}
		require.NoError(t, tx.Rollback(t.Context()))

		require.Equal(t, 0, c.QueueLen())
		require.Equal(t, 0, exec.runAll(t.Context()))
		require.Equal(t, int64(0), builder.builds.Load())
		require.True(t, c.IsUpToDate(t.Context(), "k"))
	})

	t.Run("transactions are isolated per cache", func(t *testing.T) {
		t.Parallel()

		exec := &manualExecutor{}
		first := newTestCache(t, &countingBuilder{}, cache.WithExecutor(exec))
		second := newTestCache(t, &countingBuilder{}, cache.WithExecutor(exec))

		txCtx, tx := txn.Begin(t.Context())
		require.NoError(t, first.Refresh(txCtx, "k"))
		require.False(t, first.IsUpToDate(txCtx, "k"))
		require.True(t, second.IsUpToDate(txCtx, "k"))

		require.NoError(t, tx.Commit(t.Context()))
		require.Equal(t, 1, first.QueueLen())
		require.Equal(t, 0, second.QueueLen())
	})

	t.Run("refresh after completion is not deferred", func(t *testing.T) {
		t.Parallel()

		c := newTestCache(t, &countingBuilder{}, cache.WithExecutor(&manualExecutor{}))

		txCtx, tx := txn.Begin(t.Context())
		require.NoError(t, tx.Commit(t.Context()))

		// A completed transaction is no longer found on the context
		require.NoError(t, c.Refresh(txCtx, "k"))
		require.Equal(t, 1, c.QueueLen())
	})
}

func TestForceInChanges(t *testing.T) {
	t.Parallel()

	t.Run("publishes immediately", func(t *testing.T) {
		t.Parallel()

		exec := &manualExecutor{}
		builder := &countingBuilder{}
		c := newTestCache(t, builder, cache.WithExecutor(exec))

		txCtx, tx := txn.Begin(t.Context())
		require.NoError(t, c.Refresh(txCtx, "abcd"))
		require.NoError(t, c.ForceInChangesForThisUncommittedTransaction(txCtx, "abcd"))

		value, err := c.Get(txCtx, "abcd")
		require.NoError(t, err)
		require.Equal(t, 4, value)
		require.Equal(t, 0, exec.pending())

		require.NoError(t, tx.Rollback(t.Context()))
		require.Equal(t, int64(1), builder.builds.Load())
	})

	t.Run("returns builder error", func(t *testing.T) {
		t.Parallel()

		buildErr := errors.New("invalid tenant")
		c := newTestCache(t, cache.BuilderFunc[int](func(ctx context.Context, key string) (int, error) {
			return 0, buildErr
		}), cache.WithExecutor(&manualExecutor{}))

		err := c.ForceInChangesForThisUncommittedTransaction(t.Context(), "k")
		require.ErrorIs(t, err, buildErr)
		require.Empty(t, c.Keys())
	})
}

// panickingListener panics on the first Refreshed event it receives
type panickingListener struct {
	panicked atomic.Bool
}

func (l *panickingListener) ID() string {
	return "panicking"
}

func (l *panickingListener) OnRefreshableCacheEvent(ctx context.Context, event cache.Event) error {
	if event.Kind == cache.Refreshed && l.panicked.CompareAndSwap(false, true) {
		panic("listener failure")
	}
	return nil
}

type recordingListener struct {
	id string

	mu     sync.Mutex
	events []cache.Event
	err    error
}

func (l *recordingListener) ID() string {
	return l.id
}

func (l *recordingListener) OnRefreshableCacheEvent(ctx context.Context, event cache.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, event)
	return l.err
}

func (l *recordingListener) received() []cache.Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]cache.Event(nil), l.events...)
}

func TestCacheEvents(t *testing.T) {
	t.Parallel()

	t.Run("siblings queue without rebroadcasting", func(t *testing.T) {
		t.Parallel()

		registry := cache.NewRegistry()
		recorder := &recordingListener{id: "recorder"}
		registry.Register(recorder)

		execA := &manualExecutor{}
		execB := &manualExecutor{}
		execOther := &manualExecutor{}
		a := newTestCache(t, &countingBuilder{}, cache.WithRegistry(registry), cache.WithExecutor(execA))
		b := newTestCache(t, &countingBuilder{}, cache.WithRegistry(registry), cache.WithExecutor(execB))
		other := cache.New[int]("other-cache", &countingBuilder{}, cache.WithRegistry(registry), cache.WithExecutor(execOther), cache.WithLogger(discardLogger))

		require.NoError(t, a.Refresh(t.Context(), "k"))

		require.Equal(t, 1, a.QueueLen())
		require.Equal(t, 1, b.QueueLen())
		require.Equal(t, 0, other.QueueLen())

		events := recorder.received()
		require.Len(t, events, 1)
		require.Equal(t, cache.Event{
			Kind:    cache.RefreshRequested,
			CacheID: "test-cache",
			Key:     "k",
			Origin:  a.InstanceID(),
		}, events[0])

		execB.runAll(t.Context())
		events = recorder.received()
		require.Len(t, events, 2)
		require.Equal(t, cache.Refreshed, events[1].Kind)
		require.Equal(t, b.InstanceID(), events[1].Origin)

		// Refreshed events from a sibling do not invalidate anything
		require.Equal(t, 1, a.QueueLen())
		require.Equal(t, 0, b.QueueLen())
	})

	t.Run("listener error is returned from refresh", func(t *testing.T) {
		t.Parallel()

		registry := cache.NewRegistry()
		listenerErr := errors.New("bus down")
		registry.Register(&recordingListener{id: "failing", err: listenerErr})

		c := newTestCache(t, &countingBuilder{}, cache.WithRegistry(registry), cache.WithExecutor(&manualExecutor{}))

		err := c.Refresh(t.Context(), "k")
		require.ErrorIs(t, err, listenerErr)
		// The local refresh is queued regardless
		require.Equal(t, 1, c.QueueLen())
	})

	t.Run("listener error is returned from commit", func(t *testing.T) {
		t.Parallel()

		registry := cache.NewRegistry()
		listenerErr := errors.New("bus down")
		registry.Register(&recordingListener{id: "failing", err: listenerErr})

		c := newTestCache(t, &countingBuilder{}, cache.WithRegistry(registry), cache.WithExecutor(&manualExecutor{}))

		txCtx, tx := txn.Begin(t.Context())
		require.NoError(t, c.Refresh(txCtx, "k"))
		require.ErrorIs(t, tx.Commit(t.Context()), listenerErr)
	})

	t.Run("panicking listener does not stop the worker", func(t *testing.T) {
		t.Parallel()

		registry := cache.NewRegistry()
		listener := &panickingListener{}
		registry.Register(listener)

		exec := &manualExecutor{}
		builder := &countingBuilder{}
		c := newTestCache(t, builder, cache.WithRegistry(registry), cache.WithExecutor(exec))

		require.NoError(t, c.Refresh(t.Context(), "a"))
		require.NoError(t, c.Refresh(t.Context(), "bb"))

		require.NotPanics(t, func() {
			exec.runAll(t.Context())
		})
		require.True(t, listener.panicked.Load())
		require.Equal(t, int64(2), builder.builds.Load())
		require.Equal(t, 0, c.QueueLen())
		require.Equal(t, []string{"a", "bb"}, c.Keys())
	})

	t.Run("panicking listener does not block later reads on a pool", func(t *testing.T) {
		t.Parallel()

		pool, err := executor.New(2, discardLogger)
		require.NoError(t, err)
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = pool.Close(ctx)
		})

		registry := cache.NewRegistry()
		listener := &panickingListener{}
		registry.Register(listener)

		c := newTestCache(t, &countingBuilder{}, cache.WithRegistry(registry), cache.WithExecutor(pool))

		ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
		defer cancel()

		value, err := c.Get(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, 1, value)
		require.True(t, listener.panicked.Load())

		value, err = c.Get(ctx, "bb")
		require.NoError(t, err)
		require.Equal(t, 2, value)
	})

	t.Run("remote events are applied", func(t *testing.T) {
		t.Parallel()

		exec := &manualExecutor{}
		c := newTestCache(t, &countingBuilder{}, cache.WithExecutor(exec))

		err := c.OnRefreshableCacheEvent(t.Context(), cache.Event{
			Kind:    cache.RefreshRequested,
			CacheID: "test-cache",
			Key:     "remote",
		})
		require.NoError(t, err)
		require.False(t, c.IsUpToDate(t.Context(), "remote"))

		err = c.OnRefreshableCacheEvent(t.Context(), cache.Event{
			Kind:    cache.RefreshRequested,
			CacheID: "test-cache",
			Key:     "own",
			Origin:  c.InstanceID(),
		})
		require.NoError(t, err)
		require.True(t, c.IsUpToDate(t.Context(), "own"))
	})

	t.Run("closed cache stops listening", func(t *testing.T) {
		t.Parallel()

		registry := cache.NewRegistry()
		a := newTestCache(t, &countingBuilder{}, cache.WithRegistry(registry), cache.WithExecutor(&manualExecutor{}))
		b := newTestCache(t, &countingBuilder{}, cache.WithRegistry(registry), cache.WithExecutor(&manualExecutor{}))

		require.NoError(t, b.Close(t.Context()))
		require.NoError(t, a.Refresh(t.Context(), "k"))
		assert.Equal(t, 0, b.QueueLen())
	})
}
