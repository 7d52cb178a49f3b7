package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/Amund211/asyncrefresh/internal/executor"
	"github.com/Amund211/asyncrefresh/internal/logging"
	"github.com/Amund211/asyncrefresh/internal/reporting"
	"github.com/Amund211/asyncrefresh/internal/txn"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrClosed        = errors.New("cache closed")
	ErrWaitTimeout   = errors.New("timed out waiting for cache entry")
	ErrBuildPanic    = errors.New("builder panicked")
	ErrListenerPanic = errors.New("listener panicked")
)

var tracer = otel.Tracer("asyncrefresh/cache")

type Builder[T any] interface {
	Build(ctx context.Context, key string) (T, error)
}

type BuilderFunc[T any] func(ctx context.Context, key string) (T, error)

func (f BuilderFunc[T]) Build(ctx context.Context, key string) (T, error) {
	return f(ctx, key)
}

// Cache serves values per key from a live map that is rebuilt in the background.
// Reads of present keys never block on a rebuild. Rebuilds of the same cache run
// one at a time, in the order the keys were invalidated.
type Cache[T any] struct {
	id         string
	instanceID string
	builder    Builder[T]
	opts       options

	liveLock sync.RWMutex
	live     map[string]T

	refreshLock sync.RWMutex
	queue       []*refreshJob
	jobs        map[string]*refreshJob

	runLock    sync.RWMutex
	state      refreshState
	retryTimer *time.Timer
	closed     bool

	runs    sync.WaitGroup
	closing chan struct{}
}

func New[T any](id string, builder Builder[T], opts ...Option) *Cache[T] {
	c := &Cache[T]{
		id:         id,
		instanceID: uuid.NewString(),
		builder:    builder,
		opts:       buildOptions(opts),
		live:       make(map[string]T),
		jobs:       make(map[string]*refreshJob),
		state:      refreshIdle,
		closing:    make(chan struct{}),
	}
	c.opts.registry.Register(c)
	return c
}

func (c *Cache[T]) ID() string {
	return c.id
}

// InstanceID identifies this cache object among caches sharing an ID
func (c *Cache[T]) InstanceID() string {
	return c.instanceID
}

func (c *Cache[T]) getLive(key string) (T, bool) {
	c.liveLock.RLock()
	defer c.liveLock.RUnlock()

	value, ok := c.live[key]
	return value, ok
}

func (c *Cache[T]) publish(key string, value T) {
	c.liveLock.Lock()
	defer c.liveLock.Unlock()

	c.live[key] = value
}

// Get returns the live value for key. When the key has never been built the
// caller waits for the background build to publish it.
//
// Build failures are retried and never returned here. The wait ends early when
// ctx is done, when the configured wait timeout elapses or when the cache closes.
func (c *Cache[T]) Get(ctx context.Context, key string) (T, error) {
	if value, ok := c.getLive(key); ok {
		metrics.getCount.Add(ctx, 1, metric.WithAttributes(
			attribute.String("cache", c.id),
			attribute.String("result", "hit"),
		))
		return value, nil
	}
	metrics.getCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", c.id),
		attribute.String("result", "miss"),
	))

	if c.isClosed() {
		var zero T
		return zero, ErrClosed
	}

	if value, ok := c.queueMiss(key); ok {
		return value, nil
	}
	c.submit()

	return c.waitFor(ctx, key)
}

// queueMiss queues a job for key unless one exists. An existing job publishes
// the key when it finishes, so a running job is not flagged to build again. A
// value published since the caller's miss is returned instead of queueing.
func (c *Cache[T]) queueMiss(key string) (T, bool) {
	c.refreshLock.Lock()
	defer c.refreshLock.Unlock()

	var zero T
	if _, ok := c.jobs[key]; ok {
		return zero, false
	}
	if value, ok := c.getLive(key); ok {
		return value, true
	}
	c.queueLocked(key)
	return zero, false
}

// waitFor polls the live map until the key has been published. A job whose
// build fails stays queued, so the key is eventually published.
func (c *Cache[T]) waitFor(ctx context.Context, key string) (T, error) {
	var zero T

	ticker := time.NewTicker(c.opts.pollInterval)
	defer ticker.Stop()

	var timeout <-chan time.Time
	if c.opts.waitTimeout > 0 {
		timer := time.NewTimer(c.opts.waitTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		if value, ok := c.getLive(key); ok {
			return value, nil
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-timeout:
			return zero, fmt.Errorf("%w: key %q in cache %s after %s", ErrWaitTimeout, key, c.id, c.opts.waitTimeout)
		case <-c.closing:
			return zero, ErrClosed
		case <-ticker.C:
		}
	}
}

// Refresh invalidates key. Inside a transaction the invalidation is deferred
// until the transaction commits and dropped if it rolls back.
func (c *Cache[T]) Refresh(ctx context.Context, key string) error {
	if tx, ok := txn.FromContext(ctx); ok {
		pending, err := c.pendingFor(tx)
		if err != nil {
			return fmt.Errorf("could not defer refresh of key %q in cache %s: %w", key, c.id, err)
		}
		pending.add(key)
		return nil
	}

	return c.refreshKeys(ctx, []string{key}, true)
}

func (c *Cache[T]) refreshKeys(ctx context.Context, keys []string, broadcast bool) error {
	if len(keys) == 0 {
		return nil
	}

	c.queueRefresh(keys)
	c.submit()

	if !broadcast {
		return nil
	}

	for _, key := range keys {
		err := c.opts.registry.Broadcast(ctx, Event{
			Kind:    RefreshRequested,
			CacheID: c.id,
			Key:     key,
			Origin:  c.instanceID,
		}, true)
		if err != nil {
			return fmt.Errorf("failed to broadcast refresh of key %q in cache %s: %w", key, c.id, err)
		}
	}
	return nil
}

// queueRefresh creates jobs for keys that have none.
// Running jobs are flagged to build again once they finish.
func (c *Cache[T]) queueRefresh(keys []string) {
	c.refreshLock.Lock()
	defer c.refreshLock.Unlock()

	for _, key := range keys {
		c.queueLocked(key)
	}
}

// queueLocked must be called with refreshLock held
func (c *Cache[T]) queueLocked(key string) {
	job, ok := c.jobs[key]
	switch {
	case !ok:
		job = &refreshJob{key: key, state: jobWaiting}
		c.jobs[key] = job
		c.queue = append(c.queue, job)
	case job.state == jobRunning:
		job.rerun = true
	}
}

// ForceInChangesForThisUncommittedTransaction builds key on the calling
// goroutine and publishes the result immediately, so the caller observes its
// own uncommitted changes.
func (c *Cache[T]) ForceInChangesForThisUncommittedTransaction(ctx context.Context, key string) error {
	value, err := c.build(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to force in changes for key %q in cache %s: %w", key, c.id, err)
	}
	c.publish(key, value)
	return nil
}

// IsUpToDate reports whether key has no pending rebuild, neither queued nor
// deferred in the transaction of ctx.
func (c *Cache[T]) IsUpToDate(ctx context.Context, key string) bool {
	c.refreshLock.RLock()
	_, queued := c.jobs[key]
	c.refreshLock.RUnlock()
	if queued {
		return false
	}

	if tx, ok := txn.FromContext(ctx); ok {
		if pending, ok := c.lookupPending(tx); ok && pending.has(key) {
			return false
		}
	}
	return true
}

// Keys returns the keys present in the live map, sorted
func (c *Cache[T]) Keys() []string {
	c.liveLock.RLock()
	keys := make([]string, 0, len(c.live))
	for key := range c.live {
		keys = append(keys, key)
	}
	c.liveLock.RUnlock()

	slices.Sort(keys)
	return keys
}

func (c *Cache[T]) QueueLen() int {
	c.refreshLock.RLock()
	defer c.refreshLock.RUnlock()

	return len(c.queue)
}

func (c *Cache[T]) OnRefreshableCacheEvent(ctx context.Context, event Event) error {
	if event.CacheID != c.id || event.Origin == c.instanceID {
		return nil
	}

	if event.Kind != RefreshRequested {
		return nil
	}

	logging.FromContext(ctx).DebugContext(ctx, "Queueing refresh requested by sibling cache", "cacheID", c.id, "key", event.Key, "origin", event.Origin)
	return c.refreshKeys(ctx, []string{event.Key}, false)
}

func (c *Cache[T]) isClosed() bool {
	c.runLock.RLock()
	defer c.runLock.RUnlock()

	return c.closed
}

// Close stops scheduling rebuilds and waits for a running rebuild to finish
func (c *Cache[T]) Close(ctx context.Context) error {
	c.opts.registry.Unregister(c)

	c.runLock.Lock()
	if c.closed {
		c.runLock.Unlock()
		return nil
	}
	c.closed = true
	close(c.closing)
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.runLock.Unlock()

	done := make(chan struct{})
	go func() {
		c.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for cache %s to finish running: %w", c.id, ctx.Err())
	}
}

// submit hands one worker run to the executor unless one is already waiting or running
func (c *Cache[T]) submit() {
	c.runLock.Lock()
	defer c.runLock.Unlock()

	if c.closed || c.state != refreshIdle {
		return
	}

	c.state = refreshWaiting
	c.runs.Add(1)
	if err := c.opts.executor.Submit(c.run); err != nil {
		c.state = refreshIdle
		c.runs.Done()
		if !errors.Is(err, executor.ErrClosed) {
			c.opts.logger.Error("Failed to submit cache worker", "cacheID", c.id, "error", err.Error())
		}
	}
}

func (c *Cache[T]) run(ctx context.Context) {
	defer c.runs.Done()
	defer c.afterRun()

	ctx = logging.WithFallback(ctx, c.opts.logger)
	ctx = logging.AddMetaToContext(ctx, slog.String("cacheID", c.id))

	c.runLock.Lock()
	c.state = refreshRunning
	c.runLock.Unlock()

	job := c.nextJob()
	if job != nil {
		c.runJob(ctx, job)
	}
}

// nextJob marks the first eligible waiting job as running
func (c *Cache[T]) nextJob() *refreshJob {
	c.refreshLock.Lock()
	defer c.refreshLock.Unlock()

	now := c.opts.now()
	for _, job := range c.queue {
		if job.eligible(now) {
			job.state = jobRunning
			return job
		}
	}
	return nil
}

func (c *Cache[T]) runJob(ctx context.Context, job *refreshJob) {
	ctx = logging.AddMetaToContext(ctx, slog.String("key", job.key))
	logger := logging.FromContext(ctx)

	value, err := c.build(ctx, job.key)
	if err != nil {
		c.refreshLock.Lock()
		delay := job.markFailed(c.opts.now(), c.newBackoff)
		failures := job.failures
		c.refreshLock.Unlock()

		logger.ErrorContext(ctx, "Failed to build cache entry", "error", err.Error(), "failures", failures, "retryIn", delay.String())
		reporting.Report(ctx, err, map[string]string{
			"cacheID":  c.id,
			"key":      job.key,
			"failures": fmt.Sprint(failures),
		})
		return
	}

	c.publish(job.key, value)

	c.refreshLock.Lock()
	job.markPublished()
	if job.state == jobDone {
		c.removeJob(job)
	}
	c.refreshLock.Unlock()

	logger.DebugContext(ctx, "Published cache entry")

	err = c.broadcastRefreshed(ctx, job.key)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to broadcast refreshed event", "error", err.Error())
		reporting.Report(ctx, err, map[string]string{
			"cacheID": c.id,
			"key":     job.key,
		})
	}
}

// broadcastRefreshed reports a panicking listener as an error
func (c *Cache[T]) broadcastRefreshed(ctx context.Context, key string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrListenerPanic, r)
		}
	}()

	return c.opts.registry.Broadcast(ctx, Event{
		Kind:    Refreshed,
		CacheID: c.id,
		Key:     key,
		Origin:  c.instanceID,
	}, true)
}

// removeJob must be called with refreshLock held
func (c *Cache[T]) removeJob(job *refreshJob) {
	delete(c.jobs, job.key)
	c.queue = slices.DeleteFunc(c.queue, func(j *refreshJob) bool {
		return j == job
	})
}

func (c *Cache[T]) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.retryInitial
	b.MaxInterval = c.opts.retryMax
	b.Multiplier = 2
	b.Reset()
	return b
}

// afterRun returns the gate to idle, then re-submits for remaining waiting
// jobs or arms a timer for the earliest job that is backing off.
func (c *Cache[T]) afterRun() {
	c.runLock.Lock()
	c.state = refreshIdle
	c.runLock.Unlock()

	c.refreshLock.RLock()
	now := c.opts.now()
	var (
		eligible bool
		earliest time.Time
	)
	for _, job := range c.queue {
		if job.state != jobWaiting {
			continue
		}
		if job.eligible(now) {
			eligible = true
			break
		}
		if earliest.IsZero() || job.notBefore.Before(earliest) {
			earliest = job.notBefore
		}
	}
	c.refreshLock.RUnlock()

	if eligible {
		c.submit()
		return
	}
	if !earliest.IsZero() {
		c.armRetry(earliest.Sub(now))
	}
}

func (c *Cache[T]) armRetry(delay time.Duration) {
	c.runLock.Lock()
	defer c.runLock.Unlock()

	if c.closed {
		return
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.retryTimer = time.AfterFunc(delay, c.submit)
}

func (c *Cache[T]) build(ctx context.Context, key string) (value T, err error) {
	ctx, span := tracer.Start(ctx, "Cache.build")
	defer span.End()
	span.SetAttributes(
		attribute.String("cache", c.id),
		attribute.String("key", key),
	)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			var zero T
			value = zero
			err = fmt.Errorf("%w: %v", ErrBuildPanic, r)
		}

		outcome := "success"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, "build failed")
		}
		attrs := metric.WithAttributes(
			attribute.String("cache", c.id),
			attribute.String("outcome", outcome),
		)
		metrics.buildCount.Add(ctx, 1, attrs)
		metrics.buildDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}()

	return c.builder.Build(ctx, key)
}
