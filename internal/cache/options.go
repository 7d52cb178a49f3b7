package cache

import (
	"log/slog"
	"time"

	"github.com/Amund211/asyncrefresh/internal/executor"
)

const (
	DefaultPollInterval        = 100 * time.Millisecond
	DefaultRetryInitialBackoff = 100 * time.Millisecond
	DefaultRetryMaxBackoff     = 30 * time.Second
)

type options struct {
	executor     executor.Executor
	registry     *Registry
	logger       *slog.Logger
	pollInterval time.Duration
	waitTimeout  time.Duration
	retryInitial time.Duration
	retryMax     time.Duration
	now          func() time.Time
}

type Option func(*options)

// WithExecutor sets the pool that runs background rebuilds.
// Defaults to one goroutine per worker run.
func WithExecutor(e executor.Executor) Option {
	return func(o *options) {
		o.executor = e
	}
}

// WithRegistry shares a listener registry between caches.
// Defaults to a registry private to the cache.
func WithRegistry(r *Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithPollInterval(interval time.Duration) Option {
	return func(o *options) {
		o.pollInterval = interval
	}
}

// WithWaitTimeout bounds how long Get waits for a missing key. Zero waits forever.
func WithWaitTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.waitTimeout = timeout
	}
}

// WithRetryBackoff configures the exponential delay before a failed key is built again
func WithRetryBackoff(initial, max time.Duration) Option {
	return func(o *options) {
		o.retryInitial = initial
		o.retryMax = max
	}
}

func buildOptions(opts []Option) options {
	o := options{
		pollInterval: DefaultPollInterval,
		retryInitial: DefaultRetryInitialBackoff,
		retryMax:     DefaultRetryMaxBackoff,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.executor == nil {
		o.executor = executor.Unbounded(o.logger)
	}
	if o.registry == nil {
		o.registry = NewRegistry()
	}
	if o.pollInterval <= 0 {
		o.pollInterval = DefaultPollInterval
	}
	if o.retryInitial <= 0 {
		o.retryInitial = DefaultRetryInitialBackoff
	}
	if o.retryMax < o.retryInitial {
		o.retryMax = o.retryInitial
	}
	return o
}
