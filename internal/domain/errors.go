package domain

import "errors"

var (
	ErrConcurrencyFailure  = errors.New("concurrency failure")
	ErrIllegalArgument     = errors.New("illegal argument")
	ErrUnableToAcquireLock = errors.New("unable to acquire lock")
	ErrUnsupportedLifetime = errors.New("unsupported lock lifetime")

	ErrCacheNotFound          = errors.New("cache not found")
	ErrTemporarilyUnavailable = errors.New("temporarily unavailable")
)
