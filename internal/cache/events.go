package cache

import (
	"context"
	"fmt"
	"sync"
)

type EventKind string

const (
	// A key must be rebuilt
	RefreshRequested EventKind = "refresh_requested"
	// A key was rebuilt and published
	Refreshed EventKind = "refreshed"
)

type Event struct {
	Kind    EventKind `json:"kind"`
	CacheID string    `json:"cacheID"`
	Key     string    `json:"key"`
	// Instance id of the emitting cache. Empty for events relayed from other processes.
	Origin string `json:"origin,omitempty"`
}

func (e Event) String() string {
	return fmt.Sprintf("Event{kind: %s, cacheID: %s, key: %q, origin: %s}", e.Kind, e.CacheID, e.Key, e.Origin)
}

type Listener interface {
	ID() string
	OnRefreshableCacheEvent(ctx context.Context, event Event) error
}

// Registry fans cache events out to the registered listeners.
type Registry struct {
	mu        sync.RWMutex
	listeners []Listener
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds listener unless it is already registered
func (r *Registry) Register(listener Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.listeners {
		if existing == listener {
			return
		}
	}
	r.listeners = append(r.listeners, listener)
}

func (r *Registry) Unregister(listener Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.listeners {
		if existing == listener {
			r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
			return
		}
	}
}

// Broadcast delivers event synchronously in registration order.
// With toAll unset only listeners whose ID matches event.CacheID receive it.
// The first listener error stops delivery and is returned.
func (r *Registry) Broadcast(ctx context.Context, event Event, toAll bool) error {
	r.mu.RLock()
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	for _, listener := range listeners {
		if !toAll && listener.ID() != event.CacheID {
			continue
		}
		if err := listener.OnRefreshableCacheEvent(ctx, event); err != nil {
			return fmt.Errorf("listener %s failed on %s: %w", listener.ID(), event, err)
		}
	}
	return nil
}
