package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var ErrNotActive = errors.New("transaction is not active")

type Status int

const (
	StatusActive Status = iota
	StatusCommitted
	StatusRolledBack
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusCommitted:
		return "COMMITTED"
	case StatusRolledBack:
		return "ROLLED_BACK"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// CompletionListener is notified once when the transaction it is bound to completes
type CompletionListener interface {
	AfterCommit(ctx context.Context) error
	AfterRollback(ctx context.Context) error
}

// Transaction is an explicit unit of work carrying transaction-scoped
// resources and completion listeners.
//
// Resources and listeners are discarded when the transaction completes.
type Transaction struct {
	id string

	mu        sync.Mutex
	status    Status
	resources map[any]any
	listeners []CompletionListener
}

func newTransaction() *Transaction {
	return &Transaction{
		id:        uuid.New().String(),
		status:    StatusActive,
		resources: make(map[any]any),
	}
}

func (t *Transaction) ID() string {
	return t.id
}

func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.status
}

func (t *Transaction) IsActive() bool {
	return t.Status() == StatusActive
}

// Resource returns the value bound under key, if any
func (t *Transaction) Resource(key any) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	value, ok := t.resources[key]
	return value, ok
}

func (t *Transaction) BindResource(key any, value any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != StatusActive {
		return fmt.Errorf("%w: cannot bind resource in %s transaction %s", ErrNotActive, t.status, t.id)
	}

	t.resources[key] = value
	return nil
}

// BindListener registers the listener unless it is already registered.
// Listeners are compared by identity, so they must be comparable (e.g. pointers).
func (t *Transaction) BindListener(listener CompletionListener) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != StatusActive {
		return fmt.Errorf("%w: cannot bind listener in %s transaction %s", ErrNotActive, t.status, t.id)
	}

	for _, existing := range t.listeners {
		if existing == listener {
			return nil
		}
	}

	t.listeners = append(t.listeners, listener)
	return nil
}

func (t *Transaction) Commit(ctx context.Context) error {
	listeners, err := t.complete(StatusCommitted)
	if err != nil {
		return err
	}

	var errs error
	for _, listener := range listeners {
		errs = errors.Join(errs, listener.AfterCommit(ctx))
	}
	if errs != nil {
		return fmt.Errorf("after commit of transaction %s: %w", t.id, errs)
	}
	return nil
}

func (t *Transaction) Rollback(ctx context.Context) error {
	listeners, err := t.complete(StatusRolledBack)
	if err != nil {
		return err
	}

	var errs error
	for _, listener := range listeners {
		errs = errors.Join(errs, listener.AfterRollback(ctx))
	}
	if errs != nil {
		return fmt.Errorf("after rollback of transaction %s: %w", t.id, errs)
	}
	return nil
}

func (t *Transaction) complete(status Status) ([]CompletionListener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != StatusActive {
		return nil, fmt.Errorf("%w: transaction %s is already %s", ErrNotActive, t.id, t.status)
	}

	t.status = status
	listeners := t.listeners
	t.listeners = nil
	t.resources = make(map[any]any)

	return listeners, nil
}
