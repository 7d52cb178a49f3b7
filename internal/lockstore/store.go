package lockstore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/Amund211/asyncrefresh/internal/domain"
	"github.com/Amund211/asyncrefresh/internal/logging"
	"github.com/Amund211/asyncrefresh/internal/txn"
)

// Store holds the current lock state per node. Writes are compare-and-swap
// against the previously observed state, and reads inside a transaction are
// repeatable: the first read of a node pins its state for the rest of the
// transaction.
type Store struct {
	locks sync.Map // domain.NodeRef -> domain.LockState
}

func New() *Store {
	return &Store{}
}

type txResourceKey struct {
	store *Store
}

type pinnedState struct {
	state   domain.LockState
	present bool
}

type txLocks struct {
	mu     sync.Mutex
	pinned map[domain.NodeRef]pinnedState
}

func (s *Store) txLocks(ctx context.Context) *txLocks {
	tx, ok := txn.FromContext(ctx)
	if !ok {
		return nil
	}

	key := txResourceKey{store: s}
	if resource, ok := tx.Resource(key); ok {
		return resource.(*txLocks)
	}

	locks := &txLocks{pinned: make(map[domain.NodeRef]pinnedState)}
	if err := tx.BindResource(key, locks); err != nil {
		// The transaction completed concurrently, behave as if there was none
		logging.FromContext(ctx).WarnContext(ctx, "Could not bind transactional lock cache", "error", err.Error())
		return nil
	}
	return locks
}

func (s *Store) load(nodeRef domain.NodeRef) pinnedState {
	value, ok := s.locks.Load(nodeRef)
	if !ok {
		return pinnedState{}
	}
	return pinnedState{state: value.(domain.LockState), present: true}
}

// observe returns the state a write by ctx is based on
func (s *Store) observe(ctx context.Context, nodeRef domain.NodeRef) (pinnedState, *txLocks) {
	locks := s.txLocks(ctx)
	if locks == nil {
		return s.load(nodeRef), nil
	}

	locks.mu.Lock()
	defer locks.mu.Unlock()

	if pinned, ok := locks.pinned[nodeRef]; ok {
		return pinned, locks
	}
	current := s.load(nodeRef)
	locks.pinned[nodeRef] = current
	return current, locks
}

// Get returns the lock state of nodeRef, or an unlocked state if the node
// has never been locked.
func (s *Store) Get(ctx context.Context, nodeRef domain.NodeRef) domain.LockState {
	observed, _ := s.observe(ctx, nodeRef)
	if !observed.present {
		return domain.Unlocked(nodeRef)
	}
	return observed.state
}

// Set replaces the state of nodeRef if it still holds the state this caller
// last observed. Otherwise it fails with domain.ErrConcurrencyFailure.
func (s *Store) Set(ctx context.Context, nodeRef domain.NodeRef, newState domain.LockState) error {
	if nodeRef.IsZero() {
		return fmt.Errorf("%w: node ref must be set", domain.ErrIllegalArgument)
	}
	if newState.NodeRef() != nodeRef {
		return fmt.Errorf("%w: lock state for %s stored under %s", domain.ErrIllegalArgument, newState.NodeRef(), nodeRef)
	}

	previous, locks := s.observe(ctx, nodeRef)

	var swapped bool
	if previous.present {
		swapped = s.locks.CompareAndSwap(nodeRef, previous.state, newState)
	} else {
		_, loaded := s.locks.LoadOrStore(nodeRef, newState)
		swapped = !loaded
	}
	if !swapped {
		logging.FromContext(ctx).InfoContext(ctx, "Lock state changed concurrently", "nodeRef", nodeRef.String())
		return fmt.Errorf("%w: lock state of %s changed since it was read", domain.ErrConcurrencyFailure, nodeRef)
	}

	if locks != nil {
		locks.mu.Lock()
		locks.pinned[nodeRef] = pinnedState{state: newState, present: true}
		locks.mu.Unlock()
	}
	return nil
}

// Clear removes every stored lock state
func (s *Store) Clear() {
	s.locks.Clear()
}

// GetNodes returns every node with a stored state, sorted by their string form
func (s *Store) GetNodes() []domain.NodeRef {
	var nodes []domain.NodeRef
	s.locks.Range(func(key, _ any) bool {
		nodes = append(nodes, key.(domain.NodeRef))
		return true
	})

	slices.SortFunc(nodes, func(a, b domain.NodeRef) int {
		return strings.Compare(a.String(), b.String())
	})
	return nodes
}
