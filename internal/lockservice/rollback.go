package lockservice

import (
	"context"
	"fmt"
	"sync"

	"github.com/Amund211/asyncrefresh/internal/domain"
	"github.com/Amund211/asyncrefresh/internal/logging"
	"github.com/Amund211/asyncrefresh/internal/reporting"
	"github.com/Amund211/asyncrefresh/internal/txn"
	"github.com/hashicorp/go-multierror"
)

type rollbackResourceKey struct {
	service *Service
}

// lockRollback restores the lock states a transaction started from
type lockRollback struct {
	service *Service

	mu        sync.Mutex
	order     []domain.NodeRef
	originals map[domain.NodeRef]domain.LockState
}

func (r *lockRollback) remember(state domain.LockState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.originals[state.NodeRef()]; ok {
		return
	}
	r.originals[state.NodeRef()] = state
	r.order = append(r.order, state.NodeRef())
}

func (r *lockRollback) AfterCommit(ctx context.Context) error {
	return nil
}

func (r *lockRollback) AfterRollback(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result *multierror.Error
	for _, nodeRef := range r.order {
		original := r.originals[nodeRef]
		if err := r.service.store.Set(ctx, nodeRef, original); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to restore lock state of %s: %w", nodeRef, err))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		logging.FromContext(ctx).ErrorContext(ctx, "Failed to restore lock states after rollback", "error", err.Error())
		reporting.Report(ctx, err)
		return err
	}
	return nil
}

func (s *Service) rememberForRollback(ctx context.Context, current domain.LockState) error {
	tx, ok := txn.FromContext(ctx)
	if !ok {
		return nil
	}

	key := rollbackResourceKey{service: s}
	if resource, ok := tx.Resource(key); ok {
		resource.(*lockRollback).remember(current)
		return nil
	}

	rollback := &lockRollback{
		service:   s,
		originals: make(map[domain.NodeRef]domain.LockState),
	}
	if err := tx.BindResource(key, rollback); err != nil {
		return fmt.Errorf("failed to track lock for rollback: %w", err)
	}
	if err := tx.BindListener(rollback); err != nil {
		return fmt.Errorf("failed to track lock for rollback: %w", err)
	}
	rollback.remember(current)
	return nil
}
