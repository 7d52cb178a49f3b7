package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/Amund211/asyncrefresh/internal/domain"
	"github.com/Amund211/asyncrefresh/internal/lockservice"
	"github.com/Amund211/asyncrefresh/internal/reporting"
	"github.com/Amund211/asyncrefresh/internal/txn"
)

type ListLocks func(ctx context.Context) []domain.LockState

type LockNode func(ctx context.Context, nodeRef domain.NodeRef, req lockservice.LockRequest) error

type UnlockNode func(ctx context.Context, nodeRef domain.NodeRef, user string) error

type GetLockStatus func(ctx context.Context, nodeRef domain.NodeRef, user string) (domain.LockState, domain.LockStatus)

type lockedNodesProvider interface {
	LockedNodes(ctx context.Context) []domain.LockState
}

type lockManager interface {
	Lock(ctx context.Context, nodeRef domain.NodeRef, req lockservice.LockRequest) error
	Unlock(ctx context.Context, nodeRef domain.NodeRef, user string) error
	LockState(ctx context.Context, nodeRef domain.NodeRef) domain.LockState
	Status(ctx context.Context, nodeRef domain.NodeRef, user string) domain.LockStatus
}

func BuildListLocks(provider lockedNodesProvider) ListLocks {
	return provider.LockedNodes
}

// expectedLockError reports whether err is caused by the request rather than
// the service
func expectedLockError(err error) bool {
	return errors.Is(err, domain.ErrIllegalArgument) ||
		errors.Is(err, domain.ErrUnableToAcquireLock) ||
		errors.Is(err, domain.ErrUnsupportedLifetime) ||
		errors.Is(err, domain.ErrConcurrencyFailure)
}

// inTransaction runs operation in its own transaction, committing on success
func inTransaction(ctx context.Context, operation func(ctx context.Context) error) error {
	txCtx, tx := txn.Begin(ctx)
	if err := operation(txCtx); err != nil {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil {
			reporting.Report(ctx, fmt.Errorf("failed to roll back: %w", rollbackErr))
		}
		return err
	}
	return tx.Commit(ctx)
}

func BuildLockNode(manager lockManager) LockNode {
	return func(ctx context.Context, nodeRef domain.NodeRef, req lockservice.LockRequest) error {
		err := inTransaction(ctx, func(ctx context.Context) error {
			return manager.Lock(ctx, nodeRef, req)
		})
		if err != nil && !expectedLockError(err) {
			err = fmt.Errorf("could not lock %s: %w", nodeRef, err)
			reporting.Report(ctx, err)
		}
		return err
	}
}

func BuildUnlockNode(manager lockManager) UnlockNode {
	return func(ctx context.Context, nodeRef domain.NodeRef, user string) error {
		err := inTransaction(ctx, func(ctx context.Context) error {
			return manager.Unlock(ctx, nodeRef, user)
		})
		if err != nil && !expectedLockError(err) {
			err = fmt.Errorf("could not unlock %s: %w", nodeRef, err)
			reporting.Report(ctx, err)
		}
		return err
	}
}

func BuildGetLockStatus(manager lockManager) GetLockStatus {
	return func(ctx context.Context, nodeRef domain.NodeRef, user string) (domain.LockState, domain.LockStatus) {
		return manager.LockState(ctx, nodeRef), manager.Status(ctx, nodeRef, user)
	}
}
