package app_test

import (
	"testing"
	"time"

	"github.com/Amund211/asyncrefresh/internal/app"
	"github.com/Amund211/asyncrefresh/internal/domain"
	"github.com/Amund211/asyncrefresh/internal/domaintest"
	"github.com/Amund211/asyncrefresh/internal/lockservice"
	"github.com/Amund211/asyncrefresh/internal/lockstore"
	"github.com/stretchr/testify/require"
)

func TestLocks(t *testing.T) {
	t.Parallel()

	nodeRef := domaintest.NewNodeRef(t)

	newService := func() *lockservice.Service {
		clock := domaintest.NewClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
		return lockservice.New(lockstore.New(), lockservice.WithClock(clock.Now))
	}

	t.Run("lock, status, list and unlock", func(t *testing.T) {
		t.Parallel()

		service := newService()
		lockNode := app.BuildLockNode(service)
		unlockNode := app.BuildUnlockNode(service)
		getLockStatus := app.BuildGetLockStatus(service)
		listLocks := app.BuildListLocks(service)

		err := lockNode(t.Context(), nodeRef, lockservice.LockRequest{User: "alice", TimeToExpire: time.Hour})
		require.NoError(t, err)

		state, status := getLockStatus(t.Context(), nodeRef, "alice")
		require.Equal(t, domain.LockOwner, status)
		require.Equal(t, "alice", state.Owner())

		_, status = getLockStatus(t.Context(), nodeRef, "bob")
		require.Equal(t, domain.Locked, status)

		locks := listLocks(t.Context())
		require.Len(t, locks, 1)
		require.Equal(t, nodeRef, locks[0].NodeRef())

		require.NoError(t, unlockNode(t.Context(), nodeRef, "alice"))
		_, status = getLockStatus(t.Context(), nodeRef, "alice")
		require.Equal(t, domain.NoLock, status)
		require.Empty(t, listLocks(t.Context()))
	})

	t.Run("conflicting lock", func(t *testing.T) {
		t.Parallel()

		service := newService()
		lockNode := app.BuildLockNode(service)

		require.NoError(t, lockNode(t.Context(), nodeRef, lockservice.LockRequest{User: "alice"}))
		err := lockNode(t.Context(), nodeRef, lockservice.LockRequest{User: "bob"})
		require.ErrorIs(t, err, domain.ErrUnableToAcquireLock)

		err = app.BuildUnlockNode(service)(t.Context(), nodeRef, "bob")
		require.ErrorIs(t, err, domain.ErrUnableToAcquireLock)
	})

	t.Run("invalid request leaves node unlocked", func(t *testing.T) {
		t.Parallel()

		service := newService()
		err := app.BuildLockNode(service)(t.Context(), nodeRef, lockservice.LockRequest{
			User:         "alice",
			TimeToExpire: lockservice.MaxEphemeralLockTime + time.Second,
		})
		require.ErrorIs(t, err, domain.ErrIllegalArgument)

		_, status := app.BuildGetLockStatus(service)(t.Context(), nodeRef, "alice")
		require.Equal(t, domain.NoLock, status)
	})
}
