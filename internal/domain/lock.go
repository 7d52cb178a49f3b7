package domain

import (
	"fmt"
	"time"
)

type LockType string

const (
	WriteLock    LockType = "WRITE_LOCK"
	ReadOnlyLock LockType = "READ_ONLY_LOCK"
	NodeLock     LockType = "NODE_LOCK"
)

type Lifetime string

const (
	Ephemeral  Lifetime = "EPHEMERAL"
	Persistent Lifetime = "PERSISTENT"
)

type LockStatus string

const (
	NoLock      LockStatus = "NO_LOCK"
	Locked      LockStatus = "LOCKED"
	LockOwner   LockStatus = "LOCK_OWNER"
	LockExpired LockStatus = "LOCK_EXPIRED"
)

// LockState is an immutable description of a node's lock.
//
// An unlocked node is represented by a LockState with an empty Type, never by
// the absence of a LockState.
type LockState struct {
	nodeRef        NodeRef
	lockType       LockType
	owner          string
	expires        time.Time
	lifetime       Lifetime
	additionalInfo string
}

// Zero expires means the lock never expires
func NewLock(nodeRef NodeRef, lockType LockType, owner string, expires time.Time, lifetime Lifetime, additionalInfo string) LockState {
	return LockState{
		nodeRef:  nodeRef,
		lockType: lockType,
		owner:    owner,
		// Strip the monotonic reading so that equal states compare equal with ==
		expires:        expires.Round(0),
		lifetime:       lifetime,
		additionalInfo: additionalInfo,
	}
}

func Unlocked(nodeRef NodeRef) LockState {
	return LockState{nodeRef: nodeRef}
}

func (s LockState) NodeRef() NodeRef {
	return s.nodeRef
}

func (s LockState) Type() LockType {
	return s.lockType
}

func (s LockState) Owner() string {
	return s.owner
}

func (s LockState) Expires() time.Time {
	return s.expires
}

func (s LockState) Lifetime() Lifetime {
	return s.lifetime
}

func (s LockState) AdditionalInfo() string {
	return s.additionalInfo
}

// IsLockInfo reports whether the state describes an actual lock
func (s LockState) IsLockInfo() bool {
	return s.lockType != ""
}

func (s LockState) Equal(other LockState) bool {
	return s.nodeRef == other.nodeRef &&
		s.lockType == other.lockType &&
		s.owner == other.owner &&
		s.expires.Equal(other.expires) &&
		s.lifetime == other.lifetime &&
		s.additionalInfo == other.additionalInfo
}

// Status of the lock as seen by the given user at the given time
func (s LockState) StatusFor(user string, now time.Time) LockStatus {
	if !s.IsLockInfo() || s.owner == "" {
		return NoLock
	}

	if !s.expires.IsZero() && !now.Before(s.expires) {
		return LockExpired
	}

	if s.owner == user {
		return LockOwner
	}

	return Locked
}

func (s LockState) String() string {
	if !s.IsLockInfo() {
		return fmt.Sprintf("LockState{node: %s, unlocked}", s.nodeRef)
	}
	return fmt.Sprintf(
		"LockState{node: %s, type: %s, owner: %s, expires: %s, lifetime: %s}",
		s.nodeRef, s.lockType, s.owner, s.expires.Format(time.RFC3339), s.lifetime,
	)
}
