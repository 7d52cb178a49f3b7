package lockservice

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Amund211/asyncrefresh/internal/domain"
	"github.com/Amund211/asyncrefresh/internal/logging"
	"github.com/Amund211/asyncrefresh/internal/lockstore"
	"go.opentelemetry.io/otel"
)

const MaxEphemeralLockTime = 48 * time.Hour

var tracer = otel.Tracer("asyncrefresh/lockservice")

type LockRequest struct {
	User string
	// Defaults to domain.WriteLock
	Type domain.LockType
	// Zero means the lock does not expire
	TimeToExpire time.Duration
	// Defaults to domain.Ephemeral
	Lifetime       domain.Lifetime
	AdditionalInfo string
}

// Service manages ephemeral node locks held in a lock store.
// Lock and Unlock inside a transaction are undone if the transaction rolls back.
type Service struct {
	store *lockstore.Store
	now   func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func New(store *lockstore.Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Lock(ctx context.Context, nodeRef domain.NodeRef, req LockRequest) error {
	ctx, span := tracer.Start(ctx, "Service.Lock")
	defer span.End()

	if nodeRef.IsZero() {
		return fmt.Errorf("%w: node ref must be set", domain.ErrIllegalArgument)
	}
	if req.User == "" {
		return fmt.Errorf("%w: user must be set to lock %s", domain.ErrIllegalArgument, nodeRef)
	}
	if req.Type == "" {
		req.Type = domain.WriteLock
	}
	if req.Lifetime == "" {
		req.Lifetime = domain.Ephemeral
	}

	switch req.Lifetime {
	case domain.Ephemeral:
	case domain.Persistent:
		return fmt.Errorf("%w: %s locks are not stored", domain.ErrUnsupportedLifetime, req.Lifetime)
	default:
		return fmt.Errorf("%w: unknown lifetime %q", domain.ErrIllegalArgument, req.Lifetime)
	}

	if req.TimeToExpire < 0 {
		return fmt.Errorf("%w: negative time to expire %s", domain.ErrIllegalArgument, req.TimeToExpire)
	}
	if req.TimeToExpire > MaxEphemeralLockTime {
		return fmt.Errorf("%w: ephemeral locks may not be held for more than %s, requested %s", domain.ErrIllegalArgument, MaxEphemeralLockTime, req.TimeToExpire)
	}

	now := s.now()
	current := s.store.Get(ctx, nodeRef)
	if current.StatusFor(req.User, now) == domain.Locked {
		return fmt.Errorf("%w: %s is locked by %s", domain.ErrUnableToAcquireLock, nodeRef, current.Owner())
	}

	var expires time.Time
	if req.TimeToExpire > 0 {
		expires = now.Add(req.TimeToExpire)
	}

	if err := s.rememberForRollback(ctx, current); err != nil {
		return err
	}

	newState := domain.NewLock(nodeRef, req.Type, req.User, expires, req.Lifetime, req.AdditionalInfo)
	if err := s.store.Set(ctx, nodeRef, newState); err != nil {
		return fmt.Errorf("failed to lock %s: %w", nodeRef, err)
	}

	logging.FromContext(ctx).InfoContext(ctx, "Locked node", slog.String("nodeRef", nodeRef.String()), slog.String("lockType", string(req.Type)))
	return nil
}

// Unlock releases the lock on nodeRef. Only the owner, or anyone once the
// lock has expired, may unlock.
func (s *Service) Unlock(ctx context.Context, nodeRef domain.NodeRef, user string) error {
	ctx, span := tracer.Start(ctx, "Service.Unlock")
	defer span.End()

	if nodeRef.IsZero() {
		return fmt.Errorf("%w: node ref must be set", domain.ErrIllegalArgument)
	}

	current := s.store.Get(ctx, nodeRef)
	if !current.IsLockInfo() {
		return nil
	}
	if current.StatusFor(user, s.now()) == domain.Locked {
		return fmt.Errorf("%w: %s is locked by %s", domain.ErrUnableToAcquireLock, nodeRef, current.Owner())
	}

	if err := s.rememberForRollback(ctx, current); err != nil {
		return err
	}
	if err := s.store.Set(ctx, nodeRef, domain.Unlocked(nodeRef)); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", nodeRef, err)
	}

	logging.FromContext(ctx).InfoContext(ctx, "Unlocked node", slog.String("nodeRef", nodeRef.String()))
	return nil
}

// LockState returns the state of nodeRef. Expired ephemeral locks are
// reported as unlocked.
func (s *Service) LockState(ctx context.Context, nodeRef domain.NodeRef) domain.LockState {
	state := s.store.Get(ctx, nodeRef)
	if state.Lifetime() == domain.Ephemeral && state.StatusFor(state.Owner(), s.now()) == domain.LockExpired {
		return domain.Unlocked(nodeRef)
	}
	return state
}

func (s *Service) Status(ctx context.Context, nodeRef domain.NodeRef, user string) domain.LockStatus {
	return s.LockState(ctx, nodeRef).StatusFor(user, s.now())
}

// LockedNodes returns the states of all currently locked nodes
func (s *Service) LockedNodes(ctx context.Context) []domain.LockState {
	var states []domain.LockState
	for _, nodeRef := range s.store.GetNodes() {
		state := s.LockState(ctx, nodeRef)
		if state.IsLockInfo() {
			states = append(states, state)
		}
	}
	return states
}
