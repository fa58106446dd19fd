package replay

import (
	"context"
	"errors"
	"fmt"
)

// Gate decides whether a driver may start a cycle now. A non-empty
// SkipReason means the cycle must not touch the store or the remote API.
type Gate interface {
	Enter(ctx context.Context) (lease Lease, skip SkipReason, err error)
}

// PresenceChecker reports whether any foreground context is active.
type PresenceChecker interface {
	AnyActive(ctx context.Context) (bool, error)
}

type foregroundGate struct {
	lock Lock
}

// ForegroundGate always lets a foreground driver run, serialised by lock
// when several api processes share the store. A nil lock disables that.
func ForegroundGate(lock Lock) Gate {
	return &foregroundGate{lock: lock}
}

func (g *foregroundGate) Enter(ctx context.Context) (Lease, SkipReason, error) {
	return acquire(ctx, g.lock)
}

type backgroundGate struct {
	presence PresenceChecker
	lock     Lock
}

// BackgroundGate defers to any active foreground context. The check is
// made once per cycle; a context turning active mid-cycle is not observed.
func BackgroundGate(presence PresenceChecker, lock Lock) (Gate, error) {
	if presence == nil {
		return nil, errors.New("presence checker required")
	}
	return &backgroundGate{presence: presence, lock: lock}, nil
}

func (g *backgroundGate) Enter(ctx context.Context) (Lease, SkipReason, error) {
	active, err := g.presence.AnyActive(ctx)
	if err != nil {
		return nil, SkipNone, fmt.Errorf("check foreground presence: %w", err)
	}
	if active {
		return nil, SkipForegroundActive, nil
	}
	return acquire(ctx, g.lock)
}

func acquire(ctx context.Context, lock Lock) (Lease, SkipReason, error) {
	if lock == nil {
		return noopLease{}, SkipNone, nil
	}
	lease, ok, err := lock.TryLock(ctx)
	if err != nil {
		return nil, SkipNone, fmt.Errorf("cycle lock: %w", err)
	}
	if !ok {
		return nil, SkipCycleLocked, nil
	}
	return lease, SkipNone, nil
}
