package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultLockTTL = 5 * time.Minute

// ErrLeaseLost means the cycle lock expired and may now belong to another
// driver.
var ErrLeaseLost = errors.New("cycle lock lost")

// Lease is a held cycle lock. Release is idempotent.
type Lease interface {
	// Renew pushes the expiry out by the lock TTL.
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

// Lock serialises replay cycles between processes sharing one local store.
type Lock interface {
	TryLock(ctx context.Context) (Lease, bool, error)
}

type lockStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	ExpireIfEquals(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	DeleteIfEquals(ctx context.Context, key, value string) (bool, error)
}

// RedisLock owns key for ttl with a per-acquisition token. The TTL frees
// the lock if the holder dies mid-cycle; a live holder renews it.
type RedisLock struct {
	store lockStore
	key   string
	ttl   time.Duration
}

func NewRedisLock(store lockStore, key string, ttl time.Duration) (*RedisLock, error) {
	switch {
	case store == nil:
		return nil, errors.New("redis lock: store is required")
	case key == "":
		return nil, errors.New("redis lock: key is required")
	case ttl <= 0:
		ttl = defaultLockTTL
	}
	return &RedisLock{store: store, key: key, ttl: ttl}, nil
}

func (l *RedisLock) TryLock(ctx context.Context) (Lease, bool, error) {
	token := uuid.NewString()
	ok, err := l.store.SetNX(ctx, l.key, token, l.ttl)
	if err != nil {
		return nil, false, fmt.Errorf("claim %s: %w", l.key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLease{lock: l, token: token}, true, nil
}

type redisLease struct {
	lock  *RedisLock
	token string

	once sync.Once
	err  error
}

func (r *redisLease) Renew(ctx context.Context) error {
	ok, err := r.lock.store.ExpireIfEquals(ctx, r.lock.key, r.token, r.lock.ttl)
	if err != nil {
		return fmt.Errorf("renew %s: %w", r.lock.key, err)
	}
	if !ok {
		return ErrLeaseLost
	}
	return nil
}

func (r *redisLease) Release(ctx context.Context) error {
	r.once.Do(func() {
		// A false result means the TTL lapsed and someone else holds it now.
		if _, err := r.lock.store.DeleteIfEquals(ctx, r.lock.key, r.token); err != nil {
			r.err = fmt.Errorf("release %s: %w", r.lock.key, err)
		}
	})
	return r.err
}

// LocalLock is the single-process lock used with the memory bridge.
type LocalLock struct {
	mu sync.Mutex
}

func NewLocalLock() *LocalLock {
	return &LocalLock{}
}

func (l *LocalLock) TryLock(context.Context) (Lease, bool, error) {
	if !l.mu.TryLock() {
		return nil, false, nil
	}
	return &localLease{mu: &l.mu}, true, nil
}

type localLease struct {
	mu   *sync.Mutex
	once sync.Once
}

func (*localLease) Renew(context.Context) error { return nil }

func (l *localLease) Release(context.Context) error {
	l.once.Do(l.mu.Unlock)
	return nil
}

type noopLease struct{}

func (noopLease) Renew(context.Context) error   { return nil }
func (noopLease) Release(context.Context) error { return nil }
