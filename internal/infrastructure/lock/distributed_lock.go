package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// Distributed lock
// ============================================================================
//
// Acquire: SET key value NX EX timeout
//   - NX keeps it mutually exclusive
//   - EX bounds the damage of a crashed holder
//   - value identifies the holder so release never deletes someone else's lock
//
// Release: GET+DEL in one Lua script.
//
// Locks here only cut contention. Ledger correctness never depends on them:
// every write they guard is also a conditional update at the store.
//
// ============================================================================

var (
	ErrLockFailed = errors.New("failed to acquire lock")
)

const unlockScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`

type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock makes one non-blocking attempt.
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock retries TryLock every retryInterval, at most maxRetries times.
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

func (l *DistributedLock) Unlock(ctx context.Context) error {
	_, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Result()
	return err
}

// ============================================================================
// Locker
// ============================================================================

// Locker hands out exclusive sections keyed by name. owner identifies the holder.
type Locker interface {
	Acquire(ctx context.Context, key, owner string) (release func(), err error)
}

// RedisLocker is the multi-instance Locker.
type RedisLocker struct {
	client        *redis.Client
	expiration    time.Duration
	retryInterval time.Duration
	maxRetries    int
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{
		client:        client,
		expiration:    30 * time.Second,
		retryInterval: 100 * time.Millisecond,
		maxRetries:    30,
	}
}

func (r *RedisLocker) Acquire(ctx context.Context, key, owner string) (func(), error) {
	l := NewDistributedLock(r.client, key, owner, r.expiration)
	if err := l.Lock(ctx, r.retryInterval, r.maxRetries); err != nil {
		return nil, err
	}
	return func() {
		// the caller's ctx may already be cancelled; release on a fresh one
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Unlock(releaseCtx)
	}, nil
}

// PayoutLockKey serialises payout requests of one affiliate.
func PayoutLockKey(affiliateID int64) string {
	return fmt.Sprintf("affledger:lock:payout:affiliate:%d", affiliateID)
}

// AttributionLockKey serialises attribution attempts for one referred user.
func AttributionLockKey(userID int64) string {
	return fmt.Sprintf("affledger:lock:attribution:user:%d", userID)
}
