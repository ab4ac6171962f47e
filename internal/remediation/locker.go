package remediation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/speedwagon-io/relaywatch/internal/lib/backoff"
	"github.com/speedwagon-io/relaywatch/internal/lib/logger/sl"
	"github.com/speedwagon-io/relaywatch/internal/store"
)

// Locker serializes remediation per unit. The returned func releases the lock.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]chan struct{})}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[key] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LeaseLocker keeps the per-unit lock as a lease row in the store, so a
// collector and fleetctl heal runs that share a database exclude each other
// without Redis. Waiters in the same process queue on a local slot first.
type LeaseLocker struct {
	log     *slog.Logger
	leases  store.LeaseStore
	local   *LocalLocker
	ttl     time.Duration
	backoff *backoff.ExponentialBackoff
}

func NewLeaseLocker(log *slog.Logger, leases store.LeaseStore, ttl time.Duration) *LeaseLocker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &LeaseLocker{
		log:     log,
		leases:  leases,
		local:   NewLocalLocker(),
		ttl:     ttl,
		backoff: backoff.NewExponentialBackoff(50*time.Millisecond, time.Second),
	}
}

func (l *LeaseLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := l.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	leaseKey := "remediation:" + key
	holder := uuid.New().String()

	for attempt := 0; ; attempt++ {
		ok, err := l.leases.AcquireLease(ctx, leaseKey, holder, l.ttl)
		if err != nil {
			unlockLocal()
			return nil, err
		}
		if ok {
			return func() {
				l.release(leaseKey, holder)
				unlockLocal()
			}, nil
		}

		if err := l.backoff.Wait(ctx, attempt); err != nil {
			unlockLocal()
			return nil, fmt.Errorf("timed out waiting for lease %s: %w", key, err)
		}
	}
}

func (l *LeaseLocker) release(key, holder string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := l.leases.ReleaseLease(ctx, key, holder); err != nil {
		l.log.Warn("failed to release remediation lease", slog.String("key", key), sl.Err(err))
	}
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker shares the per-unit lock between collectors that write to the
// same attempt log. The TTL must outlive the slowest strategy chain.
type RedisLocker struct {
	log     *slog.Logger
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	backoff *backoff.ExponentialBackoff
}

func NewRedisLocker(log *slog.Logger, client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		log:     log,
		client:  client,
		prefix:  "relaywatch:remediation:",
		ttl:     ttl,
		backoff: backoff.NewExponentialBackoff(50*time.Millisecond, time.Second),
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.New().String()

	for attempt := 0; ; attempt++ {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			return func() { l.release(redisKey, token) }, nil
		}

		if err := l.backoff.Wait(ctx, attempt); err != nil {
			return nil, fmt.Errorf("timed out waiting for lock %s: %w", key, err)
		}
	}
}

func (l *RedisLocker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// An expired lock is not an error; the TTL already released it.
	if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		l.log.Warn("failed to release remediation lock", slog.String("key", key), sl.Err(err))
	}
}

func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
