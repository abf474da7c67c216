// Package lock provides the best-effort mutual exclusion used by background
// jobs that may run on several replicas at once.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
	"github.com/rs/zerolog/log"
)

// Locker acquires a named lease without blocking. When ok is false another
// holder owns the lease. release is safe to call more than once.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// RedisLocker leases keys through redsync mutexes on a single Redis node.
type RedisLocker struct {
	client *redis.Client
	rs     *redsync.Redsync
	prefix string
}

// NewRedisLocker connects to addr and verifies the connection.
func NewRedisLocker(ctx context.Context, addr, password string, db int, prefix string) (*RedisLocker, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, errors.New("redis address is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     5,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return newRedisLocker(rdb, prefix), nil
}

func newRedisLocker(rdb *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{
		client: rdb,
		rs:     redsync.New(goredis.NewPool(rdb)),
		prefix: prefix,
	}
}

func (l *RedisLocker) key(name string) string {
	if l.prefix == "" {
		return name
	}
	return l.prefix + ":" + name
}

// TryLock implements Locker. A lease held elsewhere is reported as ok=false;
// only Redis failures come back as errors.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	full := l.key(key)
	mutex := l.rs.NewMutex(full,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
	)
	if err := mutex.LockContext(ctx); err != nil {
		if isLockBusy(err) {
			return func() {}, false, nil
		}
		return nil, false, fmt.Errorf("acquire lock %s: %w", full, err)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// The caller's context may already be done when releasing.
			rctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if _, err := mutex.UnlockContext(rctx); err != nil {
				log.Warn().Err(err).Str("key", full).Msg("Failed to release lock")
			}
		})
	}
	return release, true, nil
}

func isLockBusy(err error) bool {
	var taken *redsync.ErrTaken
	return errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken)
}

// Close closes the Redis connection pool.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

// LocalLocker is an in-process Locker for single-replica deployments.
type LocalLocker struct {
	mu     sync.Mutex
	leases map[string]time.Time
	now    func() time.Time
}

// NewLocalLocker returns an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{leases: make(map[string]time.Time), now: time.Now}
}

// TryLock implements Locker.
func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if exp, held := l.leases[key]; held && now.Before(exp) {
		return func() {}, false, nil
	}
	exp := now.Add(ttl)
	l.leases[key] = exp

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			// Only drop our own lease; it may have expired and been retaken.
			if cur, ok := l.leases[key]; ok && cur.Equal(exp) {
				delete(l.leases, key)
			}
		})
	}, true, nil
}
