package service

import (
	"context"
	"database/sql/driver"
	"hash/fnv"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

// ErrLockBusy is returned when a lock could not be acquired in time.
var ErrLockBusy = errors.New("lock busy")

const lockPollInterval = 50 * time.Millisecond

// KeyLocker serializes critical sections that share a key.
type KeyLocker interface {
	// WithLock runs fn while holding the lock for key.
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// LocalLocker is a KeyLocker for a single process. Idle keys are released
// so the map does not grow with the number of files ever written.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localLock
}

type localLock struct {
	sem  chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localLock)}
}

func (l *LocalLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lock := l.acquireRef(key)
	defer l.releaseRef(key, lock)

	select {
	case lock.sem <- struct{}{}:
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "wait for lock %q", key)
	}
	defer func() { <-lock.sem }()

	return fn(ctx)
}

func (l *LocalLocker) acquireRef(key string) *localLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[key]
	if !ok {
		lock = &localLock{sem: make(chan struct{}, 1)}
		l.locks[key] = lock
	}
	lock.refs++
	return lock
}

func (l *LocalLocker) releaseRef(key string, lock *localLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, key)
	}
}

// size reports the number of keys currently tracked.
func (l *LocalLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker is a KeyLocker shared by every replica talking to the same
// redis. The lock expires after ttl so a crashed holder cannot block a key
// forever; ttl must exceed the longest critical section.
type RedisLocker struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	timeout time.Duration
}

func NewRedisLocker(client redis.UniversalClient, ttl, timeout time.Duration) *RedisLocker {
	return &RedisLocker{
		client:  client,
		prefix:  "gridoc:lock:",
		ttl:     ttl,
		timeout: timeout,
	}
}

func (l *RedisLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	rkey := l.prefix + key
	token := uuid.NewString()

	deadline := time.Now().Add(l.timeout)
	for {
		ok, err := l.client.SetNX(ctx, rkey, token, l.ttl).Result()
		if err != nil {
			return errors.Wrapf(err, "acquire redis lock %q", key)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return errors.Wrapf(ErrLockBusy, "redis lock %q", key)
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "wait for redis lock %q", key)
		case <-time.After(lockPollInterval):
		}
	}

	defer func() {
		// release even if the request context is already gone
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{rkey}, token).Err()
	}()

	return fn(ctx)
}

// PostgresLocker uses session level advisory locks of the metadata
// database. It needs no extra infrastructure when metadata lives in
// postgres and several replicas share it.
type PostgresLocker struct {
	db      *sqlx.DB
	timeout time.Duration
	logger  *zap.Logger
}

func NewPostgresLocker(db *sqlx.DB, timeout time.Duration, logger *zap.Logger) *PostgresLocker {
	return &PostgresLocker{db: db, timeout: timeout, logger: logger}
}

func (l *PostgresLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	conn, err := l.db.Connx(ctx)
	if err != nil {
		return errors.Wrap(err, "get connection for advisory lock")
	}
	defer conn.Close()

	lockKey := advisoryKey(key)
	deadline := time.Now().Add(l.timeout)
	for {
		var locked bool
		if err := conn.GetContext(ctx, &locked, `SELECT pg_try_advisory_lock($1)`, lockKey); err != nil {
			return errors.Wrap(err, "acquire advisory lock")
		}
		if locked {
			break
		}
		if time.Now().After(deadline) {
			return errors.Wrapf(ErrLockBusy, "advisory lock %q", key)
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "wait for advisory lock %q", key)
		case <-time.After(lockPollInterval):
		}
	}

	defer l.release(conn, key, lockKey)

	return fn(ctx)
}

// release drops the advisory lock. A session that may still hold it is
// closed instead of going back to the pool, which ends the lock with it.
func (l *PostgresLocker) release(conn *sqlx.Conn, key string, lockKey int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var released bool
	err := conn.GetContext(ctx, &released, `SELECT pg_advisory_unlock($1)`, lockKey)
	if err == nil && released {
		return
	}
	if err == nil {
		err = errors.New("lock was not held by this session")
	}

	l.logger.Warn("release advisory lock, discarding connection",
		zap.String("key", key),
		zap.Error(err),
	)
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
}

// advisoryKey derives a stable int64 key from a lock name.
func advisoryKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}
