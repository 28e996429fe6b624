package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	xerrors "sentinel-kernel/internal/errors"
)

// CodeLockContention marks a failed attempt to acquire the per-session
// exclusive lock: another caller holds it.
const CodeLockContention xerrors.Code = "SESSION_LOCK_CONTENTION"

func init() {
	xerrors.Register(CodeLockContention, xerrors.Attributes{
		Message:   "session is locked by another owner",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// Lock is the per-session exclusive lock described in the kernel's
// concurrency model: at most one proposeSwap is in flight per session at a
// time, enforced by a single-owner lock or queue.
type Lock interface {
	// Acquire blocks until the lock is held or ctx is done.
	Acquire(ctx context.Context, sessionID string) (Release func(), err error)
}

// MemoryLock serializes access per sessionID within one process using a
// map of mutexes. It is the default for single-instance deployments and
// for tests.
type MemoryLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMemoryLock constructs an empty in-process lock table.
func NewMemoryLock() *MemoryLock {
	return &MemoryLock{locks: make(map[string]*sync.Mutex)}
}

// Acquire blocks on the per-session mutex, creating it on first use.
func (l *MemoryLock) Acquire(ctx context.Context, sessionID string) (func(), error) {
	l.mu.Lock()
	sessionMu, ok := l.locks[sessionID]
	if !ok {
		sessionMu = &sync.Mutex{}
		l.locks[sessionID] = sessionMu
	}
	l.mu.Unlock()

	acquired := make(chan struct{})
	go func() {
		sessionMu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return sessionMu.Unlock, nil
	case <-ctx.Done():
		go func() {
			<-acquired
			sessionMu.Unlock()
		}()
		return nil, xerrors.Wrap(CodeLockContention, ctx.Err(), "acquire session lock")
	}
}

// RedisLockConfig describes the connection used for a cross-process
// session lock.
type RedisLockConfig struct {
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

// RedisLock implements the per-session exclusive lock across multiple
// kernel instances sharing one Redis, using the standard SET NX PX
// single-instance lock pattern with a random owner token so only the
// acquirer can release its own lock.
type RedisLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLock dials Redis and returns a ready-to-use RedisLock.
func NewRedisLock(cfg RedisLockConfig) (*RedisLock, error) {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, xerrors.Wrap(CodeLockContention, err, "connect to redis")
	}
	return &RedisLock{client: client, ttl: ttl}, nil
}

// Acquire polls SET NX PX until it wins the lock or ctx is done.
func (l *RedisLock) Acquire(ctx context.Context, sessionID string) (func(), error) {
	key := "sentinel:session-lock:" + sessionID
	token := uuid.NewString()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, xerrors.Wrap(CodeLockContention, err, "acquire redis lock")
		}
		if ok {
			release := func() {
				l.releaseIfOwner(context.Background(), key, token)
			}
			return release, nil
		}

		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(CodeLockContention, ctx.Err(), "acquire redis lock")
		case <-ticker.C:
		}
	}
}

// releaseIfOwner deletes key only if its value still matches token, using a
// compare-and-delete Lua script so a lock that expired and was reacquired
// by another owner is never deleted out from under them.
func (l *RedisLock) releaseIfOwner(ctx context.Context, key, token string) {
	const script = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`
	_ = l.client.Eval(ctx, script, []string{key}, token).Err()
}

// Close releases the underlying Redis connection.
func (l *RedisLock) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}
