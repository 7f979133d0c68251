// Package lease provides short-lived, per-key exclusive leases so that only
// one worker at a time mutates a given domain.
package lease

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned when another holder owns the lease.
var ErrHeld = errors.New("lease held by another worker")

// Locker acquires leases keyed by an arbitrary string.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
}

// Lease is a held lease. Release is safe to call more than once.
type Lease struct {
	Key     string
	token   string
	release func(ctx context.Context, key, token string) error
	once    sync.Once
}

// Release gives the lease up if it is still ours.
func (l *Lease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		err = l.release(ctx, l.Key, l.token)
	})
	return err
}

func newToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// releaseScript deletes the key only when it still carries our token, so an
// expired lease re-acquired by someone else is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX, shared across replicas.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker creates a Redis-backed locker
func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "lease:"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

// Acquire takes the lease for key or returns ErrHeld
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := newToken()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrHeld
	}
	return &Lease{Key: key, token: token, release: l.release}, nil
}

func (l *RedisLocker) release(ctx context.Context, key, token string) error {
	return releaseScript.Run(ctx, l.client, []string{l.prefix + key}, token).Err()
}

// MemoryLocker implements Locker within one process. Used when Redis is not configured.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]memoryEntry
	now  func() time.Time
}

type memoryEntry struct {
	token   string
	expires time.Time
}

// NewMemoryLocker creates an in-process locker
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryEntry), now: time.Now}
}

// Acquire takes the lease for key or returns ErrHeld
func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if entry, ok := l.held[key]; ok && now.Before(entry.expires) {
		return nil, ErrHeld
	}

	token := newToken()
	l.held[key] = memoryEntry{token: token, expires: now.Add(ttl)}
	return &Lease{Key: key, token: token, release: l.release}, nil
}

func (l *MemoryLocker) release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.held[key]; ok && entry.token == token {
		delete(l.held, key)
	}
	return nil
}
