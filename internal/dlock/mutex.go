// Package dlock provides a Redis-backed mutex for operations spanning more
// than one atomic ledger mutation. Leases carry an owner token and a TTL so
// a crashed holder can never pin a resource forever.
package dlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotAcquired means the bounded wait elapsed with the lock still
	// held elsewhere.
	ErrNotAcquired = errors.New("lock not acquired within wait budget")

	// ErrNotOwned means the lease expired or was taken over before the
	// release or extension.
	ErrNotOwned = errors.New("lock not owned by this lease")
)

// Check-and-delete / check-and-expire must be atomic, hence Lua.
const (
	releaseScript = `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end`
	extendScript = `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end`
)

type Mutex struct {
	rdb           *redis.Client
	retryInterval time.Duration
}

func New(rdb *redis.Client) *Mutex {
	return &Mutex{rdb: rdb, retryInterval: 50 * time.Millisecond}
}

// Lease is one acquired lock. Release it when the critical section ends;
// extend it if the section risks outliving the TTL.
type Lease struct {
	rdb   *redis.Client
	key   string
	token string
	TTL   time.Duration
}

// Acquire takes the lock for resource, waiting at most wait. The lease TTL
// must be shorter than the operation's maximum expected duration so a dead
// holder releases by expiry.
func (m *Mutex) Acquire(ctx context.Context, resource string, ttl, wait time.Duration) (*Lease, error) {
	key := "lock:" + resource
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := m.rdb.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", resource, err)
		}
		if ok {
			return &Lease{rdb: m.rdb, key: key, token: token, TTL: ttl}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.retryInterval):
		}
	}
}

// Release frees the lock if this lease still owns it.
func (l *Lease) Release(ctx context.Context) error {
	n, err := l.rdb.Eval(ctx, releaseScript, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotOwned
	}
	return nil
}

// Extend renews the lease TTL if this lease still owns the lock.
func (l *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := l.rdb.Eval(ctx, extendScript, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotOwned
	}
	l.TTL = ttl
	return nil
}
