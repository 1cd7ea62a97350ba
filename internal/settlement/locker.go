package settlement

import (
	"context"
	"time"

	"github.com/punchamoorthee/settleops/internal/dlock"
)

type mutexLocker struct {
	m *dlock.Mutex
}

// NewLocker adapts the Redis mutex to the Locker contract.
func NewLocker(m *dlock.Mutex) Locker {
	return mutexLocker{m: m}
}

func (l mutexLocker) Acquire(ctx context.Context, resource string, ttl, wait time.Duration) (Lease, error) {
	lease, err := l.m.Acquire(ctx, resource, ttl, wait)
	if err != nil {
		return nil, err
	}
	return lease, nil
}
