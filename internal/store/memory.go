package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/ledger"
)

// Memory mirrors the Postgres store semantics for tests and the load
// generator: same conditional transitions, same exactly-once compensation
// gate, no database.
type Memory struct {
	mu     sync.Mutex
	ops    map[string]*domain.Operation
	Ledger *ledger.Memory
}

func NewMemory() *Memory {
	return &Memory{
		ops:    make(map[string]*domain.Operation),
		Ledger: ledger.NewMemory(),
	}
}

func (m *Memory) CreateReserved(ctx context.Context, op *domain.Operation) error {
	if err := m.Ledger.Reserve(op.UserID, op.Asset, op.TotalDebit()); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	op.State = domain.StateReserved
	op.UpdatedAt = time.Now().UTC()
	cp := *op
	m.ops[op.ID] = &cp
	return nil
}

func (m *Memory) InsertRejected(ctx context.Context, op *domain.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	op.State = domain.StateRejected
	op.FinishedAt = &now
	op.UpdatedAt = now
	cp := *op
	m.ops[op.ID] = &cp
	return nil
}

func (m *Memory) transition(id string, from, to domain.State, mutate func(*domain.Operation)) (*domain.Operation, error) {
	if !from.CanTransitionTo(to) {
		return nil, fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[id]
	if !ok {
		return nil, domain.ErrOperationNotFound
	}
	if op.State != from {
		return nil, domain.ErrStaleTransition
	}
	op.State = to
	op.UpdatedAt = time.Now().UTC()
	if mutate != nil {
		mutate(op)
	}
	cp := *op
	return &cp, nil
}

func (m *Memory) MarkSubmitted(ctx context.Context, id string) error {
	_, err := m.transition(id, domain.StateReserved, domain.StateSubmitted, func(op *domain.Operation) {
		now := time.Now().UTC()
		op.SubmittedAt = &now
	})
	return err
}

func (m *Memory) Settle(ctx context.Context, id, providerRef string) error {
	op, err := m.transition(id, domain.StateSubmitted, domain.StateSettled, func(op *domain.Operation) {
		now := time.Now().UTC()
		op.ExternalRef = providerRef
		op.FinishedAt = &now
	})
	if err != nil {
		return err
	}
	return m.Ledger.Settle(op.UserID, op.Asset, op.TotalDebit())
}

func (m *Memory) Fail(ctx context.Context, id, reason string) error {
	_, err := m.transition(id, domain.StateSubmitted, domain.StateFailed, func(op *domain.Operation) {
		op.FailureReason = reason
	})
	return err
}

func (m *Memory) FailReserved(ctx context.Context, id, reason string) error {
	_, err := m.transition(id, domain.StateReserved, domain.StateFailed, func(op *domain.Operation) {
		op.FailureReason = reason
	})
	return err
}

func (m *Memory) Compensate(ctx context.Context, id string) error {
	op, err := m.transition(id, domain.StateFailed, domain.StateCompensated, func(op *domain.Operation) {
		now := time.Now().UTC()
		op.FinishedAt = &now
	})
	if err != nil {
		return err
	}
	return m.Ledger.Release(op.UserID, op.Asset, op.TotalDebit())
}

func (m *Memory) ExecSwap(ctx context.Context, op *domain.Operation) error {
	if err := m.Ledger.Swap(op.UserID, op.Asset, op.TotalDebit(), op.CounterAsset, op.CounterAmount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	op.State = domain.StateSettled
	op.FinishedAt = &now
	op.UpdatedAt = now
	cp := *op
	m.ops[op.ID] = &cp
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*domain.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[id]
	if !ok {
		return nil, domain.ErrOperationNotFound
	}
	cp := *op
	return &cp, nil
}

func (m *Memory) ListSubmittedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ops []*domain.Operation
	for _, op := range m.ops {
		if op.State == domain.StateSubmitted && op.SubmittedAt != nil && op.SubmittedAt.Before(cutoff) {
			cp := *op
			ops = append(ops, &cp)
			if len(ops) >= limit {
				break
			}
		}
	}
	return ops, nil
}

func (m *Memory) ListReservedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ops []*domain.Operation
	for _, op := range m.ops {
		if op.State == domain.StateReserved && op.UpdatedAt.Before(cutoff) {
			cp := *op
			ops = append(ops, &cp)
			if len(ops) >= limit {
				break
			}
		}
	}
	return ops, nil
}

func (m *Memory) Credit(ctx context.Context, userID int64, asset string, amount int64) error {
	return m.Ledger.Credit(userID, asset, amount)
}

func (m *Memory) Balance(ctx context.Context, userID int64, asset string) (*domain.Balance, error) {
	return m.Ledger.Balance(userID, asset)
}
