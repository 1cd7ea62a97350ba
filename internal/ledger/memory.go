package ledger

import (
	"sync"
	"time"

	"github.com/punchamoorthee/settleops/internal/domain"
)

type balanceKey struct {
	userID int64
	asset  string
}

// Memory is a mutex-guarded in-process ledger with the same conditional
// semantics as the Postgres primitives. It backs the in-memory store used by
// tests and the load generator.
type Memory struct {
	mu       sync.Mutex
	balances map[balanceKey]*domain.Balance
}

func NewMemory() *Memory {
	return &Memory{balances: make(map[balanceKey]*domain.Balance)}
}

func (m *Memory) get(userID int64, asset string) (*domain.Balance, bool) {
	b, ok := m.balances[balanceKey{userID, asset}]
	return b, ok
}

func (m *Memory) Reserve(userID int64, asset string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.get(userID, asset)
	if !ok {
		return domain.ErrAccountNotFound
	}
	if b.Available < amount {
		return domain.ErrInsufficientFunds
	}
	b.Available -= amount
	b.Pending += amount
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) Settle(userID int64, asset string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.get(userID, asset)
	if !ok || b.Pending < amount {
		return domain.ErrInsufficientFunds
	}
	b.Pending -= amount
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) Release(userID int64, asset string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.get(userID, asset)
	if !ok || b.Pending < amount {
		return domain.ErrInsufficientFunds
	}
	b.Pending -= amount
	b.Available += amount
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) Credit(userID int64, asset string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := balanceKey{userID, asset}
	b, ok := m.balances[key]
	if !ok {
		b = &domain.Balance{UserID: userID, Asset: asset}
		m.balances[key] = b
	}
	b.Available += amount
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) Debit(userID int64, asset string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.get(userID, asset)
	if !ok {
		return domain.ErrAccountNotFound
	}
	if b.Available < amount {
		return domain.ErrInsufficientFunds
	}
	b.Available -= amount
	b.UpdatedAt = time.Now().UTC()
	return nil
}

// Swap executes both legs atomically under the ledger mutex: the debit is
// conditional, and the credit happens only if the debit held.
func (m *Memory) Swap(userID int64, fromAsset string, debit int64, toAsset string, credit int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	from, ok := m.get(userID, fromAsset)
	if !ok {
		return domain.ErrAccountNotFound
	}
	if from.Available < debit {
		return domain.ErrInsufficientFunds
	}
	from.Available -= debit
	from.UpdatedAt = time.Now().UTC()

	key := balanceKey{userID, toAsset}
	to, ok := m.balances[key]
	if !ok {
		to = &domain.Balance{UserID: userID, Asset: toAsset}
		m.balances[key] = to
	}
	to.Available += credit
	to.UpdatedAt = time.Now().UTC()
	return nil
}

// Balance returns a copy of the current row.
func (m *Memory) Balance(userID int64, asset string) (*domain.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.get(userID, asset)
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	cp := *b
	return &cp, nil
}
