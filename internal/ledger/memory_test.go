package ledger

import (
	"errors"
	"sync"
	"testing"

	"github.com/punchamoorthee/settleops/internal/domain"
)

func TestReserveMovesAvailableToPending(t *testing.T) {
	m := NewMemory()
	if err := m.Credit(1, "USDT", 100); err != nil {
		t.Fatal(err)
	}
	if err := m.Reserve(1, "USDT", 60); err != nil {
		t.Fatal(err)
	}
	b, err := m.Balance(1, "USDT")
	if err != nil {
		t.Fatal(err)
	}
	if b.Available != 40 || b.Pending != 60 {
		t.Fatalf("balance = %d/%d, want 40/60", b.Available, b.Pending)
	}
}

func TestReleaseRestoresFullBalance(t *testing.T) {
	// Scenario: provider declines after a reservation, funds come back whole.
	m := NewMemory()
	m.Credit(1, "USDT", 100)
	if err := m.Reserve(1, "USDT", 60); err != nil {
		t.Fatal(err)
	}
	if err := m.Release(1, "USDT", 60); err != nil {
		t.Fatal(err)
	}
	b, _ := m.Balance(1, "USDT")
	if b.Available != 100 || b.Pending != 0 {
		t.Fatalf("balance = %d/%d, want 100/0", b.Available, b.Pending)
	}
}

func TestSettleBurnsPending(t *testing.T) {
	m := NewMemory()
	m.Credit(1, "BTC", 500)
	m.Reserve(1, "BTC", 200)
	if err := m.Settle(1, "BTC", 200); err != nil {
		t.Fatal(err)
	}
	b, _ := m.Balance(1, "BTC")
	if b.Available != 300 || b.Pending != 0 {
		t.Fatalf("balance = %d/%d, want 300/0", b.Available, b.Pending)
	}
}

func TestReserveRefusesShortfallAndMissingAccount(t *testing.T) {
	m := NewMemory()
	m.Credit(1, "USDT", 10)
	if err := m.Reserve(1, "USDT", 11); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("want ErrInsufficientFunds, got %v", err)
	}
	if err := m.Reserve(2, "USDT", 1); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Fatalf("want ErrAccountNotFound, got %v", err)
	}
}

func TestSwapIsAtomic(t *testing.T) {
	m := NewMemory()
	m.Credit(1, "USDT", 1000)
	if err := m.Swap(1, "USDT", 400, "BTC", 7); err != nil {
		t.Fatal(err)
	}
	from, _ := m.Balance(1, "USDT")
	to, _ := m.Balance(1, "BTC")
	if from.Available != 600 || to.Available != 7 {
		t.Fatalf("legs = %d/%d, want 600/7", from.Available, to.Available)
	}

	// Shortfall on the debit leg must leave the credit leg untouched.
	if err := m.Swap(1, "USDT", 601, "BTC", 10); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("want ErrInsufficientFunds, got %v", err)
	}
	to, _ = m.Balance(1, "BTC")
	if to.Available != 7 {
		t.Fatalf("credit leg moved on failed swap: %d", to.Available)
	}
}

func TestConcurrentReservesNeverOversell(t *testing.T) {
	m := NewMemory()
	m.Credit(1, "USDT", 50)

	const workers = 200
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if err := m.Reserve(1, "USDT", 1); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 50 {
		t.Fatalf("successful reserves = %d, want 50", succeeded)
	}
	b, _ := m.Balance(1, "USDT")
	if b.Available != 0 || b.Pending != 50 {
		t.Fatalf("balance = %d/%d, want 0/50", b.Available, b.Pending)
	}
	if b.Available < 0 || b.Pending < 0 {
		t.Fatal("balance went negative")
	}
}
