package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/punchamoorthee/settleops/internal/domain"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx, so every primitive
// can run standalone or inside a caller-owned transaction. Coupling a
// reservation with its operation row, or the two legs of a swap, always goes
// through a single transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Reserve moves amount from available to pending. The balance check and the
// mutation are one conditional UPDATE; there is no read-modify-write window.
func Reserve(ctx context.Context, q Querier, userID int64, asset string, amount int64) error {
	tag, err := q.Exec(ctx,
		`UPDATE balances
		 SET available = available - $3, pending = pending + $3, updated_at = now()
		 WHERE user_id = $1 AND asset_code = $2 AND available >= $3`,
		userID, asset, amount,
	)
	if err != nil {
		return fmt.Errorf("reserve failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return classifyMiss(ctx, q, userID, asset)
	}
	return nil
}

// Settle burns the pending hold after the external rail confirmed the debit.
func Settle(ctx context.Context, q Querier, userID int64, asset string, amount int64) error {
	tag, err := q.Exec(ctx,
		`UPDATE balances
		 SET pending = pending - $3, updated_at = now()
		 WHERE user_id = $1 AND asset_code = $2 AND pending >= $3`,
		userID, asset, amount,
	)
	if err != nil {
		return fmt.Errorf("settle failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("settle: pending underflow for user %d asset %s", userID, asset)
	}
	return nil
}

// Release returns a pending hold to available. This is the compensating
// mutation for a failed settlement or an explicit cancel before submission.
func Release(ctx context.Context, q Querier, userID int64, asset string, amount int64) error {
	tag, err := q.Exec(ctx,
		`UPDATE balances
		 SET pending = pending - $3, available = available + $3, updated_at = now()
		 WHERE user_id = $1 AND asset_code = $2 AND pending >= $3`,
		userID, asset, amount,
	)
	if err != nil {
		return fmt.Errorf("release failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("release: pending underflow for user %d asset %s", userID, asset)
	}
	return nil
}

// Credit unconditionally increases available, creating the balance row on
// first credit.
func Credit(ctx context.Context, q Querier, userID int64, asset string, amount int64) error {
	_, err := q.Exec(ctx,
		`INSERT INTO balances (user_id, asset_code, available, pending, updated_at)
		 VALUES ($1, $2, $3, 0, now())
		 ON CONFLICT (user_id, asset_code)
		 DO UPDATE SET available = balances.available + EXCLUDED.available, updated_at = now()`,
		userID, asset, amount,
	)
	if err != nil {
		return fmt.Errorf("credit failed: %w", err)
	}
	return nil
}

// Debit decrements available directly, without a pending hold. Used for the
// sell leg of a swap, which settles internally in the same transaction as
// its credit leg.
func Debit(ctx context.Context, q Querier, userID int64, asset string, amount int64) error {
	tag, err := q.Exec(ctx,
		`UPDATE balances
		 SET available = available - $3, updated_at = now()
		 WHERE user_id = $1 AND asset_code = $2 AND available >= $3`,
		userID, asset, amount,
	)
	if err != nil {
		return fmt.Errorf("debit failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return classifyMiss(ctx, q, userID, asset)
	}
	return nil
}

// GetBalance reads the current balance row.
func GetBalance(ctx context.Context, q Querier, userID int64, asset string) (*domain.Balance, error) {
	b := domain.Balance{UserID: userID, Asset: asset}
	err := q.QueryRow(ctx,
		`SELECT available, pending, updated_at FROM balances WHERE user_id = $1 AND asset_code = $2`,
		userID, asset,
	).Scan(&b.Available, &b.Pending, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("balance query failed: %w", err)
	}
	return &b, nil
}

// classifyMiss distinguishes a missing balance row from a genuine shortfall
// after a conditional update matched nothing.
func classifyMiss(ctx context.Context, q Querier, userID int64, asset string) error {
	var exists bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM balances WHERE user_id = $1 AND asset_code = $2)`,
		userID, asset,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("balance existence check failed: %w", err)
	}
	if !exists {
		return domain.ErrAccountNotFound
	}
	return domain.ErrInsufficientFunds
}
