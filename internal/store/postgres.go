package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/ledger"
)

// Store persists operations and balances in Postgres. Every combo that
// couples a state flip with a ledger mutation runs in one transaction, so a
// reservation never exists without its operation record and a FAILED
// operation gains exactly one compensating credit.
type Store struct {
	Db *pgxpool.Pool
}

func NewStore(connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

// legalFlip guards every conditional state UPDATE against drift from the
// domain transition table.
func legalFlip(from, to domain.State) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	return nil
}

const operationColumns = `id, op_type, user_id, asset_code, amount, fee_amount, state,
	destination, counter_asset, counter_amount, external_ref, failure_reason,
	correlation_id, idempotency_key, created_at, submitted_at, finished_at, updated_at`

func scanOperation(row pgx.Row) (*domain.Operation, error) {
	var op domain.Operation
	err := row.Scan(
		&op.ID, &op.Type, &op.UserID, &op.Asset, &op.Amount, &op.FeeAmount, &op.State,
		&op.Destination, &op.CounterAsset, &op.CounterAmount, &op.ExternalRef, &op.FailureReason,
		&op.CorrelationID, &op.IdempotencyKey, &op.CreatedAt, &op.SubmittedAt, &op.FinishedAt, &op.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrOperationNotFound
		}
		return nil, fmt.Errorf("operation scan failed: %w", err)
	}
	return &op, nil
}

func insertOperation(ctx context.Context, q ledger.Querier, op *domain.Operation) error {
	_, err := q.Exec(ctx,
		`INSERT INTO operations (`+operationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		op.ID, op.Type, op.UserID, op.Asset, op.Amount, op.FeeAmount, op.State,
		op.Destination, op.CounterAsset, op.CounterAmount, op.ExternalRef, op.FailureReason,
		op.CorrelationID, op.IdempotencyKey, op.CreatedAt, op.SubmittedAt, op.FinishedAt, op.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("operation insert failed: %w", err)
	}
	return nil
}

// CreateReserved atomically reserves the operation's total debit and
// persists the operation row in RESERVED.
func (s *Store) CreateReserved(ctx context.Context, op *domain.Operation) error {
	tx, err := s.Db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := ledger.Reserve(ctx, tx, op.UserID, op.Asset, op.TotalDebit()); err != nil {
		return err
	}

	op.State = domain.StateReserved
	op.UpdatedAt = time.Now().UTC()
	if err := insertOperation(ctx, tx, op); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

// InsertRejected records a refused request. No ledger access happens on this
// path.
func (s *Store) InsertRejected(ctx context.Context, op *domain.Operation) error {
	now := time.Now().UTC()
	op.State = domain.StateRejected
	op.FinishedAt = &now
	op.UpdatedAt = now
	return insertOperation(ctx, s.Db, op)
}

// MarkSubmitted flips RESERVED to SUBMITTED before the adapter call.
func (s *Store) MarkSubmitted(ctx context.Context, id string) error {
	if err := legalFlip(domain.StateReserved, domain.StateSubmitted); err != nil {
		return err
	}
	tag, err := s.Db.Exec(ctx,
		`UPDATE operations SET state = $2, submitted_at = now(), updated_at = now()
		 WHERE id = $1 AND state = $3`,
		id, domain.StateSubmitted, domain.StateReserved,
	)
	if err != nil {
		return fmt.Errorf("mark submitted failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleTransition
	}
	return nil
}

// Settle flips SUBMITTED to SETTLED and burns the pending hold in the same
// transaction. A duplicate settle finds no SUBMITTED row and reports
// ErrStaleTransition without touching the ledger.
func (s *Store) Settle(ctx context.Context, id, providerRef string) error {
	if err := legalFlip(domain.StateSubmitted, domain.StateSettled); err != nil {
		return err
	}
	tx, err := s.Db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var userID, amount, fee int64
	var asset string
	err = tx.QueryRow(ctx,
		`UPDATE operations SET state = $2, external_ref = $3, finished_at = now(), updated_at = now()
		 WHERE id = $1 AND state = $4
		 RETURNING user_id, asset_code, amount, fee_amount`,
		id, domain.StateSettled, providerRef, domain.StateSubmitted,
	).Scan(&userID, &asset, &amount, &fee)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrStaleTransition
		}
		return fmt.Errorf("settle transition failed: %w", err)
	}

	if err := ledger.Settle(ctx, tx, userID, asset, amount+fee); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

// Fail flips SUBMITTED to FAILED on an explicit provider decline. The
// compensating release happens in Compensate.
func (s *Store) Fail(ctx context.Context, id, reason string) error {
	return s.fail(ctx, id, reason, domain.StateSubmitted)
}

// FailReserved flips RESERVED to FAILED for a reservation whose submission
// never started. Safe without a provider query: no token was ever submitted.
func (s *Store) FailReserved(ctx context.Context, id, reason string) error {
	return s.fail(ctx, id, reason, domain.StateReserved)
}

func (s *Store) fail(ctx context.Context, id, reason string, from domain.State) error {
	if err := legalFlip(from, domain.StateFailed); err != nil {
		return err
	}
	tag, err := s.Db.Exec(ctx,
		`UPDATE operations SET state = $2, failure_reason = $3, updated_at = now()
		 WHERE id = $1 AND state = $4`,
		id, domain.StateFailed, reason, from,
	)
	if err != nil {
		return fmt.Errorf("fail transition failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleTransition
	}
	return nil
}

// Compensate flips FAILED to COMPENSATED and releases the hold in one
// transaction. The conditional flip is the exactly-once gate: concurrent
// duplicate failure callbacks race on it and only one release ever runs.
func (s *Store) Compensate(ctx context.Context, id string) error {
	if err := legalFlip(domain.StateFailed, domain.StateCompensated); err != nil {
		return err
	}
	tx, err := s.Db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var userID, amount, fee int64
	var asset string
	err = tx.QueryRow(ctx,
		`UPDATE operations SET state = $2, finished_at = now(), updated_at = now()
		 WHERE id = $1 AND state = $3
		 RETURNING user_id, asset_code, amount, fee_amount`,
		id, domain.StateCompensated, domain.StateFailed,
	).Scan(&userID, &asset, &amount, &fee)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrStaleTransition
		}
		return fmt.Errorf("compensate transition failed: %w", err)
	}

	if err := ledger.Release(ctx, tx, userID, asset, amount+fee); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

// ExecSwap runs both swap legs and persists the operation in one
// transaction. Swaps settle internally; no external rail is involved.
func (s *Store) ExecSwap(ctx context.Context, op *domain.Operation) error {
	tx, err := s.Db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := ledger.Debit(ctx, tx, op.UserID, op.Asset, op.TotalDebit()); err != nil {
		return err
	}
	if err := ledger.Credit(ctx, tx, op.UserID, op.CounterAsset, op.CounterAmount); err != nil {
		return err
	}

	now := time.Now().UTC()
	op.State = domain.StateSettled
	op.FinishedAt = &now
	op.UpdatedAt = now
	if err := insertOperation(ctx, tx, op); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

// Get retrieves one operation.
func (s *Store) Get(ctx context.Context, id string) (*domain.Operation, error) {
	row := s.Db.QueryRow(ctx,
		`SELECT `+operationColumns+` FROM operations WHERE id = $1`, id)
	return scanOperation(row)
}

// ListSubmittedBefore returns operations stuck in SUBMITTED since before the
// cutoff, oldest first, for the reconciliation pass.
func (s *Store) ListSubmittedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Operation, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT `+operationColumns+` FROM operations
		 WHERE state = $1 AND submitted_at < $2
		 ORDER BY submitted_at ASC LIMIT $3`,
		domain.StateSubmitted, cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("stuck operations query failed: %w", err)
	}
	defer rows.Close()

	var ops []*domain.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// ListReservedBefore returns reservations that never left RESERVED since
// before the cutoff. These hold funds in pending with no submission in
// flight; the reconciler abandons them.
func (s *Store) ListReservedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Operation, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT `+operationColumns+` FROM operations
		 WHERE state = $1 AND updated_at < $2
		 ORDER BY updated_at ASC LIMIT $3`,
		domain.StateReserved, cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("stale reservations query failed: %w", err)
	}
	defer rows.Close()

	var ops []*domain.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// Credit unconditionally increases available balance (deposits, swap-in).
func (s *Store) Credit(ctx context.Context, userID int64, asset string, amount int64) error {
	return ledger.Credit(ctx, s.Db, userID, asset, amount)
}

// Balance reads the current balance row.
func (s *Store) Balance(ctx context.Context, userID int64, asset string) (*domain.Balance, error) {
	return ledger.GetBalance(ctx, s.Db, userID, asset)
}
