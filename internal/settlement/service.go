// Package settlement drives one operation from request to terminal state:
// idempotency gate, validation, atomic reservation, external submission and
// the settle-or-compensate outcome handling.
package settlement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/punchamoorthee/settleops/internal/audit"
	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/idempotency"
	"github.com/punchamoorthee/settleops/internal/notify"
	"github.com/punchamoorthee/settleops/internal/rail"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OperationStore is the persistence contract the state machine drives. Both
// the Postgres store and the in-memory store satisfy it.
type OperationStore interface {
	CreateReserved(ctx context.Context, op *domain.Operation) error
	InsertRejected(ctx context.Context, op *domain.Operation) error
	MarkSubmitted(ctx context.Context, id string) error
	Settle(ctx context.Context, id, providerRef string) error
	Fail(ctx context.Context, id, reason string) error
	FailReserved(ctx context.Context, id, reason string) error
	Compensate(ctx context.Context, id string) error
	ExecSwap(ctx context.Context, op *domain.Operation) error
	Get(ctx context.Context, id string) (*domain.Operation, error)
	ListSubmittedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Operation, error)
	ListReservedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Operation, error)
	Credit(ctx context.Context, userID int64, asset string, amount int64) error
	Balance(ctx context.Context, userID int64, asset string) (*domain.Balance, error)
}

// IdempotencyStore gates repeated requests sharing a key.
type IdempotencyStore interface {
	Begin(ctx context.Context, requester, key, requestHash string) (*idempotency.Begun, error)
	Complete(ctx context.Context, requester, key string, httpStatus int, body []byte) error
	MarkPending(ctx context.Context, requester, key string, httpStatus int, body []byte) error
	Abort(ctx context.Context, requester, key string) error
}

// Lease is one held distributed lock.
type Lease interface {
	Release(ctx context.Context) error
	Extend(ctx context.Context, ttl time.Duration) error
}

// Locker hands out leases for work spanning more than one atomic mutation.
type Locker interface {
	Acquire(ctx context.Context, resource string, ttl, wait time.Duration) (Lease, error)
}

// AuthVerifier checks the second factor and transaction PIN. A denial comes
// back as a *domain.RejectionError.
type AuthVerifier interface {
	Verify(ctx context.Context, userID int64, secondFactor, transactionPIN string) error
}

// LimitChecker enforces per-user limits on the USD value of a request. A
// denial comes back as a *domain.RejectionError.
type LimitChecker interface {
	Check(ctx context.Context, userID int64, asset string, amountUSD decimal.Decimal) error
}

// PriceOracle supplies markdown-adjusted USD prices and conversion rates.
type PriceOracle interface {
	Price(ctx context.Context, asset string) (decimal.Decimal, error)
	Rate(ctx context.Context, fromAsset, toAsset string) (decimal.Decimal, error)
}

// Auditor records events fire-and-forget.
type Auditor interface {
	Record(e *audit.Event)
}

// Notifier fans terminal outcomes out after the transition commits.
type Notifier interface {
	Publish(op *domain.Operation, eventType string)
}

// Config tunes the state machine.
type Config struct {
	SupportedAssets []string
	FeeBps          int64
	LockTTL         time.Duration
	LockWait        time.Duration
	ReconcileAfter  time.Duration
	ReconcileBatch  int
}

type Service struct {
	ops      OperationStore
	idem     IdempotencyStore
	locks    Locker
	adapter  rail.Adapter
	oracle   PriceOracle
	auth     AuthVerifier
	limits   LimitChecker
	auditor  Auditor
	notifier Notifier
	logger   *zap.Logger

	assets  map[string]bool
	feeRate decimal.Decimal
	cfg     Config
}

func NewService(
	ops OperationStore,
	idem IdempotencyStore,
	locks Locker,
	adapter rail.Adapter,
	priceOracle PriceOracle,
	auth AuthVerifier,
	limits LimitChecker,
	auditor Auditor,
	notifier Notifier,
	logger *zap.Logger,
	cfg Config,
) *Service {
	assets := make(map[string]bool, len(cfg.SupportedAssets))
	for _, a := range cfg.SupportedAssets {
		assets[a] = true
	}
	return &Service{
		ops:      ops,
		idem:     idem,
		locks:    locks,
		adapter:  adapter,
		oracle:   priceOracle,
		auth:     auth,
		limits:   limits,
		auditor:  auditor,
		notifier: notifier,
		logger:   logger,
		assets:   assets,
		feeRate:  decimal.NewFromInt(cfg.FeeBps).Div(decimal.NewFromInt(10000)),
		cfg:      cfg,
	}
}

// WithdrawRequest is one settlement request against the external rail.
type WithdrawRequest struct {
	UserID         int64
	Asset          string
	Amount         int64
	Destination    string
	SecondFactor   string
	TransactionPIN string
	IdempotencyKey string
}

// Outcome carries either a fresh operation snapshot or a replayed stored
// result for an already-seen idempotency key.
type Outcome struct {
	Op         *domain.Operation
	Replay     *idempotency.Result
	HTTPStatus int
}

func requesterID(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

// fee computes the flat-rate fee in minor units, rounded up so the house
// never undercharges by a fraction.
func (s *Service) fee(amount int64) int64 {
	return decimal.NewFromInt(amount).Mul(s.feeRate).Ceil().IntPart()
}

func snapshot(op *domain.Operation) []byte {
	body, _ := json.Marshal(op)
	return body
}

// fingerprint hashes the request so key reuse with a different payload is
// refused instead of replayed.
func fingerprint(req any) string {
	body, _ := json.Marshal(req)
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Withdraw runs the full settlement saga for one withdrawal request.
func (s *Service) Withdraw(ctx context.Context, req WithdrawRequest) (*Outcome, error) {
	requester := requesterID(req.UserID)

	begun, err := s.idem.Begin(ctx, requester, req.IdempotencyKey, fingerprint(req))
	if err != nil {
		return nil, err
	}
	if begun.Cached != nil {
		operationsTotal.WithLabelValues("withdrawal", "replay").Inc()
		return &Outcome{Replay: begun.Cached, HTTPStatus: begun.Cached.HTTPStatus}, nil
	}

	op := domain.NewOperation(domain.TypeWithdrawal, req.UserID, req.Asset, req.Amount)
	op.Destination = req.Destination
	op.IdempotencyKey = req.IdempotencyKey

	// Validation and collaborator checks: any failure rejects with zero
	// ledger access, and the idempotency claim is dropped so a corrected
	// retry can execute.
	if req.Amount <= 0 {
		return nil, s.reject(ctx, op, domain.ReasonInvalidAmount, "amount must be positive")
	}
	if !s.assets[req.Asset] {
		return nil, s.reject(ctx, op, domain.ReasonUnsupportedAsset, "asset not supported")
	}
	if req.Destination == "" {
		return nil, s.reject(ctx, op, domain.ReasonMissingDestination, "destination required")
	}

	if err := s.auth.Verify(ctx, req.UserID, req.SecondFactor, req.TransactionPIN); err != nil {
		if rej, ok := domain.AsRejection(err); ok {
			return nil, s.reject(ctx, op, rej.Code, rej.Message)
		}
		return nil, s.internal(ctx, op, err)
	}

	price, err := s.oracle.Price(ctx, req.Asset)
	if err != nil {
		return nil, s.internal(ctx, op, err)
	}
	usdValue := price.Mul(decimal.NewFromInt(req.Amount))
	if err := s.limits.Check(ctx, req.UserID, req.Asset, usdValue); err != nil {
		if rej, ok := domain.AsRejection(err); ok {
			return nil, s.reject(ctx, op, rej.Code, rej.Message)
		}
		return nil, s.internal(ctx, op, err)
	}

	op.FeeAmount = s.fee(req.Amount)

	// Reservation and operation row commit in one atomic unit.
	if err := s.ops.CreateReserved(ctx, op); err != nil {
		if errors.Is(err, domain.ErrInsufficientFunds) || errors.Is(err, domain.ErrAccountNotFound) {
			return nil, s.reject(ctx, op, domain.ReasonInsufficientFunds, "balance too low")
		}
		return nil, s.internal(ctx, op, err)
	}
	s.transitionEvent(op, domain.StateRequested, domain.StateReserved, nil)

	if err := s.ops.MarkSubmitted(ctx, op.ID); err != nil {
		// Reservation exists but submission never started; surface for
		// operator attention rather than guessing.
		s.logger.Error("mark submitted failed", zap.String("operation_id", op.ID), zap.Error(err))
		return nil, err
	}
	now := time.Now().UTC()
	op.State = domain.StateSubmitted
	op.SubmittedAt = &now
	s.transitionEvent(op, domain.StateReserved, domain.StateSubmitted,
		map[string]any{"provider_token": rail.Token(op.ID)})

	receipt, err := s.adapter.Submit(ctx, op)
	switch {
	case err == nil && receipt.Outcome == rail.OutcomeSettled:
		return s.resolveSettled(ctx, op, receipt.ProviderRef)

	case err == nil:
		// Provider accepted but has not executed yet; same handling as
		// an unknown outcome, the reconciler will resolve it.
		return s.holdSubmitted(ctx, op, "provider still processing")

	default:
		if declined, ok := rail.AsDeclined(err); ok {
			return s.resolveDeclined(ctx, op, declined)
		}
		// Timeout or ambiguous response. The provider may have executed
		// the debit, so compensation here would risk double-spending.
		s.logger.Warn("provider outcome unknown, holding for reconciliation",
			zap.String("operation_id", op.ID), zap.Error(err))
		return s.holdSubmitted(ctx, op, "provider outcome unknown")
	}
}

func (s *Service) resolveSettled(ctx context.Context, op *domain.Operation, providerRef string) (*Outcome, error) {
	if err := s.ops.Settle(ctx, op.ID, providerRef); err != nil {
		if errors.Is(err, domain.ErrStaleTransition) {
			return s.duplicateEvent(ctx, op.ID)
		}
		return nil, err
	}
	now := time.Now().UTC()
	op.ExternalRef = providerRef
	op.FinishedAt = &now
	s.finishState(op, domain.StateSubmitted, domain.StateSettled)

	s.notifier.Publish(op, notify.EventSettled)
	operationsTotal.WithLabelValues("withdrawal", "settled").Inc()

	body := snapshot(op)
	s.completeIdem(ctx, op, http.StatusCreated, body)
	return &Outcome{Op: op, HTTPStatus: http.StatusCreated}, nil
}

func (s *Service) resolveDeclined(ctx context.Context, op *domain.Operation, declined *rail.DeclinedError) (*Outcome, error) {
	if err := s.ops.Fail(ctx, op.ID, declined.Code); err != nil {
		if errors.Is(err, domain.ErrStaleTransition) {
			return s.duplicateEvent(ctx, op.ID)
		}
		return nil, err
	}
	op.FailureReason = declined.Code
	s.finishState(op, domain.StateSubmitted, domain.StateFailed)

	if err := s.ops.Compensate(ctx, op.ID); err != nil && !errors.Is(err, domain.ErrStaleTransition) {
		// The FAILED row still owes its release; the reconciler retries
		// compensation on the next pass.
		s.logger.Error("compensation failed", zap.String("operation_id", op.ID), zap.Error(err))
		return nil, err
	}
	now := time.Now().UTC()
	op.FinishedAt = &now
	s.finishState(op, domain.StateFailed, domain.StateCompensated)

	s.notifier.Publish(op, notify.EventCompensated)
	operationsTotal.WithLabelValues("withdrawal", "failed").Inc()

	body := snapshot(op)
	s.completeIdem(ctx, op, http.StatusCreated, body)
	return &Outcome{Op: op, HTTPStatus: http.StatusCreated}, nil
}

func (s *Service) holdSubmitted(ctx context.Context, op *domain.Operation, note string) (*Outcome, error) {
	s.auditor.Record(&audit.Event{
		OperationID:   op.ID,
		CorrelationID: op.CorrelationID,
		EventType:     audit.EventTransition,
		BeforeState:   domain.StateSubmitted,
		AfterState:    domain.StateSubmitted,
		Detail:        map[string]any{"note": note},
	})
	operationsTotal.WithLabelValues("withdrawal", "pending").Inc()

	body := snapshot(op)
	requester := requesterID(op.UserID)
	if err := s.idem.MarkPending(ctx, requester, op.IdempotencyKey, http.StatusAccepted, body); err != nil {
		s.logger.Warn("idempotency pending mark failed", zap.String("operation_id", op.ID), zap.Error(err))
	}
	return &Outcome{Op: op, HTTPStatus: http.StatusAccepted}, nil
}

// reject records the refusal and drops the idempotency claim. Rejections
// are never cached, so a corrected retry with the same key may execute.
func (s *Service) reject(ctx context.Context, op *domain.Operation, code, message string) error {
	op.FailureReason = code
	if err := s.ops.InsertRejected(ctx, op); err != nil {
		s.logger.Warn("rejected operation insert failed", zap.String("operation_id", op.ID), zap.Error(err))
	}
	s.auditor.Record(&audit.Event{
		OperationID:   op.ID,
		CorrelationID: op.CorrelationID,
		EventType:     audit.EventRejected,
		BeforeState:   domain.StateRequested,
		AfterState:    domain.StateRejected,
		Detail:        map[string]any{"reason": code},
	})
	operationsTotal.WithLabelValues(string(op.Type), "rejected").Inc()

	if err := s.idem.Abort(ctx, requesterID(op.UserID), op.IdempotencyKey); err != nil {
		s.logger.Warn("idempotency abort failed", zap.String("operation_id", op.ID), zap.Error(err))
	}
	return domain.Reject(code, message)
}

// internal aborts the idempotency claim after a transient internal failure
// so the client can safely retry, and passes the error through.
func (s *Service) internal(ctx context.Context, op *domain.Operation, err error) error {
	if aerr := s.idem.Abort(ctx, requesterID(op.UserID), op.IdempotencyKey); aerr != nil {
		s.logger.Warn("idempotency abort failed", zap.String("operation_id", op.ID), zap.Error(aerr))
	}
	s.logger.Error("settlement internal error", zap.String("operation_id", op.ID), zap.Error(err))
	return err
}

func (s *Service) transitionEvent(op *domain.Operation, from, to domain.State, detail map[string]any) {
	s.auditor.Record(&audit.Event{
		OperationID:   op.ID,
		CorrelationID: op.CorrelationID,
		EventType:     audit.EventTransition,
		BeforeState:   from,
		AfterState:    to,
		Detail:        detail,
	})
}

func (s *Service) finishState(op *domain.Operation, from, to domain.State) {
	op.State = to
	op.UpdatedAt = time.Now().UTC()
	s.transitionEvent(op, from, to, nil)
}

func (s *Service) completeIdem(ctx context.Context, op *domain.Operation, status int, body []byte) {
	if op.IdempotencyKey == "" {
		return
	}
	err := s.idem.Complete(ctx, requesterID(op.UserID), op.IdempotencyKey, status, body)
	if err != nil {
		s.logger.Warn("idempotency complete failed", zap.String("operation_id", op.ID), zap.Error(err))
	}
}

// duplicateEvent handles a transition that lost its race: someone else
// already resolved the operation. Recorded, never re-applied.
func (s *Service) duplicateEvent(ctx context.Context, id string) (*Outcome, error) {
	op, err := s.ops.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.auditor.Record(&audit.Event{
		OperationID:   op.ID,
		CorrelationID: op.CorrelationID,
		EventType:     audit.EventDuplicateEvent,
		BeforeState:   op.State,
		AfterState:    op.State,
	})
	return &Outcome{Op: op, HTTPStatus: http.StatusOK}, nil
}

// Get returns the current snapshot of one operation.
func (s *Service) Get(ctx context.Context, id string) (*domain.Operation, error) {
	return s.ops.Get(ctx, id)
}

// Credit adds funds to a user's available balance (deposit leg).
func (s *Service) Credit(ctx context.Context, userID int64, asset string, amount int64) error {
	if amount <= 0 {
		return domain.Reject(domain.ReasonInvalidAmount, "amount must be positive")
	}
	if !s.assets[asset] {
		return domain.Reject(domain.ReasonUnsupportedAsset, "asset not supported")
	}
	return s.ops.Credit(ctx, userID, asset, amount)
}

// Balance returns the current balance row.
func (s *Service) Balance(ctx context.Context, userID int64, asset string) (*domain.Balance, error) {
	return s.ops.Balance(ctx, userID, asset)
}
