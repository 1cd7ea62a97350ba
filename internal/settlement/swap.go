package settlement

import (
	"context"
	"errors"
	"net/http"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/notify"
	"github.com/shopspring/decimal"
)

// SwapRequest converts between two assets inside the internal ledger.
type SwapRequest struct {
	UserID         int64
	FromAsset      string
	ToAsset        string
	Amount         int64
	IdempotencyKey string
}

// Swap executes a two-leg conversion. Both legs and the operation row commit
// in a single transaction, so no partial swap is ever observable.
func (s *Service) Swap(ctx context.Context, req SwapRequest) (*Outcome, error) {
	requester := requesterID(req.UserID)

	begun, err := s.idem.Begin(ctx, requester, req.IdempotencyKey, fingerprint(req))
	if err != nil {
		return nil, err
	}
	if begun.Cached != nil {
		operationsTotal.WithLabelValues("swap", "replay").Inc()
		return &Outcome{Replay: begun.Cached, HTTPStatus: begun.Cached.HTTPStatus}, nil
	}

	op := domain.NewOperation(domain.TypeSwap, req.UserID, req.FromAsset, req.Amount)
	op.CounterAsset = req.ToAsset
	op.IdempotencyKey = req.IdempotencyKey

	if req.Amount <= 0 {
		return nil, s.reject(ctx, op, domain.ReasonInvalidAmount, "amount must be positive")
	}
	if !s.assets[req.FromAsset] || !s.assets[req.ToAsset] {
		return nil, s.reject(ctx, op, domain.ReasonUnsupportedAsset, "asset not supported")
	}
	if req.FromAsset == req.ToAsset {
		return nil, s.reject(ctx, op, domain.ReasonUnsupportedAsset, "cannot swap an asset into itself")
	}

	rate, err := s.oracle.Rate(ctx, req.FromAsset, req.ToAsset)
	if err != nil {
		return nil, s.internal(ctx, op, err)
	}

	op.FeeAmount = s.fee(req.Amount)
	counter := decimal.NewFromInt(req.Amount).Mul(rate).Floor().IntPart()
	if counter <= 0 {
		return nil, s.reject(ctx, op, domain.ReasonInvalidAmount, "amount too small to convert")
	}
	op.CounterAmount = counter

	if err := s.ops.ExecSwap(ctx, op); err != nil {
		if errors.Is(err, domain.ErrInsufficientFunds) || errors.Is(err, domain.ErrAccountNotFound) {
			return nil, s.reject(ctx, op, domain.ReasonInsufficientFunds, "balance too low")
		}
		return nil, s.internal(ctx, op, err)
	}
	s.transitionEvent(op, domain.StateRequested, domain.StateSettled,
		map[string]any{"rate": rate.String(), "counter_amount": counter})

	s.notifier.Publish(op, notify.EventSettled)
	operationsTotal.WithLabelValues("swap", "settled").Inc()

	body := snapshot(op)
	s.completeIdem(ctx, op, http.StatusCreated, body)
	return &Outcome{Op: op, HTTPStatus: http.StatusCreated}, nil
}
