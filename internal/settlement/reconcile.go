package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/punchamoorthee/settleops/internal/audit"
	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/notify"
	"github.com/punchamoorthee/settleops/internal/rail"
	"go.uber.org/zap"
)

// Reconcile resolves operations the saga left behind. Operations stuck in
// SUBMITTED are resolved by asking the provider what actually happened; each
// resolves to exactly one of SETTLED or FAILED+COMPENSATED and never reverts
// afterwards. Reservations stuck in RESERVED (crash or marking error before
// submission) are abandoned and their funds released; no provider query is
// needed since their token was never submitted. The per-operation lock keeps
// concurrent reconciler instances and late callbacks from interleaving.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.cfg.ReconcileAfter)

	ops, err := s.ops.ListSubmittedBefore(ctx, cutoff, s.cfg.ReconcileBatch)
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}
		if s.reconcileOne(ctx, op) {
			resolved++
		}
	}

	stale, err := s.ops.ListReservedBefore(ctx, cutoff, s.cfg.ReconcileBatch)
	if err != nil {
		return resolved, err
	}
	for _, op := range stale {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}
		if s.abandonReserved(ctx, op) {
			resolved++
		}
	}
	return resolved, nil
}

func (s *Service) reconcileOne(ctx context.Context, op *domain.Operation) bool {
	lease, err := s.locks.Acquire(ctx, "op:"+op.ID, s.cfg.LockTTL, s.cfg.LockWait)
	if err != nil {
		// Someone else is working this operation.
		return false
	}
	defer func() {
		if rerr := lease.Release(ctx); rerr != nil {
			s.logger.Warn("lease release failed", zap.String("operation_id", op.ID), zap.Error(rerr))
		}
	}()

	receipt, err := s.adapter.Status(ctx, op)

	// The status query may have consumed most of the lease TTL. Renew
	// before mutating; a failed renewal means the lease lapsed and another
	// worker may own the operation now.
	if eerr := lease.Extend(ctx, s.cfg.LockTTL); eerr != nil {
		s.logger.Warn("lease renewal failed, skipping resolution",
			zap.String("operation_id", op.ID), zap.Error(eerr))
		return false
	}

	switch {
	case err == nil && receipt.Outcome == rail.OutcomeSettled:
		if serr := s.ops.Settle(ctx, op.ID, receipt.ProviderRef); serr != nil {
			if !errors.Is(serr, domain.ErrStaleTransition) {
				s.logger.Error("reconcile settle failed", zap.String("operation_id", op.ID), zap.Error(serr))
			}
			return false
		}
		now := time.Now().UTC()
		op.ExternalRef = receipt.ProviderRef
		op.FinishedAt = &now
		op.State = domain.StateSettled
		s.recordReconciled(op, domain.StateSubmitted, "settled")
		s.notifier.Publish(op, notify.EventSettled)
		s.completeIdem(ctx, op, 201, snapshot(op))
		reconciledTotal.WithLabelValues("settled").Inc()
		return true

	case err == nil:
		// Still pending at the provider; leave it for the next pass.
		return false

	default:
		declined, ok := rail.AsDeclined(err)
		if !ok {
			s.logger.Warn("reconcile status query inconclusive",
				zap.String("operation_id", op.ID), zap.Error(err))
			return false
		}
		if ferr := s.ops.Fail(ctx, op.ID, declined.Code); ferr != nil && !errors.Is(ferr, domain.ErrStaleTransition) {
			s.logger.Error("reconcile fail transition failed", zap.String("operation_id", op.ID), zap.Error(ferr))
			return false
		}
		if cerr := s.ops.Compensate(ctx, op.ID); cerr != nil && !errors.Is(cerr, domain.ErrStaleTransition) {
			s.logger.Error("reconcile compensation failed", zap.String("operation_id", op.ID), zap.Error(cerr))
			return false
		}
		now := time.Now().UTC()
		op.FailureReason = declined.Code
		op.FinishedAt = &now
		op.State = domain.StateCompensated
		s.recordReconciled(op, domain.StateSubmitted, "compensated")
		s.notifier.Publish(op, notify.EventCompensated)
		s.completeIdem(ctx, op, 201, snapshot(op))
		reconciledTotal.WithLabelValues("compensated").Inc()
		return true
	}
}

// abandonReserved fails and releases a reservation whose submission never
// started. A stale FailReserved means the operation progressed concurrently;
// it is left for the SUBMITTED sweep. The idempotency claim is dropped so
// the client's retry executes fresh instead of polling a dead placeholder.
func (s *Service) abandonReserved(ctx context.Context, op *domain.Operation) bool {
	lease, err := s.locks.Acquire(ctx, "op:"+op.ID, s.cfg.LockTTL, s.cfg.LockWait)
	if err != nil {
		return false
	}
	defer func() {
		if rerr := lease.Release(ctx); rerr != nil {
			s.logger.Warn("lease release failed", zap.String("operation_id", op.ID), zap.Error(rerr))
		}
	}()

	const reason = "NEVER_SUBMITTED"
	if err := s.ops.FailReserved(ctx, op.ID, reason); err != nil {
		if !errors.Is(err, domain.ErrStaleTransition) {
			s.logger.Error("abandon transition failed", zap.String("operation_id", op.ID), zap.Error(err))
		}
		return false
	}
	if err := s.ops.Compensate(ctx, op.ID); err != nil && !errors.Is(err, domain.ErrStaleTransition) {
		s.logger.Error("abandon compensation failed", zap.String("operation_id", op.ID), zap.Error(err))
		return false
	}
	now := time.Now().UTC()
	op.FailureReason = reason
	op.FinishedAt = &now
	op.State = domain.StateCompensated
	s.recordReconciled(op, domain.StateReserved, "abandoned")
	s.notifier.Publish(op, notify.EventCompensated)

	if op.IdempotencyKey != "" {
		if aerr := s.idem.Abort(ctx, requesterID(op.UserID), op.IdempotencyKey); aerr != nil {
			s.logger.Warn("idempotency abort failed", zap.String("operation_id", op.ID), zap.Error(aerr))
		}
	}
	reconciledTotal.WithLabelValues("abandoned").Inc()
	return true
}

func (s *Service) recordReconciled(op *domain.Operation, from domain.State, resolution string) {
	s.auditor.Record(&audit.Event{
		OperationID:   op.ID,
		CorrelationID: op.CorrelationID,
		EventType:     audit.EventReconciled,
		BeforeState:   from,
		AfterState:    op.State,
		Detail:        map[string]any{"resolution": resolution},
	})
}
