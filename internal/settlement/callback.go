package settlement

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/punchamoorthee/settleops/internal/audit"
	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/punchamoorthee/settleops/internal/notify"
	"github.com/punchamoorthee/settleops/internal/rail"
	"go.uber.org/zap"
)

// ProviderEvent is the provider's asynchronous verdict on one operation.
type ProviderEvent struct {
	OperationID string
	Outcome     rail.Outcome
	ProviderRef string
	Reason      string
}

// HandleProviderEvent applies a provider callback. Duplicate or late events
// on an already-terminal operation are recorded as duplicate-event audit
// entries and change nothing.
func (s *Service) HandleProviderEvent(ctx context.Context, ev ProviderEvent) (*domain.Operation, error) {
	op, err := s.ops.Get(ctx, ev.OperationID)
	if err != nil {
		return nil, err
	}

	if op.State.Terminal() || op.State == domain.StateFailed {
		s.auditor.Record(&audit.Event{
			OperationID:   op.ID,
			CorrelationID: op.CorrelationID,
			EventType:     audit.EventDuplicateEvent,
			BeforeState:   op.State,
			AfterState:    op.State,
			Detail:        map[string]any{"provider_outcome": string(ev.Outcome)},
		})
		return op, nil
	}

	switch ev.Outcome {
	case rail.OutcomeSettled:
		if err := s.ops.Settle(ctx, op.ID, ev.ProviderRef); err != nil {
			if errors.Is(err, domain.ErrStaleTransition) {
				out, derr := s.duplicateEvent(ctx, op.ID)
				if derr != nil {
					return nil, derr
				}
				return out.Op, nil
			}
			return nil, err
		}
		now := time.Now().UTC()
		op.ExternalRef = ev.ProviderRef
		op.FinishedAt = &now
		s.finishState(op, domain.StateSubmitted, domain.StateSettled)
		s.notifier.Publish(op, notify.EventSettled)
		s.completeIdem(ctx, op, http.StatusCreated, snapshot(op))
		return op, nil

	case rail.OutcomeDeclined:
		reason := ev.Reason
		if reason == "" {
			reason = "DECLINED"
		}
		out, err := s.resolveDeclined(ctx, op, &rail.DeclinedError{Code: reason})
		if err != nil {
			return nil, err
		}
		return out.Op, nil

	default:
		s.logger.Info("ignoring non-final provider event",
			zap.String("operation_id", op.ID), zap.String("outcome", string(ev.Outcome)))
		return op, nil
	}
}
