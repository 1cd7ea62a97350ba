// Package rail is the narrow interface to the external payout provider. It
// owns all provider-payload translation; raw provider shapes never escape
// this package.
package rail

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/punchamoorthee/settleops/internal/domain"
)

// Outcome is the provider's view of one payout.
type Outcome string

const (
	OutcomeSettled  Outcome = "settled"
	OutcomePending  Outcome = "pending"
	OutcomeDeclined Outcome = "declined"
)

// Receipt is the provider acknowledgement for a submitted or queried payout.
type Receipt struct {
	ProviderRef string
	Outcome     Outcome
}

// Adapter submits operations to the rail and answers status queries for the
// reconciler. Submit must reuse the same idempotency token across retries of
// one operation, so provider-side retries never double-execute.
type Adapter interface {
	Submit(ctx context.Context, op *domain.Operation) (*Receipt, error)
	Status(ctx context.Context, op *domain.Operation) (*Receipt, error)
}

// DeclinedError is an explicit provider refusal: the debit definitively did
// not happen and the reservation may be compensated.
type DeclinedError struct {
	Code    string
	Message string
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("provider declined (%s): %s", e.Code, e.Message)
}

// ErrUnknownOutcome covers timeouts and ambiguous responses. The provider
// may have executed the debit, so callers must never compensate on it; only
// the reconciliation pass resolves it.
var ErrUnknownOutcome = errors.New("provider outcome unknown")

// AsDeclined unwraps err into a DeclinedError if it is one.
func AsDeclined(err error) (*DeclinedError, bool) {
	var d *DeclinedError
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

// Token derives the provider-facing idempotency token from the operation ID.
// Same operation, same token, on every retry.
func Token(operationID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("settleops/operation/"+operationID)).String()
}
