package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// State is the settlement lifecycle state of an operation.
type State string

const (
	StateRequested   State = "REQUESTED"
	StateReserved    State = "RESERVED"
	StateSubmitted   State = "SUBMITTED"
	StateSettled     State = "SETTLED"
	StateFailed      State = "FAILED"
	StateCompensated State = "COMPENSATED"
	StateRejected    State = "REJECTED"
)

// transitions is the exhaustive legal-transition table. Anything not listed
// here is an illegal transition and must be refused by the store layer.
// RESERVED may fail directly: a reservation whose submission never started
// (crash or marking error) is abandoned without a provider round trip.
var transitions = map[State][]State{
	StateRequested: {StateReserved, StateRejected},
	StateReserved:  {StateSubmitted, StateFailed},
	StateSubmitted: {StateSettled, StateFailed},
	StateFailed:    {StateCompensated},
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the state accepts no further transitions.
// FAILED is not terminal: it still owes exactly one compensating release.
func (s State) Terminal() bool {
	return s == StateSettled || s == StateRejected || s == StateCompensated
}

// OperationType distinguishes the external-rail withdrawal flow from the
// internal two-leg currency swap.
type OperationType string

const (
	TypeWithdrawal OperationType = "withdrawal"
	TypeSwap       OperationType = "swap"
)

// Operation is the persistent record of one settlement. It is created
// together with its balance reservation and mutated only through state
// transitions.
type Operation struct {
	ID             string        `json:"operation_id"`
	Type           OperationType `json:"type"`
	UserID         int64         `json:"user_id"`
	Asset          string        `json:"asset"`
	Amount         int64         `json:"amount"`
	FeeAmount      int64         `json:"fee_amount"`
	State          State         `json:"state"`
	Destination    string        `json:"destination,omitempty"`
	CounterAsset   string        `json:"counter_asset,omitempty"`
	CounterAmount  int64         `json:"counter_amount,omitempty"`
	ExternalRef    string        `json:"external_ref,omitempty"`
	FailureReason  string        `json:"failure_reason,omitempty"`
	CorrelationID  string        `json:"correlation_id"`
	IdempotencyKey string        `json:"-"`
	CreatedAt      time.Time     `json:"created_at"`
	SubmittedAt    *time.Time    `json:"submitted_at,omitempty"`
	FinishedAt     *time.Time    `json:"finished_at,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// NewOperation mints an operation in REQUESTED with a fresh ULID identifier
// and a correlation ID for the audit trail.
func NewOperation(opType OperationType, userID int64, asset string, amount int64) *Operation {
	now := time.Now().UTC()
	return &Operation{
		ID:            ulid.Make().String(),
		Type:          opType,
		UserID:        userID,
		Asset:         asset,
		Amount:        amount,
		State:         StateRequested,
		CorrelationID: uuid.NewString(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// TotalDebit is the full amount held against the user's available balance:
// the requested amount plus the fee.
func (o *Operation) TotalDebit() int64 {
	return o.Amount + o.FeeAmount
}
