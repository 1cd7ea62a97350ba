package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAccountNotFound   = errors.New("account not found")
	ErrOperationNotFound = errors.New("operation not found")

	// ErrStaleTransition is returned when a state flip finds the operation
	// no longer in the expected source state. Callers treat it as a
	// duplicate or late event, never as a failure to retry.
	ErrStaleTransition = errors.New("operation not in expected state")
)

// Stable rejection reason codes surfaced to callers. These never carry raw
// collaborator or provider detail.
const (
	ReasonInvalidAmount      = "INVALID_AMOUNT"
	ReasonUnsupportedAsset   = "UNSUPPORTED_ASSET"
	ReasonMissingDestination = "MISSING_DESTINATION"
	ReasonAuthDenied         = "AUTH_DENIED"
	ReasonLimitExceeded      = "LIMIT_EXCEEDED"
	ReasonInsufficientFunds  = "INSUFFICIENT_FUNDS"
)

// RejectionError carries a stable reason code for a request refused before
// any funds were touched. It always maps to the REJECTED state.
type RejectionError struct {
	Code    string
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("rejected (%s): %s", e.Code, e.Message)
}

// Reject builds a RejectionError with the given stable code.
func Reject(code, message string) *RejectionError {
	return &RejectionError{Code: code, Message: message}
}

// AsRejection unwraps err into a RejectionError if it is one.
func AsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
