package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Domain errors. Expected outcomes (insufficient funds, subscription, catalog)
// are surfaced to users as reasons; the rest are handled at the boundary.
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrSubscriptionRequired  = errors.New("subscription required")
	ErrNoCatalogMatch        = errors.New("no catalog item fits the budget")
	ErrInvalidSignature      = errors.New("invalid signature")
	ErrDuplicateEvent        = errors.New("duplicate event")
	ErrDownstreamUnavailable = errors.New("downstream unavailable")
	ErrInvalidTransition     = errors.New("invalid transition")
	ErrNotFound              = errors.New("not found")
	ErrReferenceInUse        = errors.New("reference already used by another wallet")
)

// InsufficientFundsError reports how far a wallet is from covering an amount.
type InsufficientFundsError struct {
	Available decimal.Decimal
	Required  decimal.Decimal
}

// Shortfall is the amount missing to cover Required.
func (e *InsufficientFundsError) Shortfall() decimal.Decimal {
	return e.Required.Sub(e.Available)
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: available %s, required %s, shortfall %s",
		e.Available.StringFixed(2), e.Required.StringFixed(2), e.Shortfall().StringFixed(2))
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// TransitionError reports an illegal occasion status change.
type TransitionError struct {
	From OccasionStatus
	To   OccasionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
