package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Sentinel errors form the taxonomy the API layer maps onto transport
// responses. Business-rule violations abort the enclosing atomic unit at the
// point of detection; nothing is retried inside the core. Error text never
// includes a raw or decrypted card number.
var (
	ErrCardNotFound = errors.New("card not found")
	ErrUserNotFound = errors.New("user not found")

	ErrCardLimit          = errors.New("active card limit reached (max 5 per owner)")
	ErrSelfTransfer       = errors.New("source and destination card must differ")
	ErrNotOwner           = errors.New("card does not belong to the requester")
	ErrAlreadyBlocked     = errors.New("card is already blocked")
	ErrAlreadyActive      = errors.New("card is already active")
	ErrCardExpired        = errors.New("card expiry date has passed")
	ErrCardInactive       = errors.New("card is not active")
	ErrNonZeroBalance     = errors.New("card balance must be zero before deletion")
	ErrInvalidAmount      = errors.New("amount must be positive with at most two decimal places")
	ErrInvalidBalance     = errors.New("initial balance must be non-negative with at most two decimal places")
	ErrDescriptionTooLong = errors.New("description exceeds 500 characters")

	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNumberExhausted is operational, not caller-induced: the bounded
	// unique-number generation loop ran out of attempts.
	ErrNumberExhausted = errors.New("exhausted attempts to generate a unique card number")
)

// InsufficientFundsError carries the amounts so the caller can report
// available vs. requested. Unwraps to ErrInsufficientFunds.
type InsufficientFundsError struct {
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: available %s, requested %s",
		e.Available.StringFixed(2), e.Requested.StringFixed(2))
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// TransferSide names which card of a transfer failed a check.
type TransferSide string

const (
	SideSource      TransferSide = "source"
	SideDestination TransferSide = "destination"
)

// StatusError reports a transfer participant that is not ACTIVE. Unwraps to
// ErrCardInactive.
type StatusError struct {
	CardID string
	Side   TransferSide
	Status CardStatus
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s card %s must be ACTIVE, current status is %s", e.Side, e.CardID, e.Status)
}

func (e *StatusError) Unwrap() error { return ErrCardInactive }
