package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Service is the contract the API layer calls into. Every mutation is
// all-or-nothing: on error the store is left exactly as it was.
type Service interface {
	// CreateCard issues a new ACTIVE card for ownerID with the given initial
	// balance. Fails with ErrUserNotFound for unknown owners, ErrCardLimit
	// when the owner already holds five ACTIVE cards, and ErrNumberExhausted
	// when a unique number could not be generated.
	CreateCard(ctx context.Context, ownerID string, initialBalance decimal.Decimal) (Card, error)

	GetCard(ctx context.Context, cardID string) (Card, error)

	// ListCardsByOwner pages the owner's cards, optionally filtered by
	// status. A nil status means all statuses.
	ListCardsByOwner(ctx context.Context, ownerID string, status *CardStatus, pr PageRequest) (Page[Card], error)

	ListAllCards(ctx context.Context, pr PageRequest) (Page[Card], error)

	// BlockCard moves an ACTIVE card to BLOCKED. Blocking a BLOCKED card
	// fails with ErrAlreadyBlocked, an EXPIRED one with ErrCardExpired.
	BlockCard(ctx context.Context, cardID string) (Card, error)

	// ActivateCard moves a BLOCKED card back to ACTIVE unless its expiry
	// date has passed (ErrCardExpired). Activating an ACTIVE card fails with
	// ErrAlreadyActive.
	ActivateCard(ctx context.Context, cardID string) (Card, error)

	// DeleteCard removes a card with zero balance, whatever its status.
	DeleteCard(ctx context.Context, cardID string) error

	// Transfer moves amount between two cards owned by requesterID. The
	// read-validate-mutate-append sequence commits atomically; on any error
	// neither balance changes and nothing is logged.
	Transfer(ctx context.Context, fromCardID, toCardID string, amount decimal.Decimal, requesterID, description string) (Transaction, error)

	// ListCardTransactions pages the history a card participated in. The
	// requester must own the card.
	ListCardTransactions(ctx context.Context, cardID, requesterID string, pr PageRequest) (Page[TransactionView], error)

	// ListUserTransactions pages every transfer touching any of the user's
	// cards, including cards deleted since.
	ListUserTransactions(ctx context.Context, userID string, pr PageRequest) (Page[TransactionView], error)

	// SweepExpiredCards flips every ACTIVE card whose expiry date has passed
	// to EXPIRED and reports how many were transitioned. It only ever
	// touches status, never balances.
	SweepExpiredCards(ctx context.Context) (int, error)
}

// validAmount reports whether d is positive with at most two decimal places.
func validAmount(d decimal.Decimal) bool {
	return d.IsPositive() && d.Equal(d.Round(2))
}

// validBalance reports whether d is a usable initial balance.
func validBalance(d decimal.Decimal) bool {
	return !d.IsNegative() && d.Equal(d.Round(2))
}

func validDescription(s string) bool {
	return len(s) <= MaxDescriptionLen
}
