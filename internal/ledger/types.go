// Package ledger is the card ledger core: card lifecycle, balance mutation
// and atomic transfers. All mutation of card state goes through a Service
// implementation; callers never touch storage directly.
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// CardStatus is the lifecycle state of a card.
type CardStatus string

const (
	StatusActive  CardStatus = "ACTIVE"
	StatusBlocked CardStatus = "BLOCKED"
	StatusExpired CardStatus = "EXPIRED"
)

// ParseCardStatus maps a string onto a known status.
func ParseCardStatus(s string) (CardStatus, bool) {
	switch CardStatus(s) {
	case StatusActive, StatusBlocked, StatusExpired:
		return CardStatus(s), true
	}
	return "", false
}

// TransactionStatus is the state of a recorded transfer. The log only ever
// holds completed transfers; the constant exists so the wire format is
// explicit about it.
type TransactionStatus string

const StatusCompleted TransactionStatus = "COMPLETED"

// Card is a virtual bank card. EncryptedNumber is the deterministic
// ciphertext used as the uniqueness index; it is never serialized.
type Card struct {
	ID              string          `json:"id"`
	OwnerID         string          `json:"owner_id"`
	EncryptedNumber string          `json:"-"`
	MaskedNumber    string          `json:"masked_number"`
	ExpiryDate      time.Time       `json:"expiry_date"`
	Status          CardStatus      `json:"status"`
	Balance         decimal.Decimal `json:"balance"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Expired reports whether the card's expiry date is behind now.
func (c Card) Expired(now time.Time) bool {
	return c.ExpiryDate.Before(now)
}

// Transaction is one completed transfer between two cards. Immutable once
// appended; there is no update or delete path.
type Transaction struct {
	ID          string            `json:"id"`
	FromCardID  string            `json:"from_card_id"`
	ToCardID    string            `json:"to_card_id"`
	Amount      decimal.Decimal   `json:"amount"`
	Date        time.Time         `json:"date"`
	Description string            `json:"description,omitempty"`
	Status      TransactionStatus `json:"status"`
}

// SortOrder is the creation-time ordering of list results.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// PageRequest carries caller-supplied pagination and sorting. The core does
// not interpret it beyond clamping; it is pass-through configuration.
type PageRequest struct {
	Page int
	Size int
	Sort SortOrder
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Normalize clamps the request to sane bounds.
func (p PageRequest) Normalize() PageRequest {
	if p.Page < 0 {
		p.Page = 0
	}
	if p.Size <= 0 {
		p.Size = defaultPageSize
	}
	if p.Size > maxPageSize {
		p.Size = maxPageSize
	}
	if p.Sort != SortAsc {
		p.Sort = SortDesc
	}
	return p
}

// Page is one page of results plus totals for the whole result set.
type Page[T any] struct {
	Items      []T   `json:"items"`
	Page       int   `json:"page"`
	Size       int   `json:"size"`
	TotalItems int64 `json:"total_items"`
	TotalPages int   `json:"total_pages"`
}

// NewPage assembles a page from already-sliced items and the total count of
// the unsliced result set.
func NewPage[T any](items []T, pr PageRequest, total int64) Page[T] {
	pages := int(total) / pr.Size
	if int(total)%pr.Size != 0 {
		pages++
	}
	return Page[T]{Items: items, Page: pr.Page, Size: pr.Size, TotalItems: total, TotalPages: pages}
}

const (
	// CardLifetimeYears is how long a freshly issued card stays valid.
	CardLifetimeYears = 3
	// MaxActiveCards caps concurrently ACTIVE cards per owner.
	MaxActiveCards = 5
	// MaxNumberAttempts bounds the unique-number generation loop.
	MaxNumberAttempts = 10
	// MaxDescriptionLen bounds transfer descriptions.
	MaxDescriptionLen = 500
)
