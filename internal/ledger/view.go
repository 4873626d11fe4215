package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// CardView is the read-side projection of a card. It carries the masked
// number only; neither the raw nor the encrypted number ever appears here.
type CardView struct {
	ID           string          `json:"id"`
	MaskedNumber string          `json:"masked_number"`
	OwnerID      string          `json:"owner_id"`
	ExpiryDate   time.Time       `json:"expiry_date"`
	Status       CardStatus      `json:"status"`
	Balance      decimal.Decimal `json:"balance"`
	CreatedAt    time.Time       `json:"created_at"`
}

// NewCardView projects a Card.
func NewCardView(c Card) CardView {
	return CardView{
		ID:           c.ID,
		MaskedNumber: c.MaskedNumber,
		OwnerID:      c.OwnerID,
		ExpiryDate:   c.ExpiryDate,
		Status:       c.Status,
		Balance:      c.Balance,
		CreatedAt:    c.CreatedAt,
	}
}

// TransactionView shows a transfer with both participants masked. The masks
// are captured when the transfer commits, so history stays readable after a
// card is deleted.
type TransactionView struct {
	ID             string            `json:"id"`
	FromCardMasked string            `json:"from_card_masked"`
	ToCardMasked   string            `json:"to_card_masked"`
	Amount         decimal.Decimal   `json:"amount"`
	Date           time.Time         `json:"date"`
	Description    string            `json:"description,omitempty"`
	Status         TransactionStatus `json:"status"`
}

// CardViewPage projects a page of cards for the read side.
func CardViewPage(p Page[Card]) Page[CardView] {
	items := make([]CardView, 0, len(p.Items))
	for _, c := range p.Items {
		items = append(items, NewCardView(c))
	}
	return Page[CardView]{
		Items:      items,
		Page:       p.Page,
		Size:       p.Size,
		TotalItems: p.TotalItems,
		TotalPages: p.TotalPages,
	}
}
