package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cardvault.org/internal/card"
	"cardvault.org/internal/ids"
	"cardvault.org/internal/user"
)

// txRecord is the append-only log entry. Masks and owner ids are captured at
// commit time so history survives card deletion.
type txRecord struct {
	Transaction
	fromMasked string
	toMasked   string
	fromOwner  string
	toOwner    string
}

// InMemory implements Service with in-process concurrency safety. A single
// mutex covers the whole read-validate-mutate-append sequence, which makes
// every operation trivially atomic; the postgres store provides the same
// guarantees with row locks.
type InMemory struct {
	mu       sync.RWMutex
	cipher   *card.Cipher
	users    user.Directory
	cards    map[string]*Card
	byNumber map[string]string // encrypted number -> card id
	txs      []txRecord

	now      func() time.Time       // overridable in tests
	generate func() (string, error) // overridable in tests
}

// NewInMemory creates an empty ledger backed by process memory.
func NewInMemory(cipher *card.Cipher, users user.Directory) *InMemory {
	return &InMemory{
		cipher:   cipher,
		users:    users,
		cards:    make(map[string]*Card),
		byNumber: make(map[string]string),
		now:      func() time.Time { return time.Now().UTC() },
		generate: card.Generate,
	}
}

var _ Service = (*InMemory)(nil)

func (s *InMemory) CreateCard(ctx context.Context, ownerID string, initialBalance decimal.Decimal) (Card, error) {
	if !validBalance(initialBalance) {
		return Card{}, ErrInvalidBalance
	}
	if _, err := s.users.GetUserByID(ctx, ownerID); err != nil {
		return Card{}, fmt.Errorf("%w: %s", ErrUserNotFound, ownerID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	active := 0
	for _, c := range s.cards {
		if c.OwnerID == ownerID && c.Status == StatusActive {
			active++
		}
	}
	if active >= MaxActiveCards {
		return Card{}, ErrCardLimit
	}

	number, encrypted, err := s.uniqueNumberLocked()
	if err != nil {
		return Card{}, err
	}
	masked, err := card.Mask(number)
	if err != nil {
		return Card{}, fmt.Errorf("mask generated number: %w", err)
	}

	now := s.now()
	c := &Card{
		ID:              ids.New(),
		OwnerID:         ownerID,
		EncryptedNumber: encrypted,
		MaskedNumber:    masked,
		ExpiryDate:      now.AddDate(CardLifetimeYears, 0, 0),
		Status:          StatusActive,
		Balance:         initialBalance.Round(2),
		CreatedAt:       now,
	}
	s.cards[c.ID] = c
	s.byNumber[encrypted] = c.ID
	return *c, nil
}

// uniqueNumberLocked runs the bounded generate-encrypt-check loop against the
// uniqueness index. Exhaustion is an operational failure, not caller error.
func (s *InMemory) uniqueNumberLocked() (number, encrypted string, err error) {
	for attempt := 0; attempt < MaxNumberAttempts; attempt++ {
		number, err = s.generate()
		if err != nil {
			return "", "", fmt.Errorf("generate card number: %w", err)
		}
		encrypted, err = s.cipher.Encrypt(number)
		if err != nil {
			return "", "", fmt.Errorf("encrypt card number: %w", err)
		}
		if _, taken := s.byNumber[encrypted]; !taken {
			return number, encrypted, nil
		}
	}
	return "", "", ErrNumberExhausted
}

func (s *InMemory) GetCard(ctx context.Context, cardID string) (Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cards[cardID]
	if !ok {
		return Card{}, ErrCardNotFound
	}
	return *c, nil
}

func (s *InMemory) ListCardsByOwner(ctx context.Context, ownerID string, status *CardStatus, pr PageRequest) (Page[Card], error) {
	pr = pr.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []Card
	for _, c := range s.cards {
		if c.OwnerID != ownerID {
			continue
		}
		if status != nil && c.Status != *status {
			continue
		}
		matched = append(matched, *c)
	}
	return pageCards(matched, pr), nil
}

func (s *InMemory) ListAllCards(ctx context.Context, pr PageRequest) (Page[Card], error) {
	pr = pr.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]Card, 0, len(s.cards))
	for _, c := range s.cards {
		matched = append(matched, *c)
	}
	return pageCards(matched, pr), nil
}

func (s *InMemory) BlockCard(ctx context.Context, cardID string) (Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cards[cardID]
	if !ok {
		return Card{}, ErrCardNotFound
	}
	switch c.Status {
	case StatusBlocked:
		return Card{}, ErrAlreadyBlocked
	case StatusExpired:
		return Card{}, ErrCardExpired
	}
	c.Status = StatusBlocked
	return *c, nil
}

func (s *InMemory) ActivateCard(ctx context.Context, cardID string) (Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cards[cardID]
	if !ok {
		return Card{}, ErrCardNotFound
	}
	if c.Status == StatusActive {
		return Card{}, ErrAlreadyActive
	}
	if c.Expired(s.now()) {
		return Card{}, ErrCardExpired
	}
	c.Status = StatusActive
	return *c, nil
}

func (s *InMemory) DeleteCard(ctx context.Context, cardID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cards[cardID]
	if !ok {
		return ErrCardNotFound
	}
	if !c.Balance.IsZero() {
		return ErrNonZeroBalance
	}
	delete(s.byNumber, c.EncryptedNumber)
	delete(s.cards, cardID)
	return nil
}

func (s *InMemory) Transfer(ctx context.Context, fromCardID, toCardID string, amount decimal.Decimal, requesterID, description string) (Transaction, error) {
	if !validAmount(amount) {
		return Transaction{}, ErrInvalidAmount
	}
	if !validDescription(description) {
		return Transaction{}, ErrDescriptionTooLong
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	from, ok := s.cards[fromCardID]
	if !ok {
		return Transaction{}, fmt.Errorf("%w: source card", ErrCardNotFound)
	}
	to, ok := s.cards[toCardID]
	if !ok {
		return Transaction{}, fmt.Errorf("%w: destination card", ErrCardNotFound)
	}
	if from.OwnerID != requesterID || to.OwnerID != requesterID {
		return Transaction{}, ErrNotOwner
	}
	if fromCardID == toCardID {
		return Transaction{}, ErrSelfTransfer
	}
	if from.Status != StatusActive {
		return Transaction{}, &StatusError{CardID: from.ID, Side: SideSource, Status: from.Status}
	}
	if to.Status != StatusActive {
		return Transaction{}, &StatusError{CardID: to.ID, Side: SideDestination, Status: to.Status}
	}
	if from.Balance.Cmp(amount) < 0 {
		return Transaction{}, &InsufficientFundsError{Available: from.Balance, Requested: amount}
	}

	from.Balance = from.Balance.Sub(amount)
	to.Balance = to.Balance.Add(amount)

	tx := Transaction{
		ID:          ids.New(),
		FromCardID:  from.ID,
		ToCardID:    to.ID,
		Amount:      amount,
		Date:        s.now(),
		Description: description,
		Status:      StatusCompleted,
	}
	s.txs = append(s.txs, txRecord{
		Transaction: tx,
		fromMasked:  from.MaskedNumber,
		toMasked:    to.MaskedNumber,
		fromOwner:   from.OwnerID,
		toOwner:     to.OwnerID,
	})
	return tx, nil
}

func (s *InMemory) ListCardTransactions(ctx context.Context, cardID, requesterID string, pr PageRequest) (Page[TransactionView], error) {
	pr = pr.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cards[cardID]
	if !ok {
		return Page[TransactionView]{}, ErrCardNotFound
	}
	if c.OwnerID != requesterID {
		return Page[TransactionView]{}, ErrNotOwner
	}

	var matched []txRecord
	for _, r := range s.txs {
		if r.FromCardID == cardID || r.ToCardID == cardID {
			matched = append(matched, r)
		}
	}
	return pageTransactions(matched, pr), nil
}

func (s *InMemory) ListUserTransactions(ctx context.Context, userID string, pr PageRequest) (Page[TransactionView], error) {
	pr = pr.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []txRecord
	for _, r := range s.txs {
		if r.fromOwner == userID || r.toOwner == userID {
			matched = append(matched, r)
		}
	}
	return pageTransactions(matched, pr), nil
}

func (s *InMemory) SweepExpiredCards(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	count := 0
	for _, c := range s.cards {
		if c.Status == StatusActive && c.Expired(now) {
			c.Status = StatusExpired
			count++
		}
	}
	return count, nil
}

// --- paging helpers ---

func pageCards(cards []Card, pr PageRequest) Page[Card] {
	sort.Slice(cards, func(i, j int) bool {
		if pr.Sort == SortAsc {
			return cards[i].ID < cards[j].ID
		}
		return cards[i].ID > cards[j].ID
	})
	items := slicePage(cards, pr)
	return NewPage(items, pr, int64(len(cards)))
}

func pageTransactions(recs []txRecord, pr PageRequest) Page[TransactionView] {
	sort.Slice(recs, func(i, j int) bool {
		if pr.Sort == SortAsc {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].ID > recs[j].ID
	})
	views := make([]TransactionView, 0, len(recs))
	for _, r := range recs {
		views = append(views, TransactionView{
			ID:             r.ID,
			FromCardMasked: r.fromMasked,
			ToCardMasked:   r.toMasked,
			Amount:         r.Amount,
			Date:           r.Date,
			Description:    r.Description,
			Status:         r.Status,
		})
	}
	items := slicePage(views, pr)
	return NewPage(items, pr, int64(len(views)))
}

func slicePage[T any](items []T, pr PageRequest) []T {
	start := pr.Page * pr.Size
	if start >= len(items) {
		return []T{}
	}
	end := start + pr.Size
	if end > len(items) {
		end = len(items)
	}
	out := make([]T, end-start)
	copy(out, items[start:end])
	return out
}
