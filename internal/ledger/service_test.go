package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardvault.org/internal/card"
	"cardvault.org/internal/user"
)

func newTestLedger(t *testing.T, ownerIDs ...string) *InMemory {
	t.Helper()
	cipher, err := card.NewCipher("ledger-test-key")
	require.NoError(t, err)
	dir := user.NewInMemory()
	for _, id := range ownerIDs {
		dir.Add(user.User{ID: id, Username: "u-" + id})
	}
	return NewInMemory(cipher, dir)
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestCreateCard(t *testing.T) {
	s := newTestLedger(t, "alice")
	ctx := context.Background()

	before := time.Now().UTC()
	c, err := s.CreateCard(ctx, "alice", dec("100.00"))
	require.NoError(t, err)

	assert.Equal(t, "alice", c.OwnerID)
	assert.Equal(t, StatusActive, c.Status)
	assert.True(t, c.Balance.Equal(dec("100.00")))
	assert.Regexp(t, `^\*\*\*\* \*\*\*\* \*\*\*\* \d{4}$`, c.MaskedNumber)
	assert.NotEmpty(t, c.EncryptedNumber, "encrypted number must be set")

	wantExpiry := before.AddDate(3, 0, 0)
	assert.WithinDuration(t, wantExpiry, c.ExpiryDate, time.Minute)
}

func TestCreateCardUnknownOwner(t *testing.T) {
	s := newTestLedger(t, "alice")
	_, err := s.CreateCard(context.Background(), "nobody", decimal.Zero)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestCreateCardNegativeBalance(t *testing.T) {
	s := newTestLedger(t, "alice")
	_, err := s.CreateCard(context.Background(), "alice", dec("-0.01"))
	assert.ErrorIs(t, err, ErrInvalidBalance)
}

func TestActiveCardLimit(t *testing.T) {
	s := newTestLedger(t, "alice")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.CreateCard(ctx, "alice", decimal.Zero)
		require.NoError(t, err)
	}
	_, err := s.CreateCard(ctx, "alice", decimal.Zero)
	assert.ErrorIs(t, err, ErrCardLimit)

	// Blocking one card frees a slot: the limit counts ACTIVE cards only.
	cards, err := s.ListCardsByOwner(ctx, "alice", nil, PageRequest{})
	require.NoError(t, err)
	_, err = s.BlockCard(ctx, cards.Items[0].ID)
	require.NoError(t, err)
	_, err = s.CreateCard(ctx, "alice", decimal.Zero)
	assert.NoError(t, err)
}

func TestBlockAndActivate(t *testing.T) {
	s := newTestLedger(t, "alice")
	ctx := context.Background()
	c, err := s.CreateCard(ctx, "alice", decimal.Zero)
	require.NoError(t, err)

	_, err = s.ActivateCard(ctx, c.ID)
	assert.ErrorIs(t, err, ErrAlreadyActive)

	blocked, err := s.BlockCard(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, blocked.Status)

	_, err = s.BlockCard(ctx, c.ID)
	assert.ErrorIs(t, err, ErrAlreadyBlocked)

	active, err := s.ActivateCard(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, active.Status)
}

func TestBlockExpiredCardRejected(t *testing.T) {
	s := newTestLedger(t, "alice")
	ctx := context.Background()
	c, err := s.CreateCard(ctx, "alice", decimal.Zero)
	require.NoError(t, err)

	s.cards[c.ID].Status = StatusExpired

	_, err = s.BlockCard(ctx, c.ID)
	assert.ErrorIs(t, err, ErrCardExpired)
}

func TestActivatePastExpiryRejected(t *testing.T) {
	s := newTestLedger(t, "alice")
	ctx := context.Background()
	c, err := s.CreateCard(ctx, "alice", decimal.Zero)
	require.NoError(t, err)

	_, err = s.BlockCard(ctx, c.ID)
	require.NoError(t, err)
	s.cards[c.ID].ExpiryDate = time.Now().UTC().Add(-24 * time.Hour)

	_, err = s.ActivateCard(ctx, c.ID)
	assert.ErrorIs(t, err, ErrCardExpired)
}

func TestDeleteCard(t *testing.T) {
	s := newTestLedger(t, "alice")
	ctx := context.Background()

	zero, err := s.CreateCard(ctx, "alice", dec("0.00"))
	require.NoError(t, err)
	funded, err := s.CreateCard(ctx, "alice", dec("0.01"))
	require.NoError(t, err)

	assert.NoError(t, s.DeleteCard(ctx, zero.ID))
	_, err = s.GetCard(ctx, zero.ID)
	assert.ErrorIs(t, err, ErrCardNotFound)

	assert.ErrorIs(t, s.DeleteCard(ctx, funded.ID), ErrNonZeroBalance)
	assert.ErrorIs(t, s.DeleteCard(ctx, "missing"), ErrCardNotFound)
}

func TestTransferSuccess(t *testing.T) {
	s := newTestLedger(t, "alice")
	ctx := context.Background()
	a, err := s.CreateCard(ctx, "alice", dec("100.00"))
	require.NoError(t, err)
	b, err := s.CreateCard(ctx, "alice", dec("0.00"))
	require.NoError(t, err)

	tx, err := s.Transfer(ctx, a.ID, b.ID, dec("40.00"), "alice", "rent share")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, tx.Status)
	assert.Equal(t, a.ID, tx.FromCardID)
	assert.Equal(t, b.ID, tx.ToCardID)
	assert.False(t, tx.Date.IsZero())

	fromAfter, _ := s.GetCard(ctx, a.ID)
	toAfter, _ := s.GetCard(ctx, b.ID)
	assert.True(t, fromAfter.Balance.Equal(dec("60.00")), "got %s", fromAfter.Balance)
	assert.True(t, toAfter.Balance.Equal(dec("40.00")), "got %s", toAfter.Balance)

	hist, err := s.ListUserTransactions(ctx, "alice", PageRequest{})
	require.NoError(t, err)
	require.Len(t, hist.Items, 1)
	assert.Equal(t, a.MaskedNumber, hist.Items[0].FromCardMasked)
	assert.Equal(t, b.MaskedNumber, hist.Items[0].ToCardMasked)
}

func TestTransferFailuresLeaveNoTrace(t *testing.T) {
	s := newTestLedger(t, "alice", "bob")
	ctx := context.Background()
	a, err := s.CreateCard(ctx, "alice", dec("100.00"))
	require.NoError(t, err)
	b, err := s.CreateCard(ctx, "alice", dec("0.00"))
	require.NoError(t, err)
	other, err := s.CreateCard(ctx, "bob", dec("50.00"))
	require.NoError(t, err)

	cases := []struct {
		name string
		run  func() error
		want error
	}{
		{"self transfer", func() error {
			_, err := s.Transfer(ctx, a.ID, a.ID, dec("10.00"), "alice", "")
			return err
		}, ErrSelfTransfer},
		{"missing destination", func() error {
			_, err := s.Transfer(ctx, a.ID, "missing", dec("10.00"), "alice", "")
			return err
		}, ErrCardNotFound},
		{"foreign card", func() error {
			_, err := s.Transfer(ctx, a.ID, other.ID, dec("10.00"), "alice", "")
			return err
		}, ErrNotOwner},
		{"insufficient funds", func() error {
			_, err := s.Transfer(ctx, a.ID, b.ID, dec("100.01"), "alice", "")
			return err
		}, ErrInsufficientFunds},
		{"non-positive amount", func() error {
			_, err := s.Transfer(ctx, a.ID, b.ID, dec("0.00"), "alice", "")
			return err
		}, ErrInvalidAmount},
		{"sub-cent amount", func() error {
			_, err := s.Transfer(ctx, a.ID, b.ID, dec("0.001"), "alice", "")
			return err
		}, ErrInvalidAmount},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.run()
			assert.ErrorIs(t, err, tc.want)

			fromAfter, _ := s.GetCard(ctx, a.ID)
			toAfter, _ := s.GetCard(ctx, b.ID)
			assert.True(t, fromAfter.Balance.Equal(dec("100.00")))
			assert.True(t, toAfter.Balance.Equal(dec("0.00")))

			hist, err := s.ListUserTransactions(ctx, "alice", PageRequest{})
			require.NoError(t, err)
			assert.Empty(t, hist.Items, "failed transfer must not be logged")
		})
	}
}

func TestTransferBlockedSource(t *testing.T) {
	s := newTestLedger(t, "alice")
	ctx := context.Background()
	a, err := s.CreateCard(ctx, "alice", dec("100.00"))
	require.NoError(t, err)
	b, err := s.CreateCard(ctx, "alice", dec("0.00"))
	require.NoError(t, err)
	_, err = s.BlockCard(ctx, a.ID)
	require.NoError(t, err)

	_, err = s.Transfer(ctx, a.ID, b.ID, dec("10.00"), "alice", "")
	assert.ErrorIs(t, err, ErrCardInactive)

	var stErr *StatusError
	require.ErrorAs(t, err, &stErr)
	assert.Equal(t, SideSource, stErr.Side)
	assert.Equal(t, StatusBlocked, stErr.Status)
}

func TestInsufficientFundsCarriesAmounts(t *testing.T) {
	s := newTestLedger(t, "alice")
	ctx := context.Background()
	a, err := s.CreateCard(ctx, "alice", dec("5.00"))
	require.NoError(t, err)
	b, err := s.CreateCard(ctx, "alice", dec("0.00"))
	require.NoError(t, err)

	_, err = s.Transfer(ctx, a.ID, b.ID, dec("7.50"), "alice", "")
	var ifErr *InsufficientFundsError
	require.ErrorAs(t, err, &ifErr)
	assert.True(t, ifErr.Available.Equal(dec("5.00")))
	assert.True(t, ifErr.Requested.Equal(dec("7.50")))
}

func TestConcurrentTransfersConserveMoney(t *testing.T) {
	s := newTestLedger(t, "alice")
	ctx := context.Background()
	a, err := s.CreateCard(ctx, "alice", dec("10000.00"))
	require.NoError(t, err)
	b, err := s.CreateCard(ctx, "alice", dec("0.00"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	const n = 100
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Half the goroutines push money the other way to exercise
			// opposite-direction contention on the same card pair.
			if i%2 == 0 {
				_, _ = s.Transfer(ctx, a.ID, b.ID, dec("100.00"), "alice", "")
			} else {
				_, _ = s.Transfer(ctx, b.ID, a.ID, dec("25.00"), "alice", "")
			}
		}(i)
	}
	wg.Wait()

	fromAfter, _ := s.GetCard(ctx, a.ID)
	toAfter, _ := s.GetCard(ctx, b.ID)
	total := fromAfter.Balance.Add(toAfter.Balance)
	assert.True(t, total.Equal(dec("10000.00")), "conservation violated: total=%s", total)
	assert.False(t, fromAfter.Balance.IsNegative())
	assert.False(t, toAfter.Balance.IsNegative())
}

func TestSweepExpiredCards(t *testing.T) {
	s := newTestLedger(t, "alice")
	ctx := context.Background()

	stale, err := s.CreateCard(ctx, "alice", decimal.Zero)
	require.NoError(t, err)
	fresh, err := s.CreateCard(ctx, "alice", decimal.Zero)
	require.NoError(t, err)
	blocked, err := s.CreateCard(ctx, "alice", decimal.Zero)
	require.NoError(t, err)
	_, err = s.BlockCard(ctx, blocked.ID)
	require.NoError(t, err)

	s.cards[stale.ID].ExpiryDate = time.Now().UTC().Add(-24 * time.Hour)
	s.cards[fresh.ID].ExpiryDate = time.Now().UTC().Add(24 * time.Hour)
	s.cards[blocked.ID].ExpiryDate = time.Now().UTC().Add(-24 * time.Hour)

	count, err := s.SweepExpiredCards(ctx)
	require.NoError(t, err)
	// Only ACTIVE cards are swept; the blocked one stays BLOCKED.
	assert.Equal(t, 1, count)

	got, _ := s.GetCard(ctx, stale.ID)
	assert.Equal(t, StatusExpired, got.Status)
	got, _ = s.GetCard(ctx, fresh.ID)
	assert.Equal(t, StatusActive, got.Status)
	got, _ = s.GetCard(ctx, blocked.ID)
	assert.Equal(t, StatusBlocked, got.Status)
}

func TestListCardsByOwnerStatusFilter(t *testing.T) {
	s := newTestLedger(t, "alice", "bob")
	ctx := context.Background()

	a, err := s.CreateCard(ctx, "alice", decimal.Zero)
	require.NoError(t, err)
	_, err = s.CreateCard(ctx, "alice", decimal.Zero)
	require.NoError(t, err)
	_, err = s.CreateCard(ctx, "bob", decimal.Zero)
	require.NoError(t, err)
	_, err = s.BlockCard(ctx, a.ID)
	require.NoError(t, err)

	all, err := s.ListCardsByOwner(ctx, "alice", nil, PageRequest{})
	require.NoError(t, err)
	assert.Len(t, all.Items, 2)
	assert.EqualValues(t, 2, all.TotalItems)

	blocked := StatusBlocked
	only, err := s.ListCardsByOwner(ctx, "alice", &blocked, PageRequest{})
	require.NoError(t, err)
	require.Len(t, only.Items, 1)
	assert.Equal(t, a.ID, only.Items[0].ID)
}

func TestPagination(t *testing.T) {
	s := newTestLedger(t, "alice")
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.CreateCard(ctx, "alice", decimal.Zero)
		require.NoError(t, err)
	}

	p0, err := s.ListAllCards(ctx, PageRequest{Page: 0, Size: 2, Sort: SortAsc})
	require.NoError(t, err)
	p1, err := s.ListAllCards(ctx, PageRequest{Page: 1, Size: 2, Sort: SortAsc})
	require.NoError(t, err)
	p2, err := s.ListAllCards(ctx, PageRequest{Page: 2, Size: 2, Sort: SortAsc})
	require.NoError(t, err)
	p3, err := s.ListAllCards(ctx, PageRequest{Page: 3, Size: 2, Sort: SortAsc})
	require.NoError(t, err)

	assert.Len(t, p0.Items, 2)
	assert.Len(t, p1.Items, 2)
	assert.Len(t, p2.Items, 1)
	assert.Empty(t, p3.Items)
	assert.Equal(t, 3, p0.TotalPages)
	assert.EqualValues(t, 5, p0.TotalItems)

	// Ascending ULIDs follow creation order.
	assert.Less(t, p0.Items[0].ID, p0.Items[1].ID)
	assert.Less(t, p0.Items[1].ID, p1.Items[0].ID)
}

func TestCardTransactionsOwnershipCheck(t *testing.T) {
	s := newTestLedger(t, "alice", "bob")
	ctx := context.Background()
	a, err := s.CreateCard(ctx, "alice", dec("10.00"))
	require.NoError(t, err)
	b, err := s.CreateCard(ctx, "alice", dec("0.00"))
	require.NoError(t, err)
	_, err = s.Transfer(ctx, a.ID, b.ID, dec("1.00"), "alice", "")
	require.NoError(t, err)

	_, err = s.ListCardTransactions(ctx, a.ID, "bob", PageRequest{})
	assert.ErrorIs(t, err, ErrNotOwner)

	hist, err := s.ListCardTransactions(ctx, a.ID, "alice", PageRequest{})
	require.NoError(t, err)
	assert.Len(t, hist.Items, 1)
}

func TestHistorySurvivesCardDeletion(t *testing.T) {
	s := newTestLedger(t, "alice")
	ctx := context.Background()
	a, err := s.CreateCard(ctx, "alice", dec("10.00"))
	require.NoError(t, err)
	b, err := s.CreateCard(ctx, "alice", dec("0.00"))
	require.NoError(t, err)
	_, err = s.Transfer(ctx, a.ID, b.ID, dec("10.00"), "alice", "")
	require.NoError(t, err)

	// a is drained, so it can be deleted; its transfer must stay visible.
	require.NoError(t, s.DeleteCard(ctx, a.ID))

	hist, err := s.ListUserTransactions(ctx, "alice", PageRequest{})
	require.NoError(t, err)
	require.Len(t, hist.Items, 1)
	assert.Equal(t, a.MaskedNumber, hist.Items[0].FromCardMasked)
}

func TestUniqueNumberRetryExhaustion(t *testing.T) {
	s := newTestLedger(t, "alice")
	ctx := context.Background()

	// Pin the generator to a single number: the first card claims it, every
	// later attempt collides on the uniqueness index until the bound trips.
	s.generate = func() (string, error) { return "4111111111111111", nil }

	_, err := s.CreateCard(ctx, "alice", decimal.Zero)
	require.NoError(t, err)

	_, err = s.CreateCard(ctx, "alice", decimal.Zero)
	assert.ErrorIs(t, err, ErrNumberExhausted)
}
