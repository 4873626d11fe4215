// Package pg persists the card ledger in postgres. Every mutating operation
// runs inside one database transaction; transfers additionally lock both card
// rows in ascending-id order so two transfers over the same pair in opposite
// directions cannot deadlock.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"cardvault.org/internal/card"
	"cardvault.org/internal/ids"
	"cardvault.org/internal/ledger"
	"cardvault.org/internal/user"
)

type Store struct {
	db     *sql.DB
	cipher *card.Cipher
}

var (
	_ ledger.Service = (*Store)(nil)
	_ user.Directory = (*Store)(nil)
)

// Open connects to postgres via the pgx stdlib driver.
func Open(dsn string, cipher *card.Cipher) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db, cipher), nil
}

// New wraps an existing connection pool; used by tests.
func New(db *sql.DB, cipher *card.Cipher) *Store {
	return &Store{db: db, cipher: cipher}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// GetUserByID implements the owner directory against the users table.
func (s *Store) GetUserByID(ctx context.Context, id string) (user.User, error) {
	var u user.User
	err := s.db.QueryRowContext(ctx,
		`select id, username, created_at from users where id=$1`, id).
		Scan(&u.ID, &u.Username, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return user.User{}, user.ErrNotFound
	}
	if err != nil {
		return user.User{}, err
	}
	return u, nil
}

const cardColumns = `id, owner_id, number_encrypted, number_masked, expiry_date, status, balance, created_at`

func scanCard(row interface{ Scan(...any) error }) (ledger.Card, error) {
	var c ledger.Card
	err := row.Scan(&c.ID, &c.OwnerID, &c.EncryptedNumber, &c.MaskedNumber,
		&c.ExpiryDate, &c.Status, &c.Balance, &c.CreatedAt)
	return c, err
}

func (s *Store) CreateCard(ctx context.Context, ownerID string, initialBalance decimal.Decimal) (ledger.Card, error) {
	if initialBalance.IsNegative() || !initialBalance.Equal(initialBalance.Round(2)) {
		return ledger.Card{}, ledger.ErrInvalidBalance
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Card{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `select 1 from users where id=$1`, ownerID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Card{}, fmt.Errorf("%w: %s", ledger.ErrUserNotFound, ownerID)
	}
	if err != nil {
		return ledger.Card{}, err
	}

	// Lock the owner's ACTIVE cards so two concurrent creations cannot both
	// observe four cards and issue a sixth.
	active, err := s.lockActiveCards(ctx, tx, ownerID)
	if err != nil {
		return ledger.Card{}, err
	}
	if active >= ledger.MaxActiveCards {
		return ledger.Card{}, ledger.ErrCardLimit
	}

	number, encrypted, err := s.uniqueNumber(ctx, tx)
	if err != nil {
		return ledger.Card{}, err
	}
	masked, err := card.Mask(number)
	if err != nil {
		return ledger.Card{}, fmt.Errorf("mask generated number: %w", err)
	}

	c := ledger.Card{
		ID:              ids.New(),
		OwnerID:         ownerID,
		EncryptedNumber: encrypted,
		MaskedNumber:    masked,
		ExpiryDate:      time.Now().UTC().AddDate(ledger.CardLifetimeYears, 0, 0),
		Status:          ledger.StatusActive,
		Balance:         initialBalance.Round(2),
	}
	err = tx.QueryRowContext(ctx, `
		insert into cards (id, owner_id, number_encrypted, number_masked, expiry_date, status, balance)
		values ($1,$2,$3,$4,$5,$6,$7)
		returning created_at
	`, c.ID, c.OwnerID, c.EncryptedNumber, c.MaskedNumber, c.ExpiryDate, c.Status, c.Balance).Scan(&c.CreatedAt)
	if isUniqueViolation(err) {
		// Lost a race on the uniqueness index after the pre-check. Surface as
		// operational; the caller decides whether to retry the whole call.
		return ledger.Card{}, fmt.Errorf("%w: concurrent number collision", ledger.ErrNumberExhausted)
	}
	if err != nil {
		return ledger.Card{}, err
	}

	if err := tx.Commit(); err != nil {
		return ledger.Card{}, err
	}
	return c, nil
}

func (s *Store) lockActiveCards(ctx context.Context, tx *sql.Tx, ownerID string) (int, error) {
	rows, err := tx.QueryContext(ctx,
		`select id from cards where owner_id=$1 and status=$2 for update`,
		ownerID, ledger.StatusActive)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
		n++
	}
	return n, rows.Err()
}

func (s *Store) uniqueNumber(ctx context.Context, tx *sql.Tx) (number, encrypted string, err error) {
	for attempt := 0; attempt < ledger.MaxNumberAttempts; attempt++ {
		number, err = card.Generate()
		if err != nil {
			return "", "", fmt.Errorf("generate card number: %w", err)
		}
		encrypted, err = s.cipher.Encrypt(number)
		if err != nil {
			return "", "", fmt.Errorf("encrypt card number: %w", err)
		}
		var taken bool
		if err = tx.QueryRowContext(ctx,
			`select exists(select 1 from cards where number_encrypted=$1)`, encrypted).Scan(&taken); err != nil {
			return "", "", err
		}
		if !taken {
			return number, encrypted, nil
		}
	}
	return "", "", ledger.ErrNumberExhausted
}

func (s *Store) GetCard(ctx context.Context, cardID string) (ledger.Card, error) {
	c, err := scanCard(s.db.QueryRowContext(ctx,
		`select `+cardColumns+` from cards where id=$1`, cardID))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Card{}, ledger.ErrCardNotFound
	}
	if err != nil {
		return ledger.Card{}, err
	}
	return c, nil
}

func (s *Store) ListCardsByOwner(ctx context.Context, ownerID string, status *ledger.CardStatus, pr ledger.PageRequest) (ledger.Page[ledger.Card], error) {
	pr = pr.Normalize()
	where := `owner_id=$1`
	args := []any{ownerID}
	if status != nil {
		where += ` and status=$2`
		args = append(args, *status)
	}
	return s.listCards(ctx, where, args, pr)
}

func (s *Store) ListAllCards(ctx context.Context, pr ledger.PageRequest) (ledger.Page[ledger.Card], error) {
	return s.listCards(ctx, `true`, nil, pr.Normalize())
}

func (s *Store) listCards(ctx context.Context, where string, args []any, pr ledger.PageRequest) (ledger.Page[ledger.Card], error) {
	var total int64
	if err := s.db.QueryRowContext(ctx,
		`select count(*) from cards where `+where, args...).Scan(&total); err != nil {
		return ledger.Page[ledger.Card]{}, err
	}

	query := fmt.Sprintf(`select %s from cards where %s order by id %s limit %d offset %d`,
		cardColumns, where, sortDirection(pr.Sort), pr.Size, pr.Page*pr.Size)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return ledger.Page[ledger.Card]{}, err
	}
	defer rows.Close()

	items := []ledger.Card{}
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return ledger.Page[ledger.Card]{}, err
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return ledger.Page[ledger.Card]{}, err
	}
	return ledger.NewPage(items, pr, total), nil
}

func (s *Store) BlockCard(ctx context.Context, cardID string) (ledger.Card, error) {
	return s.updateStatus(ctx, cardID, func(c *ledger.Card) error {
		switch c.Status {
		case ledger.StatusBlocked:
			return ledger.ErrAlreadyBlocked
		case ledger.StatusExpired:
			return ledger.ErrCardExpired
		}
		c.Status = ledger.StatusBlocked
		return nil
	})
}

func (s *Store) ActivateCard(ctx context.Context, cardID string) (ledger.Card, error) {
	return s.updateStatus(ctx, cardID, func(c *ledger.Card) error {
		if c.Status == ledger.StatusActive {
			return ledger.ErrAlreadyActive
		}
		if c.Expired(time.Now().UTC()) {
			return ledger.ErrCardExpired
		}
		c.Status = ledger.StatusActive
		return nil
	})
}

// updateStatus runs a locked read-check-write cycle over a single card.
func (s *Store) updateStatus(ctx context.Context, cardID string, transition func(*ledger.Card) error) (ledger.Card, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Card{}, err
	}
	defer func() { _ = tx.Rollback() }()

	c, err := scanCard(tx.QueryRowContext(ctx,
		`select `+cardColumns+` from cards where id=$1 for update`, cardID))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Card{}, ledger.ErrCardNotFound
	}
	if err != nil {
		return ledger.Card{}, err
	}

	if err := transition(&c); err != nil {
		return ledger.Card{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`update cards set status=$2 where id=$1`, cardID, c.Status); err != nil {
		return ledger.Card{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Card{}, err
	}
	return c, nil
}

func (s *Store) DeleteCard(ctx context.Context, cardID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var balance decimal.Decimal
	err = tx.QueryRowContext(ctx,
		`select balance from cards where id=$1 for update`, cardID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrCardNotFound
	}
	if err != nil {
		return err
	}
	if !balance.IsZero() {
		return ledger.ErrNonZeroBalance
	}

	if _, err := tx.ExecContext(ctx, `delete from cards where id=$1`, cardID); err != nil {
		return err
	}
	return tx.Commit()
}

// lockedCard is the slice of card state a transfer needs.
type lockedCard struct {
	id      string
	ownerID string
	masked  string
	status  ledger.CardStatus
	balance decimal.Decimal
}

func (s *Store) Transfer(ctx context.Context, fromCardID, toCardID string, amount decimal.Decimal, requesterID, description string) (ledger.Transaction, error) {
	if !amount.IsPositive() || !amount.Equal(amount.Round(2)) {
		return ledger.Transaction{}, ledger.ErrInvalidAmount
	}
	if len(description) > ledger.MaxDescriptionLen {
		return ledger.Transaction{}, ledger.ErrDescriptionTooLong
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return ledger.Transaction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Ascending-id lock order prevents deadlock between opposite transfers
	// over the same card pair.
	locked := map[string]lockedCard{}
	for _, id := range sortedIDs(fromCardID, toCardID) {
		var lc lockedCard
		err := tx.QueryRowContext(ctx, `
			select id, owner_id, number_masked, status, balance
			from cards where id=$1 for update
		`, id).Scan(&lc.id, &lc.ownerID, &lc.masked, &lc.status, &lc.balance)
		if errors.Is(err, sql.ErrNoRows) {
			side := ledger.SideSource
			if id == toCardID && id != fromCardID {
				side = ledger.SideDestination
			}
			return ledger.Transaction{}, fmt.Errorf("%w: %s card", ledger.ErrCardNotFound, side)
		}
		if err != nil {
			return ledger.Transaction{}, err
		}
		locked[id] = lc
	}
	from, to := locked[fromCardID], locked[toCardID]

	if from.ownerID != requesterID || to.ownerID != requesterID {
		return ledger.Transaction{}, ledger.ErrNotOwner
	}
	if fromCardID == toCardID {
		return ledger.Transaction{}, ledger.ErrSelfTransfer
	}
	if from.status != ledger.StatusActive {
		return ledger.Transaction{}, &ledger.StatusError{CardID: from.id, Side: ledger.SideSource, Status: from.status}
	}
	if to.status != ledger.StatusActive {
		return ledger.Transaction{}, &ledger.StatusError{CardID: to.id, Side: ledger.SideDestination, Status: to.status}
	}
	if from.balance.Cmp(amount) < 0 {
		return ledger.Transaction{}, &ledger.InsufficientFundsError{Available: from.balance, Requested: amount}
	}

	if _, err := tx.ExecContext(ctx,
		`update cards set balance = balance - $2 where id=$1`, fromCardID, amount); err != nil {
		return ledger.Transaction{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`update cards set balance = balance + $2 where id=$1`, toCardID, amount); err != nil {
		return ledger.Transaction{}, err
	}

	rec := ledger.Transaction{
		ID:          ids.New(),
		FromCardID:  fromCardID,
		ToCardID:    toCardID,
		Amount:      amount,
		Description: description,
		Status:      ledger.StatusCompleted,
	}
	err = tx.QueryRowContext(ctx, `
		insert into transactions (id, from_card_id, to_card_id, from_card_masked, to_card_masked,
			from_owner_id, to_owner_id, amount, description, status)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		returning created_at
	`, rec.ID, rec.FromCardID, rec.ToCardID, from.masked, to.masked,
		from.ownerID, to.ownerID, rec.Amount, rec.Description, rec.Status).Scan(&rec.Date)
	if err != nil {
		return ledger.Transaction{}, err
	}

	if err := tx.Commit(); err != nil {
		return ledger.Transaction{}, err
	}
	return rec, nil
}

const txViewColumns = `id, from_card_masked, to_card_masked, amount, created_at, coalesce(description,''), status`

func (s *Store) ListCardTransactions(ctx context.Context, cardID, requesterID string, pr ledger.PageRequest) (ledger.Page[ledger.TransactionView], error) {
	var ownerID string
	err := s.db.QueryRowContext(ctx,
		`select owner_id from cards where id=$1`, cardID).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Page[ledger.TransactionView]{}, ledger.ErrCardNotFound
	}
	if err != nil {
		return ledger.Page[ledger.TransactionView]{}, err
	}
	if ownerID != requesterID {
		return ledger.Page[ledger.TransactionView]{}, ledger.ErrNotOwner
	}
	return s.listTransactions(ctx, `from_card_id=$1 or to_card_id=$1`, []any{cardID}, pr.Normalize())
}

func (s *Store) ListUserTransactions(ctx context.Context, userID string, pr ledger.PageRequest) (ledger.Page[ledger.TransactionView], error) {
	return s.listTransactions(ctx, `from_owner_id=$1 or to_owner_id=$1`, []any{userID}, pr.Normalize())
}

func (s *Store) listTransactions(ctx context.Context, where string, args []any, pr ledger.PageRequest) (ledger.Page[ledger.TransactionView], error) {
	var total int64
	if err := s.db.QueryRowContext(ctx,
		`select count(*) from transactions where `+where, args...).Scan(&total); err != nil {
		return ledger.Page[ledger.TransactionView]{}, err
	}

	query := fmt.Sprintf(`select %s from transactions where %s order by id %s limit %d offset %d`,
		txViewColumns, where, sortDirection(pr.Sort), pr.Size, pr.Page*pr.Size)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return ledger.Page[ledger.TransactionView]{}, err
	}
	defer rows.Close()

	items := []ledger.TransactionView{}
	for rows.Next() {
		var v ledger.TransactionView
		if err := rows.Scan(&v.ID, &v.FromCardMasked, &v.ToCardMasked,
			&v.Amount, &v.Date, &v.Description, &v.Status); err != nil {
			return ledger.Page[ledger.TransactionView]{}, err
		}
		items = append(items, v)
	}
	if err := rows.Err(); err != nil {
		return ledger.Page[ledger.TransactionView]{}, err
	}
	return ledger.NewPage(items, pr, total), nil
}

func (s *Store) SweepExpiredCards(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update cards set status=$1
		where status=$2 and expiry_date < now()
	`, ledger.StatusExpired, ledger.StatusActive)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- helpers ---

func sortedIDs(a, b string) []string {
	if a == b {
		return []string{a}
	}
	if a < b {
		return []string{a, b}
	}
	return []string{b, a}
}

func sortDirection(s ledger.SortOrder) string {
	if s == ledger.SortAsc {
		return "asc"
	}
	return "desc"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
