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

	"tallyd.org/internal/ids"
	"tallyd.org/internal/ledger"
)

// Store implements ledger.Service against PostgreSQL. Each posting runs in
// one database transaction: account rows are locked with FOR UPDATE in
// ascending id order, the balance is recomputed from the entries while the
// locks are held, and the transaction row plus its entries commit together.
type Store struct {
	db       *sql.DB
	lockWait time.Duration
}

var _ ledger.Service = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLockWait overrides the row lock wait bound applied per posting.
func WithLockWait(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockWait = d
		}
	}
}

func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &Store{db: db, lockWait: ledger.DefaultLockWait}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewWithDB wraps an existing handle; used by tests.
func NewWithDB(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, lockWait: ledger.DefaultLockWait}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) CreateAccount(ctx context.Context, userID string, category ledger.AccountCategory, currency string) (ledger.Account, error) {
	acc, err := ledger.NewAccount(userID, category, currency)
	if err != nil {
		return ledger.Account{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into accounts(id, user_id, category, currency, status, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$6)
	`, acc.ID, acc.UserID, string(acc.Category), acc.Currency, string(acc.Status), acc.CreatedAt)
	if err != nil {
		return ledger.Account{}, storeErr(err)
	}
	return acc, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (ledger.Account, error) {
	var acc ledger.Account
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, category, currency, status, created_at, updated_at
		from accounts where id=$1
	`, id).Scan(&acc.ID, &acc.UserID, &acc.Category, &acc.Currency, &acc.Status, &acc.CreatedAt, &acc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Account{}, storeErr(err)
	}
	return acc, nil
}

func (s *Store) SetAccountStatus(ctx context.Context, id string, status ledger.AccountStatus) (ledger.Account, error) {
	if !status.Valid() {
		return ledger.Account{}, ledger.ErrInvalidOperation
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Account{}, storeErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.setLockTimeout(ctx, tx); err != nil {
		return ledger.Account{}, err
	}
	var current ledger.AccountStatus
	err = tx.QueryRowContext(ctx, `select status from accounts where id=$1 for update`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Account{}, storeErr(err)
	}
	if !current.CanTransition(status) {
		return ledger.Account{}, ledger.ErrInvalidOperation
	}

	var acc ledger.Account
	err = tx.QueryRowContext(ctx, `
		update accounts set status=$2, updated_at=now() where id=$1
		returning id, user_id, category, currency, status, created_at, updated_at
	`, id, string(status)).Scan(&acc.ID, &acc.UserID, &acc.Category, &acc.Currency, &acc.Status, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		return ledger.Account{}, storeErr(err)
	}
	if err := tx.Commit(); err != nil {
		return ledger.Account{}, storeErr(err)
	}
	return acc, nil
}

func (s *Store) GetBalance(ctx context.Context, id string) (ledger.Money, error) {
	// One statement reads a single consistent snapshot of the entry set.
	var (
		currency string
		amount   decimal.Decimal
	)
	err := s.db.QueryRowContext(ctx, `
		select a.currency,
		       coalesce(sum(case when e.entry_type='credit' then e.amount else -e.amount end), 0)
		from accounts a
		left join ledger_entries e on e.account_id = a.id
		where a.id=$1
		group by a.id
	`, id).Scan(&currency, &amount)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Money{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Money{}, storeErr(err)
	}
	return ledger.Money{Currency: currency, Amount: amount}, nil
}

func (s *Store) Transfer(ctx context.Context, sourceID, destinationID string, amount decimal.Decimal, description, idemKey string) (ledger.Transaction, error) {
	p, err := ledger.NewTransferPosting(sourceID, destinationID, amount, description, idemKey)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return s.post(ctx, p)
}

func (s *Store) Deposit(ctx context.Context, accountID string, amount decimal.Decimal, description, idemKey string) (ledger.Transaction, error) {
	p, err := ledger.NewDepositPosting(accountID, amount, description, idemKey)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return s.post(ctx, p)
}

func (s *Store) Withdraw(ctx context.Context, accountID string, amount decimal.Decimal, description, idemKey string) (ledger.Transaction, error) {
	p, err := ledger.NewWithdrawalPosting(accountID, amount, description, idemKey)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return s.post(ctx, p)
}

func (s *Store) post(ctx context.Context, p ledger.Posting) (ledger.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Transaction{}, storeErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.setLockTimeout(ctx, tx); err != nil {
		return ledger.Transaction{}, err
	}

	// Idempotent replay: the key is bound to the completed transaction, so
	// a retry after an ambiguous commit returns the original outcome.
	if p.IdempotencyKey != "" {
		existing, err := scanTransaction(tx.QueryRowContext(ctx, `
			select id, kind, coalesce(source_account_id,''), coalesce(destination_account_id,''),
			       amount, currency, status, coalesce(description,''), coalesce(idempotency_key,''),
			       sequence, created_at, updated_at
			from transactions where idempotency_key=$1
		`, p.IdempotencyKey))
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return ledger.Transaction{}, storeErr(err)
		}
	}

	// Lock account rows in ascending id order to prevent lock-ordering
	// deadlocks between concurrent postings on the same pair.
	currency := ""
	for _, id := range p.AccountIDs() {
		var (
			status ledger.AccountStatus
			cur    string
		)
		err := tx.QueryRowContext(ctx, `
			select status, currency from accounts where id=$1 for update
		`, id).Scan(&status, &cur)
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Transaction{}, ledger.ErrNotFound
		}
		if err != nil {
			return ledger.Transaction{}, storeErr(err)
		}
		if status != ledger.StatusActive {
			return ledger.Transaction{}, ledger.ErrAccountNotPostable
		}
		if currency == "" {
			currency = cur
		} else if cur != currency {
			return ledger.Transaction{}, ledger.ErrInvalidOperation
		}
	}

	// Sufficiency check under the held row locks: the recomputed balance
	// cannot be invalidated before this transaction commits.
	for id, need := range p.DebitRequirements() {
		var bal decimal.Decimal
		err := tx.QueryRowContext(ctx, `
			select coalesce(sum(case when entry_type='credit' then amount else -amount end), 0)
			from ledger_entries where account_id=$1
		`, id).Scan(&bal)
		if err != nil {
			return ledger.Transaction{}, storeErr(err)
		}
		if bal.LessThan(need) {
			return ledger.Transaction{}, ledger.ErrInsufficientFunds
		}
	}

	now := time.Now().UTC()
	rec := ledger.Transaction{
		ID:                   newID(),
		Kind:                 p.Kind,
		SourceAccountID:      p.SourceAccountID,
		DestinationAccountID: p.DestinationAccountID,
		Amount:               p.Amount,
		Currency:             currency,
		Status:               ledger.TxPending,
		Description:          p.Description,
		IdempotencyKey:       p.IdempotencyKey,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	err = tx.QueryRowContext(ctx, `
		insert into transactions(id, kind, source_account_id, destination_account_id, amount, currency, status, description, idempotency_key, created_at, updated_at)
		values ($1,$2,nullif($3,''),nullif($4,''),$5,$6,$7,nullif($8,''),nullif($9,''),$10,$10)
		returning sequence
	`, rec.ID, string(rec.Kind), rec.SourceAccountID, rec.DestinationAccountID, rec.Amount, rec.Currency,
		string(ledger.TxPending), rec.Description, rec.IdempotencyKey, now).Scan(&rec.Sequence)
	if err != nil {
		return ledger.Transaction{}, storeErr(err)
	}

	for _, spec := range p.Entries {
		if _, err := tx.ExecContext(ctx, `
			insert into ledger_entries(id, account_id, transaction_id, entry_type, amount, created_at)
			values ($1,$2,$3,$4,$5,$6)
		`, newID(), spec.AccountID, rec.ID, string(spec.Type), spec.Amount, now); err != nil {
			return ledger.Transaction{}, storeErr(err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		update transactions set status=$2, updated_at=$3 where id=$1
	`, rec.ID, string(ledger.TxCompleted), now); err != nil {
		return ledger.Transaction{}, storeErr(err)
	}

	if err := tx.Commit(); err != nil {
		return ledger.Transaction{}, storeErr(err)
	}
	rec.Status = ledger.TxCompleted
	return rec, nil
}

func (s *Store) ListEntries(ctx context.Context, accountID string, q ledger.EntryQuery) ([]ledger.LedgerEntry, uint64, error) {
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	// Existence check first so an empty history is distinguishable from an
	// unknown account.
	var one int
	err := s.db.QueryRowContext(ctx, `select 1 from accounts where id=$1`, accountID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ledger.ErrNotFound
	}
	if err != nil {
		return nil, 0, storeErr(err)
	}

	since, until := timeBound(q.Since, false), timeBound(q.Until, true)
	rows, err := s.db.QueryContext(ctx, `
		select id, account_id, transaction_id, entry_type, amount, sequence, created_at
		from ledger_entries
		where account_id=$1 and sequence > $2 and created_at >= $3 and created_at <= $4
		order by sequence asc
		limit $5
	`, accountID, q.AfterSeq, since, until, limit)
	if err != nil {
		return nil, 0, storeErr(err)
	}
	defer rows.Close()

	var res []ledger.LedgerEntry
	var last uint64
	for rows.Next() {
		var e ledger.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.TransactionID, &e.Type, &e.Amount, &e.Sequence, &e.CreatedAt); err != nil {
			return nil, 0, storeErr(err)
		}
		res = append(res, e)
		last = e.Sequence
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storeErr(err)
	}
	return res, last, nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (ledger.Transaction, []ledger.LedgerEntry, error) {
	rec, err := scanTransaction(s.db.QueryRowContext(ctx, `
		select id, kind, coalesce(source_account_id,''), coalesce(destination_account_id,''),
		       amount, currency, status, coalesce(description,''), coalesce(idempotency_key,''),
		       sequence, created_at, updated_at
		from transactions where id=$1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, nil, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Transaction{}, nil, storeErr(err)
	}

	rows, err := s.db.QueryContext(ctx, `
		select id, account_id, transaction_id, entry_type, amount, sequence, created_at
		from ledger_entries where transaction_id=$1 order by sequence asc
	`, id)
	if err != nil {
		return ledger.Transaction{}, nil, storeErr(err)
	}
	defer rows.Close()

	var entries []ledger.LedgerEntry
	for rows.Next() {
		var e ledger.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.TransactionID, &e.Type, &e.Amount, &e.Sequence, &e.CreatedAt); err != nil {
			return ledger.Transaction{}, nil, storeErr(err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return ledger.Transaction{}, nil, storeErr(err)
	}
	return rec, entries, nil
}

// --- helpers ---

func (s *Store) setLockTimeout(ctx context.Context, tx *sql.Tx) error {
	ms := s.lockWait.Milliseconds()
	if ms <= 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`set local lock_timeout = %d`, ms)); err != nil {
		return storeErr(err)
	}
	return nil
}

func scanTransaction(row *sql.Row) (ledger.Transaction, error) {
	var t ledger.Transaction
	err := row.Scan(&t.ID, &t.Kind, &t.SourceAccountID, &t.DestinationAccountID,
		&t.Amount, &t.Currency, &t.Status, &t.Description, &t.IdempotencyKey,
		&t.Sequence, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

// storeErr classifies driver errors: lock waits map to ErrBusy so callers
// can retry, everything else surfaces as a store failure.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "55P03" {
		return ledger.ErrBusy
	}
	return fmt.Errorf("%w: %v", ledger.ErrStoreFailure, err)
}

func timeBound(t *time.Time, upper bool) time.Time {
	if t != nil {
		return *t
	}
	if upper {
		return time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)
	}
	return time.Unix(0, 0).UTC()
}

func newID() string {
	return ids.New()
}
