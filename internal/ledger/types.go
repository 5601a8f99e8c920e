package ledger

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tallyd.org/internal/ids"
)

// AmountScale is the maximum number of fractional digits accepted for
// posting amounts. Matches the numeric(19,4) columns in the store.
const AmountScale = 4

// AccountCategory classifies an account at creation time.
type AccountCategory string

const (
	CategoryChecking    AccountCategory = "checking"
	CategorySavings     AccountCategory = "savings"
	CategoryMoneyMarket AccountCategory = "money_market"
)

func (c AccountCategory) Valid() bool {
	switch c {
	case CategoryChecking, CategorySavings, CategoryMoneyMarket:
		return true
	}
	return false
}

// AccountStatus gates whether an account may participate in postings.
type AccountStatus string

const (
	StatusActive AccountStatus = "active"
	StatusFrozen AccountStatus = "frozen"
	StatusClosed AccountStatus = "closed"
)

func (s AccountStatus) Valid() bool {
	switch s {
	case StatusActive, StatusFrozen, StatusClosed:
		return true
	}
	return false
}

// CanTransition reports whether the status change is allowed.
// Closed is terminal.
func (s AccountStatus) CanTransition(to AccountStatus) bool {
	switch {
	case s == StatusActive && to == StatusFrozen:
		return true
	case s == StatusFrozen && to == StatusActive:
		return true
	case (s == StatusActive || s == StatusFrozen) && to == StatusClosed:
		return true
	}
	return false
}

// TransactionKind determines which of source/destination is populated:
// transfer requires both, deposit destination only, withdrawal source only.
type TransactionKind string

const (
	KindTransfer   TransactionKind = "transfer"
	KindDeposit    TransactionKind = "deposit"
	KindWithdrawal TransactionKind = "withdrawal"
)

type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
)

// EntryType is the side of a ledger entry. Credits increase the derived
// balance, debits decrease it, regardless of account category.
type EntryType string

const (
	Debit  EntryType = "debit"
	Credit EntryType = "credit"
)

// Account holds no balance of its own: the balance is always derived from
// the account's ledger entries.
type Account struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Category  AccountCategory `json:"category"`
	Currency  string          `json:"currency"`
	Status    AccountStatus   `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Money pairs a fixed-point amount with its currency code.
type Money struct {
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
}

// Transaction records one value-moving operation together with its status.
// Entries exist only for transactions in the completed state; both are
// written in the same atomic unit.
type Transaction struct {
	ID                   string            `json:"id"`
	Kind                 TransactionKind   `json:"kind"`
	SourceAccountID      string            `json:"source_account_id,omitempty"`
	DestinationAccountID string            `json:"destination_account_id,omitempty"`
	Amount               decimal.Decimal   `json:"amount"`
	Currency             string            `json:"currency"`
	Status               TransactionStatus `json:"status"`
	Description          string            `json:"description,omitempty"`
	IdempotencyKey       string            `json:"idempotency_key,omitempty"`
	Sequence             uint64            `json:"sequence"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// LedgerEntry is append-only: never updated or deleted once written.
type LedgerEntry struct {
	ID            string          `json:"id"`
	AccountID     string          `json:"account_id"`
	TransactionID string          `json:"transaction_id"`
	Type          EntryType       `json:"entry_type"`
	Amount        decimal.Decimal `json:"amount"`
	Sequence      uint64          `json:"sequence"`
	CreatedAt     time.Time       `json:"created_at"`
}

// EntryQuery bounds a ListEntries scan. AfterSeq paginates in entry order;
// Since/Until filter on creation time.
type EntryQuery struct {
	Since    *time.Time
	Until    *time.Time
	AfterSeq uint64
	Limit    int
}

var (
	ErrNotFound           = errors.New("not found")
	ErrAccountNotPostable = errors.New("account not postable")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidCurrency    = errors.New("invalid currency")
	ErrUnbalancedPosting  = errors.New("unbalanced posting")
	ErrInvalidOperation   = errors.New("invalid operation")
	ErrBusy               = errors.New("account busy")
	ErrStoreFailure       = errors.New("store failure")
)

// ValidAmount reports whether d is strictly positive with at most
// AmountScale fractional digits.
func ValidAmount(d decimal.Decimal) bool {
	return d.IsPositive() && d.Equal(d.Truncate(AmountScale))
}

// NormalizeCurrency upper-cases and validates a currency code.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" || len(code) > 8 {
		return "", ErrInvalidCurrency
	}
	return code, nil
}

// NewAccount builds an active account with a fresh identifier. Both engine
// implementations create accounts through this constructor.
func NewAccount(userID string, category AccountCategory, currency string) (Account, error) {
	if strings.TrimSpace(userID) == "" {
		return Account{}, ErrInvalidOperation
	}
	if !category.Valid() {
		return Account{}, ErrInvalidOperation
	}
	cur, err := NormalizeCurrency(currency)
	if err != nil {
		return Account{}, err
	}
	now := time.Now().UTC()
	return Account{
		ID:        newID(),
		UserID:    userID,
		Category:  category,
		Currency:  cur,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func newID() string {
	return ids.New()
}
