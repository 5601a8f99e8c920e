package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultLockWait bounds how long a posting waits for an account lock
// before failing with ErrBusy.
const DefaultLockWait = 3 * time.Second

// Service defines ledger operations.
type Service interface {
	CreateAccount(ctx context.Context, userID string, category AccountCategory, currency string) (Account, error)
	GetAccount(ctx context.Context, id string) (Account, error)
	SetAccountStatus(ctx context.Context, id string, status AccountStatus) (Account, error)
	GetBalance(ctx context.Context, id string) (Money, error)
	Transfer(ctx context.Context, sourceID, destinationID string, amount decimal.Decimal, description, idemKey string) (Transaction, error)
	Deposit(ctx context.Context, accountID string, amount decimal.Decimal, description, idemKey string) (Transaction, error)
	Withdraw(ctx context.Context, accountID string, amount decimal.Decimal, description, idemKey string) (Transaction, error)
	ListEntries(ctx context.Context, accountID string, q EntryQuery) ([]LedgerEntry, uint64, error)
	GetTransaction(ctx context.Context, id string) (Transaction, []LedgerEntry, error)
}

// Option configures an InMemory engine.
type Option func(*InMemory)

// WithLockWait overrides the account lock wait bound.
func WithLockWait(d time.Duration) Option {
	return func(s *InMemory) {
		if d > 0 {
			s.lockWait = d
		}
	}
}

// InMemory implements Service with in-process concurrency safety.
// Per-account semaphores are held across the sufficiency check and the
// entry writes, so concurrent postings on the same account serialize while
// independent accounts post concurrently. mu only guards map structure.
type InMemory struct {
	lockWait time.Duration
	locks    *accountLocks

	mu        sync.RWMutex
	accts     map[string]*Account
	byAccount map[string][]LedgerEntry
	byTx      map[string][]LedgerEntry
	txs       map[string]Transaction
	idem      map[string]string
	entrySeq  uint64
	txSeq     uint64
}

var _ Service = (*InMemory)(nil)

// NewInMemory creates a fresh ledger engine.
func NewInMemory(opts ...Option) *InMemory {
	s := &InMemory{
		lockWait:  DefaultLockWait,
		locks:     newAccountLocks(),
		accts:     make(map[string]*Account),
		byAccount: make(map[string][]LedgerEntry),
		byTx:      make(map[string][]LedgerEntry),
		txs:       make(map[string]Transaction),
		idem:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemory) CreateAccount(ctx context.Context, userID string, category AccountCategory, currency string) (Account, error) {
	acc, err := NewAccount(userID, category, currency)
	if err != nil {
		return Account{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accts[acc.ID] = &acc
	return acc, nil
}

func (s *InMemory) GetAccount(ctx context.Context, id string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return *acc, nil
}

func (s *InMemory) SetAccountStatus(ctx context.Context, id string, status AccountStatus) (Account, error) {
	if !status.Valid() {
		return Account{}, ErrInvalidOperation
	}
	// Take the account lock so a status change never interleaves with an
	// in-flight posting on the same account.
	if err := s.locks.acquire(ctx, id, s.lockWait); err != nil {
		return Account{}, err
	}
	defer s.locks.release(id)

	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	if !acc.Status.CanTransition(status) {
		return Account{}, ErrInvalidOperation
	}
	acc.Status = status
	acc.UpdatedAt = time.Now().UTC()
	return *acc, nil
}

func (s *InMemory) GetBalance(ctx context.Context, id string) (Money, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accts[id]
	if !ok {
		return Money{}, ErrNotFound
	}
	return Money{Currency: acc.Currency, Amount: s.balanceLocked(id)}, nil
}

// balanceLocked folds the account's entries: credits add, debits subtract.
// Callers must hold mu.
func (s *InMemory) balanceLocked(id string) decimal.Decimal {
	var bal decimal.Decimal
	for _, e := range s.byAccount[id] {
		if e.Type == Credit {
			bal = bal.Add(e.Amount)
		} else {
			bal = bal.Sub(e.Amount)
		}
	}
	return bal
}

func (s *InMemory) Transfer(ctx context.Context, sourceID, destinationID string, amount decimal.Decimal, description, idemKey string) (Transaction, error) {
	p, err := NewTransferPosting(sourceID, destinationID, amount, description, idemKey)
	if err != nil {
		return Transaction{}, err
	}
	return s.post(ctx, p)
}

func (s *InMemory) Deposit(ctx context.Context, accountID string, amount decimal.Decimal, description, idemKey string) (Transaction, error) {
	p, err := NewDepositPosting(accountID, amount, description, idemKey)
	if err != nil {
		return Transaction{}, err
	}
	return s.post(ctx, p)
}

func (s *InMemory) Withdraw(ctx context.Context, accountID string, amount decimal.Decimal, description, idemKey string) (Transaction, error) {
	p, err := NewWithdrawalPosting(accountID, amount, description, idemKey)
	if err != nil {
		return Transaction{}, err
	}
	return s.post(ctx, p)
}

// post is the shared primitive behind transfer, deposit and withdrawal.
// The account slots stay held from the balance check through the entry
// writes, closing the check-then-act window.
func (s *InMemory) post(ctx context.Context, p Posting) (Transaction, error) {
	release, err := s.locks.acquireAll(ctx, p.AccountIDs(), s.lockWait)
	if err != nil {
		return Transaction{}, err
	}
	defer release()

	// Idempotent replay: a key already bound to a completed transaction
	// returns that transaction without posting again.
	if p.IdempotencyKey != "" {
		s.mu.RLock()
		txID, ok := s.idem[p.IdempotencyKey]
		var tx Transaction
		if ok {
			tx = s.txs[txID]
		}
		s.mu.RUnlock()
		if ok {
			return tx, nil
		}
	}

	s.mu.RLock()
	currency := ""
	for _, id := range p.AccountIDs() {
		acc, ok := s.accts[id]
		if !ok {
			s.mu.RUnlock()
			return Transaction{}, ErrNotFound
		}
		if acc.Status != StatusActive {
			s.mu.RUnlock()
			return Transaction{}, ErrAccountNotPostable
		}
		if currency == "" {
			currency = acc.Currency
		} else if acc.Currency != currency {
			// Single currency per transaction.
			s.mu.RUnlock()
			return Transaction{}, ErrInvalidOperation
		}
	}
	for id, need := range p.DebitRequirements() {
		if s.balanceLocked(id).LessThan(need) {
			s.mu.RUnlock()
			return Transaction{}, ErrInsufficientFunds
		}
	}
	s.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return Transaction{}, err
	}

	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.txSeq++
	tx := Transaction{
		ID:                   newID(),
		Kind:                 p.Kind,
		SourceAccountID:      p.SourceAccountID,
		DestinationAccountID: p.DestinationAccountID,
		Amount:               p.Amount,
		Currency:             currency,
		Status:               TxPending,
		Description:          p.Description,
		IdempotencyKey:       p.IdempotencyKey,
		Sequence:             s.txSeq,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	entries := make([]LedgerEntry, 0, len(p.Entries))
	for _, spec := range p.Entries {
		s.entrySeq++
		entries = append(entries, LedgerEntry{
			ID:            newID(),
			AccountID:     spec.AccountID,
			TransactionID: tx.ID,
			Type:          spec.Type,
			Amount:        spec.Amount,
			Sequence:      s.entrySeq,
			CreatedAt:     now,
		})
	}
	for _, e := range entries {
		s.byAccount[e.AccountID] = append(s.byAccount[e.AccountID], e)
	}
	s.byTx[tx.ID] = entries
	tx.Status = TxCompleted
	s.txs[tx.ID] = tx
	if p.IdempotencyKey != "" {
		s.idem[p.IdempotencyKey] = tx.ID
	}
	return tx, nil
}

func (s *InMemory) ListEntries(ctx context.Context, accountID string, q EntryQuery) ([]LedgerEntry, uint64, error) {
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.accts[accountID]; !ok {
		return nil, 0, ErrNotFound
	}
	var res []LedgerEntry
	var last uint64
	for _, e := range s.byAccount[accountID] {
		if e.Sequence <= q.AfterSeq {
			continue
		}
		if q.Since != nil && e.CreatedAt.Before(*q.Since) {
			continue
		}
		if q.Until != nil && e.CreatedAt.After(*q.Until) {
			continue
		}
		res = append(res, e)
		last = e.Sequence
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

func (s *InMemory) GetTransaction(ctx context.Context, id string) (Transaction, []LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[id]
	if !ok {
		return Transaction{}, nil, ErrNotFound
	}
	entries := make([]LedgerEntry, len(s.byTx[id]))
	copy(entries, s.byTx[id])
	return tx, entries, nil
}
