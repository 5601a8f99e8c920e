package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestAccount(t *testing.T, s *InMemory) Account {
	t.Helper()
	acc, err := s.CreateAccount(context.Background(), "user-1", CategoryChecking, "USD")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return acc
}

func TestDepositCreatesCreditAndBalance(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a := newTestAccount(t, s)

	tx, err := s.Deposit(ctx, a.ID, dec("100.00"), "initial funding", "")
	if err != nil {
		t.Fatal(err)
	}
	if tx.Status != TxCompleted {
		t.Fatalf("expected completed transaction, got %s", tx.Status)
	}
	if tx.Kind != KindDeposit || tx.SourceAccountID != "" || tx.DestinationAccountID != a.ID {
		t.Fatalf("unexpected transaction shape: %+v", tx)
	}

	bal, err := s.GetBalance(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !bal.Amount.Equal(dec("100.00")) {
		t.Fatalf("balance = %s, want 100.00", bal.Amount)
	}

	entries, _, err := s.ListEntries(ctx, a.ID, EntryQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Type != Credit || !entries[0].Amount.Equal(dec("100.00")) {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestTransferPostsMatchedEntries(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a := newTestAccount(t, s)
	b := newTestAccount(t, s)

	if _, err := s.Deposit(ctx, a.ID, dec("100.00"), "", ""); err != nil {
		t.Fatal(err)
	}
	tx, err := s.Transfer(ctx, a.ID, b.ID, dec("40.00"), "rent", "")
	if err != nil {
		t.Fatal(err)
	}

	ba, _ := s.GetBalance(ctx, a.ID)
	bb, _ := s.GetBalance(ctx, b.ID)
	if !ba.Amount.Equal(dec("60.00")) || !bb.Amount.Equal(dec("40.00")) {
		t.Fatalf("unexpected balances: a=%s b=%s", ba.Amount, bb.Amount)
	}

	_, entries, err := s.GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	var debits, credits decimal.Decimal
	for _, e := range entries {
		if e.TransactionID != tx.ID {
			t.Fatalf("entry references wrong transaction: %+v", e)
		}
		switch e.Type {
		case Debit:
			if e.AccountID != a.ID {
				t.Fatalf("debit on wrong account: %+v", e)
			}
			debits = debits.Add(e.Amount)
		case Credit:
			if e.AccountID != b.ID {
				t.Fatalf("credit on wrong account: %+v", e)
			}
			credits = credits.Add(e.Amount)
		}
	}
	if !debits.Equal(credits) {
		t.Fatalf("double-entry law violated: debits=%s credits=%s", debits, credits)
	}
}

func TestWithdrawalInsufficientFundsLeavesNoTrace(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a := newTestAccount(t, s)
	if _, err := s.Deposit(ctx, a.ID, dec("10.00"), "", ""); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Withdraw(ctx, a.ID, dec("50.00"), "", ""); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	bal, _ := s.GetBalance(ctx, a.ID)
	if !bal.Amount.Equal(dec("10.00")) {
		t.Fatalf("balance changed after failed withdrawal: %s", bal.Amount)
	}
	entries, _, _ := s.ListEntries(ctx, a.ID, EntryQuery{})
	if len(entries) != 1 {
		t.Fatalf("failed posting left entries: %+v", entries)
	}
}

func TestFrozenAccountRejectsPostings(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a := newTestAccount(t, s)
	b := newTestAccount(t, s)
	if _, err := s.Deposit(ctx, a.ID, dec("100.00"), "", ""); err != nil {
		t.Fatal(err)
	}

	if _, err := s.SetAccountStatus(ctx, a.ID, StatusFrozen); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Deposit(ctx, a.ID, dec("1.00"), "", ""); !errors.Is(err, ErrAccountNotPostable) {
		t.Fatalf("deposit to frozen: %v", err)
	}
	if _, err := s.Withdraw(ctx, a.ID, dec("1.00"), "", ""); !errors.Is(err, ErrAccountNotPostable) {
		t.Fatalf("withdrawal from frozen: %v", err)
	}
	if _, err := s.Transfer(ctx, b.ID, a.ID, dec("1.00"), "", ""); !errors.Is(err, ErrAccountNotPostable) {
		t.Fatalf("transfer touching frozen: %v", err)
	}

	// Frozen accounts stay queryable.
	if _, err := s.GetBalance(ctx, a.ID); err != nil {
		t.Fatalf("frozen account not queryable: %v", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a := newTestAccount(t, s)

	if _, err := s.SetAccountStatus(ctx, a.ID, StatusFrozen); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetAccountStatus(ctx, a.ID, StatusActive); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetAccountStatus(ctx, a.ID, StatusClosed); err != nil {
		t.Fatal(err)
	}
	// Closed is terminal.
	if _, err := s.SetAccountStatus(ctx, a.ID, StatusActive); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("reopening closed account: %v", err)
	}
	if _, err := s.Deposit(ctx, a.ID, dec("1.00"), "", ""); !errors.Is(err, ErrAccountNotPostable) {
		t.Fatalf("deposit to closed: %v", err)
	}
}

func TestTransferToSelfRejected(t *testing.T) {
	s := NewInMemory()
	a := newTestAccount(t, s)
	if _, err := s.Transfer(context.Background(), a.ID, a.ID, dec("1.00"), "", ""); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}
}

func TestUnknownAccount(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if _, err := s.GetBalance(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("balance: %v", err)
	}
	if _, err := s.Deposit(ctx, "missing", dec("1.00"), "", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deposit: %v", err)
	}
	if _, _, err := s.ListEntries(ctx, "missing", EntryQuery{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("list entries: %v", err)
	}
}

func TestIdempotentReplay(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a := newTestAccount(t, s)
	b := newTestAccount(t, s)
	if _, err := s.Deposit(ctx, a.ID, dec("100.00"), "", ""); err != nil {
		t.Fatal(err)
	}

	tx1, err := s.Transfer(ctx, a.ID, b.ID, dec("25.00"), "", "retry-key")
	if err != nil {
		t.Fatal(err)
	}
	tx2, err := s.Transfer(ctx, a.ID, b.ID, dec("25.00"), "", "retry-key")
	if err != nil {
		t.Fatal(err)
	}
	if tx1.ID != tx2.ID || tx1.Sequence != tx2.Sequence {
		t.Fatalf("idempotency violated: %#v != %#v", tx1, tx2)
	}

	ba, _ := s.GetBalance(ctx, a.ID)
	if !ba.Amount.Equal(dec("75.00")) {
		t.Fatalf("replay double-posted: balance=%s", ba.Amount)
	}
	entries, _, _ := s.ListEntries(ctx, b.ID, EntryQuery{})
	if len(entries) != 1 {
		t.Fatalf("replay duplicated entries: %d", len(entries))
	}
}

func TestConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a := newTestAccount(t, s)
	if _, err := s.Deposit(ctx, a.ID, dec("100.00"), "", ""); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = s.Withdraw(ctx, a.ID, dec("60.00"), "", "")
		}(i)
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInsufficientFunds):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || insufficient != 1 {
		t.Fatalf("expected exactly one success and one failure, got ok=%d insufficient=%d", ok, insufficient)
	}
	bal, _ := s.GetBalance(ctx, a.ID)
	if !bal.Amount.Equal(dec("40.00")) {
		t.Fatalf("balance = %s, want 40.00", bal.Amount)
	}
}

func TestConcurrentTransfersConserveTotal(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a := newTestAccount(t, s)
	b := newTestAccount(t, s)
	if _, err := s.Deposit(ctx, a.ID, dec("10000.00"), "", ""); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	const n = 50
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Transfer(ctx, a.ID, b.ID, dec("100.00"), "", "")
		}()
	}
	wg.Wait()

	ba, _ := s.GetBalance(ctx, a.ID)
	bb, _ := s.GetBalance(ctx, b.ID)
	if !ba.Amount.Add(bb.Amount).Equal(dec("10000.00")) {
		t.Fatalf("conservation violated: a+b=%s", ba.Amount.Add(bb.Amount))
	}
}

func TestLockContentionReturnsBusy(t *testing.T) {
	s := NewInMemory(WithLockWait(20 * time.Millisecond))
	ctx := context.Background()
	a := newTestAccount(t, s)
	if _, err := s.Deposit(ctx, a.ID, dec("100.00"), "", ""); err != nil {
		t.Fatal(err)
	}

	// Hold the account slot so the posting cannot acquire it in time.
	if err := s.locks.acquire(ctx, a.ID, time.Second); err != nil {
		t.Fatal(err)
	}
	defer s.locks.release(a.ID)

	if _, err := s.Withdraw(ctx, a.ID, dec("1.00"), "", ""); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestCancelledContextLeavesNoEffect(t *testing.T) {
	s := NewInMemory()
	a := newTestAccount(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Deposit(ctx, a.ID, dec("5.00"), "", ""); err == nil {
		t.Fatal("expected error from cancelled context")
	}
	bal, _ := s.GetBalance(context.Background(), a.ID)
	if !bal.Amount.IsZero() {
		t.Fatalf("cancelled posting left entries: %s", bal.Amount)
	}
}

func TestListEntriesPagination(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a := newTestAccount(t, s)
	for i := 0; i < 5; i++ {
		if _, err := s.Deposit(ctx, a.ID, dec("1.00"), "", ""); err != nil {
			t.Fatal(err)
		}
	}

	first, next, err := s.ListEntries(ctx, a.ID, EntryQuery{Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(first))
	}
	rest, _, err := s.ListEntries(ctx, a.ID, EntryQuery{Limit: 3, AfterSeq: next})
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 2 {
		t.Fatalf("expected 2 remaining entries, got %d", len(rest))
	}
	for i := 1; i < len(first); i++ {
		if first[i].Sequence <= first[i-1].Sequence {
			t.Fatalf("entries not in ascending order: %+v", first)
		}
	}
}

func TestBalanceLawHoldsAcrossMixedPostings(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a := newTestAccount(t, s)
	b := newTestAccount(t, s)

	steps := []func() error{
		func() error { _, err := s.Deposit(ctx, a.ID, dec("250.50"), "", ""); return err },
		func() error { _, err := s.Withdraw(ctx, a.ID, dec("50.25"), "", ""); return err },
		func() error { _, err := s.Transfer(ctx, a.ID, b.ID, dec("100.0001"), "", ""); return err },
		func() error { _, err := s.Deposit(ctx, b.ID, dec("0.0001"), "", ""); return err },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	for _, id := range []string{a.ID, b.ID} {
		entries, _, err := s.ListEntries(ctx, id, EntryQuery{})
		if err != nil {
			t.Fatal(err)
		}
		var want decimal.Decimal
		for _, e := range entries {
			if e.Type == Credit {
				want = want.Add(e.Amount)
			} else {
				want = want.Sub(e.Amount)
			}
		}
		bal, _ := s.GetBalance(ctx, id)
		if !bal.Amount.Equal(want) {
			t.Fatalf("balance law violated for %s: %s != %s", id, bal.Amount, want)
		}
	}
}
