package ledger

import (
	"sort"

	"github.com/shopspring/decimal"
)

// EntrySpec describes one leg of a posting before it is written.
type EntrySpec struct {
	AccountID string
	Type      EntryType
	Amount    decimal.Decimal
}

// Posting is a validated request to write one transaction together with its
// balanced entry set. Construct postings through the New*Posting helpers;
// both engine implementations funnel them into the same write path.
type Posting struct {
	Kind                 TransactionKind
	SourceAccountID      string
	DestinationAccountID string
	Amount               decimal.Decimal
	Description          string
	IdempotencyKey       string
	Entries              []EntrySpec
}

// NewTransferPosting builds a transfer: one debit on the source, one credit
// of equal amount on the destination.
func NewTransferPosting(sourceID, destinationID string, amount decimal.Decimal, description, idemKey string) (Posting, error) {
	if sourceID == "" || destinationID == "" || sourceID == destinationID {
		return Posting{}, ErrInvalidOperation
	}
	p := Posting{
		Kind:                 KindTransfer,
		SourceAccountID:      sourceID,
		DestinationAccountID: destinationID,
		Amount:               amount,
		Description:          description,
		IdempotencyKey:       idemKey,
		Entries: []EntrySpec{
			{AccountID: sourceID, Type: Debit, Amount: amount},
			{AccountID: destinationID, Type: Credit, Amount: amount},
		},
	}
	return p, p.validate()
}

// NewDepositPosting builds a deposit: a single credit, with the external
// counterparty left unmodeled.
func NewDepositPosting(accountID string, amount decimal.Decimal, description, idemKey string) (Posting, error) {
	if accountID == "" {
		return Posting{}, ErrInvalidOperation
	}
	p := Posting{
		Kind:                 KindDeposit,
		DestinationAccountID: accountID,
		Amount:               amount,
		Description:          description,
		IdempotencyKey:       idemKey,
		Entries: []EntrySpec{
			{AccountID: accountID, Type: Credit, Amount: amount},
		},
	}
	return p, p.validate()
}

// NewWithdrawalPosting builds a withdrawal: a single debit, subject to the
// sufficiency check at posting time.
func NewWithdrawalPosting(accountID string, amount decimal.Decimal, description, idemKey string) (Posting, error) {
	if accountID == "" {
		return Posting{}, ErrInvalidOperation
	}
	p := Posting{
		Kind:            KindWithdrawal,
		SourceAccountID: accountID,
		Amount:          amount,
		Description:     description,
		IdempotencyKey:  idemKey,
		Entries: []EntrySpec{
			{AccountID: accountID, Type: Debit, Amount: amount},
		},
	}
	return p, p.validate()
}

func (p Posting) validate() error {
	if !ValidAmount(p.Amount) {
		return ErrInvalidAmount
	}
	switch p.Kind {
	case KindTransfer:
		if p.SourceAccountID == "" || p.DestinationAccountID == "" {
			return ErrInvalidOperation
		}
	case KindDeposit:
		if p.DestinationAccountID == "" || p.SourceAccountID != "" {
			return ErrInvalidOperation
		}
	case KindWithdrawal:
		if p.SourceAccountID == "" || p.DestinationAccountID != "" {
			return ErrInvalidOperation
		}
	default:
		return ErrInvalidOperation
	}
	if len(p.Entries) == 0 {
		return ErrUnbalancedPosting
	}

	var debits, credits decimal.Decimal
	for _, e := range p.Entries {
		if !ValidAmount(e.Amount) {
			return ErrInvalidAmount
		}
		switch e.Type {
		case Debit:
			debits = debits.Add(e.Amount)
		case Credit:
			credits = credits.Add(e.Amount)
		default:
			return ErrUnbalancedPosting
		}
	}
	// Double-entry balance law, with single-leg postings treating the
	// external world as the unmodeled counterparty.
	switch p.Kind {
	case KindTransfer:
		if !debits.Equal(credits) {
			return ErrUnbalancedPosting
		}
	case KindDeposit:
		if !debits.IsZero() || !credits.Equal(p.Amount) {
			return ErrUnbalancedPosting
		}
	case KindWithdrawal:
		if !credits.IsZero() || !debits.Equal(p.Amount) {
			return ErrUnbalancedPosting
		}
	}
	return nil
}

// AccountIDs returns the distinct referenced accounts in ascending order.
// Lock acquisition follows this order to prevent lock-ordering deadlocks.
func (p Posting) AccountIDs() []string {
	seen := make(map[string]struct{}, len(p.Entries))
	var ids []string
	for _, e := range p.Entries {
		if _, ok := seen[e.AccountID]; ok {
			continue
		}
		seen[e.AccountID] = struct{}{}
		ids = append(ids, e.AccountID)
	}
	sort.Strings(ids)
	return ids
}

// DebitRequirements returns, per account, the net amount the posting would
// debit. Only accounts with a positive net debit need a sufficiency check.
func (p Posting) DebitRequirements() map[string]decimal.Decimal {
	net := make(map[string]decimal.Decimal)
	for _, e := range p.Entries {
		switch e.Type {
		case Debit:
			net[e.AccountID] = net[e.AccountID].Add(e.Amount)
		case Credit:
			net[e.AccountID] = net[e.AccountID].Sub(e.Amount)
		}
	}
	for id, amt := range net {
		if !amt.IsPositive() {
			delete(net, id)
		}
	}
	return net
}
