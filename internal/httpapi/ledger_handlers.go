package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tallyd.org/internal/audit"
	"tallyd.org/internal/ledger"
	"tallyd.org/internal/obs"
	"tallyd.org/internal/stream"
)

type createAccountRequest struct {
	UserID   string `json:"user_id"`
	Category string `json:"category"`
	Currency string `json:"currency"`
}

type transferRequest struct {
	SourceAccountID      string          `json:"source_account_id"`
	DestinationAccountID string          `json:"destination_account_id"`
	Amount               decimal.Decimal `json:"amount"`
	Description          string          `json:"description"`
	IdempotencyKey       string          `json:"idempotency_key"`
}

type accountPostingRequest struct {
	AccountID      string          `json:"account_id"`
	Amount         decimal.Decimal `json:"amount"`
	Description    string          `json:"description"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type accountResponse struct {
	ledger.Account
	Balance decimal.Decimal `json:"balance"`
}

type transactionResponse struct {
	ledger.Transaction
	Entries []ledger.LedgerEntry `json:"entries,omitempty"`
}

type listEntriesResponse struct {
	AccountID string               `json:"account_id"`
	Items     []ledger.LedgerEntry `json:"items"`
	NextAfter uint64               `json:"next_after"`
	AsOf      time.Time            `json:"as_of"`
}

func (a *API) handleAccountsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createAccount(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleAccountResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/accounts/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	segs := strings.Split(path, "/")
	switch {
	case len(segs) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getAccount(w, r, segs[0])
	case len(segs) == 2 && segs[1] == "balance":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getBalance(w, r, segs[0])
	case len(segs) == 2 && segs[1] == "entries":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.listEntries(w, r, segs[0])
	case len(segs) == 2 && statusAction(segs[1]) != "":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.setAccountStatus(w, r, segs[0], ledger.AccountStatus(statusAction(segs[1])))
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func statusAction(seg string) string {
	switch seg {
	case "freeze":
		return string(ledger.StatusFrozen)
	case "unfreeze":
		return string(ledger.StatusActive)
	case "close":
		return string(ledger.StatusClosed)
	}
	return ""
}

func (a *API) handleTransfers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.transfer(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleDeposits(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.deposit(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleWithdrawals(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.withdrawal(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleTransactionResource(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/transactions/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	tx, entries, err := a.ledger.GetTransaction(r.Context(), id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transactionResponse{Transaction: tx, Entries: entries})
}

func (a *API) createAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}
	category := ledger.AccountCategory(req.Category)
	if req.Category == "" {
		category = ledger.CategoryChecking
	}
	if !category.Valid() {
		writeError(w, r, http.StatusBadRequest, "unknown account category")
		return
	}
	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}

	acc, err := a.ledger.CreateAccount(r.Context(), req.UserID, category, currency)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	a.audit(r.Context(), "ledger.account.create", map[string]any{
		"account_id": acc.ID,
		"user_id":    acc.UserID,
		"category":   string(acc.Category),
		"currency":   acc.Currency,
	})

	w.Header().Set("Location", "/v1/accounts/"+acc.ID)
	writeJSON(w, http.StatusCreated, accountResponse{Account: acc})
}

func (a *API) getAccount(w http.ResponseWriter, r *http.Request, id string) {
	acc, err := a.ledger.GetAccount(r.Context(), id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	bal, err := a.ledger.GetBalance(r.Context(), id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{Account: acc, Balance: bal.Amount})
}

func (a *API) getBalance(w http.ResponseWriter, r *http.Request, id string) {
	mon, err := a.ledger.GetBalance(r.Context(), id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mon)
}

func (a *API) setAccountStatus(w http.ResponseWriter, r *http.Request, id string, status ledger.AccountStatus) {
	acc, err := a.ledger.SetAccountStatus(r.Context(), id, status)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "ledger.account.status", map[string]any{
		"account_id": acc.ID,
		"status":     string(acc.Status),
	})
	writeJSON(w, http.StatusOK, accountResponse{Account: acc, Balance: mustBalance(a, r, acc.ID)})
}

func mustBalance(a *API, r *http.Request, id string) decimal.Decimal {
	bal, err := a.ledger.GetBalance(r.Context(), id)
	if err != nil {
		return decimal.Zero
	}
	return bal.Amount
}

func (a *API) listEntries(w http.ResponseWriter, r *http.Request, id string) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	q := ledger.EntryQuery{Limit: limit}

	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		q.AfterSeq = v
	}
	for name, dst := range map[string]**time.Time{"since": &q.Since, "until": &q.Until} {
		if raw := strings.TrimSpace(r.URL.Query().Get(name)); raw != "" {
			ts, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				writeError(w, r, http.StatusBadRequest, name+" must be an RFC3339 timestamp")
				return
			}
			*dst = &ts
		}
	}

	items, next, err := a.ledger.ListEntries(r.Context(), id, q)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listEntriesResponse{
		AccountID: id,
		Items:     items,
		NextAfter: next,
		AsOf:      time.Now().UTC(),
	})
}

func (a *API) transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	idem, ok := a.idempotencyKey(w, r, req.IdempotencyKey)
	if !ok {
		return
	}
	sourceID := strings.TrimSpace(req.SourceAccountID)
	destID := strings.TrimSpace(req.DestinationAccountID)
	if sourceID == "" || destID == "" {
		writeError(w, r, http.StatusBadRequest, "source_account_id and destination_account_id are required")
		return
	}

	start := time.Now()
	tx, err := a.ledger.Transfer(r.Context(), sourceID, destID, req.Amount, req.Description, idem)
	a.finishPosting(w, r, ledger.KindTransfer, start, idem, tx, err)
}

func (a *API) deposit(w http.ResponseWriter, r *http.Request) {
	var req accountPostingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	idem, ok := a.idempotencyKey(w, r, req.IdempotencyKey)
	if !ok {
		return
	}
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		writeError(w, r, http.StatusBadRequest, "account_id is required")
		return
	}

	start := time.Now()
	tx, err := a.ledger.Deposit(r.Context(), accountID, req.Amount, req.Description, idem)
	a.finishPosting(w, r, ledger.KindDeposit, start, idem, tx, err)
}

func (a *API) withdrawal(w http.ResponseWriter, r *http.Request) {
	var req accountPostingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	idem, ok := a.idempotencyKey(w, r, req.IdempotencyKey)
	if !ok {
		return
	}
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		writeError(w, r, http.StatusBadRequest, "account_id is required")
		return
	}

	start := time.Now()
	tx, err := a.ledger.Withdraw(r.Context(), accountID, req.Amount, req.Description, idem)
	a.finishPosting(w, r, ledger.KindWithdrawal, start, idem, tx, err)
}

// idempotencyKey merges the Idempotency-Key header with the body value;
// mismatches are rejected before any work happens.
func (a *API) idempotencyKey(w http.ResponseWriter, r *http.Request, bodyKey string) (string, bool) {
	idem := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	bodyKey = strings.TrimSpace(bodyKey)
	if bodyKey != "" {
		if idem == "" {
			idem = bodyKey
		} else if idem != bodyKey {
			writeError(w, r, http.StatusBadRequest, "Idempotency-Key header and body value must match")
			return "", false
		}
	}
	if len(idem) > 128 {
		writeError(w, r, http.StatusBadRequest, "Idempotency-Key too long")
		return "", false
	}
	return idem, true
}

func (a *API) finishPosting(w http.ResponseWriter, r *http.Request, kind ledger.TransactionKind, start time.Time, idem string, tx ledger.Transaction, err error) {
	obs.ObservePosting(string(kind), errClass(err), time.Since(start))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	if idem != "" {
		w.Header().Set("Idempotency-Key", idem)
	}

	if a.stream != nil {
		a.stream.Publish(stream.PostingEvent{
			TransactionID:        tx.ID,
			Kind:                 string(tx.Kind),
			SourceAccountID:      tx.SourceAccountID,
			DestinationAccountID: tx.DestinationAccountID,
			Amount:               tx.Amount.String(),
			Currency:             tx.Currency,
			Timestamp:            time.Now().UTC(),
		})
	}

	meta := map[string]any{
		"transaction_id": tx.ID,
		"kind":           string(tx.Kind),
		"amount":         tx.Amount.String(),
		"currency":       tx.Currency,
	}
	if tx.SourceAccountID != "" {
		meta["source_account"] = tx.SourceAccountID
	}
	if tx.DestinationAccountID != "" {
		meta["destination_account"] = tx.DestinationAccountID
	}
	event := "ledger.posting.complete"
	if idem != "" && tx.CreatedAt.Before(start) {
		event = "ledger.posting.idempotent_replay"
		meta["idempotency_key"] = idem
	}
	a.audit(r.Context(), event, meta)

	writeJSON(w, http.StatusCreated, tx)
}

func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	_ = audit.LogEvent(ctx, event, fields)
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func errClass(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ledger.ErrNotFound):
		return "not_found"
	case errors.Is(err, ledger.ErrAccountNotPostable):
		return "not_postable"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ledger.ErrInvalidCurrency):
		return "invalid_currency"
	case errors.Is(err, ledger.ErrUnbalancedPosting):
		return "unbalanced"
	case errors.Is(err, ledger.ErrInvalidOperation):
		return "invalid_operation"
	case errors.Is(err, ledger.ErrBusy):
		return "busy"
	case errors.Is(err, ledger.ErrStoreFailure):
		return "store_failure"
	default:
		return "error"
	}
}

func handleLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidCurrency),
		errors.Is(err, ledger.ErrInvalidOperation),
		errors.Is(err, ledger.ErrUnbalancedPosting):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds), errors.Is(err, ledger.ErrAccountNotPostable):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrBusy):
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
