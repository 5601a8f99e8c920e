package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type account struct {
	ID string `json:"id"`
}

type transaction struct {
	ID     string          `json:"id"`
	Amount decimal.Decimal `json:"amount"`
	Status string          `json:"status"`
}

type balance struct {
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
}

func main() {
	baseURL := os.Getenv("TALLYD_API_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	client := &http.Client{Timeout: 5 * time.Second}

	var accA, accB account
	post(client, baseURL+"/v1/accounts", map[string]any{"user_id": "smoke-a"}, "", &accA)
	post(client, baseURL+"/v1/accounts", map[string]any{"user_id": "smoke-b"}, "", &accB)

	deposit := decimal.NewFromInt(1000)
	transfer := decimal.RequireFromString("420.5")

	var dep transaction
	post(client, baseURL+"/v1/deposits", map[string]any{
		"account_id": accA.ID,
		"amount":     deposit,
	}, "", &dep)
	if dep.Status != "completed" {
		log.Fatalf("deposit not completed: %s", dep.Status)
	}

	// Same key twice: the second call must replay the first transaction.
	idem := uuid.NewString()
	req := map[string]any{
		"source_account_id":      accA.ID,
		"destination_account_id": accB.ID,
		"amount":                 transfer,
		"description":            "smoke transfer",
	}
	var tx1, tx2 transaction
	post(client, baseURL+"/v1/transfers", req, idem, &tx1)
	post(client, baseURL+"/v1/transfers", req, idem, &tx2)
	if tx1.ID != tx2.ID {
		log.Fatalf("idempotent replay returned different transaction: %s vs %s", tx1.ID, tx2.ID)
	}

	var balA, balB balance
	get(client, baseURL+"/v1/accounts/"+accA.ID+"/balance", &balA)
	get(client, baseURL+"/v1/accounts/"+accB.ID+"/balance", &balB)

	if !balA.Amount.Add(balB.Amount).Equal(deposit) {
		log.Fatalf("conservation failed: %s + %s != %s", balA.Amount, balB.Amount, deposit)
	}
	if !balA.Amount.Equal(deposit.Sub(transfer)) || !balB.Amount.Equal(transfer) {
		log.Fatalf("unexpected balances: A=%s B=%s", balA.Amount, balB.Amount)
	}

	fmt.Printf("✅ ledger smoke test passed: accounts=%s,%s tx=%s\n", accA.ID, accB.ID, tx1.ID)
}

func post(client *http.Client, url string, body any, idemKey string, out any) {
	payload, err := json.Marshal(body)
	if err != nil {
		log.Fatalf("marshal %s: %v", url, err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("request %s: %v", url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		log.Fatalf("post %s: unexpected status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		log.Fatalf("decode %s: %v", url, err)
	}
}

func get(client *http.Client, url string, out any) {
	resp, err := client.Get(url)
	if err != nil {
		log.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("get %s: unexpected status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		log.Fatalf("decode %s: %v", url, err)
	}
}
