package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stellar/go/keypair"
)

type testAPI struct {
	router  *mux.Router
	ms      *memStore
	a, b    string
	finance string
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	ms := newMemStore()
	api := &testAPI{
		ms:      ms,
		a:       keypair.MustRandom().Address(),
		b:       keypair.MustRandom().Address(),
		finance: keypair.MustRandom().Address(),
	}

	engine := newTestEngine(ms, nil)
	engine.financeAddr = api.finance
	handlers := NewHandlers(newTestService(ms), engine, "ams-test")

	api.router = mux.NewRouter()
	handlers.Register(api.router)
	return api
}

func (api *testAPI) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	api.router.ServeHTTP(w, req)
	return w
}

func (api *testAPI) postForm(t *testing.T, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	api.router.ServeHTTP(w, req)
	return w
}

func (api *testAPI) postJSON(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(encoded)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	api.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

// bodyCode extracts the logical code of an error response.
func bodyCode(t *testing.T, w *httptest.ResponseRecorder) int {
	t.Helper()
	if w.Code != http.StatusOK {
		t.Fatalf("logical errors must ride on HTTP 200, got %d: %s", w.Code, w.Body.String())
	}
	return decodeBody[apiError](t, w).Code
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	w := api.get(t, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody[map[string]any](t, w)
	if body["status"] != "healthy" {
		t.Errorf("status field = %v", body["status"])
	}
}

func TestHandleCreateAccount(t *testing.T) {
	api := newTestAPI(t)
	w := api.postForm(t, "/ams/v1/accounts/", url.Values{})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	body := decodeBody[accountJSON](t, w)
	if !validAddress(body.Address) {
		t.Errorf("address %q not valid", body.Address)
	}
	if body.Secret == "" {
		t.Error("create response must carry the plaintext secret")
	}
	if body.Sequence != 0 {
		t.Errorf("sequence = %d, want 0", body.Sequence)
	}

	// Subsequent reads must not leak the secret.
	w = api.get(t, "/ams/v1/accounts/"+body.Address)
	read := decodeBody[accountJSON](t, w)
	if read.Secret != "" {
		t.Error("account read must not include the secret")
	}
}

func TestHandleGetAccountInvalidAddress(t *testing.T) {
	api := newTestAPI(t)
	if code := bodyCode(t, api.get(t, "/ams/v1/accounts/notanaddress")); code != codeAddressNotFound {
		t.Errorf("code = %d, want %d", code, codeAddressNotFound)
	}
}

func TestHandleTransferFlow(t *testing.T) {
	api := newTestAPI(t)
	seedAccount(t, api.ms, api.a, 0, BalanceEntry{Asset: "USDT", Balance: "10.0000000"})
	seedAccount(t, api.ms, api.b, 0, BalanceEntry{Asset: "USDT", Balance: "0.0000000"})

	// Build the handle first, then submit with it.
	form := url.Values{
		"from": {api.a}, "to": {api.b}, "asset": {"USDT"},
		"amount": {"3.5"}, "from_sequence": {"0"},
	}
	w := api.postForm(t, "/ams/v1/transactions/hash", form)
	if w.Code != http.StatusOK {
		t.Fatalf("hash status = %d: %s", w.Code, w.Body.String())
	}
	hashBody := decodeBody[map[string]string](t, w)
	if len(hashBody["hash"]) != handleLen {
		t.Fatalf("hash = %q, want %d chars", hashBody["hash"], handleLen)
	}

	form.Set("hash", hashBody["hash"])
	w = api.postForm(t, "/ams/v1/transactions/", form)
	if w.Code != http.StatusOK {
		t.Fatalf("submit status = %d: %s", w.Code, w.Body.String())
	}
	txn := decodeBody[transactionJSON](t, w)
	if txn.Hash != hashBody["hash"] || !txn.IsSuccess || txn.Amount == nil || *txn.Amount != "3.5" {
		t.Errorf("unexpected transaction body: %+v", txn)
	}

	w = api.get(t, "/ams/v1/accounts/"+api.a)
	acc := decodeBody[accountJSON](t, w)
	if acc.Balances[0].Balance != "6.5" || acc.Sequence != 1 {
		t.Errorf("sender after transfer = %+v", acc)
	}

	w = api.get(t, "/ams/v1/accounts/"+api.a+"/sequence")
	seq := decodeBody[map[string]any](t, w)
	if seq["sequence"].(float64) != 1 {
		t.Errorf("sequence body = %v", seq)
	}

	w = api.get(t, "/ams/v1/transactions/"+txn.Hash)
	if w.Code != http.StatusOK {
		t.Fatalf("get txn status = %d", w.Code)
	}
	fetched := decodeBody[transactionJSON](t, w)
	if fetched.Hash != txn.Hash {
		t.Errorf("fetched hash = %q", fetched.Hash)
	}

	w = api.get(t, "/ams/v1/accounts/"+api.a+"/transactions")
	list := decodeBody[map[string]json.RawMessage](t, w)
	var rows []transactionJSON
	if err := json.Unmarshal(list["transactions"], &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Hash != txn.Hash {
		t.Errorf("history = %+v", rows)
	}
}

func TestHandleTransferBadAmount(t *testing.T) {
	api := newTestAPI(t)
	form := url.Values{
		"from": {api.a}, "to": {api.b}, "asset": {"USDT"},
		"amount": {"abc"}, "from_sequence": {"0"},
	}
	if code := bodyCode(t, api.postForm(t, "/ams/v1/transactions/", form)); code != codeTxnBuildFailed {
		t.Errorf("code = %d, want %d", code, codeTxnBuildFailed)
	}
}

func TestHandleSelfTransfer(t *testing.T) {
	api := newTestAPI(t)
	seedAccount(t, api.ms, api.a, 0, BalanceEntry{Asset: "USDT", Balance: "10.0000000"})
	form := url.Values{
		"from": {api.a}, "to": {api.a}, "asset": {"USDT"},
		"amount": {"1"}, "from_sequence": {"0"},
	}
	if code := bodyCode(t, api.postForm(t, "/ams/v1/transactions/", form)); code != codeTxnSelfTransfer {
		t.Errorf("code = %d, want %d", code, codeTxnSelfTransfer)
	}
}

func TestHandleTrustAndFaucet(t *testing.T) {
	api := newTestAPI(t)
	seedAccount(t, api.ms, api.finance, 0)
	seedAccount(t, api.ms, api.a, 0)

	w := api.postForm(t, "/ams/v1/accounts/"+api.a+"/asset", url.Values{"asset": {"USDT,BTC"}})
	if w.Code != http.StatusOK {
		t.Fatalf("trust status = %d: %s", w.Code, w.Body.String())
	}
	acc := decodeBody[accountJSON](t, w)
	if len(acc.Balances) != 2 {
		t.Fatalf("balances after trust = %+v", acc.Balances)
	}

	w = api.postForm(t, "/ams/v1/faucet/", url.Values{
		"to": {api.a}, "asset": {"USDT"}, "amount": {"10.0000000"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("faucet status = %d: %s", w.Code, w.Body.String())
	}
	txn := decodeBody[transactionJSON](t, w)
	if txn.Memo != "faucet" {
		t.Errorf("memo = %q, want faucet", txn.Memo)
	}

	w = api.get(t, "/ams/v1/accounts/"+api.a+"/balances")
	balances := decodeBody[map[string]json.RawMessage](t, w)
	var entries []BalanceEntry
	if err := json.Unmarshal(balances["balances"], &entries); err != nil {
		t.Fatal(err)
	}
	if entries[0].Balance != "10" {
		t.Errorf("minted balance = %q, want 10", entries[0].Balance)
	}
}

func TestHandleBulkSubmit(t *testing.T) {
	api := newTestAPI(t)
	c := keypair.MustRandom().Address()
	seedAccount(t, api.ms, api.a, 0, BalanceEntry{Asset: "USDT", Balance: "10.0000000"})
	seedAccount(t, api.ms, api.b, 0, BalanceEntry{Asset: "USDT", Balance: "0.0000000"})
	seedAccount(t, api.ms, c, 0, BalanceEntry{Asset: "USDT", Balance: "5.0000000"})

	body := map[string]any{
		"from":          api.a,
		"from_sequence": 0,
		"op": []map[string]string{
			{"from": api.a, "to": api.b, "asset": "USDT", "amount": "1"},
			{"from": c, "to": api.a, "asset": "USDT", "amount": "2"},
		},
	}
	w := api.postJSON(t, "/ams/v1/transactions/bulk", body)
	if w.Code != http.StatusOK {
		t.Fatalf("bulk status = %d: %s", w.Code, w.Body.String())
	}
	txn := decodeBody[transactionJSON](t, w)
	if !txn.IsBulk || len(txn.Op) != 2 {
		t.Errorf("bulk body = %+v", txn)
	}

	w = api.get(t, fmt.Sprintf("/ams/v1/accounts/%s", api.a))
	acc := decodeBody[accountJSON](t, w)
	if acc.Balances[0].Balance != "11" {
		t.Errorf("submitter balance = %q, want 11", acc.Balances[0].Balance)
	}
}

func TestHandleGetTransactionNotFound(t *testing.T) {
	api := newTestAPI(t)
	absent, err := buildHandle(testContentHash, 1756080000)
	if err != nil {
		t.Fatal(err)
	}
	if code := bodyCode(t, api.get(t, "/ams/v1/transactions/"+absent)); code != codeTxnNotFound {
		t.Errorf("code = %d, want %d", code, codeTxnNotFound)
	}
}
