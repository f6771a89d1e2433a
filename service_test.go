package main

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func testCipher() *secretCipher {
	return &secretCipher{
		key: []byte("0123456789abcdef0123456789abcdef"),
		iv:  []byte("fedcba9876543210"),
	}
}

func newTestService(ms *memStore) *AccountService {
	return &AccountService{
		store:    ms,
		router:   memRouter{},
		verifier: NewVerifier(nil),
		cipher:   testCipher(),
	}
}

// seedTxn stores a verifiable single-transfer row and returns its handle.
func seedTxn(t *testing.T, ms *memStore, from, to, asset, amount string, seq, ts int64) string {
	t.Helper()
	canonical, err := canonicalSingleTxn(asset, from, to, amount, seq, ts)
	if err != nil {
		t.Fatal(err)
	}
	handle, err := buildHandle(contentHashOf(canonical), ts)
	if err != nil {
		t.Fatal(err)
	}
	table := "Transaction__" + time.Unix(ts, 0).Format("2006_01")
	if ms.txns[table] == nil {
		ms.txns[table] = make(map[string]*TransactionRow)
	}
	ms.txns[table][handle] = &TransactionRow{
		Hash: handle, Asset: &asset, From: from, To: &to, Amount: &amount,
		FromSequence: seq, IsSuccess: true, CreatedAt: time.Unix(ts, 0),
	}
	return handle
}

// seedAccountWithTxns seeds an account whose digest covers the handle list.
func seedAccountWithTxns(t *testing.T, ms *memStore, address string, handles []string) {
	t.Helper()
	row := &AccountRow{
		Address:      address,
		Sequence:     int64(len(handles)),
		Secret:       "enc-" + address,
		Balances:     []BalanceEntry{{Asset: "USDT", Balance: "1.0000000"}},
		Transactions: append([]string{}, handles...),
	}
	digest, err := accountDigest(row)
	if err != nil {
		t.Fatal(err)
	}
	row.Hash = &digest
	table := fmt.Sprintf("Account__%d", accountShard(address))
	if ms.accounts[table] == nil {
		ms.accounts[table] = make(map[string]*AccountRow)
	}
	ms.accounts[table][address] = row
}

func TestCreateAccount(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)

	acc, secret, err := svc.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !validAddress(acc.Address) {
		t.Errorf("address %q is not a valid public key", acc.Address)
	}
	if acc.Sequence != 0 || len(acc.Balances) != 0 || len(acc.Transactions) != 0 {
		t.Error("new account must start with sequence 0 and empty lists")
	}
	if secret == "" || secret == acc.Secret {
		t.Error("returned secret must be the plaintext, stored one encrypted")
	}

	decrypted, err := testCipher().Decrypt(acc.Secret)
	if err != nil {
		t.Fatal(err)
	}
	if decrypted != secret {
		t.Error("stored secret must decrypt to the returned plaintext")
	}

	ok, err := verifyAccountDigest(acc, *acc.Hash)
	if err != nil || !ok {
		t.Errorf("fresh account digest does not verify (ok=%v err=%v)", ok, err)
	}

	// The service path used by reads must accept the fresh account.
	if _, err := svc.Get(context.Background(), acc.Address); err != nil {
		t.Errorf("Get after Create: %v", err)
	}
}

func TestGetAccountNotFound(t *testing.T) {
	svc := newTestService(newMemStore())
	_, err := svc.Get(context.Background(), addrA)
	if errorCode(err) != codeAddressNotFound {
		t.Fatalf("error = %v, want code %d", err, codeAddressNotFound)
	}
}

func TestGetAccountTampered(t *testing.T) {
	ms := newMemStore()
	seedAccount(t, ms, addrA, 0, BalanceEntry{Asset: "USDT", Balance: "1.0000000"})
	mustAccount(t, ms, addrA).Balances[0].Balance = "100.0000000"
	svc := newTestService(ms)

	_, err := svc.Get(context.Background(), addrA)
	if errorCode(err) != codeInvalidAccount {
		t.Fatalf("error = %v, want code %d", err, codeInvalidAccount)
	}
}

func TestTrustAssets(t *testing.T) {
	ms := newMemStore()
	seedAccount(t, ms, addrA, 0)
	svc := newTestService(ms)

	acc, err := svc.TrustAssets(context.Background(), addrA, []string{"USDT", "BTC"})
	if err != nil {
		t.Fatalf("TrustAssets: %v", err)
	}
	if len(acc.Balances) != 2 {
		t.Fatalf("balances = %d entries, want 2", len(acc.Balances))
	}
	for i, want := range []string{"USDT", "BTC"} {
		if acc.Balances[i].Asset != want || acc.Balances[i].Balance != "0.0000000" {
			t.Errorf("balances[%d] = %+v, want {%s 0.0000000}", i, acc.Balances[i], want)
		}
	}
	if acc.Sequence != 2 {
		t.Errorf("sequence = %d, want 2", acc.Sequence)
	}
	ok, err := verifyAccountDigest(acc, *acc.Hash)
	if err != nil || !ok {
		t.Error("digest must verify after trusting assets")
	}

	// Trusting an already-trusted asset is a no-op.
	again, err := svc.TrustAssets(context.Background(), addrA, []string{"USDT"})
	if err != nil {
		t.Fatalf("repeat TrustAssets: %v", err)
	}
	if len(again.Balances) != 2 || again.Sequence != 2 {
		t.Error("repeat trust must not append or bump")
	}
}

func TestTrustAssetsUnknownAddress(t *testing.T) {
	svc := newTestService(newMemStore())
	_, err := svc.TrustAssets(context.Background(), addrA, []string{"USDT"})
	if errorCode(err) != codeAddressNotFound {
		t.Fatalf("error = %v, want code %d", err, codeAddressNotFound)
	}
}

func TestGetTransaction(t *testing.T) {
	ms := newMemStore()
	handle := seedTxn(t, ms, addrA, addrB, "USDT", "1", 0, 1756080000)
	svc := newTestService(ms)

	row, err := svc.GetTransaction(context.Background(), handle)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if row.Hash != handle {
		t.Errorf("hash = %q, want %q", row.Hash, handle)
	}

	absent, err := buildHandle(testContentHash, 1756080000)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.GetTransaction(context.Background(), absent); errorCode(err) != codeTxnNotFound {
		t.Errorf("absent handle error = %v, want code %d", err, codeTxnNotFound)
	}
	if _, err := svc.GetTransaction(context.Background(), "garbage"); errorCode(err) != codeTxnNotFound {
		t.Errorf("malformed handle error = %v, want code %d", err, codeTxnNotFound)
	}
}

func TestGetTransactionTampered(t *testing.T) {
	ms := newMemStore()
	handle := seedTxn(t, ms, addrA, addrB, "USDT", "1", 0, 1756080000)
	table := "Transaction__" + time.Unix(1756080000, 0).Format("2006_01")
	inflated := "500"
	ms.txns[table][handle].Amount = &inflated
	svc := newTestService(ms)

	_, err := svc.GetTransaction(context.Background(), handle)
	if errorCode(err) != codeInvalidTxn {
		t.Fatalf("error = %v, want code %d", err, codeInvalidTxn)
	}
}

func TestTransactionsPaging(t *testing.T) {
	ms := newMemStore()
	base := int64(1756080000)
	h1 := seedTxn(t, ms, addrA, addrB, "USDT", "1", 0, base)
	h2 := seedTxn(t, ms, addrA, addrB, "USDT", "2", 1, base+60)
	h3 := seedTxn(t, ms, addrB, addrA, "USDT", "3", 0, base+120)
	seedAccountWithTxns(t, ms, addrA, []string{h1, h2, h3})
	svc := newTestService(ms)
	ctx := context.Background()

	hashes := func(rows []*TransactionRow) []string {
		out := make([]string, len(rows))
		for i, r := range rows {
			out[i] = r.Hash
		}
		return out
	}
	equal := func(got, want []string) bool {
		if len(got) != len(want) {
			return false
		}
		for i := range got {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}

	rows, err := svc.Transactions(ctx, addrA, "", 0, false)
	if err != nil {
		t.Fatalf("default page: %v", err)
	}
	if !equal(hashes(rows), []string{h3, h2, h1}) {
		t.Errorf("default order = %v, want newest first", hashes(rows))
	}

	rows, err = svc.Transactions(ctx, addrA, "", 2, false)
	if err != nil {
		t.Fatal(err)
	}
	if !equal(hashes(rows), []string{h3, h2}) {
		t.Errorf("limit 2 = %v, want [h3 h2]", hashes(rows))
	}

	rows, err = svc.Transactions(ctx, addrA, h3, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if !equal(hashes(rows), []string{h2, h1}) {
		t.Errorf("cursor after h3 = %v, want [h2 h1]", hashes(rows))
	}

	rows, err = svc.Transactions(ctx, addrA, "", 0, true)
	if err != nil {
		t.Fatal(err)
	}
	if !equal(hashes(rows), []string{h1, h2, h3}) {
		t.Errorf("ascending = %v, want [h1 h2 h3]", hashes(rows))
	}

	unknown, err := buildHandle(testContentHash, base)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Transactions(ctx, addrA, unknown, 0, false); errorCode(err) != codeTxnNotFound {
		t.Errorf("unknown cursor error = %v, want code %d", err, codeTxnNotFound)
	}
}
