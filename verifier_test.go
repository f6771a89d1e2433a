package main

import (
	"testing"
	"time"
)

func TestVerifyAccount(t *testing.T) {
	v := NewVerifier(nil)
	row := &AccountRow{
		Address:      "GABC",
		Sequence:     2,
		Secret:       "enc",
		Balances:     []BalanceEntry{{Asset: "USDT", Balance: "5.0000000"}},
		Transactions: []string{"h1"},
	}
	digest, err := accountDigest(row)
	if err != nil {
		t.Fatal(err)
	}
	row.Hash = &digest

	if err := v.VerifyAccount(row); err != nil {
		t.Errorf("intact account failed verification: %v", err)
	}

	row.Balances[0].Balance = "500.0000000"
	if errorCode(v.VerifyAccount(row)) != codeInvalidAccount {
		t.Error("tampered account must fail with InvalidAccount")
	}

	row.Hash = nil
	if errorCode(v.VerifyAccount(row)) != codeInvalidAccount {
		t.Error("missing digest must fail with InvalidAccount")
	}
}

func TestVerifyTransactionSingle(t *testing.T) {
	v := NewVerifier(nil)
	ts := int64(1756080000)
	asset, to, amount := "USDT", "GBBB", "3.5"
	canonical, err := canonicalSingleTxn(asset, "GAAA", to, amount, 4, ts)
	if err != nil {
		t.Fatal(err)
	}
	handle, err := buildHandle(contentHashOf(canonical), ts)
	if err != nil {
		t.Fatal(err)
	}
	row := &TransactionRow{
		Hash: handle, Asset: &asset, From: "GAAA", To: &to, Amount: &amount,
		FromSequence: 4, IsSuccess: true, CreatedAt: time.Unix(ts, 0),
	}

	if err := v.VerifyTransaction(row); err != nil {
		t.Errorf("intact transaction failed verification: %v", err)
	}

	// SQL reads return the amount at full scale; normalization must make
	// that verify against the handle built from the short form.
	scaled := "3.5000000"
	row.Amount = &scaled
	if err := v.VerifyTransaction(row); err != nil {
		t.Errorf("full-scale amount failed verification: %v", err)
	}

	inflated := "300.5"
	row.Amount = &inflated
	if errorCode(v.VerifyTransaction(row)) != codeInvalidTxn {
		t.Error("tampered amount must fail with InvalidTransaction")
	}
}

func TestVerifyTransactionBulk(t *testing.T) {
	v := NewVerifier(nil)
	ts := int64(1756080000)
	op := []BulkLeg{
		{From: "GAAA", To: "GBBB", Asset: "USDT", Amount: "1"},
		{From: "GCCC", To: "GAAA", Asset: "USDT", Amount: "2"},
	}
	canonical, err := canonicalBulkTxn("GAAA", 4, ts, op)
	if err != nil {
		t.Fatal(err)
	}
	handle, err := buildHandle(contentHashOf(canonical), ts)
	if err != nil {
		t.Fatal(err)
	}
	row := &TransactionRow{
		Hash: handle, From: "GAAA", FromSequence: 4, IsSuccess: true, IsBulk: true,
		Op: op, CreatedAt: time.Unix(ts, 0),
	}

	if err := v.VerifyTransaction(row); err != nil {
		t.Errorf("intact bulk transaction failed verification: %v", err)
	}

	row.Op[1].Amount = "200"
	if errorCode(v.VerifyTransaction(row)) != codeInvalidTxn {
		t.Error("tampered leg must fail with InvalidTransaction")
	}
}

func TestVerifyTransactionMalformedHandle(t *testing.T) {
	v := NewVerifier(nil)
	row := &TransactionRow{Hash: "not-a-handle", From: "GAAA"}
	if errorCode(v.VerifyTransaction(row)) != codeInvalidTxn {
		t.Error("malformed handle must fail with InvalidTransaction")
	}
}
