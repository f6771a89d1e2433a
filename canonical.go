package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Canonical serialization of ledger records. Field order is fixed by the
// struct declarations below; equality of the emitted bytes is preserved
// across runs, which makes them safe inputs for content hashing.
//
// Rules: compact separators, amounts as normalized decimal strings
// (trailing zeros stripped, trailing dot collapsed), sequences as decimal
// integers, null scalar fields included for bulk records.

// txnCanonical is the hashable projection of a transaction. Single
// transfers carry the scalar fields and no op list; bulk transfers carry
// null scalars and the op legs.
type txnCanonical struct {
	Asset        *string   `json:"asset"`
	From         string    `json:"from"`
	To           *string   `json:"to"`
	Amount       *string   `json:"amount"`
	FromSequence int64     `json:"from_sequence"`
	CreateAt     int64     `json:"create_at"`
	Op           []BulkLeg `json:"op,omitempty"`
}

// accountCanonical is the hashable projection of an account. Temporal
// columns and the stored hash itself are excluded.
type accountCanonical struct {
	Address      string         `json:"address"`
	Sequence     int64          `json:"sequence"`
	Secret       string         `json:"secret"`
	Balances     []BalanceEntry `json:"balances"`
	Mnemonic     *string        `json:"mnemonic"`
	Transactions []string       `json:"transactions"`
}

// canonicalSingleTxn serializes a single-transfer record for hashing.
// amount must already be normalized.
func canonicalSingleTxn(asset, from, to, amount string, fromSequence, createAt int64) ([]byte, error) {
	return json.Marshal(txnCanonical{
		Asset:        &asset,
		From:         from,
		To:           &to,
		Amount:       &amount,
		FromSequence: fromSequence,
		CreateAt:     createAt,
	})
}

// canonicalBulkTxn serializes a bulk record for hashing. Leg amounts must
// already be normalized.
func canonicalBulkTxn(from string, fromSequence, createAt int64, op []BulkLeg) ([]byte, error) {
	if op == nil {
		op = []BulkLeg{}
	}
	return json.Marshal(txnCanonical{
		From:         from,
		FromSequence: fromSequence,
		CreateAt:     createAt,
		Op:           op,
	})
}

// canonicalAccount serializes an account row for integrity hashing.
func canonicalAccount(row *AccountRow) ([]byte, error) {
	balances := row.Balances
	if balances == nil {
		balances = []BalanceEntry{}
	}
	transactions := row.Transactions
	if transactions == nil {
		transactions = []string{}
	}
	return json.Marshal(accountCanonical{
		Address:      row.Address,
		Sequence:     row.Sequence,
		Secret:       row.Secret,
		Balances:     balances,
		Mnemonic:     row.Mnemonic,
		Transactions: transactions,
	})
}

// parseAmount validates an amount string: a positive decimal with at most
// seven fractional digits after normalization. It returns the normalized
// form used on the wire and in hashes.
func parseAmount(raw string) (string, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return "", fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	if !d.IsPositive() {
		return "", fmt.Errorf("amount must be positive, got %q", raw)
	}
	normalized := normalizeDecimalString(d.String())
	if digits := fractionalDigits(normalized); digits > 7 {
		return "", fmt.Errorf("amount %q has %d fractional digits, at most 7 allowed", raw, digits)
	}
	return normalized, nil
}

// normalizeBalance normalizes a stored balance or amount string for wire
// output. Values written by SQL carry the full scale ("6.5000000").
func normalizeBalance(raw string) string {
	return normalizeDecimalString(raw)
}

func normalizeDecimalString(s string) string {
	if !strings.Contains(s, ".") {
		return s
	}
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}

func fractionalDigits(s string) int {
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}
