package main

import (
	"time"
)

// BalanceEntry is one {asset, balance} pair inside an account's balances
// array. Position within the array is stable and participates in the
// account integrity hash, so entries are never reordered.
type BalanceEntry struct {
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
}

// AccountRow is one account as read from its shard table.
type AccountRow struct {
	Address      string
	Sequence     int64
	Secret       string
	Balances     []BalanceEntry
	Mnemonic     *string
	Transactions []string
	Hash         *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// BulkLeg is one (from, to, asset, amount) entry of a bulk transaction.
type BulkLeg struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// TransactionRow is one ledger entry as read from a month partition.
// For single transfers Asset/To/Amount are set and Op is nil; for bulk
// transfers the scalar fields are null and Op holds the legs.
type TransactionRow struct {
	Hash         string
	Asset        *string
	From         string
	To           *string
	Amount       *string
	FromSequence int64
	IsSuccess    bool
	IsBulk       bool
	Op           []BulkLeg
	Memo         *string
	CreatedAt    time.Time
}

// accountJSON is the wire shape of an account. Secret, mnemonic and hash
// are only populated on the create response.
type accountJSON struct {
	Address   string         `json:"address"`
	Sequence  int64          `json:"sequence"`
	Balances  []BalanceEntry `json:"balances"`
	Secret    string         `json:"secret,omitempty"`
	Mnemonic  string         `json:"mnemonic,omitempty"`
	CreatedAt int64          `json:"created_at"`
	UpdatedAt int64          `json:"updated_at"`
}

// transactionJSON is the wire shape of a ledger entry.
type transactionJSON struct {
	Hash         string    `json:"hash"`
	Asset        *string   `json:"asset"`
	From         string    `json:"from"`
	To           *string   `json:"to"`
	Amount       *string   `json:"amount"`
	FromSequence int64     `json:"from_sequence"`
	IsSuccess    bool      `json:"is_success"`
	IsBulk       bool      `json:"is_bulk"`
	Op           []BulkLeg `json:"op"`
	Memo         string    `json:"memo"`
	CreatedAt    int64     `json:"created_at"`
}

func accountToJSON(row *AccountRow) accountJSON {
	balances := make([]BalanceEntry, len(row.Balances))
	for i, b := range row.Balances {
		balances[i] = BalanceEntry{Asset: b.Asset, Balance: normalizeBalance(b.Balance)}
	}
	return accountJSON{
		Address:   row.Address,
		Sequence:  row.Sequence,
		Balances:  balances,
		CreatedAt: row.CreatedAt.Unix(),
		UpdatedAt: row.UpdatedAt.Unix(),
	}
}

func transactionToJSON(row *TransactionRow) transactionJSON {
	out := transactionJSON{
		Hash:         row.Hash,
		Asset:        row.Asset,
		From:         row.From,
		To:           row.To,
		FromSequence: row.FromSequence,
		IsSuccess:    row.IsSuccess,
		IsBulk:       row.IsBulk,
		Op:           row.Op,
		CreatedAt:    row.CreatedAt.Unix(),
	}
	if row.Amount != nil {
		normalized := normalizeBalance(*row.Amount)
		out.Amount = &normalized
	}
	if row.Memo != nil {
		out.Memo = *row.Memo
	}
	return out
}
