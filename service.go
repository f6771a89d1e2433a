package main

import (
	"context"
	"fmt"
)

const (
	defaultTxnPageSize = 30
	maxTxnPageSize     = 100
)

// accountStore is the slice of the storage adapter the account service
// drives.
type accountStore interface {
	WithTx(ctx context.Context, fn func(q Querier) error) error
	GetAccount(ctx context.Context, q Querier, table, address string) (*AccountRow, error)
	InsertAccount(ctx context.Context, q Querier, table string, address, secret string, mnemonic *string, hash string) error
	UpdateAccountHash(ctx context.Context, q Querier, table, address, hash string) error
	AppendAsset(ctx context.Context, q Querier, table, address, asset string, expectSequence int64) (int64, error)
	GetTxn(ctx context.Context, q Querier, table, handle string) (*TransactionRow, error)
}

// accountRouter resolves shards for the account service, including the
// month partition a handle's timestamp addresses.
type accountRouter interface {
	AccountTable(ctx context.Context, address string) (string, error)
	TxnTable(ctx context.Context, handle string) (string, error)
}

// AccountService owns account lifecycle and read paths: creation, trust
// lines, and history walks across month partitions.
type AccountService struct {
	db       Querier
	store    accountStore
	router   accountRouter
	verifier *Verifier
	cipher   *secretCipher
}

func NewAccountService(db Querier, store accountStore, router accountRouter, verifier *Verifier, cipher *secretCipher) *AccountService {
	return &AccountService{db: db, store: store, router: router, verifier: verifier, cipher: cipher}
}

// Create generates a fresh keypair, persists the account with the secret
// encrypted at rest, and returns the stored row together with the
// plaintext secret. The plaintext is surfaced exactly once, here.
func (s *AccountService) Create(ctx context.Context) (*AccountRow, string, error) {
	address, secret, err := randomKeypair()
	if err != nil {
		return nil, "", err
	}
	encrypted, err := s.cipher.Encrypt(secret)
	if err != nil {
		return nil, "", fmt.Errorf("encrypt secret: %w", err)
	}

	row := &AccountRow{
		Address:      address,
		Sequence:     0,
		Secret:       encrypted,
		Balances:     []BalanceEntry{},
		Transactions: []string{},
	}
	digest, err := accountDigest(row)
	if err != nil {
		return nil, "", err
	}

	table, err := s.router.AccountTable(ctx, address)
	if err != nil {
		return nil, "", err
	}
	if err := s.store.InsertAccount(ctx, s.db, table, address, encrypted, nil, digest); err != nil {
		return nil, "", err
	}

	stored, err := s.store.GetAccount(ctx, s.db, table, address)
	if err != nil {
		return nil, "", err
	}
	if stored == nil {
		return nil, "", fmt.Errorf("account %s vanished after insert", address)
	}
	return stored, secret, nil
}

// Get fetches one account and integrity-checks it.
func (s *AccountService) Get(ctx context.Context, address string) (*AccountRow, error) {
	table, err := s.router.AccountTable(ctx, address)
	if err != nil {
		return nil, err
	}
	acc, err := s.store.GetAccount(ctx, s.db, table, address)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, errAddressNotFound(address)
	}
	if err := s.verifier.VerifyAccount(acc); err != nil {
		return nil, err
	}
	return acc, nil
}

// TrustAssets appends a zero balance for each asset the account does not
// already trust, bumping the sequence per appended line, then rehashes.
// Already-trusted assets are skipped. The whole change is one transaction.
func (s *AccountService) TrustAssets(ctx context.Context, address string, assets []string) (*AccountRow, error) {
	table, err := s.router.AccountTable(ctx, address)
	if err != nil {
		return nil, err
	}

	var out *AccountRow
	err = s.store.WithTx(ctx, func(q Querier) error {
		acc, err := s.store.GetAccount(ctx, q, table, address)
		if err != nil {
			return err
		}
		if acc == nil {
			return errAddressNotFound(address)
		}
		if err := s.verifier.VerifyAccount(acc); err != nil {
			return err
		}

		sequence := acc.Sequence
		for _, asset := range assets {
			rows, err := s.store.AppendAsset(ctx, q, table, address, asset, sequence)
			if err != nil {
				return err
			}
			if rows == 1 {
				sequence++
				continue
			}
			// Zero rows is either an already-trusted asset or a sequence
			// conflict; the row state tells them apart.
			fresh, err := s.store.GetAccount(ctx, q, table, address)
			if err != nil {
				return err
			}
			if fresh == nil || !trustsAsset(fresh, asset) {
				return errTxnSendFailed(fmt.Sprintf("trust %s: sequence=%d", asset, sequence))
			}
		}

		fresh, err := s.store.GetAccount(ctx, q, table, address)
		if err != nil {
			return err
		}
		if fresh == nil {
			return errAddressNotFound(address)
		}
		digest, err := accountDigest(fresh)
		if err != nil {
			return err
		}
		if err := s.store.UpdateAccountHash(ctx, q, table, address, digest); err != nil {
			return err
		}
		fresh.Hash = &digest
		out = fresh
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetTransaction fetches one ledger entry by handle and integrity-checks
// it. The handle's embedded timestamp picks the month partition.
func (s *AccountService) GetTransaction(ctx context.Context, handle string) (*TransactionRow, error) {
	table, err := s.router.TxnTable(ctx, handle)
	if err != nil {
		return nil, errTxnNotFound(handle)
	}
	row, err := s.store.GetTxn(ctx, s.db, table, handle)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, errTxnNotFound(handle)
	}
	if err := s.verifier.VerifyTransaction(row); err != nil {
		return nil, err
	}
	return row, nil
}

// Transactions pages through an account's history. The account row carries
// the ordered handle list; each page resolves the month partition of every
// handle and integrity-checks the rows it returns. cursor, when set, is the
// handle the page starts after.
func (s *AccountService) Transactions(ctx context.Context, address, cursor string, limit int, ascending bool) ([]*TransactionRow, error) {
	acc, err := s.Get(ctx, address)
	if err != nil {
		return nil, err
	}

	handles := make([]string, len(acc.Transactions))
	copy(handles, acc.Transactions)
	if !ascending {
		for i, j := 0, len(handles)-1; i < j; i, j = i+1, j-1 {
			handles[i], handles[j] = handles[j], handles[i]
		}
	}

	if cursor != "" {
		start := -1
		for i, h := range handles {
			if h == cursor {
				start = i + 1
				break
			}
		}
		if start < 0 {
			return nil, errTxnNotFound(cursor)
		}
		handles = handles[start:]
	}

	if limit <= 0 {
		limit = defaultTxnPageSize
	}
	if limit > maxTxnPageSize {
		limit = maxTxnPageSize
	}
	if len(handles) > limit {
		handles = handles[:limit]
	}

	out := make([]*TransactionRow, 0, len(handles))
	for _, handle := range handles {
		table, err := s.router.TxnTable(ctx, handle)
		if err != nil {
			return nil, errTxnNotFound(handle)
		}
		row, err := s.store.GetTxn(ctx, s.db, table, handle)
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, errTxnNotFound(handle)
		}
		if err := s.verifier.VerifyTransaction(row); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

func trustsAsset(acc *AccountRow, asset string) bool {
	for _, entry := range acc.Balances {
		if entry.Asset == asset {
			return true
		}
	}
	return false
}
