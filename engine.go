package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ledgerStore is the slice of the storage adapter the engine drives.
// *Store satisfies it; tests substitute an in-memory fake.
type ledgerStore interface {
	WithTx(ctx context.Context, fn func(q Querier) error) error
	GetAccount(ctx context.Context, q Querier, table, address string) (*AccountRow, error)
	UpdateAccountHash(ctx context.Context, q Querier, table, address, hash string) error
	AssetPosition(ctx context.Context, q Querier, table, address, asset string) (int, bool, error)
	DebitBalance(ctx context.Context, q Querier, table, address string, assetPos int, amount, handle string, expectSequence *int64) (int64, error)
	CreditBalance(ctx context.Context, q Querier, table, address string, assetPos int, amount, handle string) (int64, error)
	BumpSequence(ctx context.Context, q Querier, table, address string, expectSequence int64, handle string) (int64, error)
	GetTxn(ctx context.Context, q Querier, table, handle string) (*TransactionRow, error)
	InsertTxn(ctx context.Context, q Querier, table string, row *TransactionRow) error
}

// tableRouter resolves logical entities to physical tables.
type tableRouter interface {
	AccountTable(ctx context.Context, address string) (string, error)
	TxnTableForTime(ctx context.Context, createAt int64) (string, error)
}

// leaser grants per-address mutual-exclusion leases for bulk legs.
type leaser interface {
	Acquire(ctx context.Context, name string) (release func(), err error)
}

// TransferRequest is a validated single-transfer submission. Amount is the
// normalized decimal string; Handle is empty when the engine should mint
// one at the current time.
type TransferRequest struct {
	From         string
	To           string
	Asset        string
	Amount       string
	FromSequence int64
	Memo         string
	Handle       string
}

// BulkRequest is a validated bulk submission. Leg amounts are normalized.
type BulkRequest struct {
	From         string
	FromSequence int64
	Op           []BulkLeg
	Memo         string
	Handle       string
}

// Engine executes the transfer state machine: validate, resolve shards,
// integrity-check, debit, credit, rehash, log, commit. Every failure rolls
// back the enclosing SQL transaction.
type Engine struct {
	db       Querier
	store    ledgerStore
	router   tableRouter
	locks    leaser
	verifier *Verifier

	financeAddr    string
	lockNameFormat string
	txnExpiry      time.Duration
	now            func() time.Time
}

func NewEngine(db Querier, store ledgerStore, router tableRouter, locks leaser, verifier *Verifier, cfg *Config) *Engine {
	return &Engine{
		db:             db,
		store:          store,
		router:         router,
		locks:          locks,
		verifier:       verifier,
		financeAddr:    cfg.Ledger.FinanceAddress,
		lockNameFormat: cfg.Ledger.BulkLockName,
		txnExpiry:      time.Duration(cfg.Ledger.TxnExpiredSeconds) * time.Second,
		now:            time.Now,
	}
}

// SingleHandle verifies a provided handle against the raw fields or, when
// provided is empty, mints a new handle at the current time.
func (e *Engine) SingleHandle(asset, from, to, amount string, fromSequence int64, provided string) (handle string, createAt int64, err error) {
	build := func(ts int64) (string, error) {
		canonical, err := canonicalSingleTxn(asset, from, to, amount, fromSequence, ts)
		if err != nil {
			return "", err
		}
		return buildHandle(contentHashOf(canonical), ts)
	}
	return e.resolveHandle(provided, build)
}

// BulkHandle is SingleHandle for bulk records.
func (e *Engine) BulkHandle(from string, fromSequence int64, op []BulkLeg, provided string) (handle string, createAt int64, err error) {
	if err := validateBulkOp(from, op); err != nil {
		return "", 0, err
	}
	build := func(ts int64) (string, error) {
		canonical, err := canonicalBulkTxn(from, fromSequence, ts, op)
		if err != nil {
			return "", err
		}
		return buildHandle(contentHashOf(canonical), ts)
	}
	return e.resolveHandle(provided, build)
}

func (e *Engine) resolveHandle(provided string, build func(ts int64) (string, error)) (string, int64, error) {
	if provided == "" {
		createAt := e.now().Unix()
		handle, err := build(createAt)
		if err != nil {
			return "", 0, errTxnBuildFailed(err.Error())
		}
		return handle, createAt, nil
	}

	_, createAt, err := parseHandle(provided)
	if err != nil {
		return "", 0, errTxnBuildFailed(err.Error())
	}
	want, err := build(createAt)
	if err != nil {
		return "", 0, errTxnBuildFailed(err.Error())
	}
	if want != provided {
		return "", 0, errTxnBuildFailed("handle does not match raw fields")
	}
	if e.now().Unix()-createAt > int64(e.txnExpiry.Seconds()) {
		return "", 0, errTxnExpired(createAt)
	}
	return provided, createAt, nil
}

// SubmitTransfer executes a single transfer atomically and returns the
// inserted ledger entry.
func (e *Engine) SubmitTransfer(ctx context.Context, req TransferRequest) (*TransactionRow, error) {
	if req.From == req.To {
		return nil, errTxnSelfTransfer(req.From)
	}
	handle, createAt, err := e.SingleHandle(req.Asset, req.From, req.To, req.Amount, req.FromSequence, req.Handle)
	if err != nil {
		return nil, err
	}

	fromTable, err := e.router.AccountTable(ctx, req.From)
	if err != nil {
		return nil, err
	}
	toTable, err := e.router.AccountTable(ctx, req.To)
	if err != nil {
		return nil, err
	}
	txnTable, err := e.router.TxnTableForTime(ctx, createAt)
	if err != nil {
		return nil, err
	}

	err = e.store.WithTx(ctx, func(q Querier) error {
		fromAcc, err := e.loadVerifiedAccount(ctx, q, fromTable, req.From)
		if err != nil {
			return err
		}
		if _, err := e.loadVerifiedAccount(ctx, q, toTable, req.To); err != nil {
			return err
		}

		fromPos, found, err := e.store.AssetPosition(ctx, q, fromTable, req.From, req.Asset)
		if err != nil {
			return err
		}
		if !found {
			return errAssetNotTrusted(req.From, req.Asset)
		}
		toPos, found, err := e.store.AssetPosition(ctx, q, toTable, req.To, req.Asset)
		if err != nil {
			return err
		}
		if !found {
			return errAssetNotTrusted(req.To, req.Asset)
		}

		if !hasFunds(fromAcc, fromPos, req.Amount) {
			return errInsufficientFunds(req.From, req.Amount)
		}

		rows, err := e.store.DebitBalance(ctx, q, fromTable, req.From, fromPos, req.Amount, handle, &req.FromSequence)
		if err != nil {
			return err
		}
		if rows == 0 {
			// Funds were confirmed above inside this transaction, so the
			// failed guard is the sequence.
			return errTxnSendFailed(fmt.Sprintf("sequence=%d", req.FromSequence))
		}

		rows, err = e.store.CreditBalance(ctx, q, toTable, req.To, toPos, req.Amount, handle)
		if err != nil {
			return err
		}
		if rows == 0 {
			return errTxnSendFailed(fmt.Sprintf("to=%s", req.To))
		}

		if err := e.rehash(ctx, q, fromTable, req.From); err != nil {
			return err
		}
		if err := e.rehash(ctx, q, toTable, req.To); err != nil {
			return err
		}

		row := &TransactionRow{
			Hash:         handle,
			Asset:        &req.Asset,
			From:         req.From,
			To:           &req.To,
			Amount:       &req.Amount,
			FromSequence: req.FromSequence,
			IsSuccess:    true,
			IsBulk:       false,
			Memo:         &req.Memo,
			CreatedAt:    time.Unix(createAt, 0).UTC(),
		}
		if err := e.store.InsertTxn(ctx, q, txnTable, row); err != nil {
			if errors.Is(err, errDuplicateKey) {
				return errTxnSendFailed(fmt.Sprintf("duplicate of txn=%s or (from=%s, sequence=%d)", handle, req.From, req.FromSequence))
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return e.fetchTxn(ctx, txnTable, handle)
}

// SubmitBulk executes a multi-leg transfer atomically. Each leg's debit
// side is guarded by a distributed lease; leases are scoped per leg and
// never held across another acquisition, which rules out lock-order
// deadlocks. The submitter's own sequence is pre-checked but only advances
// if the submitter is also a leg's from side.
func (e *Engine) SubmitBulk(ctx context.Context, req BulkRequest) (*TransactionRow, error) {
	handle, createAt, err := e.BulkHandle(req.From, req.FromSequence, req.Op, req.Handle)
	if err != nil {
		return nil, err
	}

	submitterTable, err := e.router.AccountTable(ctx, req.From)
	if err != nil {
		return nil, err
	}
	txnTable, err := e.router.TxnTableForTime(ctx, createAt)
	if err != nil {
		return nil, err
	}
	// Resolve every leg's shard up front so lazy DDL never runs while the
	// transfer transaction holds row locks.
	legTables := make([][2]string, len(req.Op))
	for i, leg := range req.Op {
		fromTable, err := e.router.AccountTable(ctx, leg.From)
		if err != nil {
			return nil, err
		}
		toTable, err := e.router.AccountTable(ctx, leg.To)
		if err != nil {
			return nil, err
		}
		legTables[i] = [2]string{fromTable, toTable}
	}

	err = e.store.WithTx(ctx, func(q Querier) error {
		submitter, err := e.store.GetAccount(ctx, q, submitterTable, req.From)
		if err != nil {
			return err
		}
		if submitter == nil || submitter.Sequence != req.FromSequence {
			return errTxnSendFailed(fmt.Sprintf("sequence=%d from=%s", req.FromSequence, req.From))
		}

		for i, leg := range req.Op {
			if err := e.applyLeg(ctx, q, leg, legTables[i][0], legTables[i][1], handle); err != nil {
				return err
			}
		}

		row := &TransactionRow{
			Hash:         handle,
			From:         req.From,
			FromSequence: req.FromSequence,
			IsSuccess:    true,
			IsBulk:       true,
			Op:           req.Op,
			Memo:         &req.Memo,
			CreatedAt:    time.Unix(createAt, 0).UTC(),
		}
		if err := e.store.InsertTxn(ctx, q, txnTable, row); err != nil {
			if errors.Is(err, errDuplicateKey) {
				return errTxnSendFailed(fmt.Sprintf("sequence=%d from=%s", req.FromSequence, req.From))
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return e.fetchTxn(ctx, txnTable, handle)
}

// applyLeg debits and credits one leg under the leg's from-address lease.
func (e *Engine) applyLeg(ctx context.Context, q Querier, leg BulkLeg, fromTable, toTable, handle string) error {
	release, err := e.locks.Acquire(ctx, fmt.Sprintf(e.lockNameFormat, leg.From))
	if err != nil {
		return errBulkLockFailed(leg.From)
	}
	defer release()

	if _, err := e.loadVerifiedAccount(ctx, q, fromTable, leg.From); err != nil {
		return err
	}
	if _, err := e.loadVerifiedAccount(ctx, q, toTable, leg.To); err != nil {
		return err
	}

	fromPos, found, err := e.store.AssetPosition(ctx, q, fromTable, leg.From, leg.Asset)
	if err != nil {
		return err
	}
	if !found {
		return errAssetNotTrusted(leg.From, leg.Asset)
	}
	toPos, found, err := e.store.AssetPosition(ctx, q, toTable, leg.To, leg.Asset)
	if err != nil {
		return err
	}
	if !found {
		return errAssetNotTrusted(leg.To, leg.Asset)
	}

	rows, err := e.store.DebitBalance(ctx, q, fromTable, leg.From, fromPos, leg.Amount, handle, nil)
	if err != nil {
		return err
	}
	if rows == 0 {
		return errTxnSendFailed(fmt.Sprintf("from=%s cost failed", leg.From))
	}
	rows, err = e.store.CreditBalance(ctx, q, toTable, leg.To, toPos, leg.Amount, handle)
	if err != nil {
		return err
	}
	if rows == 0 {
		return errTxnSendFailed(fmt.Sprintf("to=%s add failed", leg.To))
	}

	if err := e.rehash(ctx, q, fromTable, leg.From); err != nil {
		return err
	}
	return e.rehash(ctx, q, toTable, leg.To)
}

// Faucet mints amount of asset to an address from the configured finance
// account. The finance side spends only its sequence; no balance moves out
// of it, so the finance account need not trust the asset.
func (e *Engine) Faucet(ctx context.Context, to, asset, amount string) (*TransactionRow, error) {
	financeTable, err := e.router.AccountTable(ctx, e.financeAddr)
	if err != nil {
		return nil, err
	}
	finance, err := e.store.GetAccount(ctx, e.db, financeTable, e.financeAddr)
	if err != nil {
		return nil, err
	}
	if finance == nil {
		return nil, errAddressNotFound(e.financeAddr)
	}
	fromSequence := finance.Sequence

	handle, createAt, err := e.SingleHandle(asset, e.financeAddr, to, amount, fromSequence, "")
	if err != nil {
		return nil, err
	}
	toTable, err := e.router.AccountTable(ctx, to)
	if err != nil {
		return nil, err
	}
	txnTable, err := e.router.TxnTableForTime(ctx, createAt)
	if err != nil {
		return nil, err
	}

	memo := "faucet"
	err = e.store.WithTx(ctx, func(q Querier) error {
		if _, err := e.loadVerifiedAccount(ctx, q, toTable, to); err != nil {
			return err
		}
		toPos, found, err := e.store.AssetPosition(ctx, q, toTable, to, asset)
		if err != nil {
			return err
		}
		if !found {
			return errAssetNotTrusted(to, asset)
		}

		rows, err := e.store.BumpSequence(ctx, q, financeTable, e.financeAddr, fromSequence, handle)
		if err != nil {
			return err
		}
		if rows == 0 {
			return errTxnSendFailed(fmt.Sprintf("sequence=%d", fromSequence))
		}
		rows, err = e.store.CreditBalance(ctx, q, toTable, to, toPos, amount, handle)
		if err != nil {
			return err
		}
		if rows == 0 {
			return errTxnSendFailed(fmt.Sprintf("to=%s", to))
		}

		if err := e.rehash(ctx, q, financeTable, e.financeAddr); err != nil {
			return err
		}
		if err := e.rehash(ctx, q, toTable, to); err != nil {
			return err
		}

		row := &TransactionRow{
			Hash:         handle,
			Asset:        &asset,
			From:         e.financeAddr,
			To:           &to,
			Amount:       &amount,
			FromSequence: fromSequence,
			IsSuccess:    true,
			IsBulk:       false,
			Memo:         &memo,
			CreatedAt:    time.Unix(createAt, 0).UTC(),
		}
		if err := e.store.InsertTxn(ctx, q, txnTable, row); err != nil {
			if errors.Is(err, errDuplicateKey) {
				return errTxnSendFailed(fmt.Sprintf("sequence=%d", fromSequence))
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return e.fetchTxn(ctx, txnTable, handle)
}

// loadVerifiedAccount fetches an account and integrity-checks it before it
// is used for any decision.
func (e *Engine) loadVerifiedAccount(ctx context.Context, q Querier, table, address string) (*AccountRow, error) {
	acc, err := e.store.GetAccount(ctx, q, table, address)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, errAddressNotFound(address)
	}
	if err := e.verifier.VerifyAccount(acc); err != nil {
		return nil, err
	}
	return acc, nil
}

// rehash recomputes and stores an account's integrity digest from the
// row's post-update state inside the same transaction.
func (e *Engine) rehash(ctx context.Context, q Querier, table, address string) error {
	acc, err := e.store.GetAccount(ctx, q, table, address)
	if err != nil {
		return err
	}
	if acc == nil {
		return errAddressNotFound(address)
	}
	digest, err := accountDigest(acc)
	if err != nil {
		return err
	}
	return e.store.UpdateAccountHash(ctx, q, table, address, digest)
}

func (e *Engine) fetchTxn(ctx context.Context, table, handle string) (*TransactionRow, error) {
	row, err := e.store.GetTxn(ctx, e.db, table, handle)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, errTxnNotFound(handle)
	}
	return row, nil
}

// validateBulkOp checks the structural rules of a bulk op list: no empty
// list, no self-transfer leg, and the submitter must be a party to at least
// one leg.
func validateBulkOp(from string, op []BulkLeg) error {
	if len(op) == 0 {
		return errTxnBuildFailed("op must not be empty")
	}
	party := false
	for _, leg := range op {
		if leg.From == leg.To {
			return errTxnSelfTransfer(leg.From)
		}
		if leg.From == from || leg.To == from {
			party = true
		}
	}
	if !party {
		return errBulkFromMissing(from)
	}
	return nil
}

// hasFunds compares the entry at pos against amount in exact decimal.
func hasFunds(acc *AccountRow, pos int, amount string) bool {
	if pos < 0 || pos >= len(acc.Balances) {
		return false
	}
	balance, err := decimal.NewFromString(acc.Balances[pos].Balance)
	if err != nil {
		return false
	}
	want, err := decimal.NewFromString(amount)
	if err != nil {
		return false
	}
	return balance.Cmp(want) >= 0
}
