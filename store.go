package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of pgx satisfied by both *pgxpool.Pool and pgx.Tx.
// Store methods take one explicitly so the same typed operation runs inside
// or outside a transaction scope.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// errDuplicateKey marks a unique-constraint violation (SQLSTATE 23505).
var errDuplicateKey = errors.New("duplicate key")

// Store owns all table rows. Every other component reads and writes state
// only through it. Table names are interpolated only after validation by
// the router's allowed set; all values travel as bind parameters.
type Store struct {
	pool   *pgxpool.Pool
	router *ShardRouter
	dem    string // SQL decimal type used for balance arithmetic
}

func NewStore(pool *pgxpool.Pool, router *ShardRouter, decimalType string) *Store {
	return &Store{pool: pool, router: router, dem: decimalType}
}

// WithTx runs fn inside one ACID unit. Any error from fn rolls the unit
// back; otherwise it commits.
func (s *Store) WithTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) checkTable(table string) error {
	if !s.router.Allowed(table) {
		return fmt.Errorf("table %s is not in the allowed set", table)
	}
	return nil
}

// GetAccount fetches one account row by address. Returns (nil, nil) when the
// address is absent.
func (s *Store) GetAccount(ctx context.Context, q Querier, table, address string) (*AccountRow, error) {
	if err := s.checkTable(table); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		`SELECT address, sequence, secret, balances, mnemonic, transactions, hash, created_at, updated_at FROM %s WHERE address = $1`,
		table)

	var (
		row          AccountRow
		balances     []byte
		transactions []byte
	)
	err := q.QueryRow(ctx, query, address).Scan(
		&row.Address, &row.Sequence, &row.Secret, &balances, &row.Mnemonic,
		&transactions, &row.Hash, &row.CreatedAt, &row.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", address, err)
	}
	if err := json.Unmarshal(balances, &row.Balances); err != nil {
		return nil, fmt.Errorf("decode balances of %s: %w", address, err)
	}
	if err := json.Unmarshal(transactions, &row.Transactions); err != nil {
		return nil, fmt.Errorf("decode transactions of %s: %w", address, err)
	}
	return &row, nil
}

// InsertAccount creates a fresh account row with sequence 0 and empty
// balances and transactions.
func (s *Store) InsertAccount(ctx context.Context, q Querier, table string, address, secret string, mnemonic *string, hash string) error {
	if err := s.checkTable(table); err != nil {
		return err
	}
	query := fmt.Sprintf(
		`INSERT INTO %s (address, sequence, secret, balances, mnemonic, transactions, hash) VALUES ($1, 0, $2, '[]', $3, '[]', $4)`,
		table)
	if _, err := q.Exec(ctx, query, address, secret, mnemonic, hash); err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("insert account %s: %w", address, errDuplicateKey)
		}
		return fmt.Errorf("insert account %s: %w", address, err)
	}
	return nil
}

// UpdateAccountHash stores a freshly computed integrity digest.
func (s *Store) UpdateAccountHash(ctx context.Context, q Querier, table, address, hash string) error {
	if err := s.checkTable(table); err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET hash = $2, updated_at = now() WHERE address = $1`, table)
	tag, err := q.Exec(ctx, query, address, hash)
	if err != nil {
		return fmt.Errorf("update hash of %s: %w", address, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update hash of %s: no row", address)
	}
	return nil
}

// AssetPosition finds the index of asset inside the account's balances
// array. found is false when the address has no entry for the asset.
func (s *Store) AssetPosition(ctx context.Context, q Querier, table, address, asset string) (pos int, found bool, err error) {
	if err := s.checkTable(table); err != nil {
		return 0, false, err
	}
	query := fmt.Sprintf(
		`SELECT b.pos - 1 FROM %s AS acc, jsonb_array_elements(acc.balances) WITH ORDINALITY AS b(entry, pos) WHERE acc.address = $1 AND b.entry->>'asset' = $2`,
		table)
	err = q.QueryRow(ctx, query, address, asset).Scan(&pos)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("locate asset %s of %s: %w", asset, address, err)
	}
	return pos, true, nil
}

// DebitBalance subtracts amount from the balance entry at assetPos, bumps
// the sequence and appends handle to the account's transaction list, all in
// one statement. The WHERE clause carries the non-negative-balance
// precondition and, when expectSequence is non-nil, the sequence equality
// guard, so zero affected rows unambiguously signals a conflict.
func (s *Store) DebitBalance(ctx context.Context, q Querier, table, address string, assetPos int, amount, handle string, expectSequence *int64) (int64, error) {
	if err := s.checkTable(table); err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`UPDATE %[1]s SET
		balances = jsonb_set(balances, ARRAY[($2)::text, 'balance'],
			to_jsonb((((balances->($2::int)->>'balance')::%[2]s - ($3)::%[2]s))::text)),
		sequence = sequence + 1,
		transactions = CASE WHEN transactions @> to_jsonb(($4)::text) THEN transactions
			ELSE transactions || to_jsonb(($4)::text) END,
		updated_at = now()
	WHERE address = $1
		AND (balances->($2::int)->>'balance')::%[2]s - ($3)::%[2]s >= 0`, table, s.dem)
	args := []any{address, assetPos, amount, handle}
	if expectSequence != nil {
		query += ` AND sequence = $5`
		args = append(args, *expectSequence)
	}
	tag, err := q.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("debit %s from %s: %w", amount, address, err)
	}
	return tag.RowsAffected(), nil
}

// CreditBalance adds amount to the balance entry at assetPos and appends
// handle to the account's transaction list. The receiving side never bumps
// its sequence.
func (s *Store) CreditBalance(ctx context.Context, q Querier, table, address string, assetPos int, amount, handle string) (int64, error) {
	if err := s.checkTable(table); err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`UPDATE %[1]s SET
		balances = jsonb_set(balances, ARRAY[($2)::text, 'balance'],
			to_jsonb((((balances->($2::int)->>'balance')::%[2]s + ($3)::%[2]s))::text)),
		transactions = CASE WHEN transactions @> to_jsonb(($4)::text) THEN transactions
			ELSE transactions || to_jsonb(($4)::text) END,
		updated_at = now()
	WHERE address = $1`, table, s.dem)
	tag, err := q.Exec(ctx, query, address, assetPos, amount, handle)
	if err != nil {
		return 0, fmt.Errorf("credit %s to %s: %w", amount, address, err)
	}
	return tag.RowsAffected(), nil
}

// BumpSequence advances the sequence and appends handle without touching
// balances. The faucet debit side uses this: the finance account spends
// only its sequence.
func (s *Store) BumpSequence(ctx context.Context, q Querier, table, address string, expectSequence int64, handle string) (int64, error) {
	if err := s.checkTable(table); err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`UPDATE %s SET
		sequence = sequence + 1,
		transactions = CASE WHEN transactions @> to_jsonb(($3)::text) THEN transactions
			ELSE transactions || to_jsonb(($3)::text) END,
		updated_at = now()
	WHERE address = $1 AND sequence = $2`, table)
	tag, err := q.Exec(ctx, query, address, expectSequence, handle)
	if err != nil {
		return 0, fmt.Errorf("bump sequence of %s: %w", address, err)
	}
	return tag.RowsAffected(), nil
}

// AppendAsset adds a zero-balance entry for asset iff the account does not
// already trust it, bumping the sequence. Zero affected rows means either a
// stale sequence or an already-trusted asset; callers distinguish by
// re-reading the row.
func (s *Store) AppendAsset(ctx context.Context, q Querier, table, address, asset string, expectSequence int64) (int64, error) {
	if err := s.checkTable(table); err != nil {
		return 0, err
	}
	entry, err := json.Marshal([]BalanceEntry{{Asset: asset, Balance: "0.0000000"}})
	if err != nil {
		return 0, fmt.Errorf("encode balance entry: %w", err)
	}
	query := fmt.Sprintf(`UPDATE %s AS acc SET
		balances = balances || ($2)::jsonb,
		sequence = sequence + 1,
		updated_at = now()
	WHERE address = $1 AND sequence = $3
		AND NOT EXISTS (SELECT 1 FROM jsonb_array_elements(acc.balances) AS e(entry) WHERE e.entry->>'asset' = $4)`,
		table)
	tag, err := q.Exec(ctx, query, address, string(entry), expectSequence, asset)
	if err != nil {
		return 0, fmt.Errorf("append asset %s to %s: %w", asset, address, err)
	}
	return tag.RowsAffected(), nil
}

// GetTxn fetches one ledger entry by handle from a month partition.
// Returns (nil, nil) when absent.
func (s *Store) GetTxn(ctx context.Context, q Querier, table, handle string) (*TransactionRow, error) {
	if err := s.checkTable(table); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		`SELECT hash, asset, "from", "to", amount::text, from_sequence, is_success, is_bulk, op, memo, created_at FROM %s WHERE hash = $1`,
		table)

	var (
		row TransactionRow
		op  []byte
	)
	err := q.QueryRow(ctx, query, handle).Scan(
		&row.Hash, &row.Asset, &row.From, &row.To, &row.Amount,
		&row.FromSequence, &row.IsSuccess, &row.IsBulk, &op, &row.Memo, &row.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", handle, err)
	}
	if op != nil {
		if err := json.Unmarshal(op, &row.Op); err != nil {
			return nil, fmt.Errorf("decode op of %s: %w", handle, err)
		}
	}
	return &row, nil
}

// InsertTxn appends one ledger entry. A unique violation on hash or on
// (from, from_sequence) surfaces as errDuplicateKey.
func (s *Store) InsertTxn(ctx context.Context, q Querier, table string, row *TransactionRow) error {
	if err := s.checkTable(table); err != nil {
		return err
	}
	var op []byte
	if row.IsBulk {
		encoded, err := json.Marshal(row.Op)
		if err != nil {
			return fmt.Errorf("encode op of %s: %w", row.Hash, err)
		}
		op = encoded
	}
	query := fmt.Sprintf(`INSERT INTO %[1]s
		(hash, asset, "from", "to", amount, from_sequence, is_success, is_bulk, op, memo, created_at)
	VALUES ($1, $2, $3, $4, ($5)::%[2]s, $6, $7, $8, $9, $10, $11)`, table, s.dem)
	_, err := q.Exec(ctx, query,
		row.Hash, row.Asset, row.From, row.To, row.Amount,
		row.FromSequence, row.IsSuccess, row.IsBulk, op, row.Memo, row.CreatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("insert transaction %s: %w", row.Hash, errDuplicateKey)
		}
		return fmt.Errorf("insert transaction %s: %w", row.Hash, err)
	}
	return nil
}

func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ Querier = (*pgxpool.Pool)(nil)
