package main

import (
	"context"
	"fmt"
	"math/big"
	"regexp"
	"sync"
	"time"

	"golang.org/x/crypto/blake2s"
)

// accountShards is the number of physical account tables. The mapping from
// address to shard is part of the persisted layout; changing it would
// renumber every account.
const accountShards = 5

var txnTablePattern = regexp.MustCompile(`^Transaction__\d{4}_\d{2}$`)

// ShardRouter maps logical entities to physical tables and creates the
// tables lazily on first use. Resolved tables are cached process-wide; the
// cache is read-often/write-rarely and entries are idempotent, so creation
// races collapse into CREATE TABLE IF NOT EXISTS.
type ShardRouter struct {
	db Querier

	mu      sync.RWMutex
	created map[string]bool
}

func NewShardRouter(db Querier) *ShardRouter {
	return &ShardRouter{db: db, created: make(map[string]bool)}
}

// accountShard maps an address to its shard number in 1..accountShards.
func accountShard(address string) int {
	sum := blake2s.Sum256([]byte(address))
	n := new(big.Int).SetBytes(sum[:])
	return int(n.Mod(n, big.NewInt(accountShards)).Int64()) + 1
}

// AccountTable resolves and, if needed, creates the shard table for address.
func (r *ShardRouter) AccountTable(ctx context.Context, address string) (string, error) {
	table := fmt.Sprintf("Account__%d", accountShard(address))
	if err := r.ensure(ctx, table, accountTableDDL(table), accountIndexDDL(table)); err != nil {
		return "", err
	}
	return table, nil
}

// TxnTableForTime resolves and, if needed, creates the month partition for a
// creation timestamp. The month is taken in the host's local time.
func (r *ShardRouter) TxnTableForTime(ctx context.Context, createAt int64) (string, error) {
	table := "Transaction__" + time.Unix(createAt, 0).Format("2006_01")
	if err := r.ensure(ctx, table, txnTableDDL(table), txnIndexDDL(table)); err != nil {
		return "", err
	}
	return table, nil
}

// TxnTable resolves the month partition addressed by a handle's embedded
// timestamp.
func (r *ShardRouter) TxnTable(ctx context.Context, handle string) (string, error) {
	_, createAt, err := parseHandle(handle)
	if err != nil {
		return "", err
	}
	return r.TxnTableForTime(ctx, createAt)
}

// Allowed reports whether name is a physical table this router could have
// produced. DDL is the one place a table name is interpolated into SQL, and
// it only happens for allowed names.
func (r *ShardRouter) Allowed(name string) bool {
	for i := 1; i <= accountShards; i++ {
		if name == fmt.Sprintf("Account__%d", i) {
			return true
		}
	}
	return txnTablePattern.MatchString(name)
}

func (r *ShardRouter) ensure(ctx context.Context, table, tableDDL string, indexDDL []string) error {
	r.mu.RLock()
	ok := r.created[table]
	r.mu.RUnlock()
	if ok {
		return nil
	}

	if !r.Allowed(table) {
		return fmt.Errorf("table %s is not in the allowed set", table)
	}

	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = lower($1))`,
		table,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check table %s: %w", table, err)
	}

	if !exists {
		if _, err := r.db.Exec(ctx, tableDDL); err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}
		for _, ddl := range indexDDL {
			if _, err := r.db.Exec(ctx, ddl); err != nil {
				return fmt.Errorf("create index on %s: %w", table, err)
			}
		}
	}

	r.mu.Lock()
	r.created[table] = true
	r.mu.Unlock()
	return nil
}

// Drop removes all physical tables the router knows how to produce for the
// current month. Dev use only (recreate_tables).
func (r *ShardRouter) Drop(ctx context.Context) error {
	tables := make([]string, 0, accountShards+1)
	for i := 1; i <= accountShards; i++ {
		tables = append(tables, fmt.Sprintf("Account__%d", i))
	}
	tables = append(tables, "Transaction__"+time.Now().Format("2006_01"))
	for _, table := range tables {
		if _, err := r.db.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table)); err != nil {
			return fmt.Errorf("drop table %s: %w", table, err)
		}
	}
	r.mu.Lock()
	r.created = make(map[string]bool)
	r.mu.Unlock()
	return nil
}

func accountTableDDL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		sequence BIGINT NOT NULL DEFAULT 0,
		address VARCHAR(56) NOT NULL,
		secret VARCHAR(100) NOT NULL,
		balances JSONB NOT NULL DEFAULT '[]',
		mnemonic VARCHAR(128),
		transactions JSONB NOT NULL DEFAULT '[]',
		hash VARCHAR(64),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, table)
}

func accountIndexDDL(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_address_uindex ON %s (address)`, table, table),
	}
}

func txnTableDDL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		hash VARCHAR(74) NOT NULL,
		asset VARCHAR(20),
		"from" VARCHAR(56) NOT NULL,
		"to" VARCHAR(56),
		is_bulk BOOLEAN NOT NULL DEFAULT FALSE,
		op JSONB,
		amount NUMERIC(23,7),
		from_sequence BIGINT NOT NULL,
		is_success BOOLEAN NOT NULL,
		memo VARCHAR(64),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, table)
}

func txnIndexDDL(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_hash_uindex ON %s (hash)`, table, table),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_from_from_sequence_uindex ON %s ("from", from_sequence)`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_to_index ON %s ("to")`, table, table),
	}
}
