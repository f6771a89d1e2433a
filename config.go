package main

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Ledger   LedgerConfig   `yaml:"ledger"`
}

type ServiceConfig struct {
	Name                string `yaml:"name"`
	Port                int    `yaml:"port"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
}

type PostgresConfig struct {
	Host                   string `yaml:"host"`
	Port                   int    `yaml:"port"`
	Database               string `yaml:"database"`
	User                   string `yaml:"user"`
	Password               string `yaml:"password"`
	SSLMode                string `yaml:"sslmode"`
	MinConnections         int    `yaml:"min_connections"`
	MaxConnections         int    `yaml:"max_connections"`
	ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds"`
}

type RedisConfig struct {
	// URL is a redis:// connection string.
	URL             string `yaml:"url"`
	WarningQueueKey string `yaml:"warning_queue_key"`
}

type LedgerConfig struct {
	// DecimalType is the SQL type every balance and amount expression is
	// cast to. All arithmetic happens in this type.
	DecimalType string `yaml:"decimal_type"`
	// FinanceAddress is the account the faucet mints from.
	FinanceAddress string `yaml:"finance_address"`
	// BulkLockName is the fmt pattern for per-address bulk leases; the
	// single verb is the debited address.
	BulkLockName      string `yaml:"bulk_lock_name"`
	TxnExpiredSeconds int    `yaml:"txn_expired_seconds"`
	AESKeyPath        string `yaml:"aes_key_path"`
	AESIVPath         string `yaml:"aes_iv_path"`
	// RecreateTables drops and recreates every shard at startup. Dev only.
	RecreateTables bool `yaml:"recreate_tables"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.applyDefaults()
	config.applyEnvOverrides()

	if config.Ledger.FinanceAddress == "" {
		return nil, fmt.Errorf("ledger.finance_address is required")
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Service.Name == "" {
		c.Service.Name = "account-ledger-api"
	}
	if c.Service.Port == 0 {
		c.Service.Port = 8080
	}
	if c.Service.ReadTimeoutSeconds == 0 {
		c.Service.ReadTimeoutSeconds = 30
	}
	if c.Service.WriteTimeoutSeconds == 0 {
		c.Service.WriteTimeoutSeconds = 30
	}
	if c.Postgres.SSLMode == "" {
		c.Postgres.SSLMode = "disable"
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 2
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 10
	}
	if c.Postgres.ConnMaxLifetimeSeconds == 0 {
		c.Postgres.ConnMaxLifetimeSeconds = 3600
	}
	if c.Redis.WarningQueueKey == "" {
		c.Redis.WarningQueueKey = "ams:warnings"
	}
	if c.Ledger.DecimalType == "" {
		c.Ledger.DecimalType = "numeric(23,7)"
	}
	if c.Ledger.BulkLockName == "" {
		c.Ledger.BulkLockName = "bulk:%s"
	}
	if c.Ledger.TxnExpiredSeconds == 0 {
		c.Ledger.TxnExpiredSeconds = 300
	}
}

// applyEnvOverrides lets deployments inject secrets and toggles without
// editing the config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("AMS_DB_PASSWORD"); v != "" {
		c.Postgres.Password = v
	}
	if v := os.Getenv("AMS_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("AMS_FINANCE_ADDRESS"); v != "" {
		c.Ledger.FinanceAddress = v
	}
	if v := os.Getenv("AMS_RECREATE_TABLES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Ledger.RecreateTables = b
		}
	}
}

func (c *PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}
