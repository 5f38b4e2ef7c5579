// Package config defines the top-level configuration for the market engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by BABYLON_* environment variables.
type Config struct {
	Fees     FeesConfig     `toml:"fees"`
	AMM      AMMConfig      `toml:"amm"`
	Perps    PerpsConfig    `toml:"perps"`
	Oracle   OracleConfig   `toml:"oracle"`
	Feed     FeedConfig     `toml:"feed"`
	Server   ServerConfig   `toml:"server"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Archive  ArchiveConfig  `toml:"archive"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// FeesConfig holds the trading fee schedule.
type FeesConfig struct {
	// Rate is the flat fee rate applied to gross trade amounts.
	Rate float64 `toml:"rate"`
	// MinimumFee is the floor below which no fee is charged.
	MinimumFee float64 `toml:"minimum_fee"`
	// ReferrerSplit is the share of each fee paid to the trader's referrer.
	ReferrerSplit float64 `toml:"referrer_split"`
}

// AMMConfig holds prediction-market pricing parameters.
type AMMConfig struct {
	// SeedLiquidity is the default pool seed for newly created markets.
	SeedLiquidity float64 `toml:"seed_liquidity"`
}

// PerpsConfig holds perpetual-position engine parameters.
type PerpsConfig struct {
	MinLeverage       float64  `toml:"min_leverage"`
	MaxLeverage       float64  `toml:"max_leverage"`
	MaintenanceFactor float64  `toml:"maintenance_factor"`
	ReconcileInterval duration `toml:"reconcile_interval"`
}

// OracleConfig holds the on-chain commit-reveal oracle parameters. The
// submitter key may be given raw or as an encrypted key file plus password.
type OracleConfig struct {
	RPCURL           string   `toml:"rpc_url"`
	ContractAddress  string   `toml:"contract_address"`
	ChainID          int64    `toml:"chain_id"`
	PrivateKey       string   `toml:"private_key"`
	EncryptedKeyPath string   `toml:"encrypted_key_path"`
	KeyPassword      string   `toml:"key_password"`
	CallTimeout      duration `toml:"call_timeout"`
}

// FeedConfig holds the upstream price-service connection parameters.
type FeedConfig struct {
	// WSURL is the price-service WebSocket endpoint. Leave empty to rely on
	// the internal "prices" channel only.
	WSURL   string   `toml:"ws_url"`
	Tickers []string `toml:"tickers"`
}

// ServerConfig holds the HTTP/WebSocket API parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimit is requests per rate_window per client IP; 0 disables it.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig holds cold-storage archival parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Fees: FeesConfig{
			Rate:          0.001,
			MinimumFee:    0.01,
			ReferrerSplit: 0.5,
		},
		AMM: AMMConfig{
			SeedLiquidity: 1000,
		},
		Perps: PerpsConfig{
			MinLeverage:       1,
			MaxLeverage:       10,
			MaintenanceFactor: 0.95,
			ReconcileInterval: duration{10 * time.Second},
		},
		Oracle: OracleConfig{
			ChainID:     8453,
			CallTimeout: duration{30 * time.Second},
		},
		Server: ServerConfig{
			Enabled:    true,
			Port:       8080,
			RateLimit:  100,
			RateWindow: duration{time.Minute},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "marketcore",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "marketcore-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"engine":  true,
	"archive": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: engine, archive, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Fees
	if c.Fees.Rate < 0 || c.Fees.Rate >= 1 {
		errs = append(errs, fmt.Sprintf("fees: rate must be in [0, 1), got %v", c.Fees.Rate))
	}
	if c.Fees.MinimumFee < 0 {
		errs = append(errs, "fees: minimum_fee must be >= 0")
	}
	if c.Fees.ReferrerSplit < 0 || c.Fees.ReferrerSplit > 1 {
		errs = append(errs, fmt.Sprintf("fees: referrer_split must be in [0, 1], got %v", c.Fees.ReferrerSplit))
	}

	// AMM
	if c.AMM.SeedLiquidity <= 0 {
		errs = append(errs, "amm: seed_liquidity must be > 0")
	}

	// Perps
	if c.Perps.MinLeverage < 1 {
		errs = append(errs, "perps: min_leverage must be >= 1")
	}
	if c.Perps.MaxLeverage < c.Perps.MinLeverage {
		errs = append(errs, "perps: max_leverage must be >= min_leverage")
	}
	if c.Perps.MaintenanceFactor <= 0 || c.Perps.MaintenanceFactor >= 1 {
		errs = append(errs, fmt.Sprintf("perps: maintenance_factor must be in (0, 1), got %v", c.Perps.MaintenanceFactor))
	}
	if c.Perps.ReconcileInterval.Duration <= 0 {
		errs = append(errs, "perps: reconcile_interval must be positive")
	}

	// Engine modes must be able to commit and reveal.
	needsOracle := c.Mode == "engine" || c.Mode == "full"
	if needsOracle {
		if c.Oracle.RPCURL == "" {
			errs = append(errs, "oracle: rpc_url must not be empty for mode "+c.Mode)
		}
		if c.Oracle.ContractAddress == "" {
			errs = append(errs, "oracle: contract_address must not be empty for mode "+c.Mode)
		}
		if c.Oracle.ChainID <= 0 {
			errs = append(errs, "oracle: chain_id must be positive")
		}
		if c.Oracle.PrivateKey == "" && c.Oracle.EncryptedKeyPath == "" {
			errs = append(errs, "oracle: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Oracle.EncryptedKeyPath != "" && c.Oracle.KeyPassword == "" {
			errs = append(errs, "oracle: key_password is required when encrypted_key_path is set")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be positive when rate_limit is set")
		}
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 / archive
	if c.Archive.Enabled || c.Mode == "archive" {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archival is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archival is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be positive")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
