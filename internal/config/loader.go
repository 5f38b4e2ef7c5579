package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies BABYLON_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known BABYLON_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Fees ──
	setFloat64(&cfg.Fees.Rate, "BABYLON_FEES_RATE")
	setFloat64(&cfg.Fees.MinimumFee, "BABYLON_FEES_MINIMUM_FEE")
	setFloat64(&cfg.Fees.ReferrerSplit, "BABYLON_FEES_REFERRER_SPLIT")

	// ── AMM ──
	setFloat64(&cfg.AMM.SeedLiquidity, "BABYLON_AMM_SEED_LIQUIDITY")

	// ── Perps ──
	setFloat64(&cfg.Perps.MinLeverage, "BABYLON_PERPS_MIN_LEVERAGE")
	setFloat64(&cfg.Perps.MaxLeverage, "BABYLON_PERPS_MAX_LEVERAGE")
	setFloat64(&cfg.Perps.MaintenanceFactor, "BABYLON_PERPS_MAINTENANCE_FACTOR")
	setDuration(&cfg.Perps.ReconcileInterval, "BABYLON_PERPS_RECONCILE_INTERVAL")

	// ── Oracle ──
	setStr(&cfg.Oracle.RPCURL, "BABYLON_ORACLE_RPC_URL")
	setStr(&cfg.Oracle.ContractAddress, "BABYLON_ORACLE_CONTRACT_ADDRESS")
	setInt64(&cfg.Oracle.ChainID, "BABYLON_ORACLE_CHAIN_ID")
	setStr(&cfg.Oracle.PrivateKey, "BABYLON_ORACLE_PRIVATE_KEY")
	setStr(&cfg.Oracle.EncryptedKeyPath, "BABYLON_ORACLE_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Oracle.KeyPassword, "BABYLON_ORACLE_KEY_PASSWORD")
	setDuration(&cfg.Oracle.CallTimeout, "BABYLON_ORACLE_CALL_TIMEOUT")

	// ── Feed ──
	setStr(&cfg.Feed.WSURL, "BABYLON_FEED_WS_URL")
	setStringSlice(&cfg.Feed.Tickers, "BABYLON_FEED_TICKERS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "BABYLON_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "BABYLON_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "BABYLON_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "BABYLON_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "BABYLON_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "BABYLON_SERVER_RATE_WINDOW")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "BABYLON_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "BABYLON_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "BABYLON_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "BABYLON_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "BABYLON_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "BABYLON_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "BABYLON_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "BABYLON_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "BABYLON_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "BABYLON_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "BABYLON_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "BABYLON_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "BABYLON_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "BABYLON_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "BABYLON_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "BABYLON_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "BABYLON_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "BABYLON_S3_REGION")
	setStr(&cfg.S3.Bucket, "BABYLON_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "BABYLON_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "BABYLON_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "BABYLON_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "BABYLON_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "BABYLON_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "BABYLON_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "BABYLON_ARCHIVE_INTERVAL")

	// ── Top-level ──
	setStr(&cfg.Mode, "BABYLON_MODE")
	setStr(&cfg.LogLevel, "BABYLON_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
