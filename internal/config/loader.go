package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads the TOML file at path over the built-in defaults, loads .env if
// present and applies BOXMEOUT_* overrides. An empty path skips the file.
// The result is not validated; call Config.Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose BOXMEOUT_* variable is set and
// non-empty, so secrets can be injected at deploy time.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Ledger.Driver, "BOXMEOUT_LEDGER_DRIVER")

	setStr(&cfg.Postgres.DSN, "BOXMEOUT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.Host, "BOXMEOUT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "BOXMEOUT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "BOXMEOUT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "BOXMEOUT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "BOXMEOUT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "BOXMEOUT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "BOXMEOUT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "BOXMEOUT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "BOXMEOUT_POSTGRES_RUN_MIGRATIONS")

	setStr(&cfg.SQLite.Path, "BOXMEOUT_SQLITE_PATH")
	setDuration(&cfg.SQLite.BusyTimeout, "BOXMEOUT_SQLITE_BUSY_TIMEOUT")
	setBool(&cfg.SQLite.RunMigrations, "BOXMEOUT_SQLITE_RUN_MIGRATIONS")

	setBool(&cfg.Redis.Enabled, "BOXMEOUT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "BOXMEOUT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "BOXMEOUT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "BOXMEOUT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "BOXMEOUT_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "BOXMEOUT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "BOXMEOUT_REDIS_KEY_PREFIX")

	setBool(&cfg.S3.Enabled, "BOXMEOUT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "BOXMEOUT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "BOXMEOUT_S3_REGION")
	setStr(&cfg.S3.Bucket, "BOXMEOUT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "BOXMEOUT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "BOXMEOUT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "BOXMEOUT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "BOXMEOUT_S3_FORCE_PATH_STYLE")

	setInt(&cfg.Executor.MaxAttempts, "BOXMEOUT_EXECUTOR_MAX_ATTEMPTS")
	setDuration(&cfg.Executor.InitialInterval, "BOXMEOUT_EXECUTOR_INITIAL_INTERVAL")
	setDuration(&cfg.Executor.MaxInterval, "BOXMEOUT_EXECUTOR_MAX_INTERVAL")

	setInt(&cfg.Settlement.BatchSize, "BOXMEOUT_SETTLEMENT_BATCH_SIZE")
	setDuration(&cfg.Settlement.LockTTL, "BOXMEOUT_SETTLEMENT_LOCK_TTL")
	setBool(&cfg.Settlement.ArchiveReports, "BOXMEOUT_SETTLEMENT_ARCHIVE_REPORTS")

	setDuration(&cfg.Worker.SweepInterval, "BOXMEOUT_WORKER_SWEEP_INTERVAL")
	setDuration(&cfg.Worker.ResumeInterval, "BOXMEOUT_WORKER_RESUME_INTERVAL")
	setStr(&cfg.Worker.ArchiveCron, "BOXMEOUT_WORKER_ARCHIVE_CRON")

	setStr(&cfg.Signing.PrivateKey, "BOXMEOUT_SIGNING_PRIVATE_KEY")
	setStr(&cfg.Signing.EncryptedKeyPath, "BOXMEOUT_SIGNING_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Signing.KeyPassword, "BOXMEOUT_SIGNING_KEY_PASSWORD")
	setInt(&cfg.Signing.ChainID, "BOXMEOUT_SIGNING_CHAIN_ID")

	setBool(&cfg.Server.Enabled, "BOXMEOUT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "BOXMEOUT_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "BOXMEOUT_SERVER_API_KEY")

	setStr(&cfg.Notify.TelegramToken, "BOXMEOUT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "BOXMEOUT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "BOXMEOUT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "BOXMEOUT_NOTIFY_EVENTS")

	setStr(&cfg.Mode, "BOXMEOUT_MODE")
	setStr(&cfg.LogLevel, "BOXMEOUT_LOG_LEVEL")
}

// Typed env helpers. Each only mutates the target when the variable is set.

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
