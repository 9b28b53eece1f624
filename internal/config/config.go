// Package config defines the boxmeout configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. Fields are populated from a TOML file
// and then optionally overridden by BOXMEOUT_* environment variables.
type Config struct {
	Ledger     LedgerConfig     `toml:"ledger"`
	Postgres   PostgresConfig   `toml:"postgres"`
	SQLite     SQLiteConfig     `toml:"sqlite"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Executor   ExecutorConfig   `toml:"executor"`
	Settlement SettlementConfig `toml:"settlement"`
	Worker     WorkerConfig     `toml:"worker"`
	Signing    SigningConfig    `toml:"signing"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// LedgerConfig picks the ledger backend.
type LedgerConfig struct {
	// Driver is one of postgres, sqlite or memory.
	Driver string `toml:"driver"`
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

// SQLiteConfig holds the embedded ledger location.
type SQLiteConfig struct {
	Path          string   `toml:"path"`
	BusyTimeout   duration `toml:"busy_timeout"`
	MaxConns      int      `toml:"max_conns"`
	RunMigrations bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Redis backs the settlement
// lock, the market cache and the lifecycle bus.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds the settlement report archive location.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	ReportPrefix   string `toml:"report_prefix"`
}

// ExecutorConfig is the unit-of-work retry policy.
type ExecutorConfig struct {
	MaxAttempts     int      `toml:"max_attempts"`
	InitialInterval duration `toml:"initial_interval"`
	MaxInterval     duration `toml:"max_interval"`
}

// SettlementConfig tunes the settlement engine.
type SettlementConfig struct {
	BatchSize      int      `toml:"batch_size"`
	LockTTL        duration `toml:"lock_ttl"`
	ArchiveReports bool     `toml:"archive_reports"`
}

// WorkerConfig schedules the lifecycle worker.
type WorkerConfig struct {
	SweepInterval  duration `toml:"sweep_interval"`
	ResumeInterval duration `toml:"resume_interval"`
	ArchiveCron    string   `toml:"archive_cron"`
	LockTTL        duration `toml:"lock_ttl"`
}

// SigningConfig holds the key that signs settlement reports. Leaving both
// key fields empty disables signing.
type SigningConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	ChainID          int    `toml:"chain_id"`
}

// Enabled reports whether a signing key is configured.
func (s SigningConfig) Enabled() bool {
	return s.PrivateKey != "" || s.EncryptedKeyPath != ""
}

// duration wraps time.Duration so TOML strings like "5m" decode.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds the ops HTTP server parameters.
type ServerConfig struct {
	Enabled bool   `toml:"enabled"`
	Port    int    `toml:"port"`
	APIKey  string `toml:"api_key"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config matching config.example.toml.
func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{Driver: "postgres"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "boxmeout",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		SQLite: SQLiteConfig{
			Path:          "data/boxmeout.db",
			BusyTimeout:   duration{5 * time.Second},
			MaxConns:      1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "boxmeout:",
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "boxmeout-reports",
			ForcePathStyle: true,
			ReportPrefix:   "reports/",
		},
		Executor: ExecutorConfig{
			MaxAttempts:     3,
			InitialInterval: duration{50 * time.Millisecond},
			MaxInterval:     duration{time.Second},
		},
		Settlement: SettlementConfig{
			BatchSize:      200,
			LockTTL:        duration{2 * time.Minute},
			ArchiveReports: true,
		},
		Worker: WorkerConfig{
			SweepInterval:  duration{30 * time.Second},
			ResumeInterval: duration{time.Minute},
			LockTTL:        duration{2 * time.Minute},
		},
		Signing: SigningConfig{ChainID: 1},
		Server: ServerConfig{
			Enabled: true,
			Port:    8000,
		},
		Notify: NotifyConfig{
			Events: []string{"market.resolved", "market.voided", "market.disputed"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"worker":  true,
	"server":  true,
	"migrate": true,
	"full":    true,
}

var validDrivers = map[string]bool{
	"postgres": true,
	"sqlite":   true,
	"memory":   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for invalid or missing values and returns one
// error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: worker, server, migrate, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	switch c.Ledger.Driver {
	case "postgres":
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
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	case "sqlite":
		if c.SQLite.Path == "" {
			errs = append(errs, "sqlite: path must not be empty")
		}
	case "memory":
		if mode == "migrate" {
			errs = append(errs, "ledger: the memory driver has nothing to migrate")
		}
	default:
		errs = append(errs, fmt.Sprintf("ledger: unknown driver %q (valid: postgres, sqlite, memory)", c.Ledger.Driver))
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	if c.Executor.MaxAttempts < 1 {
		errs = append(errs, "executor: max_attempts must be >= 1")
	}
	if c.Executor.InitialInterval.Duration <= 0 || c.Executor.MaxInterval.Duration < c.Executor.InitialInterval.Duration {
		errs = append(errs, "executor: need 0 < initial_interval <= max_interval")
	}

	if c.Settlement.BatchSize < 1 {
		errs = append(errs, "settlement: batch_size must be >= 1")
	}
	if c.Settlement.LockTTL.Duration <= 0 {
		errs = append(errs, "settlement: lock_ttl must be > 0")
	}

	if mode == "worker" || mode == "full" {
		if c.Worker.SweepInterval.Duration <= 0 {
			errs = append(errs, "worker: sweep_interval must be > 0")
		}
		if c.Worker.ResumeInterval.Duration <= 0 {
			errs = append(errs, "worker: resume_interval must be > 0")
		}
		if c.Worker.ArchiveCron != "" && len(strings.Fields(c.Worker.ArchiveCron)) != 5 {
			errs = append(errs, fmt.Sprintf("worker: archive_cron %q must have 5 fields", c.Worker.ArchiveCron))
		}
	}

	if c.Signing.EncryptedKeyPath != "" && c.Signing.PrivateKey == "" && c.Signing.KeyPassword == "" {
		errs = append(errs, "signing: key_password is required when encrypted_key_path is set")
	}
	if c.Signing.ChainID <= 0 {
		errs = append(errs, "signing: chain_id must be positive")
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
