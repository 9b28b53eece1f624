package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/boxmeout/internal/blob/s3"
	"github.com/alanyoungcy/boxmeout/internal/cache/redis"
	"github.com/alanyoungcy/boxmeout/internal/config"
	"github.com/alanyoungcy/boxmeout/internal/crypto"
	"github.com/alanyoungcy/boxmeout/internal/domain"
	"github.com/alanyoungcy/boxmeout/internal/executor"
	"github.com/alanyoungcy/boxmeout/internal/notify"
	"github.com/alanyoungcy/boxmeout/internal/server/handler"
	"github.com/alanyoungcy/boxmeout/internal/service"
	"github.com/alanyoungcy/boxmeout/internal/store/memory"
	"github.com/alanyoungcy/boxmeout/internal/store/postgres"
	"github.com/alanyoungcy/boxmeout/internal/store/sqlite"
)

// Dependencies bundles the concrete infrastructure for the configured
// drivers. Optional pieces are nil interfaces when disabled.
type Dependencies struct {
	Ledger   domain.Ledger
	Migrator domain.Migrator
	Audit    domain.AuditStore

	Redis       *redis.Client
	Locks       domain.LockManager
	MarketCache domain.MarketCache
	Bus         *redis.SignalBus

	Archive domain.ReportArchive
	Signer  *crypto.ReportSigner

	Notifier *notify.Notifier

	// Checks are pinged by the health endpoint.
	Checks map[string]handler.Pinger
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Wire builds Dependencies from cfg. The returned cleanup releases every
// opened resource in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Checks: map[string]handler.Pinger{}}

	switch cfg.Ledger.Driver {
	case "postgres":
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pg.Close)
		deps.Ledger, deps.Migrator, deps.Audit = pg.Ledger(), pg, pg.Audit()
		deps.Checks["ledger"] = pg
		if cfg.Postgres.RunMigrations && cfg.Mode != "migrate" {
			if err := pg.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

	case "sqlite":
		st, err := sqlite.Open(ctx, sqlite.Config{
			Path:        cfg.SQLite.Path,
			BusyTimeout: cfg.SQLite.BusyTimeout.Duration,
			MaxConns:    cfg.SQLite.MaxConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: sqlite: %w", err))
		}
		closers = append(closers, func() { _ = st.Close() })
		deps.Ledger, deps.Migrator, deps.Audit = st, st, st.Audit()
		deps.Checks["ledger"] = pingFunc(st.DB().PingContext)
		if cfg.SQLite.RunMigrations && cfg.Mode != "migrate" {
			if err := st.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: sqlite migrations: %w", err))
			}
		}

	case "memory":
		logger.WarnContext(ctx, "wire: using the in-memory ledger; state is lost on exit")
		deps.Ledger, deps.Audit = memory.NewLedger(), memory.NewAuditStore()

	default:
		return fail(fmt.Errorf("wire: unknown ledger driver %q", cfg.Ledger.Driver))
	}

	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = rc.Close() })
		deps.Redis = rc
		deps.Locks = redis.NewLockManager(rc)
		deps.MarketCache = redis.NewMarketCache(rc)
		deps.Bus = redis.NewSignalBus(rc)
		deps.Checks["redis"] = rc
	}

	if cfg.Signing.Enabled() {
		key, err := crypto.ResolveSigningKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Signing.PrivateKey,
			EncryptedKeyPath: cfg.Signing.EncryptedKeyPath,
			KeyPassword:      cfg.Signing.KeyPassword,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: signing key: %w", err))
		}
		signer, err := crypto.NewReportSigner(key, cfg.Signing.ChainID)
		if err != nil {
			return fail(fmt.Errorf("wire: report signer: %w", err))
		}
		deps.Signer = signer
		logger.InfoContext(ctx, "wire: settlement reports will be signed",
			slog.String("signer", signer.Address().Hex()),
		)
	}

	if cfg.S3.Enabled {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		if err := sc.EnsureBucket(ctx); err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		// Without an operator key archived reports cannot be verified.
		var verifier s3blob.ReportVerifier
		if deps.Signer != nil {
			verifier = crypto.NewReportVerifier(cfg.Signing.ChainID, deps.Signer.Address())
		}
		deps.Archive = s3blob.NewReportArchive(s3blob.NewWriter(sc), s3blob.NewReader(sc), verifier, cfg.S3.ReportPrefix)
		deps.Checks["s3"] = pingFunc(sc.Health)
	}

	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// BuildCore assembles the services over deps.
func BuildCore(cfg *config.Config, deps *Dependencies, logger *slog.Logger) *service.Core {
	exec := executor.New(deps.Ledger, executor.Policy{
		MaxAttempts:     cfg.Executor.MaxAttempts,
		InitialInterval: cfg.Executor.InitialInterval.Duration,
		MaxInterval:     cfg.Executor.MaxInterval.Duration,
	}, logger)

	var bus domain.SignalBus
	if deps.Bus != nil {
		bus = deps.Bus
	}
	var notifier service.Notifier
	if deps.Notifier.Enabled() {
		notifier = deps.Notifier
	}
	events := service.NewEvents(bus, deps.Audit, notifier, logger)

	settle := service.NewSettlementService(exec, events, service.SettlementConfig{
		BatchSize:      cfg.Settlement.BatchSize,
		LockTTL:        cfg.Settlement.LockTTL.Duration,
		ArchiveReports: cfg.Settlement.ArchiveReports,
	}, logger)
	if deps.Locks != nil {
		settle.WithLocks(deps.Locks)
	}
	var signer service.ReportSigner
	if deps.Signer != nil {
		signer = deps.Signer
	}
	settle.WithArchive(deps.Archive, signer)

	return &service.Core{
		Markets:     service.NewMarketService(exec, settle, events, deps.MarketCache, logger),
		Predictions: service.NewPredictionService(exec, events, logger),
		Settlement:  settle,
		Accounts:    service.NewAccountService(exec, logger),
		Treasury:    service.NewTreasuryService(exec, events, logger),
	}
}
