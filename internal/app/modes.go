package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/boxmeout/internal/pipeline"
	"github.com/alanyoungcy/boxmeout/internal/server"
	"github.com/alanyoungcy/boxmeout/internal/server/handler"
	"github.com/alanyoungcy/boxmeout/internal/server/ws"
	"github.com/alanyoungcy/boxmeout/internal/service"
)

const shutdownTimeout = 5 * time.Second

// MigrateMode applies the ledger schema and returns.
func (a *App) MigrateMode(ctx context.Context, deps *Dependencies) error {
	if deps.Migrator == nil {
		return fmt.Errorf("migrate: ledger driver %q has no schema", a.cfg.Ledger.Driver)
	}
	if err := deps.Migrator.RunMigrations(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.logger.InfoContext(ctx, "migrations applied", slog.String("driver", a.cfg.Ledger.Driver))
	return nil
}

// WorkerMode runs the lifecycle worker until ctx is cancelled.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies, core *service.Core) error {
	a.logger.InfoContext(ctx, "starting worker mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startWorker(ctx, g, deps, core)
	return g.Wait()
}

// ServerMode runs the ops HTTP server until ctx is cancelled.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies, core *service.Core) error {
	a.logger.InfoContext(ctx, "starting server mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, core)
	return g.Wait()
}

// FullMode runs the worker and, when enabled, the ops server.
func (a *App) FullMode(ctx context.Context, deps *Dependencies, core *service.Core) error {
	a.logger.InfoContext(ctx, "starting full mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startWorker(ctx, g, deps, core)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, core)
	}
	return g.Wait()
}

func (a *App) startWorker(ctx context.Context, g *errgroup.Group, deps *Dependencies, core *service.Core) {
	orch := pipeline.NewOrchestrator(core.Markets, core.Settlement, deps.Locks, pipeline.WorkerConfig{
		SweepInterval:  a.cfg.Worker.SweepInterval.Duration,
		ResumeInterval: a.cfg.Worker.ResumeInterval.Duration,
		ArchiveCron:    a.cfg.Worker.ArchiveCron,
		LockTTL:        a.cfg.Worker.LockTTL.Duration,
	}, a.logger)
	g.Go(func() error {
		return orch.Run(ctx)
	})
}

// startHTTPServer adds the ops server, and the websocket hub when Redis is
// wired, to g. The server shuts down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, core *service.Core) {
	var hub *ws.Hub
	if deps.Bus != nil {
		hub = ws.NewHub(deps.Bus, deps.Bus, ws.Config{Mode: a.cfg.Mode, StartedAt: time.Now().UTC()}, a.logger)
		g.Go(func() error {
			if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("ws hub: %w", err)
			}
			return nil
		})
	}

	srv := server.NewServer(server.Config{
		Port:   a.cfg.Server.Port,
		APIKey: a.cfg.Server.APIKey,
	}, server.Handlers{
		Health:   handler.NewHealthHandler(deps.Checks, a.logger),
		Markets:  handler.NewMarketHandler(core.Markets, core.Settlement, a.logger),
		Accounts: handler.NewAccountHandler(core.Accounts, a.logger),
		Audit:    handler.NewAuditHandler(deps.Audit, a.logger),
	}, hub, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
