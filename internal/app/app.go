// Package app wires boxmeout's dependencies and runs the configured mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/boxmeout/internal/config"
)

// App owns the configuration, logger and the cleanup functions run on
// shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates an App.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires dependencies and blocks in the configured mode until ctx is
// cancelled or the mode fails. Migrate mode returns once the schema is
// applied.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("ledger", a.cfg.Ledger.Driver),
		slog.Any("config", config.RedactedConfig(a.cfg)),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	mode := strings.ToLower(a.cfg.Mode)
	if mode == "migrate" {
		return a.MigrateMode(ctx, deps)
	}

	core := BuildCore(a.cfg, deps, a.logger)
	switch mode {
	case "worker":
		return a.WorkerMode(ctx, deps, core)
	case "server":
		return a.ServerMode(ctx, deps, core)
	case "full":
		return a.FullMode(ctx, deps, core)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close runs cleanup in reverse registration order. Calling it twice is a
// no-op.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
