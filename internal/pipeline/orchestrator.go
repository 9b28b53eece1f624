// Package pipeline runs the lifecycle worker's background loops.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/boxmeout/internal/domain"
)

// WorkerConfig holds the worker schedule.
type WorkerConfig struct {
	SweepInterval  time.Duration
	ResumeInterval time.Duration
	// ArchiveCron schedules the report archive sweep. Empty means it runs
	// alongside resume on ResumeInterval.
	ArchiveCron string
	LockTTL     time.Duration
}

// Orchestrator runs the close, resume and archive sweeps concurrently.
type Orchestrator struct {
	closeSweep   *Sweeper
	resumeSweep  *Sweeper
	archiveSweep *Sweeper
	cfg          WorkerConfig
	logger       *slog.Logger
}

// NewOrchestrator wires the three sweeps. locks may be nil for a single
// instance deployment.
func NewOrchestrator(
	closer ExpiryCloser,
	settler PendingSettler,
	locks domain.LockManager,
	cfg WorkerConfig,
	logger *slog.Logger,
) *Orchestrator {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	logger = logger.With(slog.String("component", "worker"))
	return &Orchestrator{
		closeSweep:   NewSweeper("close", CloseExpiredJob(closer, time.Now, logger), locks, cfg.LockTTL, logger),
		resumeSweep:  NewSweeper("resume", ResumeJob(settler, logger), locks, cfg.LockTTL, logger),
		archiveSweep: NewSweeper("archive", ArchiveJob(settler, logger), locks, cfg.LockTTL, logger),
		cfg:          cfg,
		logger:       logger,
	}
}

// Run starts all loops and blocks until ctx is cancelled or a loop fails.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("lifecycle worker starting",
		slog.Duration("sweep_interval", o.cfg.SweepInterval),
		slog.Duration("resume_interval", o.cfg.ResumeInterval),
		slog.String("archive_cron", o.cfg.ArchiveCron),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return loopErr(ctx, "close sweep", o.closeSweep.RunLoop(ctx, o.cfg.SweepInterval))
	})
	g.Go(func() error {
		return loopErr(ctx, "resume sweep", o.resumeSweep.RunLoop(ctx, o.cfg.ResumeInterval))
	})
	g.Go(func() error {
		var err error
		if o.cfg.ArchiveCron != "" {
			err = o.archiveSweep.RunCron(ctx, o.cfg.ArchiveCron)
		} else {
			err = o.archiveSweep.RunLoop(ctx, o.cfg.ResumeInterval)
		}
		return loopErr(ctx, "archive sweep", err)
	})

	if err := g.Wait(); err != nil {
		o.logger.Error("lifecycle worker stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("lifecycle worker stopped cleanly")
	return nil
}

// RunOnce performs one pass of every sweep, in order.
func (o *Orchestrator) RunOnce(ctx context.Context) error {
	for _, s := range []*Sweeper{o.closeSweep, o.resumeSweep, o.archiveSweep} {
		if err := s.Run(ctx); err != nil {
			return err
		}
	}
	return nil
}

func loopErr(ctx context.Context, name string, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}
