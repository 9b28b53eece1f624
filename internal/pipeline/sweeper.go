package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/boxmeout/internal/domain"
)

// ExpiryCloser closes OPEN markets whose deadline has passed.
type ExpiryCloser interface {
	CloseExpired(ctx context.Context, now time.Time) (int, error)
}

// PendingSettler finishes settlement work left behind by a crash or an
// exhausted retry budget.
type PendingSettler interface {
	ResumePending(ctx context.Context) (int, error)
	ArchiveMissing(ctx context.Context) (int, error)
}

// Job is one unit of worker housekeeping.
type Job func(ctx context.Context) error

// Sweeper runs a Job under a shared lock so only one worker instance does it
// at a time. A nil lock manager runs jobs unguarded.
type Sweeper struct {
	name    string
	job     Job
	locks   domain.LockManager
	lockTTL time.Duration
	logger  *slog.Logger
}

// NewSweeper creates a Sweeper that holds lock "sweeper:{name}" while job runs.
func NewSweeper(name string, job Job, locks domain.LockManager, lockTTL time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		name:    name,
		job:     job,
		locks:   locks,
		lockTTL: lockTTL,
		logger:  logger.With(slog.String("sweep", name)),
	}
}

// Run executes a single sweep. A sweep skipped because another instance
// holds the lock is not an error.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, "sweeper:"+s.name, s.lockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			s.logger.DebugContext(ctx, "sweep skipped, lock held elsewhere")
			return nil
		}
		if err != nil {
			return fmt.Errorf("sweep %s: acquire lock: %w", s.name, err)
		}
		defer unlock()
	}
	if err := s.job(ctx); err != nil {
		return fmt.Errorf("sweep %s: %w", s.name, err)
	}
	return nil
}

// RunLoop runs the sweep immediately and then on every tick until ctx is
// cancelled. Failed sweeps are logged and retried on the next tick.
func (s *Sweeper) RunLoop(ctx context.Context, interval time.Duration) error {
	if err := s.Run(ctx); err != nil {
		s.logger.Error("sweep failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweep loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.Run(ctx); err != nil {
				s.logger.Error("sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// CloseExpiredJob closes overdue markets as of now().
func CloseExpiredJob(closer ExpiryCloser, now func() time.Time, logger *slog.Logger) Job {
	return func(ctx context.Context) error {
		n, err := closer.CloseExpired(ctx, now())
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("closed expired markets", slog.Int("count", n))
		}
		return nil
	}
}

// ResumeJob resumes incomplete settlement plans.
func ResumeJob(settler PendingSettler, logger *slog.Logger) Job {
	return func(ctx context.Context) error {
		n, err := settler.ResumePending(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("resumed settlements", slog.Int("count", n))
		}
		return nil
	}
}

// ArchiveJob writes missing reports for completed settlements.
func ArchiveJob(settler PendingSettler, logger *slog.Logger) Job {
	return func(ctx context.Context) error {
		n, err := settler.ArchiveMissing(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("archived settlement reports", slog.Int("count", n))
		}
		return nil
	}
}
