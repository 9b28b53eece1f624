// Package executor runs units of work against the ledger with all-or-nothing
// semantics and bounded retry on transient store conflicts.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alanyoungcy/boxmeout/internal/domain"
	"github.com/alanyoungcy/boxmeout/internal/metrics"
)

// UnitOfWork is one atomic sequence of reads and writes. It may be invoked
// several times for a single Run call, each time against a fresh
// transaction, so it must not keep state between invocations.
type UnitOfWork func(ctx context.Context, tx domain.LedgerTx) error

// BatchFunc is one step of a batched operation. It reports done=true when no
// further batches are needed.
type BatchFunc func(ctx context.Context, tx domain.LedgerTx) (done bool, err error)

// BatchHook runs after each committed batch, outside any transaction.
// committed counts the batches committed so far.
type BatchHook func(ctx context.Context, committed int)

type maybeCommittedKey struct{}

// MaybeCommitted reports whether an earlier attempt of the running unit of
// work failed with domain.ErrCommitUnknown. Such a unit may find its own
// writes already in the ledger and must not apply them twice.
func MaybeCommitted(ctx context.Context) bool {
	v, _ := ctx.Value(maybeCommittedKey{}).(bool)
	return v
}

// Policy bounds the retry loop.
type Policy struct {
	// MaxAttempts counts the first try. Values below 1 mean 1.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy is three attempts with a short exponential delay.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
	}
}

// Executor is the only component that begins, commits and rolls back ledger
// transactions.
type Executor struct {
	ledger domain.Ledger
	policy Policy
	logger *slog.Logger
}

// New creates an Executor over ledger.
func New(ledger domain.Ledger, policy Policy, logger *slog.Logger) *Executor {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = DefaultPolicy().InitialInterval
	}
	if policy.MaxInterval < policy.InitialInterval {
		policy.MaxInterval = policy.InitialInterval
	}
	return &Executor{
		ledger: ledger,
		policy: policy,
		logger: logger.With(slog.String("component", "executor")),
	}
}

// Policy returns the effective retry policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Run executes work in a transaction and commits it. Transient conflicts
// re-run the whole unit on a new transaction until the attempt budget is
// spent, after which the error wraps domain.ErrStoreUnavailable. Any other
// error is returned unchanged after rollback.
func (e *Executor) Run(ctx context.Context, name string, work UnitOfWork) error {
	return e.run(ctx, name, work, false)
}

// View executes work in a transaction that is always rolled back. It is
// retried like Run.
func (e *Executor) View(ctx context.Context, name string, work UnitOfWork) error {
	return e.run(ctx, name, work, true)
}

// RunBatches calls batch in successive units of work until it reports done.
// Each batch commits on its own; a failure stops the loop and leaves earlier
// batches committed. hooks run after every commit. It returns the number of
// committed batches.
func (e *Executor) RunBatches(ctx context.Context, name string, batch BatchFunc, hooks ...BatchHook) (int, error) {
	committed := 0
	for {
		if err := ctx.Err(); err != nil {
			return committed, err
		}

		var done bool
		err := e.Run(ctx, name, func(ctx context.Context, tx domain.LedgerTx) error {
			d, err := batch(ctx, tx)
			done = d
			return err
		})
		if err != nil {
			return committed, err
		}
		committed++
		for _, h := range hooks {
			h(ctx, committed)
		}
		if done {
			return committed, nil
		}
	}
}

func (e *Executor) run(ctx context.Context, name string, work UnitOfWork, readOnly bool) error {
	start := time.Now()
	attempts := 0
	uncertain := false

	op := func() error {
		attempts++
		metrics.TxAttempts.WithLabelValues(name).Inc()

		err := e.attempt(context.WithValue(ctx, maybeCommittedKey{}, uncertain), work, readOnly)
		if errors.Is(err, domain.ErrCommitUnknown) {
			uncertain = true
		}
		if err == nil || domain.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	notify := func(err error, wait time.Duration) {
		metrics.TxRetries.WithLabelValues(name).Inc()
		e.logger.WarnContext(ctx, "executor: transient conflict, retrying",
			slog.String("unit", name),
			slog.Int("attempt", attempts),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	}

	err := backoff.RetryNotify(op, e.newBackOff(ctx), notify)
	if err != nil && domain.IsTransient(err) {
		err = fmt.Errorf("executor: %s: %w after %d attempts: %v",
			name, domain.ErrStoreUnavailable, attempts, err)
	}

	metrics.TxResults.WithLabelValues(name, domain.Classify(err).String()).Inc()
	metrics.TxDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err != nil {
		e.logger.DebugContext(ctx, "executor: unit failed",
			slog.String("unit", name),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)
		return err
	}
	e.logger.DebugContext(ctx, "executor: unit committed",
		slog.String("unit", name),
		slog.Int("attempts", attempts),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// attempt runs work once on a fresh transaction. Nothing the work wrote is
// visible unless Commit succeeds.
func (e *Executor) attempt(ctx context.Context, work UnitOfWork, readOnly bool) (err error) {
	tx, err := e.ledger.Begin(ctx)
	if err != nil {
		return fmt.Errorf("executor: begin: %w", err)
	}

	finished := false
	defer func() {
		if finished {
			return
		}
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			e.logger.WarnContext(ctx, "executor: rollback failed", slog.String("error", rbErr.Error()))
		}
	}()

	if err := work(ctx, tx); err != nil {
		return err
	}
	if readOnly {
		return nil
	}

	finished = true
	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return fmt.Errorf("executor: commit: %w", err)
	}
	return nil
}

func (e *Executor) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = e.policy.InitialInterval
	exp.MaxInterval = e.policy.MaxInterval
	exp.MaxElapsedTime = 0
	return backoff.WithContext(
		backoff.WithMaxRetries(exp, uint64(e.policy.MaxAttempts-1)),
		ctx,
	)
}
