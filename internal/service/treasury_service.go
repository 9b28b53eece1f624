package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/boxmeout/internal/domain"
	"github.com/alanyoungcy/boxmeout/internal/executor"
)

// TreasuryService holds the platform fee pools. Fees are deposited by
// operators; settlement never takes a rake.
type TreasuryService struct {
	exec   *executor.Executor
	events *Events
	logger *slog.Logger
	now    func() time.Time
}

// NewTreasuryService creates a TreasuryService.
func NewTreasuryService(exec *executor.Executor, events *Events, logger *slog.Logger) *TreasuryService {
	return &TreasuryService{
		exec:   exec,
		events: events,
		logger: logger.With(slog.String("component", "treasury_service")),
		now:    time.Now,
	}
}

// DepositFees moves amount from an account into a fee pool.
func (s *TreasuryService) DepositFees(ctx context.Context, accountID string, category domain.FeeCategory, amount int64) (domain.FeePool, error) {
	if amount <= 0 {
		return domain.FeePool{}, fmt.Errorf("treasury_service: deposit: amount %d: %w", amount, domain.ErrInvalidArgument)
	}
	if !category.Valid() {
		return domain.FeePool{}, fmt.Errorf("treasury_service: deposit: category %q: %w", category, domain.ErrInvalidArgument)
	}

	journalID := uuid.NewString()
	var pool domain.FeePool
	err := s.exec.Run(ctx, "treasury.deposit", func(ctx context.Context, tx domain.LedgerTx) error {
		if applied, err := journaled(ctx, tx, journalID); err != nil || applied {
			if err == nil {
				pool, err = tx.GetFeePool(ctx, category)
			}
			return err
		}

		now := s.now()
		a, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if err := a.Debit(amount); err != nil {
			return err
		}
		a.UpdatedAt = now
		if err := tx.PutAccount(ctx, a); err != nil {
			return err
		}

		p, err := tx.GetFeePool(ctx, category)
		if err != nil {
			return err
		}
		p.Balance += amount
		p.UpdatedAt = now
		if err := tx.PutFeePool(ctx, p); err != nil {
			return err
		}

		if err := tx.AppendJournal(ctx, domain.JournalEntry{
			ID:        journalID,
			AccountID: accountID,
			Amount:    -amount,
			Kind:      domain.JournalFee,
			Reference: string(category),
			CreatedAt: now,
		}); err != nil {
			return err
		}
		pool = p
		return nil
	})
	if err != nil {
		return domain.FeePool{}, fmt.Errorf("treasury_service: deposit %s: %w", category, err)
	}

	s.events.Emit(ctx, domain.LifecycleEvent{Event: EventTreasuryDeposit, AccountID: accountID, Amount: amount},
		map[string]any{"category": string(category), "pool_balance": pool.Balance})
	return pool, nil
}

// DistributeLeaderboard pays the leaderboard pool out by basis points. The
// shares must add up to exactly 10000. Rounding dust stays in the pool. It
// returns the amount distributed.
func (s *TreasuryService) DistributeLeaderboard(ctx context.Context, shares []domain.RewardShare) (int64, error) {
	if len(shares) == 0 {
		return 0, fmt.Errorf("treasury_service: distribute: no shares: %w", domain.ErrInvalidArgument)
	}
	total := 0
	for _, sh := range shares {
		if sh.AccountID == "" || sh.Bps <= 0 {
			return 0, fmt.Errorf("treasury_service: distribute: share %+v: %w", sh, domain.ErrInvalidArgument)
		}
		total += sh.Bps
	}
	if total != domain.BasisPoints {
		return 0, fmt.Errorf("treasury_service: distribute: shares sum to %d bps: %w", total, domain.ErrInvalidArgument)
	}

	run := uuid.NewString()
	entryID := func(i int) string { return run + ":" + strconv.Itoa(i) }

	var paid int64
	err := s.exec.Run(ctx, "treasury.distribute", func(ctx context.Context, tx domain.LedgerTx) error {
		paid = 0
		applied := false
		for i := range shares {
			e, err := tx.GetJournal(ctx, entryID(i))
			switch {
			case err == nil:
				applied = true
				paid += e.Amount
			case !errors.Is(err, domain.ErrNotFound):
				return err
			}
		}
		if applied {
			return nil
		}

		now := s.now()
		pool, err := tx.GetFeePool(ctx, domain.FeeLeaderboard)
		if err != nil {
			return err
		}
		if pool.Balance == 0 {
			return nil
		}

		for i, sh := range shares {
			amount := bpsOf(pool.Balance, sh.Bps)
			if amount == 0 {
				continue
			}
			a, err := tx.GetAccount(ctx, sh.AccountID)
			if err != nil {
				return err
			}
			if err := a.Credit(amount); err != nil {
				return err
			}
			a.UpdatedAt = now
			if err := tx.PutAccount(ctx, a); err != nil {
				return err
			}
			if err := tx.AppendJournal(ctx, domain.JournalEntry{
				ID:        entryID(i),
				AccountID: sh.AccountID,
				Amount:    amount,
				Kind:      domain.JournalReward,
				Reference: string(domain.FeeLeaderboard),
				CreatedAt: now,
			}); err != nil {
				return err
			}
			paid += amount
		}

		pool.Balance -= paid
		pool.UpdatedAt = now
		return tx.PutFeePool(ctx, pool)
	})
	if err != nil {
		return 0, fmt.Errorf("treasury_service: distribute: %w", err)
	}

	if paid > 0 {
		s.logger.InfoContext(ctx, "treasury_service: leaderboard distributed",
			slog.Int("recipients", len(shares)),
			slog.String("amount", FormatAmount(paid)),
		)
		s.events.Emit(ctx, domain.LifecycleEvent{Event: EventTreasuryDistributed, Amount: paid},
			map[string]any{"recipients": len(shares)})
	}
	return paid, nil
}

// Pools returns the balance of every fee pool.
func (s *TreasuryService) Pools(ctx context.Context) ([]domain.FeePool, error) {
	out := make([]domain.FeePool, 0, len(domain.FeeCategories))
	err := s.exec.View(ctx, "treasury.pools", func(ctx context.Context, tx domain.LedgerTx) error {
		out = out[:0]
		for _, c := range domain.FeeCategories {
			p, err := tx.GetFeePool(ctx, c)
			if err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("treasury_service: pools: %w", err)
	}
	return out, nil
}

// bpsOf is floor(amount * bps / 10000).
func bpsOf(amount int64, bps int) int64 {
	n := new(big.Int).Mul(big.NewInt(amount), big.NewInt(int64(bps)))
	return n.Quo(n, big.NewInt(domain.BasisPoints)).Int64()
}
