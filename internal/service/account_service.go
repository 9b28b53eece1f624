package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/boxmeout/internal/domain"
	"github.com/alanyoungcy/boxmeout/internal/executor"
)

// AccountService is the minimal account surface: opening accounts and
// funding them. Identity lives outside this module.
type AccountService struct {
	exec   *executor.Executor
	logger *slog.Logger
	now    func() time.Time
}

// NewAccountService creates an AccountService.
func NewAccountService(exec *executor.Executor, logger *slog.Logger) *AccountService {
	return &AccountService{
		exec:   exec,
		logger: logger.With(slog.String("component", "account_service")),
		now:    time.Now,
	}
}

// Open creates an empty account. An empty id is generated.
func (s *AccountService) Open(ctx context.Context, id string) (domain.Account, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now()
	a := domain.Account{ID: id, CreatedAt: now, UpdatedAt: now}

	err := s.exec.Run(ctx, "account.open", func(ctx context.Context, tx domain.LedgerTx) error {
		existing, err := tx.GetAccount(ctx, id)
		if err == nil {
			if executor.MaybeCommitted(ctx) && existing.CreatedAt.Truncate(time.Microsecond).Equal(a.CreatedAt.Truncate(time.Microsecond)) {
				return nil
			}
			return fmt.Errorf("account %s: %w", id, domain.ErrAlreadyExists)
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return tx.PutAccount(ctx, a)
	})
	if err != nil {
		return domain.Account{}, fmt.Errorf("account_service: open: %w", err)
	}
	return a, nil
}

// Deposit credits amount minor units and journals it.
func (s *AccountService) Deposit(ctx context.Context, id string, amount int64) (domain.Account, error) {
	if amount <= 0 {
		return domain.Account{}, fmt.Errorf("account_service: deposit %s: amount %d: %w", id, amount, domain.ErrInvalidArgument)
	}

	journalID := uuid.NewString()
	var out domain.Account
	err := s.exec.Run(ctx, "account.deposit", func(ctx context.Context, tx domain.LedgerTx) error {
		a, err := tx.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		if applied, err := journaled(ctx, tx, journalID); err != nil || applied {
			out = a
			return err
		}

		now := s.now()
		if err := a.Credit(amount); err != nil {
			return err
		}
		a.UpdatedAt = now
		if err := tx.PutAccount(ctx, a); err != nil {
			return err
		}
		if err := tx.AppendJournal(ctx, domain.JournalEntry{
			ID:        journalID,
			AccountID: id,
			Amount:    amount,
			Kind:      domain.JournalDeposit,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return domain.Account{}, fmt.Errorf("account_service: deposit %s: %w", id, err)
	}

	s.logger.DebugContext(ctx, "account_service: deposit",
		slog.String("account_id", id),
		slog.String("amount", FormatAmount(amount)),
	)
	return out, nil
}

// journaled reports whether the journal entry id is already in the ledger,
// meaning an earlier attempt of the unit committed.
func journaled(ctx context.Context, tx domain.LedgerTx, id string) (bool, error) {
	_, err := tx.GetJournal(ctx, id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, domain.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Get returns an account.
func (s *AccountService) Get(ctx context.Context, id string) (domain.Account, error) {
	var a domain.Account
	err := s.exec.View(ctx, "account.get", func(ctx context.Context, tx domain.LedgerTx) error {
		var err error
		a, err = tx.GetAccount(ctx, id)
		return err
	})
	if err != nil {
		return domain.Account{}, fmt.Errorf("account_service: get %s: %w", id, err)
	}
	return a, nil
}

// Journal returns the newest limit entries of an account's journal.
func (s *AccountService) Journal(ctx context.Context, id string, limit int) ([]domain.JournalEntry, error) {
	var out []domain.JournalEntry
	err := s.exec.View(ctx, "account.journal", func(ctx context.Context, tx domain.LedgerTx) error {
		var err error
		out, err = tx.ListJournal(ctx, id, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("account_service: journal %s: %w", id, err)
	}
	return out, nil
}
