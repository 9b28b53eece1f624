package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/boxmeout/internal/crypto"
	"github.com/alanyoungcy/boxmeout/internal/domain"
	"github.com/alanyoungcy/boxmeout/internal/executor"
	"github.com/alanyoungcy/boxmeout/internal/metrics"
)

// PredictionService accepts blind commitments and their reveals.
type PredictionService struct {
	exec   *executor.Executor
	events *Events
	logger *slog.Logger
	now    func() time.Time
}

// NewPredictionService creates a PredictionService.
func NewPredictionService(exec *executor.Executor, events *Events, logger *slog.Logger) *PredictionService {
	return &PredictionService{
		exec:   exec,
		events: events,
		logger: logger.With(slog.String("component", "prediction_service")),
		now:    time.Now,
	}
}

// Commit locks req.Stake from the account behind a commitment digest.
func (s *PredictionService) Commit(ctx context.Context, req domain.CommitRequest) (domain.Prediction, error) {
	if req.Stake <= 0 {
		return domain.Prediction{}, fmt.Errorf("prediction_service: commit: stake %d: %w", req.Stake, domain.ErrInvalidArgument)
	}
	if req.Commitment.IsZero() {
		return domain.Prediction{}, fmt.Errorf("prediction_service: commit: empty commitment: %w", domain.ErrInvalidArgument)
	}
	if req.AccountID == "" || req.MarketID == "" {
		return domain.Prediction{}, fmt.Errorf("prediction_service: commit: account and market required: %w", domain.ErrInvalidArgument)
	}

	id := uuid.NewString()
	var out domain.Prediction
	err := s.exec.Run(ctx, "prediction.commit", func(ctx context.Context, tx domain.LedgerTx) error {
		// A retry after a lost commit acknowledgement finds its own prediction.
		if p, err := tx.GetPrediction(ctx, id); err == nil {
			out = p
			return nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		now := s.now()
		m, err := tx.GetMarket(ctx, req.MarketID)
		if err != nil {
			return err
		}
		if m.Status != domain.MarketStatusOpen || !now.Before(m.ClosesAt) {
			return fmt.Errorf("market %s is %s, closes %s: %w",
				m.ID, m.Status, m.ClosesAt.UTC().Format(time.RFC3339), domain.ErrInvalidTransition)
		}

		a, err := tx.GetAccount(ctx, req.AccountID)
		if err != nil {
			return err
		}
		if err := a.Debit(req.Stake); err != nil {
			return err
		}
		a.UpdatedAt = now
		if err := tx.PutAccount(ctx, a); err != nil {
			return err
		}

		prior, err := tx.ListPredictions(ctx, m.ID, domain.PredictionFilter{AccountID: a.ID, Limit: 1})
		if err != nil {
			return err
		}
		if len(prior) == 0 {
			m.Participants++
		}
		m.Volume += req.Stake
		m.UpdatedAt = now
		if err := tx.PutMarket(ctx, m); err != nil {
			return err
		}

		p := domain.Prediction{
			ID:          id,
			AccountID:   a.ID,
			MarketID:    m.ID,
			State:       domain.PredictionCommitted,
			Stake:       req.Stake,
			Commitment:  req.Commitment,
			CommittedAt: now,
		}
		if err := tx.PutPrediction(ctx, p); err != nil {
			return err
		}
		if err := tx.AppendJournal(ctx, domain.JournalEntry{
			ID:        uuid.NewString(),
			AccountID: a.ID,
			Amount:    -req.Stake,
			Kind:      domain.JournalStake,
			Reference: p.ID,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("prediction_service: commit: %w", err)
	}

	metrics.PredictionsCommitted.Inc()
	s.events.Emit(ctx, domain.LifecycleEvent{
		Event:        EventPredictionCommitted,
		MarketID:     out.MarketID,
		PredictionID: out.ID,
		AccountID:    out.AccountID,
		Amount:       out.Stake,
	}, map[string]any{"commitment": out.Commitment.Hex()})
	return out, nil
}

// Reveal opens a commitment. On a digest mismatch the prediction stays
// COMMITTED and its stake stays locked.
func (s *PredictionService) Reveal(ctx context.Context, predictionID string, choice int, nonce []byte) (domain.Prediction, error) {
	if !domain.ValidOutcome(choice) {
		metrics.Reveals.WithLabelValues("invalid").Inc()
		return domain.Prediction{}, fmt.Errorf("prediction_service: reveal %s: choice %d: %w", predictionID, choice, domain.ErrInvalidArgument)
	}
	if len(nonce) == 0 {
		metrics.Reveals.WithLabelValues("invalid").Inc()
		return domain.Prediction{}, fmt.Errorf("prediction_service: reveal %s: empty nonce: %w", predictionID, domain.ErrInvalidArgument)
	}

	var out domain.Prediction
	err := s.exec.Run(ctx, "prediction.reveal", func(ctx context.Context, tx domain.LedgerTx) error {
		p, err := tx.GetPrediction(ctx, predictionID)
		if err != nil {
			return err
		}
		if executor.MaybeCommitted(ctx) && sameReveal(p, choice, nonce) {
			out = p
			return nil
		}
		m, err := tx.GetMarket(ctx, p.MarketID)
		if err != nil {
			return err
		}
		if err := s.checkRevealable(ctx, tx, m); err != nil {
			return err
		}
		if p.State != domain.PredictionCommitted {
			return fmt.Errorf("prediction %s is %s: %w", p.ID, p.State, domain.ErrInvalidTransition)
		}
		if !crypto.Verify(p.Commitment, choice, nonce, p.AccountID, p.MarketID) {
			return fmt.Errorf("prediction %s: %w", p.ID, domain.ErrInvalidReveal)
		}

		now := s.now()
		c := choice
		p.State = domain.PredictionRevealed
		p.Choice = &c
		p.Nonce = append([]byte(nil), nonce...)
		p.RevealedAt = &now
		if err := tx.PutPrediction(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		metrics.Reveals.WithLabelValues(revealResult(err)).Inc()
		return domain.Prediction{}, fmt.Errorf("prediction_service: reveal %s: %w", predictionID, err)
	}

	metrics.Reveals.WithLabelValues("ok").Inc()
	s.events.Emit(ctx, domain.LifecycleEvent{
		Event:        EventPredictionRevealed,
		MarketID:     out.MarketID,
		PredictionID: out.ID,
		AccountID:    out.AccountID,
	}, map[string]any{"choice": *out.Choice})
	return out, nil
}

// checkRevealable accepts OPEN markets and CLOSED markets whose settlement
// has not started.
func (s *PredictionService) checkRevealable(ctx context.Context, tx domain.LedgerTx, m domain.Market) error {
	switch m.Status {
	case domain.MarketStatusOpen:
		return nil
	case domain.MarketStatusResolved, domain.MarketStatusVoid:
		return fmt.Errorf("market %s is %s: %w", m.ID, m.Status, domain.ErrMarketAlreadyResolved)
	case domain.MarketStatusDisputed:
		return fmt.Errorf("market %s is disputed: %w", m.ID, domain.ErrInvalidTransition)
	}

	_, err := tx.GetSettlement(ctx, m.ID)
	switch {
	case err == nil:
		return fmt.Errorf("market %s is settling: %w", m.ID, domain.ErrMarketAlreadyResolved)
	case errors.Is(err, domain.ErrNotFound):
		return nil
	default:
		return err
	}
}

// sameReveal reports whether p was already revealed with choice and nonce.
func sameReveal(p domain.Prediction, choice int, nonce []byte) bool {
	return p.State == domain.PredictionRevealed && p.Choice != nil &&
		*p.Choice == choice && bytes.Equal(p.Nonce, nonce)
}

func revealResult(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidReveal):
		return "mismatch"
	case errors.Is(err, domain.ErrMarketAlreadyResolved):
		return "resolved"
	default:
		return domain.Classify(err).String()
	}
}

// Get returns one prediction.
func (s *PredictionService) Get(ctx context.Context, id string) (domain.Prediction, error) {
	var p domain.Prediction
	err := s.exec.View(ctx, "prediction.get", func(ctx context.Context, tx domain.LedgerTx) error {
		var err error
		p, err = tx.GetPrediction(ctx, id)
		return err
	})
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("prediction_service: get %s: %w", id, err)
	}
	return p, nil
}

// ListByMarket returns a market's predictions ordered by ID.
func (s *PredictionService) ListByMarket(ctx context.Context, marketID string, f domain.PredictionFilter) ([]domain.Prediction, error) {
	var out []domain.Prediction
	err := s.exec.View(ctx, "prediction.list_market", func(ctx context.Context, tx domain.LedgerTx) error {
		var err error
		out, err = tx.ListPredictions(ctx, marketID, f)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("prediction_service: list market %s: %w", marketID, err)
	}
	return out, nil
}

// ListByAccount returns an account's most recent predictions.
func (s *PredictionService) ListByAccount(ctx context.Context, accountID string, limit int) ([]domain.Prediction, error) {
	var out []domain.Prediction
	err := s.exec.View(ctx, "prediction.list_account", func(ctx context.Context, tx domain.LedgerTx) error {
		var err error
		out, err = tx.ListAccountPredictions(ctx, accountID, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("prediction_service: list account %s: %w", accountID, err)
	}
	return out, nil
}
