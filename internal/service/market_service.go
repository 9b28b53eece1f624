package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/boxmeout/internal/domain"
	"github.com/alanyoungcy/boxmeout/internal/executor"
	"github.com/alanyoungcy/boxmeout/internal/metrics"
)

const (
	hotCacheSize = 1024
	hotCacheTTL  = 10 * time.Minute
)

// MarketService owns the market state machine. Every mutation runs as a unit
// of work on the executor; the resolving transitions hand over to the
// SettlementService.
type MarketService struct {
	exec   *executor.Executor
	settle *SettlementService
	events *Events
	cache  domain.MarketCache
	hot    *expirable.LRU[string, domain.Market]
	group  singleflight.Group
	logger *slog.Logger
	now    func() time.Time
}

// NewMarketService creates a MarketService. cache may be nil.
func NewMarketService(
	exec *executor.Executor,
	settle *SettlementService,
	events *Events,
	cache domain.MarketCache,
	logger *slog.Logger,
) *MarketService {
	s := &MarketService{
		exec:   exec,
		settle: settle,
		events: events,
		cache:  cache,
		hot:    expirable.NewLRU[string, domain.Market](hotCacheSize, nil, hotCacheTTL),
		logger: logger.With(slog.String("component", "market_service")),
		now:    time.Now,
	}
	// Commits and settlements run outside this service but still change the
	// market row.
	events.OnMarketChange(s.invalidate)
	return s
}

// Create opens a new market.
func (s *MarketService) Create(ctx context.Context, nm domain.NewMarket) (domain.Market, error) {
	nm.Question = strings.TrimSpace(nm.Question)
	nm.Outcomes[0] = strings.TrimSpace(nm.Outcomes[0])
	nm.Outcomes[1] = strings.TrimSpace(nm.Outcomes[1])

	now := s.now()
	switch {
	case nm.Question == "":
		return domain.Market{}, fmt.Errorf("market_service: create: empty question: %w", domain.ErrInvalidArgument)
	case nm.Outcomes[0] == "" || nm.Outcomes[1] == "":
		return domain.Market{}, fmt.Errorf("market_service: create: both outcomes must be named: %w", domain.ErrInvalidArgument)
	case strings.EqualFold(nm.Outcomes[0], nm.Outcomes[1]):
		return domain.Market{}, fmt.Errorf("market_service: create: outcomes must differ: %w", domain.ErrInvalidArgument)
	case !nm.ClosesAt.After(now):
		return domain.Market{}, fmt.Errorf("market_service: create: closes_at %s is not in the future: %w",
			nm.ClosesAt.Format(time.RFC3339), domain.ErrInvalidArgument)
	}
	if nm.ID == "" {
		nm.ID = uuid.NewString()
	}

	m := domain.Market{
		ID:        nm.ID,
		Category:  nm.Category,
		Question:  nm.Question,
		Outcomes:  nm.Outcomes,
		Status:    domain.MarketStatusOpen,
		ClosesAt:  nm.ClosesAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.exec.Run(ctx, "market.create", func(ctx context.Context, tx domain.LedgerTx) error {
		_, err := tx.GetMarket(ctx, m.ID)
		if err == nil {
			return fmt.Errorf("market %s: %w", m.ID, domain.ErrAlreadyExists)
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return tx.PutMarket(ctx, m)
	})
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: create: %w", err)
	}

	metrics.MarketTransitions.WithLabelValues(string(m.Status)).Inc()
	s.events.Emit(ctx, domain.LifecycleEvent{Event: EventMarketCreated, MarketID: m.ID, Status: m.Status},
		map[string]any{"question": m.Question, "closes_at": m.ClosesAt.UTC().Format(time.RFC3339)})
	return m, nil
}

// Get returns a market, reading through the in-process and shared caches.
func (s *MarketService) Get(ctx context.Context, id string) (domain.Market, error) {
	if m, ok := s.hot.Get(id); ok {
		return m.Clone(), nil
	}

	v, err, _ := s.group.Do(id, func() (any, error) {
		if s.cache != nil {
			if m, err := s.cache.Get(ctx, id); err == nil {
				return m, nil
			}
		}

		var m domain.Market
		err := s.exec.View(ctx, "market.get", func(ctx context.Context, tx domain.LedgerTx) error {
			var err error
			m, err = tx.GetMarket(ctx, id)
			return err
		})
		if err != nil {
			return domain.Market{}, err
		}

		if s.cache != nil {
			if err := s.cache.Set(ctx, m); err != nil {
				s.logger.WarnContext(ctx, "market_service: cache set failed",
					slog.String("market_id", id),
					slog.String("error", err.Error()),
				)
			}
		}
		return m, nil
	})
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: get %s: %w", id, err)
	}

	m := v.(domain.Market)
	if m.Status.Terminal() {
		s.hot.Add(id, m)
	}
	return m.Clone(), nil
}

// List returns markets matching f.
func (s *MarketService) List(ctx context.Context, f domain.MarketFilter) ([]domain.Market, error) {
	var out []domain.Market
	err := s.exec.View(ctx, "market.list", func(ctx context.Context, tx domain.LedgerTx) error {
		var err error
		out, err = tx.ListMarkets(ctx, f)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("market_service: list: %w", err)
	}
	return out, nil
}

// Close stops a market from taking further commitments. Legal only from
// OPEN.
func (s *MarketService) Close(ctx context.Context, id string) (domain.Market, error) {
	m, err := s.transition(ctx, "market.close", id, func(m *domain.Market, now time.Time) error {
		return m.Transition(domain.MarketStatusClosed, now)
	})
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: close %s: %w", id, err)
	}
	s.events.Emit(ctx, domain.LifecycleEvent{Event: EventMarketClosed, MarketID: id, Status: m.Status}, nil)
	return m, nil
}

// Dispute parks a CLOSED market whose settlement has not started.
func (s *MarketService) Dispute(ctx context.Context, id, reason string) (domain.Market, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Market{}, fmt.Errorf("market_service: dispute %s: empty reason: %w", id, domain.ErrInvalidArgument)
	}

	m, err := s.transitionTx(ctx, "market.dispute", id, func(ctx context.Context, tx domain.LedgerTx, m *domain.Market, now time.Time) error {
		if _, err := tx.GetSettlement(ctx, id); err == nil {
			return fmt.Errorf("market %s: settlement already started: %w", id, domain.ErrInvalidTransition)
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if err := m.Transition(domain.MarketStatusDisputed, now); err != nil {
			return err
		}
		m.DisputeReason = reason
		return nil
	})
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: dispute %s: %w", id, err)
	}
	s.events.Emit(ctx, domain.LifecycleEvent{Event: EventMarketDisputed, MarketID: id, Status: m.Status},
		map[string]any{"reason": reason})
	return m, nil
}

// Resolve moves a CLOSED market to RESOLVED and settles it.
func (s *MarketService) Resolve(ctx context.Context, id string, outcome int, source string) (domain.Market, error) {
	defer s.invalidate(ctx, id)
	m, err := s.settle.Resolve(ctx, id, outcome, source)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: resolve %s: %w", id, err)
	}
	return m, nil
}

// Void moves a CLOSED market to VOID and refunds it.
func (s *MarketService) Void(ctx context.Context, id string) (domain.Market, error) {
	defer s.invalidate(ctx, id)
	m, err := s.settle.Void(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: void %s: %w", id, err)
	}
	return m, nil
}

// ResolveDispute ends a dispute with either an outcome or a void.
func (s *MarketService) ResolveDispute(ctx context.Context, id string, res DisputeResolution, source string) (domain.Market, error) {
	defer s.invalidate(ctx, id)
	m, err := s.settle.ResolveDispute(ctx, id, res, source)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: resolve dispute %s: %w", id, err)
	}
	return m, nil
}

// CloseExpired closes every OPEN market whose deadline is at or before now.
// Markets closed concurrently by another caller are skipped.
func (s *MarketService) CloseExpired(ctx context.Context, now time.Time) (int, error) {
	due, err := s.List(ctx, domain.MarketFilter{Status: domain.MarketStatusOpen, ClosesBefore: &now})
	if err != nil {
		return 0, err
	}

	closed := 0
	var errs []error
	for _, m := range due {
		if _, err := s.Close(ctx, m.ID); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		closed++
	}
	if closed > 0 {
		s.logger.InfoContext(ctx, "market_service: closed expired markets", slog.Int("count", closed))
	}
	return closed, errors.Join(errs...)
}

func (s *MarketService) transition(ctx context.Context, unit, id string, fn func(m *domain.Market, now time.Time) error) (domain.Market, error) {
	return s.transitionTx(ctx, unit, id, func(_ context.Context, _ domain.LedgerTx, m *domain.Market, now time.Time) error {
		return fn(m, now)
	})
}

// transitionTx loads the market, applies fn and stores the result in one
// unit of work.
func (s *MarketService) transitionTx(
	ctx context.Context,
	unit, id string,
	fn func(ctx context.Context, tx domain.LedgerTx, m *domain.Market, now time.Time) error,
) (domain.Market, error) {
	var out domain.Market
	err := s.exec.Run(ctx, unit, func(ctx context.Context, tx domain.LedgerTx) error {
		m, err := tx.GetMarket(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(ctx, tx, &m, s.now()); err != nil {
			return err
		}
		if err := tx.PutMarket(ctx, m); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return domain.Market{}, err
	}
	metrics.MarketTransitions.WithLabelValues(string(out.Status)).Inc()
	s.invalidate(ctx, id)
	return out, nil
}

func (s *MarketService) invalidate(ctx context.Context, id string) {
	s.hot.Remove(id)
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, id); err != nil {
		s.logger.WarnContext(ctx, "market_service: cache invalidate failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
	}
}
