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
	"github.com/alanyoungcy/boxmeout/internal/metrics"
)

// ReportSigner signs settlement reports. *crypto.ReportSigner satisfies it.
type ReportSigner interface {
	Sign(report *domain.SettlementReport) error
}

// SettlementConfig tunes the settlement engine.
type SettlementConfig struct {
	// BatchSize is the number of predictions settled per unit of work.
	BatchSize int
	// LockTTL bounds how long a process may hold a market's settlement lock.
	LockTTL time.Duration
	// ArchiveReports writes a report to the archive when a plan completes.
	ArchiveReports bool
}

// DefaultSettlementConfig returns the defaults used when nothing is
// configured.
func DefaultSettlementConfig() SettlementConfig {
	return SettlementConfig{BatchSize: 200, LockTTL: 2 * time.Minute, ArchiveReports: true}
}

// DisputeResolution ends a dispute: exactly one of Outcome and Void is set.
type DisputeResolution struct {
	Outcome *int
	Void    bool
}

// SettlementService releases every stake of a market exactly once, following
// a persisted plan so that an interrupted settlement can be resumed.
type SettlementService struct {
	exec    *executor.Executor
	events  *Events
	locks   domain.LockManager
	archive domain.ReportArchive
	signer  ReportSigner
	cfg     SettlementConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewSettlementService creates a SettlementService. Locks, archive and
// signer are attached with the With* methods.
func NewSettlementService(exec *executor.Executor, events *Events, cfg SettlementConfig, logger *slog.Logger) *SettlementService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultSettlementConfig().BatchSize
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultSettlementConfig().LockTTL
	}
	return &SettlementService{
		exec:   exec,
		events: events,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "settlement_service")),
		now:    time.Now,
	}
}

// WithLocks makes every settlement run hold the distributed lock
// "settle:{marketID}".
func (s *SettlementService) WithLocks(locks domain.LockManager) *SettlementService {
	s.locks = locks
	return s
}

// WithArchive sets the report archive and signer. Either may be nil: without
// an archive reports are only built on demand, without a signer they are
// unsigned.
func (s *SettlementService) WithArchive(archive domain.ReportArchive, signer ReportSigner) *SettlementService {
	s.archive = archive
	s.signer = signer
	return s
}

type settleRequest struct {
	from    domain.MarketStatus
	target  domain.MarketStatus
	outcome *int
	source  string
}

func (r settleRequest) matches(plan domain.Settlement) bool {
	if plan.TargetStatus != r.target {
		return false
	}
	if (plan.WinningOutcome == nil) != (r.outcome == nil) {
		return false
	}
	return plan.WinningOutcome == nil || *plan.WinningOutcome == *r.outcome
}

type batchResult struct {
	market    domain.Market
	plan      domain.Settlement
	settled   int
	done      bool
	finalized bool
}

// Resolve moves a CLOSED market to RESOLVED with outcome and settles every
// prediction. Calling it again with the same outcome resumes an interrupted
// settlement.
func (s *SettlementService) Resolve(ctx context.Context, marketID string, outcome int, source string) (domain.Market, error) {
	if !domain.ValidOutcome(outcome) {
		return domain.Market{}, fmt.Errorf("settlement_service: resolve %s: outcome %d: %w", marketID, outcome, domain.ErrInvalidArgument)
	}
	return s.run(ctx, marketID, &settleRequest{
		from:    domain.MarketStatusClosed,
		target:  domain.MarketStatusResolved,
		outcome: &outcome,
		source:  source,
	})
}

// Void moves a CLOSED market to VOID and refunds every prediction.
func (s *SettlementService) Void(ctx context.Context, marketID string) (domain.Market, error) {
	return s.run(ctx, marketID, &settleRequest{
		from:   domain.MarketStatusClosed,
		target: domain.MarketStatusVoid,
	})
}

// ResolveDispute settles a DISPUTED market either to an outcome or to VOID.
func (s *SettlementService) ResolveDispute(ctx context.Context, marketID string, res DisputeResolution, source string) (domain.Market, error) {
	req := settleRequest{from: domain.MarketStatusDisputed, source: source}
	switch {
	case res.Void && res.Outcome == nil:
		req.target = domain.MarketStatusVoid
	case !res.Void && res.Outcome != nil && domain.ValidOutcome(*res.Outcome):
		req.target = domain.MarketStatusResolved
		o := *res.Outcome
		req.outcome = &o
	default:
		return domain.Market{}, fmt.Errorf("settlement_service: resolve dispute %s: need exactly one valid outcome or void: %w",
			marketID, domain.ErrInvalidArgument)
	}
	return s.run(ctx, marketID, &req)
}

// Settle continues an existing plan. It is a no-op on a completed plan.
func (s *SettlementService) Settle(ctx context.Context, marketID string) (domain.Market, error) {
	return s.run(ctx, marketID, nil)
}

// SettlePrediction settles a single prediction under its market's plan. It
// fails with ErrAlreadySettled if the prediction's stake was already
// released and with ErrInvalidTransition if the market has no plan.
func (s *SettlementService) SettlePrediction(ctx context.Context, predictionID string) (domain.Prediction, error) {
	var (
		out domain.Prediction
		res batchResult
	)
	err := s.exec.Run(ctx, "settlement.prediction", func(ctx context.Context, tx domain.LedgerTx) error {
		res = batchResult{}
		now := s.now()

		p, err := tx.GetPrediction(ctx, predictionID)
		if err != nil {
			return err
		}
		if p.State.Terminal() && executor.MaybeCommitted(ctx) && p.SettledAt != nil {
			// An earlier attempt may have committed; report what it did.
			out = p
			res, err = s.completedBy(ctx, tx, p.MarketID)
			return err
		}
		if p.State.Terminal() {
			return fmt.Errorf("prediction %s is %s: %w", p.ID, p.State, domain.ErrAlreadySettled)
		}
		plan, err := tx.GetSettlement(ctx, p.MarketID)
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("market %s has no settlement plan: %w", p.MarketID, domain.ErrInvalidTransition)
		}
		if err != nil {
			return err
		}

		settled, err := s.settleOne(ctx, tx, &plan, p, now)
		if err != nil {
			return err
		}
		out = settled

		rest, err := tx.ListPredictions(ctx, p.MarketID, domain.PredictionFilter{UnsettledOnly: true, Limit: 1})
		if err != nil {
			return err
		}
		if len(rest) == 0 {
			m, err := tx.GetMarket(ctx, p.MarketID)
			if err != nil {
				return err
			}
			if err := s.finalize(ctx, tx, &m, &plan, now); err != nil {
				return err
			}
			res = batchResult{market: m, plan: plan, done: true, finalized: true}
		}
		return tx.PutSettlement(ctx, plan)
	})
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("settlement_service: settle prediction %s: %w", predictionID, err)
	}
	if res.finalized {
		s.onComplete(ctx, res.market, res.plan)
	}
	return out, nil
}

func (s *SettlementService) run(ctx context.Context, marketID string, req *settleRequest) (domain.Market, error) {
	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, "settle:"+marketID, s.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			return domain.Market{}, fmt.Errorf("settlement_service: market %s is being settled elsewhere: %w", marketID, domain.ErrTransientConflict)
		}
		if err != nil {
			return domain.Market{}, fmt.Errorf("settlement_service: lock %s: %w", marketID, err)
		}
		defer unlock()
	}

	var res batchResult
	batches := 0

	if req != nil {
		err := s.exec.Run(ctx, "settlement.start", func(ctx context.Context, tx domain.LedgerTx) error {
			r, err := s.start(ctx, tx, marketID, *req)
			res = r
			return err
		})
		if err != nil {
			return domain.Market{}, fmt.Errorf("settlement_service: %s %s: %w", req.target, marketID, err)
		}
		batches++
		s.emitBatch(ctx, marketID, res)
	}

	if !res.done {
		n, err := s.exec.RunBatches(ctx, "settlement.batch", func(ctx context.Context, tx domain.LedgerTx) (bool, error) {
			r, err := s.next(ctx, tx, marketID)
			if err != nil {
				return false, err
			}
			res = r
			return r.done, nil
		}, func(ctx context.Context, _ int) {
			s.emitBatch(ctx, marketID, res)
		})
		batches += n
		metrics.SettlementBatches.Add(float64(batches))
		if err != nil {
			s.logger.WarnContext(ctx, "settlement_service: settlement interrupted",
				slog.String("market_id", marketID),
				slog.Int("batches", batches),
				slog.String("error", err.Error()),
			)
			return domain.Market{}, fmt.Errorf("settlement_service: settle %s: %w", marketID, err)
		}
	} else {
		metrics.SettlementBatches.Add(float64(batches))
	}

	if res.finalized {
		s.onComplete(ctx, res.market, res.plan)
	}
	return res.market, nil
}

// start validates the request, creates or reuses the plan and settles the
// first batch. When every prediction fits in one batch the market is
// finalized in the same unit of work.
func (s *SettlementService) start(ctx context.Context, tx domain.LedgerTx, marketID string, req settleRequest) (batchResult, error) {
	m, err := tx.GetMarket(ctx, marketID)
	if err != nil {
		return batchResult{}, err
	}
	if executor.MaybeCommitted(ctx) && m.Status == req.target {
		// An earlier attempt may have finalized the market without hearing
		// back from the store.
		plan, err := tx.GetSettlement(ctx, marketID)
		if err == nil && plan.Completed && req.matches(plan) {
			return batchResult{market: m, plan: plan, done: true, finalized: true}, nil
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return batchResult{}, err
		}
	}
	if m.Status != req.from || !domain.CanTransition(m.Status, req.target) {
		return batchResult{}, fmt.Errorf("market %s: %s -> %s: %w", marketID, m.Status, req.target, domain.ErrInvalidTransition)
	}

	plan, err := tx.GetSettlement(ctx, marketID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		preds, err := tx.ListPredictions(ctx, marketID, domain.PredictionFilter{})
		if err != nil {
			return batchResult{}, err
		}
		plan, err = BuildPlan(marketID, req.target, req.outcome, req.source, preds, s.now())
		if err != nil {
			return batchResult{}, err
		}
	case err != nil:
		return batchResult{}, err
	case !req.matches(plan):
		return batchResult{}, fmt.Errorf("market %s already settling to %s: %w", marketID, plan.TargetStatus, domain.ErrInvalidTransition)
	}

	return s.settleBatch(ctx, tx, m, plan)
}

// next settles the following batch of an existing plan.
func (s *SettlementService) next(ctx context.Context, tx domain.LedgerTx, marketID string) (batchResult, error) {
	plan, err := tx.GetSettlement(ctx, marketID)
	if errors.Is(err, domain.ErrNotFound) {
		return batchResult{}, fmt.Errorf("market %s has no settlement plan: %w", marketID, domain.ErrInvalidTransition)
	}
	if err != nil {
		return batchResult{}, err
	}
	m, err := tx.GetMarket(ctx, marketID)
	if err != nil {
		return batchResult{}, err
	}
	if plan.Completed {
		// After an unknown commit the completed plan may be this run's own
		// final batch.
		return batchResult{market: m, plan: plan, done: true, finalized: executor.MaybeCommitted(ctx)}, nil
	}
	return s.settleBatch(ctx, tx, m, plan)
}

// completedBy returns a finalized result when marketID's plan is complete.
func (s *SettlementService) completedBy(ctx context.Context, tx domain.LedgerTx, marketID string) (batchResult, error) {
	plan, err := tx.GetSettlement(ctx, marketID)
	if err != nil {
		return batchResult{}, err
	}
	if !plan.Completed {
		return batchResult{}, nil
	}
	m, err := tx.GetMarket(ctx, marketID)
	if err != nil {
		return batchResult{}, err
	}
	return batchResult{market: m, plan: plan, done: true, finalized: true}, nil
}

// emitBatch publishes the progress of a committed batch.
func (s *SettlementService) emitBatch(ctx context.Context, marketID string, res batchResult) {
	if res.settled == 0 {
		return
	}
	s.events.Emit(ctx, domain.LifecycleEvent{
		Event:    EventSettlementBatch,
		MarketID: marketID,
		Status:   res.market.Status,
		Amount:   res.plan.Paid,
	}, map[string]any{
		"settled":       res.settled,
		"settled_count": res.plan.SettledCount,
		"total":         res.plan.Total(),
	})
}

func (s *SettlementService) settleBatch(ctx context.Context, tx domain.LedgerTx, m domain.Market, plan domain.Settlement) (batchResult, error) {
	now := s.now()
	size := s.cfg.BatchSize

	preds, err := tx.ListPredictions(ctx, m.ID, domain.PredictionFilter{UnsettledOnly: true, Limit: size + 1})
	if err != nil {
		return batchResult{}, err
	}
	more := len(preds) > size
	if more {
		preds = preds[:size]
	}

	for _, p := range preds {
		if _, err := s.settleOne(ctx, tx, &plan, p, now); err != nil {
			return batchResult{}, err
		}
	}

	res := batchResult{settled: len(preds)}
	if !more {
		if err := s.finalize(ctx, tx, &m, &plan, now); err != nil {
			return batchResult{}, err
		}
		res.done = true
		res.finalized = true
	}
	if err := tx.PutSettlement(ctx, plan); err != nil {
		return batchResult{}, err
	}
	res.market = m
	res.plan = plan
	return res, nil
}

// settleOne releases one prediction's stake and records it on plan.
func (s *SettlementService) settleOne(ctx context.Context, tx domain.LedgerTx, plan *domain.Settlement, p domain.Prediction, now time.Time) (domain.Prediction, error) {
	d, err := Dispose(*plan, p)
	if err != nil {
		return domain.Prediction{}, err
	}

	if d.Amount > 0 {
		a, err := tx.GetAccount(ctx, p.AccountID)
		if err != nil {
			return domain.Prediction{}, err
		}
		if err := a.Credit(d.Amount); err != nil {
			return domain.Prediction{}, err
		}
		a.UpdatedAt = now
		if err := tx.PutAccount(ctx, a); err != nil {
			return domain.Prediction{}, err
		}

		kind := domain.JournalRefund
		if d.Outcome == domain.OutcomeWon {
			kind = domain.JournalPayout
		}
		if err := tx.AppendJournal(ctx, domain.JournalEntry{
			ID:        uuid.NewString(),
			AccountID: p.AccountID,
			Amount:    d.Amount,
			Kind:      kind,
			Reference: p.ID,
			CreatedAt: now,
		}); err != nil {
			return domain.Prediction{}, err
		}
	}

	p.State = d.State
	p.Outcome = d.Outcome
	p.Payout = d.Amount
	settledAt := now
	p.SettledAt = &settledAt
	if err := tx.PutPrediction(ctx, p); err != nil {
		return domain.Prediction{}, err
	}

	plan.SettledCount++
	plan.Paid += d.Amount
	return p, nil
}

// finalize flips the market to the plan's target status and completes the
// plan. It refuses to do so unless every stake was released exactly.
func (s *SettlementService) finalize(ctx context.Context, tx domain.LedgerTx, m *domain.Market, plan *domain.Settlement, now time.Time) error {
	if plan.SettledCount != plan.Total() || plan.Paid != plan.TotalStake {
		return fmt.Errorf("market %s: settled %d/%d predictions, paid %d of %d",
			m.ID, plan.SettledCount, plan.Total(), plan.Paid, plan.TotalStake)
	}
	if err := m.Transition(plan.TargetStatus, now); err != nil {
		return err
	}
	if plan.TargetStatus == domain.MarketStatusResolved {
		win := *plan.WinningOutcome
		m.WinningOutcome = &win
		m.ResolutionSource = plan.Source
	}
	if err := tx.PutMarket(ctx, *m); err != nil {
		return err
	}
	plan.Completed = true
	completedAt := now
	plan.CompletedAt = &completedAt
	return nil
}

// onComplete runs the post-commit side effects of a finished settlement.
func (s *SettlementService) onComplete(ctx context.Context, m domain.Market, plan domain.Settlement) {
	metrics.MarketTransitions.WithLabelValues(string(m.Status)).Inc()

	s.logger.InfoContext(ctx, "settlement_service: market settled",
		slog.String("market_id", m.ID),
		slog.String("status", string(m.Status)),
		slog.String("kind", string(plan.Kind)),
		slog.Int("predictions", plan.SettledCount),
		slog.String("paid", FormatAmount(plan.Paid)),
	)

	detail := map[string]any{
		"kind":        string(plan.Kind),
		"total_stake": plan.TotalStake,
		"paid":        plan.Paid,
	}
	if plan.WinningOutcome != nil {
		detail["winning_outcome"] = *plan.WinningOutcome
	}

	report, err := s.Report(ctx, m.ID)
	if err != nil {
		s.logger.WarnContext(ctx, "settlement_service: build report failed",
			slog.String("market_id", m.ID),
			slog.String("error", err.Error()),
		)
	} else {
		for _, line := range report.Lines {
			metrics.SettledPredictions.WithLabelValues(string(line.Outcome)).Inc()
			metrics.AmountReleased.WithLabelValues(string(line.Outcome)).Add(float64(line.Payout))
		}
		if s.archive != nil && s.cfg.ArchiveReports {
			path, err := s.archive.Save(ctx, report)
			if err != nil {
				s.logger.WarnContext(ctx, "settlement_service: archive report failed",
					slog.String("market_id", m.ID),
					slog.String("error", err.Error()),
				)
			} else {
				detail["report_path"] = path
			}
		}
	}

	event := EventMarketResolved
	if m.Status == domain.MarketStatusVoid {
		event = EventMarketVoided
	}
	s.events.Emit(ctx, domain.LifecycleEvent{
		Event:    event,
		MarketID: m.ID,
		Status:   m.Status,
		Amount:   plan.Paid,
	}, detail)
}

// Report builds the (signed, when a signer is configured) report of a
// completed settlement.
func (s *SettlementService) Report(ctx context.Context, marketID string) (domain.SettlementReport, error) {
	var report domain.SettlementReport
	err := s.exec.View(ctx, "settlement.report", func(ctx context.Context, tx domain.LedgerTx) error {
		plan, err := tx.GetSettlement(ctx, marketID)
		if err != nil {
			return err
		}
		if !plan.Completed {
			return fmt.Errorf("market %s settlement not complete: %w", marketID, domain.ErrInvalidTransition)
		}
		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		preds, err := tx.ListPredictions(ctx, marketID, domain.PredictionFilter{})
		if err != nil {
			return err
		}

		report = domain.SettlementReport{
			MarketID:       marketID,
			Status:         m.Status,
			Kind:           plan.Kind,
			WinningOutcome: plan.WinningOutcome,
			Source:         plan.Source,
			TotalStake:     plan.TotalStake,
			TotalPaid:      plan.Paid,
			Lines:          make([]domain.SettlementLine, 0, len(preds)),
		}
		if plan.CompletedAt != nil {
			report.CompletedAt = plan.CompletedAt.UTC()
		}
		for _, p := range preds {
			report.Lines = append(report.Lines, domain.SettlementLine{
				PredictionID: p.ID,
				AccountID:    p.AccountID,
				Stake:        p.Stake,
				Choice:       p.Choice,
				State:        p.State,
				Outcome:      p.Outcome,
				Payout:       p.Payout,
			})
		}
		return nil
	})
	if err != nil {
		return domain.SettlementReport{}, fmt.Errorf("settlement_service: report %s: %w", marketID, err)
	}

	if s.signer != nil {
		if err := s.signer.Sign(&report); err != nil {
			return domain.SettlementReport{}, fmt.Errorf("settlement_service: sign report %s: %w", marketID, err)
		}
	}
	return report, nil
}

// ResumePending drives every incomplete plan to completion. It returns the
// number of markets finished and the joined errors of those that were not.
func (s *SettlementService) ResumePending(ctx context.Context) (int, error) {
	var pending []domain.Settlement
	err := s.exec.View(ctx, "settlement.pending", func(ctx context.Context, tx domain.LedgerTx) error {
		var err error
		pending, err = tx.ListSettlements(ctx, true)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("settlement_service: list pending: %w", err)
	}

	finished := 0
	var errs []error
	for _, plan := range pending {
		if _, err := s.Settle(ctx, plan.MarketID); err != nil {
			errs = append(errs, err)
			continue
		}
		finished++
	}
	if finished > 0 {
		s.logger.InfoContext(ctx, "settlement_service: resumed pending settlements",
			slog.Int("finished", finished),
			slog.Int("failed", len(errs)),
		)
	}
	return finished, errors.Join(errs...)
}

// ArchiveMissing writes reports for completed settlements that are not in
// the archive yet.
func (s *SettlementService) ArchiveMissing(ctx context.Context) (int, error) {
	if s.archive == nil {
		return 0, nil
	}

	var completed []domain.Settlement
	err := s.exec.View(ctx, "settlement.completed", func(ctx context.Context, tx domain.LedgerTx) error {
		all, err := tx.ListSettlements(ctx, false)
		if err != nil {
			return err
		}
		for _, p := range all {
			if p.Completed {
				completed = append(completed, p)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("settlement_service: list completed: %w", err)
	}

	archived := 0
	var errs []error
	for _, plan := range completed {
		ok, err := s.archive.Exists(ctx, plan.MarketID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			continue
		}
		report, err := s.Report(ctx, plan.MarketID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := s.archive.Save(ctx, report); err != nil {
			errs = append(errs, err)
			continue
		}
		archived++
	}
	return archived, errors.Join(errs...)
}
