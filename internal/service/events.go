package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/boxmeout/internal/domain"
)

// Lifecycle event names.
const (
	EventMarketCreated       = "market.created"
	EventMarketClosed        = "market.closed"
	EventMarketDisputed      = "market.disputed"
	EventMarketResolved      = "market.resolved"
	EventMarketVoided        = "market.voided"
	EventPredictionCommitted = "prediction.committed"
	EventPredictionRevealed  = "prediction.revealed"
	EventSettlementBatch     = "settlement.batch"
	EventTreasuryDeposit     = "treasury.deposit"
	EventTreasuryDistributed = "treasury.distributed"
)

// Notifier delivers operator alerts. *notify.Notifier satisfies it.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// MarketChangeFunc is called after a committed change to a market.
type MarketChangeFunc func(ctx context.Context, marketID string)

// Events fans lifecycle events out to the signal bus, the audit log and the
// operator notifier. Every sink is optional and every failure is logged and
// swallowed: events are emitted after the ledger commit and never undo it.
type Events struct {
	bus      domain.SignalBus
	audit    domain.AuditStore
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	onChange []MarketChangeFunc
}

// NewEvents creates an Events fan-out. Any of bus, audit and notifier may be
// nil.
func NewEvents(bus domain.SignalBus, audit domain.AuditStore, notifier Notifier, logger *slog.Logger) *Events {
	return &Events{
		bus:      bus,
		audit:    audit,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "events")),
		now:      time.Now,
	}
}

// OnMarketChange registers fn to run for every emitted event that changes a
// market row.
func (e *Events) OnMarketChange(fn MarketChangeFunc) {
	if e == nil || fn == nil {
		return
	}
	e.mu.Lock()
	e.onChange = append(e.onChange, fn)
	e.mu.Unlock()
}

// Emit publishes ev. detail is stored with the audit entry.
func (e *Events) Emit(ctx context.Context, ev domain.LifecycleEvent, detail map[string]any) {
	if e == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = e.now()
	}

	if ev.MarketID != "" && changesMarket(ev.Event) {
		e.mu.RLock()
		hooks := e.onChange
		e.mu.RUnlock()
		for _, fn := range hooks {
			fn(ctx, ev.MarketID)
		}
	}

	if e.bus != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			e.logger.ErrorContext(ctx, "events: marshal failed",
				slog.String("event", ev.Event),
				slog.String("error", err.Error()),
			)
		} else {
			if err := e.bus.Publish(ctx, domain.ChannelLifecycle, payload); err != nil {
				e.logger.WarnContext(ctx, "events: publish failed",
					slog.String("event", ev.Event),
					slog.String("error", err.Error()),
				)
			}
			if err := e.bus.StreamAppend(ctx, domain.StreamLifecycle, payload); err != nil {
				e.logger.WarnContext(ctx, "events: stream append failed",
					slog.String("event", ev.Event),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if e.audit != nil {
		if detail == nil {
			detail = map[string]any{}
		}
		detail["market_id"] = ev.MarketID
		if ev.PredictionID != "" {
			detail["prediction_id"] = ev.PredictionID
		}
		if ev.AccountID != "" {
			detail["account_id"] = ev.AccountID
		}
		if err := e.audit.Log(ctx, ev.Event, detail); err != nil {
			e.logger.WarnContext(ctx, "events: audit log failed",
				slog.String("event", ev.Event),
				slog.String("error", err.Error()),
			)
		}
	}

	// The notifier's own allow-list picks which events are delivered.
	if e.notifier != nil {
		title, msg := describeEvent(ev)
		if err := e.notifier.Notify(ctx, ev.Event, title, msg); err != nil {
			e.logger.WarnContext(ctx, "events: notify failed",
				slog.String("event", ev.Event),
				slog.String("error", err.Error()),
			)
		}
	}
}

// changesMarket reports whether event follows a write to the market row.
// Reveals and treasury movements leave it untouched.
func changesMarket(event string) bool {
	switch event {
	case EventPredictionRevealed, EventTreasuryDeposit, EventTreasuryDistributed:
		return false
	}
	return true
}
