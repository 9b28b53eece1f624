package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/boxmeout/internal/crypto"
	"github.com/alanyoungcy/boxmeout/internal/domain"
	"github.com/alanyoungcy/boxmeout/internal/executor"
	"github.com/alanyoungcy/boxmeout/internal/store/memory"
)

type mockBus struct{ mock.Mock }

func (m *mockBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return m.Called(ctx, channel, payload).Error(0)
}

func (m *mockBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	args := m.Called(ctx, channel)
	ch, _ := args.Get(0).(<-chan []byte)
	return ch, args.Error(1)
}

func (m *mockBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	return m.Called(ctx, stream, payload).Error(0)
}

func (m *mockBus) StreamRead(ctx context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	args := m.Called(ctx, stream, lastID, count)
	msgs, _ := args.Get(0).([]domain.StreamMessage)
	return msgs, args.Error(1)
}

type mockAudit struct{ mock.Mock }

func (m *mockAudit) Log(ctx context.Context, event string, detail map[string]any) error {
	return m.Called(ctx, event, detail).Error(0)
}

func (m *mockAudit) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	args := m.Called(ctx, opts)
	entries, _ := args.Get(0).([]domain.AuditEntry)
	return entries, args.Error(1)
}

type mockNotifier struct{ mock.Mock }

func (m *mockNotifier) Notify(ctx context.Context, event, title, message string) error {
	return m.Called(ctx, event, title, message).Error(0)
}

type mockArchive struct{ mock.Mock }

func (m *mockArchive) Save(ctx context.Context, report domain.SettlementReport) (string, error) {
	args := m.Called(ctx, report)
	return args.String(0), args.Error(1)
}

func (m *mockArchive) Load(ctx context.Context, marketID string) (domain.SettlementReport, error) {
	args := m.Called(ctx, marketID)
	r, _ := args.Get(0).(domain.SettlementReport)
	return r, args.Error(1)
}

func (m *mockArchive) Exists(ctx context.Context, marketID string) (bool, error) {
	args := m.Called(ctx, marketID)
	return args.Bool(0), args.Error(1)
}

type mockLocks struct{ mock.Mock }

func (m *mockLocks) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	args := m.Called(ctx, key, ttl)
	unlock, _ := args.Get(0).(func())
	return unlock, args.Error(1)
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

var testNow = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	ledger   *memory.Ledger
	exec     *executor.Executor
	now      time.Time
	markets  *MarketService
	preds    *PredictionService
	settle   *SettlementService
	accounts *AccountService
	treasury *TreasuryService
	core     *Core
}

type harnessOpt func(*harnessConfig)

type harnessConfig struct {
	batchSize int
	attempts  int
	events    *Events
}

func withBatchSize(n int) harnessOpt { return func(c *harnessConfig) { c.batchSize = n } }
func withAttempts(n int) harnessOpt  { return func(c *harnessConfig) { c.attempts = n } }
func withEvents(e *Events) harnessOpt {
	return func(c *harnessConfig) { c.events = e }
}

func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	t.Helper()
	cfg := harnessConfig{batchSize: 100, attempts: 3}
	for _, o := range opts {
		o(&cfg)
	}

	h := &harness{ledger: memory.NewLedger(), now: testNow}
	h.exec = executor.New(h.ledger, executor.Policy{
		MaxAttempts:     cfg.attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}, testLogger())

	clock := func() time.Time { return h.now }
	h.settle = NewSettlementService(h.exec, cfg.events, SettlementConfig{BatchSize: cfg.batchSize, LockTTL: time.Minute}, testLogger())
	h.settle.now = clock
	h.markets = NewMarketService(h.exec, h.settle, cfg.events, nil, testLogger())
	h.markets.now = clock
	h.preds = NewPredictionService(h.exec, cfg.events, testLogger())
	h.preds.now = clock
	h.accounts = NewAccountService(h.exec, testLogger())
	h.accounts.now = clock
	h.treasury = NewTreasuryService(h.exec, cfg.events, testLogger())
	h.treasury.now = clock
	h.core = &Core{Markets: h.markets, Predictions: h.preds, Settlement: h.settle, Accounts: h.accounts, Treasury: h.treasury}
	return h
}

func (h *harness) fund(t *testing.T, id string, amount int64) {
	t.Helper()
	_, err := h.accounts.Open(context.Background(), id)
	require.NoError(t, err)
	if amount > 0 {
		_, err = h.accounts.Deposit(context.Background(), id, amount)
		require.NoError(t, err)
	}
}

func (h *harness) market(t *testing.T, id string) domain.Market {
	t.Helper()
	m, err := h.markets.Create(context.Background(), domain.NewMarket{
		ID:       id,
		Category: "sports",
		Question: "Who wins?",
		Outcomes: [2]string{"Red", "Blue"},
		ClosesAt: h.now.Add(time.Hour),
	})
	require.NoError(t, err)
	return m
}

// bet commits and reveals a prediction with the given choice.
func (h *harness) bet(t *testing.T, account, market string, stake int64, choice int) domain.Prediction {
	t.Helper()
	p := h.commit(t, account, market, stake, choice)
	p, err := h.preds.Reveal(context.Background(), p.ID, choice, nonceFor(p.AccountID, choice))
	require.NoError(t, err)
	return p
}

// commit places a prediction without revealing it.
func (h *harness) commit(t *testing.T, account, market string, stake int64, choice int) domain.Prediction {
	t.Helper()
	p, err := h.preds.Commit(context.Background(), domain.CommitRequest{
		AccountID:  account,
		MarketID:   market,
		Commitment: crypto.Commit(account, market, choice, nonceFor(account, choice)),
		Stake:      stake,
	})
	require.NoError(t, err)
	return p
}

func (h *harness) balance(t *testing.T, id string) int64 {
	t.Helper()
	a, err := h.accounts.Get(context.Background(), id)
	require.NoError(t, err)
	return a.Balance
}

func (h *harness) close(t *testing.T, market string) {
	t.Helper()
	_, err := h.markets.Close(context.Background(), market)
	require.NoError(t, err)
}

func nonceFor(account string, choice int) []byte {
	return []byte{byte(len(account)), byte(choice), 0x5a, 0xa5}
}
