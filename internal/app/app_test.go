package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/boxmeout/internal/config"
	"github.com/alanyoungcy/boxmeout/internal/crypto"
	"github.com/alanyoungcy/boxmeout/internal/domain"
	"github.com/alanyoungcy/boxmeout/internal/server"
	"github.com/alanyoungcy/boxmeout/internal/server/handler"
)

const testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func memoryConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Ledger.Driver = "memory"
	cfg.Redis.Enabled = false
	cfg.S3.Enabled = false
	cfg.Signing.PrivateKey = testKeyHex
	cfg.Settlement.BatchSize = 2
	return &cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWire_MemoryDriver(t *testing.T) {
	cfg := memoryConfig()
	deps, cleanup, err := Wire(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, deps.Ledger)
	assert.NotNil(t, deps.Audit)
	assert.Nil(t, deps.Migrator)
	assert.Nil(t, deps.Locks)
	assert.Nil(t, deps.Bus)
	require.NotNil(t, deps.Signer)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", deps.Signer.Address().Hex())
	assert.False(t, deps.Notifier.Enabled())
}

func TestWire_RejectsUnknownDriver(t *testing.T) {
	cfg := memoryConfig()
	cfg.Ledger.Driver = "mongo"
	_, _, err := Wire(context.Background(), cfg, testLogger())
	assert.ErrorContains(t, err, "unknown ledger driver")
}

// TestCore_EndToEnd drives a market from creation to a signed report through
// the wired services and reads it back over the ops API.
func TestCore_EndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig()
	logger := testLogger()

	deps, cleanup, err := Wire(ctx, cfg, logger)
	require.NoError(t, err)
	defer cleanup()
	core := BuildCore(cfg, deps, logger)

	for _, id := range []string{"alice", "bob", "carol"} {
		_, err := core.Accounts.Open(ctx, id)
		require.NoError(t, err)
		_, err = core.Accounts.Deposit(ctx, id, 100)
		require.NoError(t, err)
	}

	m, err := core.Markets.Create(ctx, domain.NewMarket{
		ID:       "fight-1",
		Question: "Who wins the main event?",
		Outcomes: [2]string{"Red", "Blue"},
		ClosesAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	stakes := map[string]struct {
		stake  int64
		choice int
	}{
		"alice": {100, domain.OutcomeA},
		"bob":   {50, domain.OutcomeB},
		"carol": {30, domain.OutcomeB},
	}
	for acct, s := range stakes {
		nonce := []byte("nonce-" + acct)
		p, err := core.CommitPrediction(ctx, domain.CommitRequest{
			AccountID:  acct,
			MarketID:   m.ID,
			Commitment: crypto.Commit(acct, m.ID, s.choice, nonce),
			Stake:      s.stake,
		})
		require.NoError(t, err)
		_, err = core.RevealPrediction(ctx, p.ID, s.choice, nonce)
		require.NoError(t, err)
	}

	_, err = core.CloseMarket(ctx, m.ID)
	require.NoError(t, err)
	resolved, err := core.ResolveMarket(ctx, m.ID, domain.OutcomeB, "judges")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusResolved, resolved.Status)

	var total int64
	for _, id := range []string{"alice", "bob", "carol"} {
		a, err := core.Accounts.Get(ctx, id)
		require.NoError(t, err)
		total += a.Balance
	}
	assert.Equal(t, int64(300), total, "value is conserved")

	routes := server.Routes(server.Config{}, server.Handlers{
		Health:   handler.NewHealthHandler(deps.Checks, logger),
		Markets:  handler.NewMarketHandler(core.Markets, core.Settlement, logger),
		Accounts: handler.NewAccountHandler(core.Accounts, logger),
		Audit:    handler.NewAuditHandler(deps.Audit, logger),
	}, nil, logger)

	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/markets/fight-1/report", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_paid":180`)
	assert.Contains(t, rec.Body.String(), `"signature"`)

	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/markets/fight-1/audit?limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"event":"market.resolved"`)
	assert.Contains(t, rec.Body.String(), `"market_id":"fight-1"`)

	report, err := core.Settlement.Report(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, crypto.NewReportVerifier(cfg.Signing.ChainID, deps.Signer.Address()).Verify(report))
}

func TestMigrateMode_MemoryHasNoSchema(t *testing.T) {
	cfg := memoryConfig()
	a := New(cfg, testLogger())
	err := a.MigrateMode(context.Background(), &Dependencies{})
	assert.ErrorContains(t, err, "has no schema")
}

func TestRun_WorkerStopsOnCancel(t *testing.T) {
	cfg := memoryConfig()
	cfg.Mode = "full"
	cfg.Server.Enabled = false
	cfg.Worker.SweepInterval.Duration = 10 * time.Millisecond
	cfg.Worker.ResumeInterval.Duration = 10 * time.Millisecond

	a := New(cfg, testLogger())
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, a.Run(ctx))
}
