package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/boxmeout/internal/domain"
	"github.com/alanyoungcy/boxmeout/internal/store/storetest"
)

func openTestStore(t *testing.T, busy time.Duration) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, Config{Path: filepath.Join(t.TempDir(), "ledger.db"), BusyTimeout: busy})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.RunMigrations(ctx))
	return s
}

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, openTestStore(t, time.Second))
}

func TestStore_MigrationsAreIdempotent(t *testing.T) {
	s := openTestStore(t, time.Second)
	require.NoError(t, s.RunMigrations(context.Background()))
}

func TestStore_BusyWriterIsTransient(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, 10*time.Millisecond)

	holder, err := s.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = holder.Rollback(ctx) }()
	require.NoError(t, holder.PutAccount(ctx, domain.Account{ID: "a1", Balance: 1}))

	_, err = s.Begin(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransientConflict)
}

func TestStore_NegativeBalanceRejected(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, time.Second)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.PutAccount(ctx, domain.Account{ID: "a1", Balance: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestAuditStore_LogAndList(t *testing.T) {
	ctx := context.Background()
	audit := openTestStore(t, time.Second).Audit()

	require.NoError(t, audit.Log(ctx, "market.created", map[string]any{"market_id": "m1"}))
	require.NoError(t, audit.Log(ctx, "market.closed", map[string]any{"market_id": "m1"}))

	entries, err := audit.List(ctx, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "market.closed", entries[0].Event)
	assert.Equal(t, "m1", entries[0].Detail["market_id"])

	require.NoError(t, audit.Log(ctx, "market.created", map[string]any{"market_id": "m2"}))
	entries, err = audit.List(ctx, domain.ListOpts{MarketID: "m2"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "m2", entries[0].MarketID)
}

func TestDSN(t *testing.T) {
	dsn := DSN(Config{Path: "/tmp/x.db", BusyTimeout: 250 * time.Millisecond})
	assert.Contains(t, dsn, "file:/tmp/x.db?")
	assert.Contains(t, dsn, "_txlock=immediate")
	assert.Contains(t, dsn, "busy_timeout%28250%29")
}
