package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/boxmeout/internal/domain"
)

func TestTreasury_DepositFees(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fund(t, "ops", 1_000)

	pool, err := h.treasury.DepositFees(ctx, "ops", domain.FeeLeaderboard, 400)
	require.NoError(t, err)
	assert.Equal(t, int64(400), pool.Balance)
	assert.Equal(t, int64(600), h.balance(t, "ops"))

	_, err = h.treasury.DepositFees(ctx, "ops", domain.FeeLeaderboard, 601)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	_, err = h.treasury.DepositFees(ctx, "ops", "marketing", 1)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = h.treasury.DepositFees(ctx, "ops", domain.FeePlatform, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	pools, err := h.treasury.Pools(ctx)
	require.NoError(t, err)
	require.Len(t, pools, 3)
	byCat := map[domain.FeeCategory]int64{}
	for _, p := range pools {
		byCat[p.Category] = p.Balance
	}
	assert.Equal(t, int64(400), byCat[domain.FeeLeaderboard])
	assert.Zero(t, byCat[domain.FeePlatform])

	journal, err := h.accounts.Journal(ctx, "ops", 1)
	require.NoError(t, err)
	assert.Equal(t, domain.JournalFee, journal[0].Kind)
	assert.Equal(t, int64(-400), journal[0].Amount)
}

func TestTreasury_DistributeLeaderboard(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fund(t, "ops", 1_001)
	h.fund(t, "w1", 0)
	h.fund(t, "w2", 0)
	h.fund(t, "w3", 0)

	t.Run("empty pool is a no-op", func(t *testing.T) {
		paid, err := h.treasury.DistributeLeaderboard(ctx, []domain.RewardShare{{AccountID: "w1", Bps: 10_000}})
		require.NoError(t, err)
		assert.Zero(t, paid)
	})

	_, err := h.treasury.DepositFees(ctx, "ops", domain.FeeLeaderboard, 1_001)
	require.NoError(t, err)

	t.Run("shares must total 10000", func(t *testing.T) {
		_, err := h.treasury.DistributeLeaderboard(ctx, []domain.RewardShare{{AccountID: "w1", Bps: 5_000}, {AccountID: "w2", Bps: 4_999}})
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
		_, err = h.treasury.DistributeLeaderboard(ctx, nil)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	})

	paid, err := h.treasury.DistributeLeaderboard(ctx, []domain.RewardShare{
		{AccountID: "w1", Bps: 5_000},
		{AccountID: "w2", Bps: 3_000},
		{AccountID: "w3", Bps: 2_000},
	})
	require.NoError(t, err)
	// 500 + 300 + 200; one unit of dust stays behind
	assert.Equal(t, int64(1_000), paid)
	assert.Equal(t, int64(500), h.balance(t, "w1"))
	assert.Equal(t, int64(300), h.balance(t, "w2"))
	assert.Equal(t, int64(200), h.balance(t, "w3"))

	pools, err := h.treasury.Pools(ctx)
	require.NoError(t, err)
	for _, p := range pools {
		if p.Category == domain.FeeLeaderboard {
			assert.Equal(t, int64(1), p.Balance)
		}
	}

	journal, err := h.accounts.Journal(ctx, "w2", 0)
	require.NoError(t, err)
	require.Len(t, journal, 1)
	assert.Equal(t, domain.JournalReward, journal[0].Kind)
}

func TestTreasury_LostAcknowledgementAppliesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fund(t, "ops", 1_000)
	h.fund(t, "w1", 0)
	h.fund(t, "w2", 0)

	h.ledger.InjectLostAcks(1)
	pool, err := h.treasury.DepositFees(ctx, "ops", domain.FeeLeaderboard, 400)
	require.NoError(t, err)
	assert.Equal(t, int64(400), pool.Balance)
	assert.Equal(t, int64(600), h.balance(t, "ops"))

	h.ledger.InjectLostAcks(1)
	paid, err := h.treasury.DistributeLeaderboard(ctx, []domain.RewardShare{
		{AccountID: "w1", Bps: 7_500},
		{AccountID: "w2", Bps: 2_500},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(400), paid)
	assert.Equal(t, int64(300), h.balance(t, "w1"))
	assert.Equal(t, int64(100), h.balance(t, "w2"))

	pools, err := h.treasury.Pools(ctx)
	require.NoError(t, err)
	for _, p := range pools {
		assert.Zero(t, p.Balance, p.Category)
	}
}
