package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/boxmeout/internal/domain"
)

type mockMarketCache struct{ mock.Mock }

func (m *mockMarketCache) Set(ctx context.Context, market domain.Market) error {
	return m.Called(ctx, market).Error(0)
}

func (m *mockMarketCache) Get(ctx context.Context, id string) (domain.Market, error) {
	args := m.Called(ctx, id)
	mk, _ := args.Get(0).(domain.Market)
	return mk, args.Error(1)
}

func (m *mockMarketCache) Invalidate(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func TestMarketService_Create(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	m := h.market(t, "m1")
	assert.Equal(t, domain.MarketStatusOpen, m.Status)
	assert.Equal(t, [2]string{"Red", "Blue"}, m.Outcomes)

	_, err := h.markets.Create(ctx, domain.NewMarket{ID: "m1", Question: "again?", Outcomes: [2]string{"Y", "N"}, ClosesAt: h.now.Add(time.Hour)})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	generated, err := h.markets.Create(ctx, domain.NewMarket{Question: "Q?", Outcomes: [2]string{"Y", "N"}, ClosesAt: h.now.Add(time.Minute)})
	require.NoError(t, err)
	assert.NotEmpty(t, generated.ID)

	tests := []struct {
		name string
		nm   domain.NewMarket
	}{
		{"empty question", domain.NewMarket{Question: " ", Outcomes: [2]string{"Y", "N"}, ClosesAt: h.now.Add(time.Hour)}},
		{"unnamed outcome", domain.NewMarket{Question: "Q?", Outcomes: [2]string{"Y", ""}, ClosesAt: h.now.Add(time.Hour)}},
		{"same outcomes", domain.NewMarket{Question: "Q?", Outcomes: [2]string{"Yes", "yes"}, ClosesAt: h.now.Add(time.Hour)}},
		{"deadline passed", domain.NewMarket{Question: "Q?", Outcomes: [2]string{"Y", "N"}, ClosesAt: h.now}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.markets.Create(ctx, tt.nm)
			assert.ErrorIs(t, err, domain.ErrInvalidArgument)
		})
	}
}

func TestMarketService_IllegalTransitionsLeaveStateUntouched(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	win := domain.OutcomeA

	tests := []struct {
		name  string
		setup func(t *testing.T, id string)
		act   func(id string) error
		want  error
	}{
		{
			name: "resolve open",
			act:  func(id string) error { _, err := h.markets.Resolve(ctx, id, domain.OutcomeA, "x"); return err },
			want: domain.ErrInvalidTransition,
		},
		{
			name: "void open",
			act:  func(id string) error { _, err := h.markets.Void(ctx, id); return err },
			want: domain.ErrInvalidTransition,
		},
		{
			name: "dispute open",
			act:  func(id string) error { _, err := h.markets.Dispute(ctx, id, "why"); return err },
			want: domain.ErrInvalidTransition,
		},
		{
			name:  "close closed",
			setup: func(t *testing.T, id string) { h.close(t, id) },
			act:   func(id string) error { _, err := h.markets.Close(ctx, id); return err },
			want:  domain.ErrInvalidTransition,
		},
		{
			name:  "resolve dispute on closed",
			setup: func(t *testing.T, id string) { h.close(t, id) },
			act: func(id string) error {
				_, err := h.markets.ResolveDispute(ctx, id, DisputeResolution{Outcome: &win}, "x")
				return err
			},
			want: domain.ErrInvalidTransition,
		},
		{
			name:  "resolve with bad outcome",
			setup: func(t *testing.T, id string) { h.close(t, id) },
			act:   func(id string) error { _, err := h.markets.Resolve(ctx, id, 2, "x"); return err },
			want:  domain.ErrInvalidArgument,
		},
		{
			name: "resolve disputed",
			setup: func(t *testing.T, id string) {
				h.close(t, id)
				_, err := h.markets.Dispute(ctx, id, "bad feed")
				require.NoError(t, err)
			},
			act:  func(id string) error { _, err := h.markets.Resolve(ctx, id, domain.OutcomeA, "x"); return err },
			want: domain.ErrInvalidTransition,
		},
		{
			name: "close resolved",
			setup: func(t *testing.T, id string) {
				h.close(t, id)
				_, err := h.markets.Resolve(ctx, id, domain.OutcomeA, "x")
				require.NoError(t, err)
			},
			act:  func(id string) error { _, err := h.markets.Close(ctx, id); return err },
			want: domain.ErrInvalidTransition,
		},
		{
			name: "void resolved",
			setup: func(t *testing.T, id string) {
				h.close(t, id)
				_, err := h.markets.Resolve(ctx, id, domain.OutcomeA, "x")
				require.NoError(t, err)
			},
			act:  func(id string) error { _, err := h.markets.Void(ctx, id); return err },
			want: domain.ErrInvalidTransition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := "m-" + tt.name
			h.market(t, id)
			if tt.setup != nil {
				tt.setup(t, id)
			}
			before, err := h.markets.Get(ctx, id)
			require.NoError(t, err)

			assert.ErrorIs(t, tt.act(id), tt.want)

			after, err := h.markets.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, before.Status, after.Status)
			assert.Equal(t, before.WinningOutcome, after.WinningOutcome)
		})
	}
}

func TestMarketService_DisputeFlow(t *testing.T) {
	ctx := context.Background()

	t.Run("resolved to an outcome", func(t *testing.T) {
		h := newHarness(t)
		h.fund(t, "a1", 100)
		h.fund(t, "a2", 51)
		h.market(t, "m1")
		h.bet(t, "a1", "m1", 100, domain.OutcomeA)
		p2 := h.bet(t, "a2", "m1", 50, domain.OutcomeB)
		hidden := h.commit(t, "a2", "m1", 1, domain.OutcomeB)
		h.close(t, "m1")

		m, err := h.core.DisputeMarket(ctx, "m1", "source disagreement")
		require.NoError(t, err)
		assert.Equal(t, domain.MarketStatusDisputed, m.Status)
		assert.Equal(t, "source disagreement", m.DisputeReason)

		_, err = h.preds.Reveal(ctx, p2.ID, domain.OutcomeB, nonceFor("a2", domain.OutcomeB))
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)

		win := domain.OutcomeB
		m, err = h.core.ResolveDispute(ctx, "m1", DisputeResolution{Outcome: &win}, "arbiter")
		require.NoError(t, err)
		assert.Equal(t, domain.MarketStatusResolved, m.Status)
		assert.Equal(t, "arbiter", m.ResolutionSource)
		assert.Equal(t, int64(0), h.balance(t, "a1"))
		assert.Equal(t, int64(151), h.balance(t, "a2"))

		got, err := h.preds.Get(ctx, hidden.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.PredictionVoid, got.State)
	})

	t.Run("voided", func(t *testing.T) {
		h := newHarness(t)
		h.fund(t, "a1", 100)
		h.market(t, "m1")
		h.bet(t, "a1", "m1", 100, domain.OutcomeA)
		h.close(t, "m1")
		_, err := h.markets.Dispute(ctx, "m1", "cancelled event")
		require.NoError(t, err)

		m, err := h.markets.ResolveDispute(ctx, "m1", DisputeResolution{Void: true}, "arbiter")
		require.NoError(t, err)
		assert.Equal(t, domain.MarketStatusVoid, m.Status)
		assert.Equal(t, int64(100), h.balance(t, "a1"))
	})

	t.Run("ambiguous resolution", func(t *testing.T) {
		h := newHarness(t)
		h.market(t, "m1")
		h.close(t, "m1")
		_, err := h.markets.Dispute(ctx, "m1", "x")
		require.NoError(t, err)

		win := domain.OutcomeA
		_, err = h.markets.ResolveDispute(ctx, "m1", DisputeResolution{Outcome: &win, Void: true}, "arbiter")
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
		_, err = h.markets.ResolveDispute(ctx, "m1", DisputeResolution{}, "arbiter")
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	})

	t.Run("empty reason", func(t *testing.T) {
		h := newHarness(t)
		h.market(t, "m1")
		h.close(t, "m1")
		_, err := h.markets.Dispute(ctx, "m1", "  ")
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	})
}

func TestMarketService_CloseExpired(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.market(t, "soon")
	_, err := h.markets.Create(ctx, domain.NewMarket{ID: "later", Question: "Q?", Outcomes: [2]string{"Y", "N"}, ClosesAt: h.now.Add(48 * time.Hour)})
	require.NoError(t, err)

	n, err := h.markets.CloseExpired(ctx, h.now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	soon, err := h.markets.Get(ctx, "soon")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusClosed, soon.Status)
	later, err := h.markets.Get(ctx, "later")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusOpen, later.Status)

	n, err = h.markets.CloseExpired(ctx, h.now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMarketService_GetReadsThroughCache(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.market(t, "m1")

	cache := &mockMarketCache{}
	h.markets.cache = cache

	cache.On("Get", mock.Anything, "m1").Return(nil, domain.ErrNotFound).Once()
	cache.On("Set", mock.Anything, mock.MatchedBy(func(m domain.Market) bool { return m.ID == "m1" })).Return(nil).Once()
	m, err := h.markets.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", m.ID)

	cached := m
	cached.Question = "from cache"
	cache.On("Get", mock.Anything, "m1").Return(cached, nil).Once()
	m, err = h.markets.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "from cache", m.Question)

	cache.On("Invalidate", mock.Anything, "m1").Return(nil).Once()
	h.close(t, "m1")

	cache.On("Get", mock.Anything, "missing").Return(nil, domain.ErrNotFound).Once()
	_, err = h.markets.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	cache.AssertExpectations(t)
}

func TestMarketService_InvalidatesOnCommitAndSettlement(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, withEvents(NewEvents(nil, nil, nil, testLogger())))
	h.fund(t, "a1", 100)
	h.market(t, "m1")

	cache := &mockMarketCache{}
	cache.On("Invalidate", mock.Anything, "m1").Return(nil)
	h.markets.cache = cache
	invalidations := func() int {
		n := 0
		for _, c := range cache.Calls {
			if c.Method == "Invalidate" {
				n++
			}
		}
		return n
	}

	h.commit(t, "a1", "m1", 40, domain.OutcomeA)
	assert.Equal(t, 1, invalidations(), "commit changes volume")

	h.close(t, "m1")
	before := invalidations()
	m, err := h.settle.Resolve(ctx, "m1", domain.OutcomeA, "oracle")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusResolved, m.Status)
	assert.Greater(t, invalidations(), before, "settling outside MarketService still invalidates")

	cache.On("Get", mock.Anything, "m1").Return(nil, domain.ErrNotFound).Once()
	cache.On("Set", mock.Anything, mock.Anything).Return(nil).Once()
	got, err := h.markets.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusResolved, got.Status)
	assert.Equal(t, int64(40), got.Volume)
}
