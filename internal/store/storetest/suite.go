// Package storetest holds a behavioural suite every domain.Ledger
// implementation must pass.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/boxmeout/internal/domain"
)

// Run exercises ledger through the domain.LedgerTx surface. The ledger must
// start empty.
func Run(t *testing.T, ledger domain.Ledger) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	inTx := func(t *testing.T, fn func(tx domain.LedgerTx)) {
		t.Helper()
		tx, err := ledger.Begin(ctx)
		require.NoError(t, err)
		fn(tx)
		require.NoError(t, tx.Commit(ctx))
	}

	t.Run("account round trip", func(t *testing.T) {
		inTx(t, func(tx domain.LedgerTx) {
			require.NoError(t, tx.PutAccount(ctx, domain.Account{ID: "a1", Balance: 100, NativeBalance: 3, CreatedAt: now, UpdatedAt: now}))
		})
		inTx(t, func(tx domain.LedgerTx) {
			a, err := tx.GetAccount(ctx, "a1")
			require.NoError(t, err)
			assert.Equal(t, int64(100), a.Balance)
			assert.Equal(t, int64(3), a.NativeBalance)
			assert.True(t, a.CreatedAt.Equal(now))

			_, err = tx.GetAccount(ctx, "missing")
			assert.ErrorIs(t, err, domain.ErrNotFound)
		})
	})

	t.Run("rollback discards writes", func(t *testing.T) {
		tx, err := ledger.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.PutAccount(ctx, domain.Account{ID: "ghost", Balance: 1, CreatedAt: now, UpdatedAt: now}))
		require.NoError(t, tx.Rollback(ctx))

		inTx(t, func(tx domain.LedgerTx) {
			_, err := tx.GetAccount(ctx, "ghost")
			assert.ErrorIs(t, err, domain.ErrNotFound)
		})
	})

	t.Run("market round trip", func(t *testing.T) {
		closes := now.Add(time.Hour)
		inTx(t, func(tx domain.LedgerTx) {
			require.NoError(t, tx.PutMarket(ctx, domain.Market{
				ID: "m1", Category: "sports", Question: "A or B?", Outcomes: [2]string{"A", "B"},
				Status: domain.MarketStatusOpen, ClosesAt: closes, CreatedAt: now, UpdatedAt: now,
			}))
			require.NoError(t, tx.PutMarket(ctx, domain.Market{
				ID: "m2", Question: "C or D?", Outcomes: [2]string{"C", "D"},
				Status: domain.MarketStatusOpen, ClosesAt: now.Add(2 * time.Hour), CreatedAt: now, UpdatedAt: now,
			}))
		})

		inTx(t, func(tx domain.LedgerTx) {
			m, err := tx.GetMarket(ctx, "m1")
			require.NoError(t, err)
			assert.Equal(t, [2]string{"A", "B"}, m.Outcomes)
			assert.Equal(t, domain.MarketStatusOpen, m.Status)
			assert.Nil(t, m.WinningOutcome)
			assert.True(t, m.ClosesAt.Equal(closes))

			due, err := tx.ListMarkets(ctx, domain.MarketFilter{Status: domain.MarketStatusOpen, ClosesBefore: &closes})
			require.NoError(t, err)
			require.Len(t, due, 1)
			assert.Equal(t, "m1", due[0].ID)
		})
	})

	t.Run("predictions ordered by id", func(t *testing.T) {
		inTx(t, func(tx domain.LedgerTx) {
			for _, id := range []string{"p-c", "p-a", "p-b"} {
				require.NoError(t, tx.PutPrediction(ctx, domain.Prediction{
					ID: id, AccountID: "a1", MarketID: "m1", State: domain.PredictionCommitted,
					Stake: 10, Commitment: domain.Digest{1, 2, 3}, CommittedAt: now,
				}))
			}
		})

		inTx(t, func(tx domain.LedgerTx) {
			ps, err := tx.ListPredictions(ctx, "m1", domain.PredictionFilter{})
			require.NoError(t, err)
			require.Len(t, ps, 3)
			assert.Equal(t, "p-a", ps[0].ID)
			assert.Equal(t, "p-c", ps[2].ID)
			assert.Equal(t, domain.Digest{1, 2, 3}, ps[0].Commitment)

			page, err := tx.ListPredictions(ctx, "m1", domain.PredictionFilter{AfterID: "p-a", Limit: 1})
			require.NoError(t, err)
			require.Len(t, page, 1)
			assert.Equal(t, "p-b", page[0].ID)

			mine, err := tx.ListAccountPredictions(ctx, "a1", 0)
			require.NoError(t, err)
			assert.Len(t, mine, 3)
		})

		choice := domain.OutcomeB
		revealed := now.Add(time.Minute)
		inTx(t, func(tx domain.LedgerTx) {
			p, err := tx.GetPrediction(ctx, "p-a")
			require.NoError(t, err)
			p.State = domain.PredictionSettled
			p.Choice = &choice
			p.Nonce = []byte("nonce")
			p.RevealedAt = &revealed
			p.Outcome = domain.OutcomeWon
			p.Payout = 15
			require.NoError(t, tx.PutPrediction(ctx, p))
		})

		inTx(t, func(tx domain.LedgerTx) {
			p, err := tx.GetPrediction(ctx, "p-a")
			require.NoError(t, err)
			require.NotNil(t, p.Choice)
			assert.Equal(t, domain.OutcomeB, *p.Choice)
			assert.Equal(t, []byte("nonce"), p.Nonce)
			assert.Equal(t, domain.OutcomeWon, p.Outcome)
			assert.Equal(t, int64(15), p.Payout)

			open, err := tx.ListPredictions(ctx, "m1", domain.PredictionFilter{UnsettledOnly: true})
			require.NoError(t, err)
			assert.Len(t, open, 2)
		})
	})

	t.Run("resolved market carries winning outcome", func(t *testing.T) {
		win := domain.OutcomeA
		inTx(t, func(tx domain.LedgerTx) {
			m, err := tx.GetMarket(ctx, "m2")
			require.NoError(t, err)
			require.NoError(t, m.Transition(domain.MarketStatusClosed, now))
			require.NoError(t, tx.PutMarket(ctx, m))
		})
		inTx(t, func(tx domain.LedgerTx) {
			m, err := tx.GetMarket(ctx, "m2")
			require.NoError(t, err)
			require.NoError(t, m.Transition(domain.MarketStatusResolved, now))
			m.WinningOutcome = &win
			require.NoError(t, tx.PutMarket(ctx, m))
		})
		inTx(t, func(tx domain.LedgerTx) {
			m, err := tx.GetMarket(ctx, "m2")
			require.NoError(t, err)
			assert.Equal(t, domain.MarketStatusResolved, m.Status)
			require.NotNil(t, m.WinningOutcome)
			assert.Equal(t, win, *m.WinningOutcome)
			assert.NotNil(t, m.ClosedAt)
			assert.NotNil(t, m.ResolvedAt)
		})
	})

	t.Run("settlement plan progress", func(t *testing.T) {
		win := domain.OutcomeA
		inTx(t, func(tx domain.LedgerTx) {
			require.NoError(t, tx.PutSettlement(ctx, domain.Settlement{
				MarketID: "m1", Kind: domain.SettlementPayout, TargetStatus: domain.MarketStatusResolved,
				WinningOutcome: &win, TotalStake: 150, WinnerPool: 100, LoserPool: 50, RevealedCount: 2,
				Remainder: 1, RemainderRecipient: "p-a", CreatedAt: now,
			}))
		})
		inTx(t, func(tx domain.LedgerTx) {
			pending, err := tx.ListSettlements(ctx, true)
			require.NoError(t, err)
			require.Len(t, pending, 1)

			s := pending[0]
			s.SettledCount = 2
			s.Paid = 150
			s.Completed = true
			done := now.Add(time.Minute)
			s.CompletedAt = &done
			require.NoError(t, tx.PutSettlement(ctx, s))
		})
		inTx(t, func(tx domain.LedgerTx) {
			pending, err := tx.ListSettlements(ctx, true)
			require.NoError(t, err)
			assert.Empty(t, pending)

			s, err := tx.GetSettlement(ctx, "m1")
			require.NoError(t, err)
			assert.True(t, s.Completed)
			assert.Equal(t, int64(150), s.Paid)
			assert.Equal(t, "p-a", s.RemainderRecipient)
			require.NotNil(t, s.WinningOutcome)
			assert.Equal(t, win, *s.WinningOutcome)
		})
	})

	t.Run("fee pools default to zero", func(t *testing.T) {
		inTx(t, func(tx domain.LedgerTx) {
			p, err := tx.GetFeePool(ctx, domain.FeeCreator)
			require.NoError(t, err)
			assert.Zero(t, p.Balance)

			p.Balance = 42
			p.UpdatedAt = now
			require.NoError(t, tx.PutFeePool(ctx, p))
		})
		inTx(t, func(tx domain.LedgerTx) {
			p, err := tx.GetFeePool(ctx, domain.FeeCreator)
			require.NoError(t, err)
			assert.Equal(t, int64(42), p.Balance)
		})
	})

	t.Run("journal newest first", func(t *testing.T) {
		inTx(t, func(tx domain.LedgerTx) {
			require.NoError(t, tx.AppendJournal(ctx, domain.JournalEntry{ID: "j1", AccountID: "a1", Amount: 100, Kind: domain.JournalDeposit, CreatedAt: now}))
			require.NoError(t, tx.AppendJournal(ctx, domain.JournalEntry{ID: "j2", AccountID: "a1", Amount: -10, Kind: domain.JournalStake, Reference: "p-a", CreatedAt: now}))
		})
		inTx(t, func(tx domain.LedgerTx) {
			entries, err := tx.ListJournal(ctx, "a1", 1)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, "j2", entries[0].ID)
			assert.Equal(t, domain.JournalStake, entries[0].Kind)
			assert.Equal(t, int64(-10), entries[0].Amount)

			e, err := tx.GetJournal(ctx, "j1")
			require.NoError(t, err)
			assert.Equal(t, int64(100), e.Amount)
			assert.Equal(t, domain.JournalDeposit, e.Kind)

			_, err = tx.GetJournal(ctx, "missing")
			assert.ErrorIs(t, err, domain.ErrNotFound)
		})
	})
}
