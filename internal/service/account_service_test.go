package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/boxmeout/internal/domain"
)

func TestAccount_OpenAndDeposit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	a, err := h.accounts.Open(ctx, "a1")
	require.NoError(t, err)
	assert.Zero(t, a.Balance)

	_, err = h.accounts.Open(ctx, "a1")
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	a, err = h.accounts.Deposit(ctx, "a1", 250)
	require.NoError(t, err)
	assert.Equal(t, int64(250), a.Balance)

	_, err = h.accounts.Deposit(ctx, "a1", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = h.accounts.Deposit(ctx, "nobody", 10)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAccount_LostAcknowledgementAppliesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.ledger.InjectLostAcks(1)
	_, err := h.accounts.Open(ctx, "a1")
	require.NoError(t, err)

	h.ledger.InjectLostAcks(1)
	a, err := h.accounts.Deposit(ctx, "a1", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), a.Balance)
	assert.Equal(t, int64(100), h.balance(t, "a1"))

	journal, err := h.accounts.Journal(ctx, "a1", 10)
	require.NoError(t, err)
	require.Len(t, journal, 1)
	assert.Equal(t, domain.JournalDeposit, journal[0].Kind)
}
