package domain

import (
	"fmt"
	"time"
)

// Account holds the two independent balances of a participant. Amounts are
// integer minor units.
type Account struct {
	ID            string
	Balance       int64 // primary stable-value balance
	NativeBalance int64 // secondary native-asset balance
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Debit removes amount from the primary balance. The balance never goes
// negative.
func (a *Account) Debit(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("debit %d: %w", amount, ErrInvalidArgument)
	}
	if a.Balance < amount {
		return fmt.Errorf("account %s has %d, needs %d: %w", a.ID, a.Balance, amount, ErrInsufficientBalance)
	}
	a.Balance -= amount
	return nil
}

// Credit adds amount to the primary balance.
func (a *Account) Credit(amount int64) error {
	if amount < 0 {
		return fmt.Errorf("credit %d: %w", amount, ErrInvalidArgument)
	}
	a.Balance += amount
	return nil
}

// JournalKind labels a balance mutation.
type JournalKind string

const (
	JournalDeposit JournalKind = "DEPOSIT"
	JournalStake   JournalKind = "STAKE"
	JournalPayout  JournalKind = "PAYOUT"
	JournalRefund  JournalKind = "REFUND"
	JournalFee     JournalKind = "FEE"
	JournalReward  JournalKind = "REWARD"
)

// JournalEntry is one signed change to an account's primary balance.
// Reference points at the prediction, market or pool that caused it.
type JournalEntry struct {
	ID        string
	AccountID string
	Amount    int64
	Kind      JournalKind
	Reference string
	CreatedAt time.Time
}
