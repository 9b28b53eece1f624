package domain

import "time"

// FeeCategory names a treasury fee pool.
type FeeCategory string

const (
	FeePlatform    FeeCategory = "platform"
	FeeLeaderboard FeeCategory = "leaderboard"
	FeeCreator     FeeCategory = "creator"
)

// FeeCategories lists every pool in display order.
var FeeCategories = []FeeCategory{FeePlatform, FeeLeaderboard, FeeCreator}

// Valid reports whether c is a known pool.
func (c FeeCategory) Valid() bool {
	switch c {
	case FeePlatform, FeeLeaderboard, FeeCreator:
		return true
	}
	return false
}

// FeePool is the accumulated balance of one fee category.
type FeePool struct {
	Category  FeeCategory
	Balance   int64
	UpdatedAt time.Time
}

// BasisPoints is 100%.
const BasisPoints = 10_000

// RewardShare assigns a share of the leaderboard pool to an account.
type RewardShare struct {
	AccountID string
	Bps       int
}
