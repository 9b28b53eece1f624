package domain

import "time"

// SettlementKind selects how a market's stakes are released.
type SettlementKind string

const (
	// SettlementPayout splits the losing pool among winners.
	SettlementPayout SettlementKind = "PAYOUT"
	// SettlementRefund returns every stake unchanged.
	SettlementRefund SettlementKind = "REFUND"
)

// Settlement is the persisted plan for settling one market. Its pool totals
// are frozen when the plan is created so that batches can be replayed after a
// failure without recomputing them from partially settled data.
type Settlement struct {
	MarketID string
	Kind     SettlementKind
	// TargetStatus is RESOLVED or VOID; the market moves there when the plan
	// completes.
	TargetStatus   MarketStatus
	WinningOutcome *int
	Source         string
	// TotalStake is every stake in the market; Paid must equal it once the
	// plan completes.
	TotalStake      int64
	WinnerPool      int64
	LoserPool       int64
	RevealedCount   int
	UnrevealedCount int
	// Remainder is the part of LoserPool lost to integer division. It is
	// paid to RemainderRecipient on top of its pro-rata share.
	Remainder          int64
	RemainderRecipient string
	SettledCount       int
	Paid               int64
	Completed          bool
	CreatedAt          time.Time
	CompletedAt        *time.Time
}

// Clone returns a copy that shares no pointers with s.
func (s Settlement) Clone() Settlement {
	out := s
	out.WinningOutcome = cloneInt(s.WinningOutcome)
	out.CompletedAt = cloneTime(s.CompletedAt)
	return out
}

// Total returns how many predictions the plan covers.
func (s Settlement) Total() int {
	return s.RevealedCount + s.UnrevealedCount
}

// SettlementLine is one prediction's result inside a settlement report.
type SettlementLine struct {
	PredictionID string            `json:"prediction_id"`
	AccountID    string            `json:"account_id"`
	Stake        int64             `json:"stake"`
	Choice       *int              `json:"choice,omitempty"`
	State        PredictionState   `json:"state"`
	Outcome      SettlementOutcome `json:"outcome"`
	Payout       int64             `json:"payout"`
}

// SettlementReport summarizes a completed settlement for archival.
type SettlementReport struct {
	MarketID       string           `json:"market_id"`
	Status         MarketStatus     `json:"status"`
	Kind           SettlementKind   `json:"kind"`
	WinningOutcome *int             `json:"winning_outcome,omitempty"`
	Source         string           `json:"source,omitempty"`
	TotalStake     int64            `json:"total_stake"`
	TotalPaid      int64            `json:"total_paid"`
	Lines          []SettlementLine `json:"lines"`
	CompletedAt    time.Time        `json:"completed_at"`
	Signer         string           `json:"signer,omitempty"`
	Signature      string           `json:"signature,omitempty"`
}
