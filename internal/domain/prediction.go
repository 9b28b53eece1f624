package domain

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// PredictionState is the lifecycle state of a single prediction.
type PredictionState string

const (
	PredictionCommitted PredictionState = "COMMITTED"
	PredictionRevealed  PredictionState = "REVEALED"
	PredictionSettled   PredictionState = "SETTLED"
	PredictionVoid      PredictionState = "VOID"
)

// Terminal reports whether the stake of a prediction in this state has
// already been released.
func (s PredictionState) Terminal() bool {
	return s == PredictionSettled || s == PredictionVoid
}

// SettlementOutcome records how a prediction was settled.
type SettlementOutcome string

const (
	OutcomeNone     SettlementOutcome = ""
	OutcomeWon      SettlementOutcome = "WON"
	OutcomeLost     SettlementOutcome = "LOST"
	OutcomeRefunded SettlementOutcome = "REFUNDED"
)

// Digest is a 256-bit commitment digest.
type Digest [32]byte

// Hex returns the 0x-prefixed hex encoding of d.
func (d Digest) Hex() string {
	return "0x" + hex.EncodeToString(d[:])
}

func (d Digest) String() string { return d.Hex() }

// IsZero reports whether d is all zero bytes.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// ParseDigest decodes a hex digest with or without 0x prefix.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return d, fmt.Errorf("parse digest: %v: %w", err, ErrInvalidArgument)
	}
	if len(raw) != len(d) {
		return d, fmt.Errorf("parse digest: want %d bytes, got %d: %w", len(d), len(raw), ErrInvalidArgument)
	}
	copy(d[:], raw)
	return d, nil
}

// Prediction is one blind commitment of stake against a market.
type Prediction struct {
	ID          string
	AccountID   string
	MarketID    string
	State       PredictionState
	Stake       int64
	Commitment  Digest
	Choice      *int
	Nonce       []byte
	Outcome     SettlementOutcome
	Payout      int64
	CommittedAt time.Time
	RevealedAt  *time.Time
	SettledAt   *time.Time
}

// Clone returns a copy that shares no memory with p.
func (p Prediction) Clone() Prediction {
	out := p
	out.Choice = cloneInt(p.Choice)
	if p.Nonce != nil {
		out.Nonce = append([]byte(nil), p.Nonce...)
	}
	out.RevealedAt = cloneTime(p.RevealedAt)
	out.SettledAt = cloneTime(p.SettledAt)
	return out
}

// CommitRequest is the input of a commit.
type CommitRequest struct {
	AccountID  string
	MarketID   string
	Commitment Digest
	Stake      int64
}

// PredictionFilter narrows ListPredictions. Results are ordered by ID.
type PredictionFilter struct {
	AccountID     string
	UnsettledOnly bool // COMMITTED or REVEALED only
	AfterID       string
	Limit         int
}
