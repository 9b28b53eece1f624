package service

import (
	"fmt"
	"math/big"
	"time"

	"github.com/alanyoungcy/boxmeout/internal/domain"
)

// BuildPlan freezes the settlement totals for a market. target is RESOLVED
// (outcome required) or VOID. A RESOLVED plan without any revealed winner
// becomes a REFUND plan; the market still resolves to outcome.
func BuildPlan(marketID string, target domain.MarketStatus, outcome *int, source string, preds []domain.Prediction, now time.Time) (domain.Settlement, error) {
	plan := domain.Settlement{
		MarketID:     marketID,
		TargetStatus: target,
		Source:       source,
		CreatedAt:    now,
	}

	for _, p := range preds {
		if p.State.Terminal() {
			return domain.Settlement{}, fmt.Errorf("plan %s: prediction %s is %s: %w", marketID, p.ID, p.State, domain.ErrAlreadySettled)
		}
		plan.TotalStake += p.Stake
		if p.State == domain.PredictionRevealed {
			plan.RevealedCount++
		} else {
			plan.UnrevealedCount++
		}
	}

	switch target {
	case domain.MarketStatusVoid:
		plan.Kind = domain.SettlementRefund
		return plan, nil
	case domain.MarketStatusResolved:
	default:
		return domain.Settlement{}, fmt.Errorf("plan %s: target %s: %w", marketID, target, domain.ErrInvalidTransition)
	}

	if outcome == nil || !domain.ValidOutcome(*outcome) {
		return domain.Settlement{}, fmt.Errorf("plan %s: outcome required: %w", marketID, domain.ErrInvalidArgument)
	}
	win := *outcome
	plan.WinningOutcome = &win

	var recipient *domain.Prediction
	for i := range preds {
		p := &preds[i]
		if p.State != domain.PredictionRevealed || p.Choice == nil {
			continue
		}
		if *p.Choice != win {
			plan.LoserPool += p.Stake
			continue
		}
		plan.WinnerPool += p.Stake
		if recipient == nil || p.Stake > recipient.Stake || (p.Stake == recipient.Stake && p.ID < recipient.ID) {
			recipient = p
		}
	}

	if plan.WinnerPool == 0 {
		plan.Kind = domain.SettlementRefund
		return plan, nil
	}
	plan.Kind = domain.SettlementPayout

	var distributed int64
	for _, p := range preds {
		if p.State == domain.PredictionRevealed && p.Choice != nil && *p.Choice == win {
			distributed += share(p.Stake, plan.LoserPool, plan.WinnerPool)
		}
	}
	plan.Remainder = plan.LoserPool - distributed
	plan.RemainderRecipient = recipient.ID
	return plan, nil
}

// share is floor(stake * loserPool / winnerPool) without int64 overflow.
func share(stake, loserPool, winnerPool int64) int64 {
	if winnerPool == 0 || loserPool == 0 {
		return 0
	}
	n := new(big.Int).Mul(big.NewInt(stake), big.NewInt(loserPool))
	return n.Quo(n, big.NewInt(winnerPool)).Int64()
}

// Disposition is the final state of one prediction under a plan.
type Disposition struct {
	State   domain.PredictionState
	Outcome domain.SettlementOutcome
	Amount  int64
}

// Dispose decides how p settles under plan. It fails with ErrAlreadySettled
// when p's stake has already been released.
func Dispose(plan domain.Settlement, p domain.Prediction) (Disposition, error) {
	if p.State.Terminal() {
		return Disposition{}, fmt.Errorf("prediction %s is %s: %w", p.ID, p.State, domain.ErrAlreadySettled)
	}

	refundVoid := Disposition{State: domain.PredictionVoid, Outcome: domain.OutcomeRefunded, Amount: p.Stake}
	if plan.TargetStatus == domain.MarketStatusVoid || p.State != domain.PredictionRevealed || p.Choice == nil {
		return refundVoid, nil
	}
	if plan.Kind == domain.SettlementRefund {
		return Disposition{State: domain.PredictionSettled, Outcome: domain.OutcomeRefunded, Amount: p.Stake}, nil
	}
	if plan.WinningOutcome == nil || *p.Choice != *plan.WinningOutcome {
		return Disposition{State: domain.PredictionSettled, Outcome: domain.OutcomeLost}, nil
	}

	amount := p.Stake + share(p.Stake, plan.LoserPool, plan.WinnerPool)
	if p.ID == plan.RemainderRecipient {
		amount += plan.Remainder
	}
	return Disposition{State: domain.PredictionSettled, Outcome: domain.OutcomeWon, Amount: amount}, nil
}
