package service

import (
	"context"

	"github.com/alanyoungcy/boxmeout/internal/domain"
)

// Core groups the operations exposed to the API layer. Each returns the
// mutated entity or an error that domain.Classify maps to a response class.
// The methods need no extra locking.
type Core struct {
	Markets     *MarketService
	Predictions *PredictionService
	Settlement  *SettlementService
	Accounts    *AccountService
	Treasury    *TreasuryService
}

// CommitPrediction locks a stake behind a blind commitment.
func (c *Core) CommitPrediction(ctx context.Context, req domain.CommitRequest) (domain.Prediction, error) {
	return c.Predictions.Commit(ctx, req)
}

// RevealPrediction opens a commitment with its choice and nonce.
func (c *Core) RevealPrediction(ctx context.Context, predictionID string, choice int, nonce []byte) (domain.Prediction, error) {
	return c.Predictions.Reveal(ctx, predictionID, choice, nonce)
}

// CloseMarket stops an OPEN market from taking new commitments.
func (c *Core) CloseMarket(ctx context.Context, marketID string) (domain.Market, error) {
	return c.Markets.Close(ctx, marketID)
}

// ResolveMarket resolves a CLOSED market to outcome and settles it.
func (c *Core) ResolveMarket(ctx context.Context, marketID string, outcome int, source string) (domain.Market, error) {
	return c.Markets.Resolve(ctx, marketID, outcome, source)
}

// VoidMarket voids a CLOSED market and refunds every stake.
func (c *Core) VoidMarket(ctx context.Context, marketID string) (domain.Market, error) {
	return c.Markets.Void(ctx, marketID)
}

// DisputeMarket holds a CLOSED market's settlement pending review.
func (c *Core) DisputeMarket(ctx context.Context, marketID, reason string) (domain.Market, error) {
	return c.Markets.Dispute(ctx, marketID, reason)
}

// ResolveDispute settles a DISPUTED market to an outcome or to VOID.
func (c *Core) ResolveDispute(ctx context.Context, marketID string, res DisputeResolution, source string) (domain.Market, error) {
	return c.Markets.ResolveDispute(ctx, marketID, res, source)
}
