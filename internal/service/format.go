package service

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/boxmeout/internal/domain"
)

// AmountDecimals is the number of decimal places in one whole unit of the
// stable-value balance (USDC minor units).
const AmountDecimals = 6

// FormatAmount renders minor units as a decimal string, e.g. 1500000 -> "1.5".
func FormatAmount(minor int64) string {
	return decimal.New(minor, -AmountDecimals).String()
}

// describeEvent builds the operator notification for a lifecycle event.
func describeEvent(ev domain.LifecycleEvent) (title, message string) {
	switch ev.Event {
	case EventMarketResolved:
		return "Market resolved", fmt.Sprintf("Market %s resolved. Released %s to participants.", ev.MarketID, FormatAmount(ev.Amount))
	case EventMarketVoided:
		return "Market voided", fmt.Sprintf("Market %s voided. Refunded %s.", ev.MarketID, FormatAmount(ev.Amount))
	case EventMarketDisputed:
		return "Market disputed", fmt.Sprintf("Market %s disputed.", ev.MarketID)
	case EventMarketCreated:
		return "Market created", fmt.Sprintf("Market %s opened.", ev.MarketID)
	case EventMarketClosed:
		return "Market closed", fmt.Sprintf("Market %s closed to new predictions.", ev.MarketID)
	case EventPredictionCommitted:
		return "Prediction committed", fmt.Sprintf("Account %s staked %s on market %s.", ev.AccountID, FormatAmount(ev.Amount), ev.MarketID)
	case EventSettlementBatch:
		return "Settlement progress", fmt.Sprintf("Market %s: %s released so far.", ev.MarketID, FormatAmount(ev.Amount))
	case EventTreasuryDeposit:
		return "Fees deposited", fmt.Sprintf("Account %s deposited %s in fees.", ev.AccountID, FormatAmount(ev.Amount))
	case EventTreasuryDistributed:
		return "Leaderboard paid", fmt.Sprintf("Distributed %s from the leaderboard pool.", FormatAmount(ev.Amount))
	default:
		return ev.Event, fmt.Sprintf("%s market=%s status=%s", ev.Event, ev.MarketID, ev.Status)
	}
}
