package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/boxmeout/internal/domain"
)

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "1.5", FormatAmount(1_500_000))
	assert.Equal(t, "0.000001", FormatAmount(1))
	assert.Equal(t, "0", FormatAmount(0))
	assert.Equal(t, "-2", FormatAmount(-2_000_000))
}

func TestDescribeEvent(t *testing.T) {
	title, msg := describeEvent(domain.LifecycleEvent{Event: EventMarketResolved, MarketID: "m1", Amount: 2_500_000})
	assert.Equal(t, "Market resolved", title)
	assert.Contains(t, msg, "Released 2.5")

	title, msg = describeEvent(domain.LifecycleEvent{Event: EventTreasuryDeposit, AccountID: "a1", Amount: 1_000_000})
	assert.Equal(t, "Fees deposited", title)
	assert.Equal(t, "Account a1 deposited 1 in fees.", msg)

	title, _ = describeEvent(domain.LifecycleEvent{Event: "custom.event", MarketID: "m1"})
	assert.Equal(t, "custom.event", title)
}
