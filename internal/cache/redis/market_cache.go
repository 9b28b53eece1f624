package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/boxmeout/internal/domain"
)

const (
	liveMarketTTL     = 30 * time.Second
	terminalMarketTTL = time.Hour
)

// MarketCache implements domain.MarketCache as JSON strings under
// "market:{id}". Terminal markets never change again and are kept longer.
type MarketCache struct {
	c *Client
}

var _ domain.MarketCache = (*MarketCache)(nil)

// NewMarketCache creates a MarketCache backed by c.
func NewMarketCache(c *Client) *MarketCache {
	return &MarketCache{c: c}
}

// Set stores market.
func (mc *MarketCache) Set(ctx context.Context, market domain.Market) error {
	data, err := json.Marshal(market)
	if err != nil {
		return fmt.Errorf("redis: marshal market %s: %w", market.ID, err)
	}
	ttl := liveMarketTTL
	if market.Status.Terminal() {
		ttl = terminalMarketTTL
	}
	if err := mc.c.rdb.Set(ctx, mc.c.key("market:", market.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set market %s: %w", market.ID, err)
	}
	return nil
}

// Get returns domain.ErrNotFound on a miss.
func (mc *MarketCache) Get(ctx context.Context, id string) (domain.Market, error) {
	data, err := mc.c.rdb.Get(ctx, mc.c.key("market:", id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Market{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Market{}, fmt.Errorf("redis: get market %s: %w", id, err)
	}

	var m domain.Market
	if err := json.Unmarshal(data, &m); err != nil {
		return domain.Market{}, fmt.Errorf("redis: unmarshal market %s: %w", id, err)
	}
	return m, nil
}

// Invalidate drops the cached market.
func (mc *MarketCache) Invalidate(ctx context.Context, id string) error {
	if err := mc.c.rdb.Del(ctx, mc.c.key("market:", id)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate market %s: %w", id, err)
	}
	return nil
}
