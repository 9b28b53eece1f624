package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/alanyoungcy/boxmeout/internal/domain"
)

func startRedis(t *testing.T) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	var container testcontainers.Container
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				t.Skipf("Skipping integration test (docker unavailable): %v", r)
			}
		}()
		container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
			},
			Started: true,
		})
	}()
	if err != nil {
		t.Skipf("Skipping integration test (container start failed): %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	c, err := New(ctx, ClientConfig{Addr: endpoint, KeyPrefix: fmt.Sprintf("test-%d:", time.Now().UnixNano())})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_KeyPrefix(t *testing.T) {
	c := Wrap(goredis.NewClient(&goredis.Options{Addr: "localhost:0"}), "bx:")
	defer c.Close()
	assert.Equal(t, "bx:lock:settle:m1", c.key("lock:", "settle:m1"))
	assert.Equal(t, "lifecycle", Wrap(c.Underlying(), "").key("lifecycle"))
}

func TestLockManager_Integration(t *testing.T) {
	c := startRedis(t)
	ctx := context.Background()
	lm := NewLockManager(c)

	unlock, err := lm.Acquire(ctx, "settle:m1", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "settle:m1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	other, err := lm.Acquire(ctx, "settle:m2", time.Minute)
	require.NoError(t, err)
	other()

	unlock()
	unlock()

	again, err := lm.Acquire(ctx, "settle:m1", 50*time.Millisecond)
	require.NoError(t, err)
	defer again()

	time.Sleep(120 * time.Millisecond)
	expired, err := lm.Acquire(ctx, "settle:m1", time.Minute)
	require.NoError(t, err, "lock must expire after its ttl")
	expired()
}

func TestMarketCache_Integration(t *testing.T) {
	c := startRedis(t)
	ctx := context.Background()
	mc := NewMarketCache(c)

	_, err := mc.Get(ctx, "m1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	win := domain.OutcomeB
	m := domain.Market{
		ID: "m1", Question: "Q?", Outcomes: [2]string{"Y", "N"},
		Status: domain.MarketStatusResolved, WinningOutcome: &win,
		ClosesAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, mc.Set(ctx, m))

	got, err := mc.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusResolved, got.Status)
	require.NotNil(t, got.WinningOutcome)
	assert.Equal(t, win, *got.WinningOutcome)

	ttl, err := c.Underlying().TTL(ctx, c.key("market:", "m1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, liveMarketTTL)

	require.NoError(t, mc.Invalidate(ctx, "m1"))
	_, err = mc.Get(ctx, "m1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSignalBus_Integration(t *testing.T) {
	c := startRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	bus := NewSignalBus(c)

	sub, err := bus.Subscribe(ctx, domain.ChannelLifecycle)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, domain.ChannelLifecycle, []byte(`{"event":"market.closed"}`)))

	select {
	case msg := <-sub:
		assert.JSONEq(t, `{"event":"market.closed"}`, string(msg))
	case <-ctx.Done():
		t.Fatal("no message received")
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, bus.StreamAppend(ctx, domain.StreamLifecycle, []byte(fmt.Sprintf(`{"n":%d}`, i))))
	}

	all, err := bus.StreamRead(ctx, domain.StreamLifecycle, "0", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, `{"n":0}`, string(all[0].Payload))

	after, err := bus.StreamRead(ctx, domain.StreamLifecycle, all[2].ID, 10)
	require.NoError(t, err)
	assert.Empty(t, after)

	tail, err := bus.StreamTail(ctx, domain.StreamLifecycle, 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, `{"n":1}`, string(tail[0].Payload))
	assert.Equal(t, `{"n":2}`, string(tail[1].Payload))
}
