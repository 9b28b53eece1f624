package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/boxmeout/internal/domain"
)

// chanBus is a SignalBus whose lifecycle channel the test feeds directly.
type chanBus struct {
	mu     sync.Mutex
	ch     chan []byte
	stream []domain.StreamMessage
}

func (b *chanBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.ch <- payload
	return nil
}

func (b *chanBus) Subscribe(context.Context, string) (<-chan []byte, error) { return b.ch, nil }

func (b *chanBus) StreamAppend(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stream = append(b.stream, domain.StreamMessage{ID: "x", Payload: payload})
	return nil
}

func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *chanBus) StreamTail(_ context.Context, _ string, n int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.stream) > n {
		return b.stream[len(b.stream)-n:], nil
	}
	return b.stream, nil
}

func dial(t *testing.T, srvURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srvURL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestHub_BackfillThenLiveWithMarketFilter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := &chanBus{ch: make(chan []byte, 8)}
	require.NoError(t, bus.StreamAppend(ctx, domain.StreamLifecycle, []byte(`{"event":"market.closed","market_id":"m0"}`)))

	hub := NewHub(bus, bus, Config{Mode: "server"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go func() { _ = hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn := dial(t, srv.URL)
	hello := readEvent(t, conn)
	assert.Equal(t, "hello", hello["event"])
	assert.Equal(t, "server", hello["mode"])

	back := readEvent(t, conn)
	assert.Equal(t, "m0", back["market_id"])

	require.NoError(t, conn.WriteJSON(subscribeMsg{Action: "subscribe", Markets: []string{"m2"}}))
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		for c := range hub.clients {
			if !c.wants("m1") {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, bus.Publish(ctx, domain.ChannelLifecycle, []byte(`{"event":"market.resolved","market_id":"m1"}`)))
	require.NoError(t, bus.Publish(ctx, domain.ChannelLifecycle, []byte(`{"event":"market.voided","market_id":"m2"}`)))

	got := readEvent(t, conn)
	assert.Equal(t, "market.voided", got["event"])
	assert.Equal(t, "m2", got["market_id"])
}

func TestClient_Filter(t *testing.T) {
	c := &client{markets: map[string]bool{}}
	assert.True(t, c.wants("any"))

	c.apply(subscribeMsg{Action: "subscribe", Markets: []string{"m1", "m2"}})
	assert.True(t, c.wants("m1"))
	assert.False(t, c.wants("m3"))

	c.apply(subscribeMsg{Action: "unsubscribe", Markets: []string{"m1", "m2"}})
	assert.True(t, c.wants("m3"))
}
