// Package ws relays lifecycle events from the signal bus to websocket
// clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/boxmeout/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256

	// backfillSize is how many recent stream entries a new client receives.
	backfillSize = 50
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Ops endpoint; access is gated by the API key middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// StreamTailer returns the newest entries of a stream, oldest first.
// *redis.SignalBus satisfies it.
type StreamTailer interface {
	StreamTail(ctx context.Context, stream string, n int) ([]domain.StreamMessage, error)
}

// Config is reported to clients in the hello frame.
type Config struct {
	Mode      string
	StartedAt time.Time
}

// Hub fans lifecycle events out to connected clients. A client receives
// every market's events unless it subscribes to specific market IDs.
type Hub struct {
	bus    domain.SignalBus
	tail   StreamTailer
	cfg    Config
	logger *slog.Logger

	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
}

type event struct {
	marketID string
	data     []byte
}

type client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	mu      sync.RWMutex
	markets map[string]bool
}

// subscribeMsg is sent by clients to narrow or widen their market filter:
// {"action":"subscribe","markets":["m1"]}.
type subscribeMsg struct {
	Action  string   `json:"action"`
	Markets []string `json:"markets"`
}

// NewHub creates a Hub. tail may be nil to disable backfill.
func NewHub(bus domain.SignalBus, tail StreamTailer, cfg Config, logger *slog.Logger) *Hub {
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now().UTC()
	}
	return &Hub{
		bus:        bus,
		tail:       tail,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "ws")),
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

// Run subscribes to the lifecycle channel and serves clients until ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context) error {
	msgs, err := h.bus.Subscribe(ctx, domain.ChannelLifecycle)
	if err != nil {
		return err
	}
	h.logger.Info("ws: subscribed", slog.String("channel", domain.ChannelLifecycle))

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))

		case data, ok := <-msgs:
			if !ok {
				h.logger.Warn("ws: lifecycle subscription closed")
				msgs = nil
				continue
			}
			h.fanOut(toEvent(data))
		}
	}
}

func (h *Hub) fanOut(ev event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(ev.marketID) {
			continue
		}
		select {
		case c.send <- ev.data:
		default:
			h.logger.Warn("ws: dropping message for slow client")
		}
	}
}

func toEvent(data []byte) event {
	var env struct {
		MarketID string `json:"market_id"`
	}
	_ = json.Unmarshal(data, &env)
	return event{marketID: env.MarketID, data: data}
}

// HandleWS upgrades the request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		markets: make(map[string]bool),
	}
	c.hello()
	h.backfill(r.Context(), c)

	h.register <- c
	go c.writePump()
	go c.readPump()
}

// backfill queues recent stream entries ahead of live traffic.
func (h *Hub) backfill(ctx context.Context, c *client) {
	if h.tail == nil {
		return
	}
	recent, err := h.tail.StreamTail(ctx, domain.StreamLifecycle, backfillSize)
	if err != nil {
		h.logger.Warn("ws: backfill failed", slog.String("error", err.Error()))
		return
	}
	for _, m := range recent {
		select {
		case c.send <- m.Payload:
		default:
			return
		}
	}
}

func (c *client) hello() {
	msg, err := json.Marshal(map[string]any{
		"event":          "hello",
		"mode":           c.hub.cfg.Mode,
		"uptime_seconds": max(int64(time.Since(c.hub.cfg.StartedAt).Seconds()), 0),
	})
	if err != nil {
		return
	}
	c.send <- msg
}

func (c *client) wants(marketID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.markets) == 0 || c.markets[marketID]
}

func (c *client) apply(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		for _, id := range msg.Markets {
			c.markets[id] = true
		}
	case "unsubscribe":
		for _, id := range msg.Markets {
			delete(c.markets, id)
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if json.Unmarshal(message, &sub) == nil && sub.Action != "" {
			c.apply(sub)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
