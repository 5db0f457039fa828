// Package events fans out operational events (approval decisions, job
// failures) to live dashboard clients over websockets.
package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Event types.
const (
	ApprovalRequested = "approval.requested"
	ApprovalDecided   = "approval.decided"
	ApprovalExecuted  = "approval.executed"
	JobFailed         = "job.failed"
)

// Event is one message on the live feed.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Publisher accepts events. Implementations never block the caller on slow
// consumers and never return errors.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}

const (
	clientBuffer = 32
	writeWait    = 5 * time.Second
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub tracks connected websocket clients and broadcasts to them.
type Hub struct {
	mu       sync.Mutex
	clients  map[*client]struct{}
	upgrader websocket.Upgrader
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Publish broadcasts e to every connected client.
func (h *Hub) Publish(_ context.Context, e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	msg, err := json.Marshal(e)
	if err != nil {
		log.Error().Err(err).Str("component", "events").Str("type", e.Type).Msg("encode event failed")
		return
	}
	h.broadcast(msg)
}

func (h *Hub) broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			// Slow consumer: drop it rather than stall publishers.
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams events until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "events").Msg("websocket upgrade failed")
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	log.Debug().Str("component", "events").Int("clients", total).Msg("client connected")

	go h.writeLoop(c)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(c)
	_ = conn.Close()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) writeLoop(c *client) {
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.remove(c)
			_ = c.conn.Close()
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

// RedisBridge carries events between processes over Redis pub/sub so the
// worker's events reach clients connected to the API.
type RedisBridge struct {
	client  *redis.Client
	channel string
}

// NewRedisBridge publishes on and subscribes to channel.
func NewRedisBridge(client *redis.Client, channel string) *RedisBridge {
	if channel == "" {
		channel = "marketing:events"
	}
	return &RedisBridge{client: client, channel: channel}
}

// Publish sends e to every subscribed process. Failures are logged.
func (b *RedisBridge) Publish(ctx context.Context, e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	msg, err := json.Marshal(e)
	if err != nil {
		log.Error().Err(err).Str("component", "events").Str("type", e.Type).Msg("encode event failed")
		return
	}
	if err := b.client.Publish(ctx, b.channel, msg).Err(); err != nil {
		log.Warn().Err(err).Str("component", "events").Str("type", e.Type).Msg("publish event failed")
	}
}

// Forward relays bridged events into hub until ctx is cancelled.
func (b *RedisBridge) Forward(ctx context.Context, hub *Hub) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			hub.broadcast([]byte(m.Payload))
		}
	}
}

// Fanout publishes to several publishers.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e Event) {
	for _, p := range f {
		p.Publish(ctx, e)
	}
}
