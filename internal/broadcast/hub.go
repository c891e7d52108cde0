package broadcast

import (
	"context"
	"log/slog"
	"sync/atomic"

	"ratewatch/internal/logging"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans payloads out to registered subscribers from a single loop.
type Hub struct {
	register  chan Subscriber
	unreg     chan Subscriber
	broadcast chan []byte
	done      chan struct{}
	clients   atomic.Int64
	logger    *slog.Logger
}

// NewHub creates a hub. Run must be started before clients register.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		register:  make(chan Subscriber),
		unreg:     make(chan Subscriber),
		broadcast: make(chan []byte, 16),
		done:      make(chan struct{}),
		logger:    logging.Component(logger, "hub"),
	}
}

// Run owns the subscriber set until ctx is cancelled, then closes every client.
// Returns: nil after shutdown.
func (h *Hub) Run(ctx context.Context) error {
	clients := make(map[Subscriber]struct{})
	defer func() {
		for c := range clients {
			c.Close()
		}
		h.clients.Store(0)
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-h.register:
			clients[c] = struct{}{}
			h.clients.Store(int64(len(clients)))
		case c := <-h.unreg:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				c.Close()
				h.clients.Store(int64(len(clients)))
			}
		case payload := <-h.broadcast:
			for c := range clients {
				if err := c.Send(payload); err != nil {
					h.logger.Debug("dropping subscriber", "error", err)
					c.Close()
					delete(clients, c)
				}
			}
			h.clients.Store(int64(len(clients)))
		}
	}
}

// Register adds a subscriber. After shutdown the subscriber is closed instead.
func (h *Hub) Register(c Subscriber) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

// Unregister removes and closes a subscriber.
func (h *Hub) Unregister(c Subscriber) {
	select {
	case h.unreg <- c:
	case <-h.done:
	}
}

// Broadcast queues payload for every subscriber.
func (h *Hub) Broadcast(payload []byte) {
	select {
	case h.broadcast <- payload:
	case <-h.done:
	}
}

// Deliver implements Sink; websocket clients receive every topic.
func (h *Hub) Deliver(_ string, payload []byte) error {
	h.Broadcast(payload)
	return nil
}

// Clients returns the number of registered subscribers.
func (h *Hub) Clients() int {
	return int(h.clients.Load())
}
