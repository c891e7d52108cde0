package broadcast

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"ratewatch/internal/logging"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 32
)

var errSlowClient = errors.New("websocket client send buffer full")

// Client represents a websocket client connection.
// Writes happen on a dedicated goroutine so a slow reader never blocks the hub.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	log  *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient constructs a client wrapper and starts its write loop.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	c := &Client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		log:    logging.OrDiscard(logger),
		closed: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Send queues a message for the websocket connection.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return errSlowClient
	}
}

// Close terminates the connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Warn("websocket send failed", "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

// readLoop drains inbound frames until the peer goes away.
func (c *Client) readLoop() {
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Handler upgrades dashboard connections and registers them on the hub.
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
	onJoin   func(*Client)
}

// NewHandler creates the websocket endpoint handler.
// Params: hub, logger, and optional callback run after registration (initial snapshot).
func NewHandler(hub *Hub, logger *slog.Logger, onJoin func(*Client)) *Handler {
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logging.Component(logger, "websocket"),
		onJoin: onJoin,
	}
}

// ServeHTTP upgrades one connection and serves it until the peer disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	client := NewClient(conn, h.logger)
	h.hub.Register(client)
	h.logger.Debug("websocket client connected", "remote", r.RemoteAddr, "clients", h.hub.Clients())
	if h.onJoin != nil {
		h.onJoin(client)
	}
	client.readLoop()
	h.hub.Unregister(client)
	client.Close()
}
