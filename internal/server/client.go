package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/chroxy/chroxy/internal/metrics"
)

const (
	// sendBuffer bounds the per-client outbound queue. A client that
	// cannot keep up is disconnected rather than blocking the fanout.
	sendBuffer = 256

	keepaliveInterval = 30 * time.Second
	pingTimeout       = 10 * time.Second
)

// client is one connected WebSocket peer after a successful auth
// handshake.
type client struct {
	id   string
	conn *websocket.Conn
	addr string

	mu              sync.Mutex
	viewMode        string // terminal or chat
	activeSessionID string
	device          *deviceInfo
	alive           bool

	send chan []byte
	done chan struct{}
	once sync.Once

	logger *slog.Logger
}

func newClient(id string, conn *websocket.Conn, addr string, logger *slog.Logger) *client {
	return &client{
		id:       id,
		conn:     conn,
		addr:     addr,
		viewMode: modeChat,
		alive:    true,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		logger:   logger.With("client", id),
	}
}

// enqueue queues a frame for delivery. A full queue disconnects the
// client; stalling the caller would stall every other client too.
func (c *client) enqueue(data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.logger.Warn("client send queue full, disconnecting")
		c.close(websocket.StatusPolicyViolation, "too slow")
	}
}

// writeLoop is the only goroutine that writes to the connection.
func (c *client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case data := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.logger.Debug("client write failed", "error", err)
				c.close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
			metrics.WSMessagesTotal.Inc()
		}
	}
}

func (c *client) close(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close(code, reason)
	})
}

func (c *client) markAlive() {
	c.mu.Lock()
	c.alive = true
	c.mu.Unlock()
}

// checkAlive implements one keepalive round: a client that never
// answered the previous ping is dropped, everyone else gets pinged.
func (c *client) checkAlive(ctx context.Context) {
	c.mu.Lock()
	wasAlive := c.alive
	c.alive = false
	c.mu.Unlock()

	if !wasAlive {
		c.logger.Info("client missed keepalive, terminating")
		c.close(websocket.StatusGoingAway, "keepalive timeout")
		return
	}

	go func() {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := c.conn.Ping(pingCtx); err == nil {
			c.markAlive()
		}
	}()
}

func (c *client) setView(mode string) {
	c.mu.Lock()
	c.viewMode = mode
	c.mu.Unlock()
}

func (c *client) view() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewMode
}

func (c *client) setActiveSession(id string) {
	c.mu.Lock()
	c.activeSessionID = id
	c.mu.Unlock()
}

func (c *client) activeSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeSessionID
}

func (c *client) deviceName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device != nil && c.device.Name != "" {
		return c.device.Name
	}
	return "unknown device"
}
