// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/docrelay/internal/metrics"
	"github.com/Tyrowin/docrelay/internal/protocol"
	"github.com/Tyrowin/docrelay/internal/relay"
)

// Client is one websocket connection. It is the relay.Peer for the
// connection's session: frames queued with Send are written by writePump.
type Client struct {
	id          string
	conn        *websocket.Conn
	send        chan []byte
	hub         *Hub
	addr        string
	cfg         Config
	rateLimiter *rateLimiter
	session     *relay.Session
	metrics     *metrics.Metrics
	log         *slog.Logger

	mu         sync.Mutex
	closed     bool
	cancelRead context.CancelFunc
}

// NewClient creates a Client for conn with a send buffer of cfg.SendBuffer
// frames. The read limit is applied to the connection immediately.
func NewClient(conn *websocket.Conn, hub *Hub, addr string, cfg Config, m *metrics.Metrics, log *slog.Logger) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	if log == nil {
		log = slog.Default()
	}
	id := uuid.NewString()

	return &Client{
		id:          id,
		conn:        conn,
		send:        make(chan []byte, cfg.SendBuffer),
		hub:         hub,
		addr:        addr,
		cfg:         cfg,
		rateLimiter: newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval, nil),
		metrics:     m,
		log:         log.With("peer", id, "remote", addr),
	}
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// Send queues frame for writing without blocking.
func (c *Client) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return relay.ErrPeerClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return relay.ErrSendBufferFull
	}
}

// Close stops the write pump. The pump sends a close frame and closes the
// connection, which ends the read pump. Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.send)
	if c.cancelRead != nil {
		c.cancelRead()
	}
	return nil
}

// GetSendChan returns the client's send channel for reading outgoing messages.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

func (c *Client) bind(s *relay.Session) {
	c.session = s
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
		c.log.Debug("set initial read deadline", "err", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
			c.log.Debug("set read deadline in pong handler", "err", err)
		}
		return nil
	})
}

// logReadError records why the read loop ended.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("frame exceeded maximum size", "limit", c.cfg.MaxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.log.Debug("client disconnected", "err", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Debug("connection closed", "err", err)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.log.Warn("unexpected websocket close", "err", err)
	default:
		c.log.Debug("websocket read error", "err", err)
	}
}

// checkRateLimit applies the connection's rate limit to frame and returns
// true if the frame should be processed. Awareness over the limit is
// discarded since the next presence update replaces it. Sync frames carry
// document changes and wait for a token instead; the wait only ends early
// when the connection is closing.
func (c *Client) checkRateLimit(ctx context.Context, frame []byte) bool {
	if c.rateLimiter == nil || c.rateLimiter.allow() {
		return true
	}
	c.metrics.RateLimit()

	if kind, err := protocol.KindOf(frame); err == nil && kind == protocol.KindAwareness {
		c.log.Debug("rate limit exceeded; discarding awareness frame",
			"burst", c.cfg.RateLimit.Burst, "interval", c.cfg.RateLimit.RefillInterval)
		return false
	}

	c.log.Debug("rate limit exceeded; delaying frame",
		"burst", c.cfg.RateLimit.Burst, "interval", c.cfg.RateLimit.RefillInterval)
	if err := c.rateLimiter.wait(ctx); err != nil {
		c.log.Debug("stopped waiting for rate limit", "err", err)
		return false
	}
	return true
}

// processFrame hands one binary frame to the session. Dropped frames are
// logged; the connection stays open.
func (c *Client) processFrame(ctx context.Context, frame []byte) {
	err := c.session.Receive(ctx, frame)
	if err == nil {
		return
	}
	if errors.Is(err, protocol.ErrMalformed) {
		c.log.Debug("dropped malformed frame", "bytes", len(frame), "err", err)
		return
	}
	c.log.Warn("dropped frame", "bytes", len(frame), "err", err)
}

func (c *Client) readPump(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelRead = cancel
	if c.closed {
		cancel()
	}
	c.mu.Unlock()

	defer func() {
		cancel()
		c.session.Close()
		_ = c.Close()
		c.hub.unregisterClient(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Debug("close connection in readPump", "err", err)
		}
	}()

	c.setupReadConnection()

	for {
		messageType, frame, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if messageType != websocket.BinaryMessage {
			c.log.Debug("ignoring non-binary frame", "type", messageType)
			continue
		}

		if !c.checkRateLimit(ctx, frame) {
			continue
		}

		c.processFrame(ctx, frame)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case frame, ok := <-c.send:
		return c.handleFrame(frame, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("close connection in writePump", "err", err)
	}
}

// handleFrame writes one queued frame and returns false if the connection
// should be closed. Frames are never coalesced: each is one websocket message.
func (c *Client) handleFrame(frame []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		c.log.Debug("set write deadline", "err", err)
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Debug("write frame", "err", err)
		}
		return false
	}
	return true
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteMessage(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("write close message", "err", err)
	}
	return false
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		c.log.Debug("set write deadline for ping", "err", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Debug("write ping", "err", err)
		return false
	}
	return true
}
