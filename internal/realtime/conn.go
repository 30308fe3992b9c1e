package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/vadim/atom/internal/metrics"
)

// ConnOptions tunes websocket keepalive and buffering
type ConnOptions struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	MaxFrameSize   int64
	AuthorizeLimit time.Duration
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = 64 << 10
	}
	if o.AuthorizeLimit <= 0 {
		o.AuthorizeLimit = 5 * time.Second
	}
	return o
}

// Conn is one authenticated websocket. It has exactly one reader and one
// writer goroutine; everything else talks to it through the send buffer.
type Conn struct {
	id     string
	userID string
	ws     *websocket.Conn
	hub    *Hub
	opts   ConnOptions
	logger *slog.Logger

	send chan []byte

	// guarded by hub.mu
	subs map[string]*subscription

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newConn(hub *Hub, ws *websocket.Conn, userID string, opts ConnOptions, logger *slog.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	id := ulid.Make().String()
	return &Conn{
		id:     id,
		userID: userID,
		ws:     ws,
		hub:    hub,
		opts:   opts,
		logger: logger.With("conn_id", id, "user_id", userID),
		send:   make(chan []byte, opts.SendBuffer),
		subs:   make(map[string]*subscription),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID returns the connection id
func (c *Conn) ID() string {
	return c.id
}

// enqueue never blocks. A subscriber whose buffer is full is disconnected.
func (c *Conn) enqueue(data []byte) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}

	select {
	case c.send <- data:
		metrics.EnvelopesDelivered.Inc()
		return true
	default:
		metrics.EnvelopesDropped.Inc()
		c.logger.Warn("send buffer full, disconnecting slow consumer")
		go c.Close()
		return false
	}
}

func (c *Conn) sendFrame(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		c.logger.Error("encoding frame", "type", f.Type, "error", err)
		return
	}
	c.enqueue(data)
}

// Close tears the connection down. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.ws.Close()
	})
}

// readPump handles inbound frames until the socket fails
func (c *Conn) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.Close()
		metrics.RealtimeConnections.Dec()
		c.logger.Debug("realtime connection closed")
	}()

	c.ws.SetReadLimit(c.opts.MaxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("realtime read failed", "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))

		if messageType != websocket.TextMessage {
			continue
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.sendFrame(Frame{Type: FrameError, Message: "malformed frame"})
			continue
		}
		c.handle(f)
	}
}

func (c *Conn) handle(f Frame) {
	switch f.Type {
	case FrameJoin:
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.AuthorizeLimit)
		c.hub.join(ctx, c, f)
		cancel()

	case FrameLeave:
		c.hub.leave(c, f.Channel)
		c.sendFrame(Frame{Type: FrameStatus, Ref: f.Ref, Channel: f.Channel, Status: StatusClosed})

	case FrameBroadcast:
		sub, ok := c.hub.subscriptionFor(c, f.Channel)
		if !ok {
			c.sendFrame(Frame{Type: FrameError, Ref: f.Ref, Channel: f.Channel, Message: ErrNotJoined.Error()})
			return
		}
		if f.Event == "" {
			c.sendFrame(Frame{Type: FrameError, Ref: f.Ref, Channel: f.Channel, Message: "event is required"})
			return
		}
		if c.hub.isReserved(f.Channel, f.Event) {
			c.logger.Warn("client broadcast of reserved event refused", "channel", f.Channel, "event", f.Event)
			c.sendFrame(Frame{Type: FrameError, Ref: f.Ref, Channel: f.Channel, Message: ErrReservedEvent.Error()})
			return
		}
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.WriteTimeout)
		err := c.hub.publishBroadcast(ctx, c.id, f.Channel, f.Event, f.Payload)
		cancel()
		if err != nil {
			c.logger.Error("relaying client broadcast", "channel", f.Channel, "event", f.Event, "error", err)
			c.sendFrame(Frame{Type: FrameError, Ref: f.Ref, Channel: f.Channel, Message: "broadcast failed"})
			return
		}
		if sub.cfg.Ack && f.Ref != "" {
			c.sendFrame(Frame{Type: FrameAck, Ref: f.Ref, Channel: f.Channel})
		}

	case FrameHeartbeat:
		c.sendFrame(Frame{Type: FrameAck, Ref: f.Ref})

	default:
		c.sendFrame(Frame{Type: FrameError, Ref: f.Ref, Message: "unknown frame type"})
	}
}

// writePump is the only writer of the socket
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.ws.SetWriteDeadline(time.Now().Add(time.Second))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					c.logger.Debug("realtime write failed", "error", err)
				}
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
