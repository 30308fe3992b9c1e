// Package client is the subscriber side of the realtime gateway. A Client
// owns one websocket, reconnects it when it drops and rejoins every channel
// that was subscribed. Callbacks of one Client never run concurrently.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/vadim/atom/internal/realtime"
)

var (
	ErrClosed            = errors.New("realtime client closed")
	ErrDisconnected      = errors.New("realtime client disconnected")
	ErrAlreadySubscribed = errors.New("channel already subscribed")
	ErrNotSubscribed     = errors.New("channel not subscribed")
)

const (
	defaultJoinTimeout = 10 * time.Second
	defaultHeartbeat   = 25 * time.Second
	defaultReadTimeout = 60 * time.Second
	defaultMinBackoff  = 500 * time.Millisecond
	defaultMaxBackoff  = 10 * time.Second
	writeTimeout       = 10 * time.Second
)

// Option configures a Client
type Option func(*Client)

// WithDialer sets a custom websocket dialer
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

// WithJoinTimeout sets how long a join may wait for its reply before timed_out
func WithJoinTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.joinTimeout = d
	}
}

// WithHeartbeat sets the heartbeat interval and the read timeout
func WithHeartbeat(interval, readTimeout time.Duration) Option {
	return func(c *Client) {
		c.heartbeat = interval
		c.readTimeout = readTimeout
	}
}

// WithBackoff sets the reconnect backoff bounds
func WithBackoff(min, max time.Duration) Option {
	return func(c *Client) {
		c.minBackoff = min
		c.maxBackoff = max
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// Client is one realtime connection shared by every channel of a process
type Client struct {
	url         string
	dialer      *websocket.Dialer
	logger      *slog.Logger
	joinTimeout time.Duration
	heartbeat   time.Duration
	readTimeout time.Duration
	minBackoff  time.Duration
	maxBackoff  time.Duration

	dispatch *dispatcher

	mu       sync.Mutex
	ws       *websocket.Conn
	channels map[string]*Channel
	pending  map[string]chan error
	closed   bool

	wmu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Dial connects to the gateway at rawURL, authenticating with token
func Dial(ctx context.Context, rawURL, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	c := &Client{
		url:         u.String(),
		dialer:      websocket.DefaultDialer,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		joinTimeout: defaultJoinTimeout,
		heartbeat:   defaultHeartbeat,
		readTimeout: defaultReadTimeout,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		channels:    make(map[string]*Channel),
		pending:     make(map[string]chan error),
	}
	for _, opt := range opts {
		opt(c)
	}

	ws, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.dispatch = newDispatcher()
	c.ws = ws

	c.wg.Add(1)
	go c.run(ws)

	return c, nil
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	ws, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing realtime gateway: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing realtime gateway: %w", err)
	}
	return ws, nil
}

// Channel creates a channel handle. Nothing is sent until Subscribe.
func (c *Client) Channel(name string, cfg realtime.ChannelConfig) *Channel {
	return &Channel{
		client:    c,
		name:      name,
		cfg:       cfg,
		broadcast: make(map[string][]func(json.RawMessage)),
	}
}

// RemoveChannel unsubscribes ch
func (c *Client) RemoveChannel(ch *Channel) error {
	return ch.Unsubscribe()
}

// Close disconnects and stops reconnecting. Every subscribed channel
// reports closed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.ws = nil
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.channels = make(map[string]*Channel)
	for ref, ch := range c.pending {
		ch <- ErrClosed
		delete(c.pending, ref)
	}
	c.mu.Unlock()

	c.cancel()
	if ws != nil {
		c.wmu.Lock()
		ws.SetWriteDeadline(time.Now().Add(time.Second))
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.wmu.Unlock()
		ws.Close()
	}
	c.wg.Wait()

	for _, ch := range channels {
		ch.release()
		ch.setStatus(realtime.StatusClosed, nil)
	}
	c.dispatch.close()
	return nil
}

// write sends one frame on the current socket
func (c *Client) write(f realtime.Frame) error {
	c.mu.Lock()
	ws := c.ws
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if ws == nil {
		return ErrDisconnected
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// run reads the socket and reconnects it until Close
func (c *Client) run(ws *websocket.Conn) {
	defer c.wg.Done()

	for {
		err := c.readLoop(ws)

		c.mu.Lock()
		if c.ws == ws {
			c.ws = nil
		}
		closed := c.closed
		for ref, ch := range c.pending {
			ch <- ErrDisconnected
			delete(c.pending, ref)
		}
		c.mu.Unlock()
		ws.Close()

		if closed || c.ctx.Err() != nil {
			return
		}

		c.logger.Warn("realtime connection lost", "error", err)
		for _, ch := range c.activeChannels() {
			ch.disconnected(err)
		}

		ws = c.reconnect()
		if ws == nil {
			return
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			ws.Close()
			return
		}
		c.ws = ws
		c.mu.Unlock()

		c.logger.Info("realtime connection restored")
		for _, ch := range c.activeChannels() {
			ch.join()
		}
	}
}

// reconnect dials with exponential backoff; nil means the client closed
func (c *Client) reconnect() *websocket.Conn {
	backoff := c.minBackoff
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		ws, err := c.connect(c.ctx)
		if err == nil {
			return ws
		}
		c.logger.Debug("realtime reconnect failed", "error", err, "backoff", backoff)

		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
}

func (c *Client) readLoop(ws *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)

	extend := func() { ws.SetReadDeadline(time.Now().Add(c.readTimeout)) }
	extend()
	ws.SetPingHandler(func(data string) error {
		extend()
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})

	go c.heartbeatLoop(stop)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		extend()

		var f realtime.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		c.route(f)
	}
}

func (c *Client) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.write(realtime.Frame{Type: realtime.FrameHeartbeat, Ref: ulid.Make().String()}); err != nil {
				return
			}
		}
	}
}

// route hands an inbound frame to its channel or waiter
func (c *Client) route(f realtime.Frame) {
	switch f.Type {
	case realtime.FrameAck:
		c.resolve(f.Ref, nil)

	case realtime.FrameError:
		if c.resolve(f.Ref, errors.New(f.Message)) {
			return
		}
		if ch := c.channelByName(f.Channel); ch != nil {
			ch.rejected(f.Ref, f.Message)
		} else {
			c.logger.Warn("realtime error", "channel", f.Channel, "message", f.Message)
		}

	case realtime.FrameStatus:
		if ch := c.channelByName(f.Channel); ch != nil {
			ch.joinReply(f.Ref, f.Status)
		}

	case realtime.FrameBroadcast:
		if ch := c.channelByName(f.Channel); ch != nil {
			ch.deliverBroadcast(f.Event, f.Payload)
		}

	case realtime.FrameChange:
		if f.Change == nil {
			return
		}
		if ch := c.channelByName(f.Channel); ch != nil {
			ch.deliverChange(*f.Change)
		}
	}
}

func (c *Client) resolve(ref string, err error) bool {
	if ref == "" {
		return false
	}
	c.mu.Lock()
	ch, ok := c.pending[ref]
	delete(c.pending, ref)
	c.mu.Unlock()
	if ok {
		ch <- err
	}
	return ok
}

// await registers a waiter for ref
func (c *Client) await(ref string) (chan error, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	ch := make(chan error, 1)
	c.pending[ref] = ch
	return ch, nil
}

func (c *Client) forget(ref string) {
	c.mu.Lock()
	delete(c.pending, ref)
	c.mu.Unlock()
}

func (c *Client) channelByName(name string) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[name]
}

func (c *Client) activeChannels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

func (c *Client) attach(ch *Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, ok := c.channels[ch.name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, ch.name)
	}
	c.channels[ch.name] = ch
	return nil
}

func (c *Client) detach(ch *Channel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channels[ch.name] != ch {
		return false
	}
	delete(c.channels, ch.name)
	return true
}
