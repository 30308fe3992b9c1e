package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vadim/atom/internal/metrics"
)

// Authorizer decides whether a user may join a channel
type Authorizer interface {
	Authorize(ctx context.Context, userID, channel string) error
}

// subscription is one connection's membership in one channel
type subscription struct {
	conn    *Conn
	channel string
	cfg     ChannelConfig
	changes []ChangeFilter
}

// Hub routes bus envelopes to the connections subscribed on this instance
type Hub struct {
	bus    Bus
	auth   Authorizer
	logger *slog.Logger

	mu       sync.RWMutex
	channels map[string]map[*subscription]struct{}
	conns    map[*Conn]struct{}
	reserved map[ChannelKind]map[string]struct{}
}

// NewHub creates a hub publishing through bus
func NewHub(bus Bus, auth Authorizer, logger *slog.Logger) *Hub {
	return &Hub{
		bus:      bus,
		auth:     auth,
		logger:   logger,
		channels: make(map[string]map[*subscription]struct{}),
		conns:    make(map[*Conn]struct{}),
		reserved: make(map[ChannelKind]map[string]struct{}),
	}
}

// Reserve marks events on channels of kind as server-only. Clients sending
// them are refused; Broadcast still publishes them.
func (h *Hub) Reserve(kind ChannelKind, events ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.reserved[kind]
	if !ok {
		set = make(map[string]struct{}, len(events))
		h.reserved[kind] = set
	}
	for _, e := range events {
		set[e] = struct{}{}
	}
}

func (h *Hub) isReserved(channel, event string) bool {
	kind, _, err := ParseChannel(channel)
	if err != nil {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.reserved[kind][event]
	return ok
}

// Run consumes the bus until ctx is done
func (h *Hub) Run(ctx context.Context) error {
	return h.bus.Run(ctx, h.deliver)
}

// Broadcast publishes event on channel and returns once the bus accepted it
func (h *Hub) Broadcast(ctx context.Context, channel, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	return h.publishBroadcast(ctx, "", channel, event, data)
}

// PublishChange publishes a row change on channel
func (h *Hub) PublishChange(ctx context.Context, channel string, change Change) error {
	env := newEnvelope(channel, FrameChange)
	env.Change = &change
	if err := h.bus.Publish(ctx, env); err != nil {
		return fmt.Errorf("publishing change on %s: %w", channel, err)
	}
	metrics.BroadcastsPublished.WithLabelValues("change").Inc()
	return nil
}

func (h *Hub) publishBroadcast(ctx context.Context, origin, channel, event string, payload json.RawMessage) error {
	env := newEnvelope(channel, FrameBroadcast)
	env.Event = event
	env.Payload = payload
	env.Origin = origin
	if err := h.bus.Publish(ctx, env); err != nil {
		return fmt.Errorf("publishing %s on %s: %w", event, channel, err)
	}
	metrics.BroadcastsPublished.WithLabelValues("broadcast").Inc()
	return nil
}

// deliver fans one envelope out to local subscribers in bus order
func (h *Hub) deliver(env Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	subs := h.channels[env.Channel]
	if len(subs) == 0 {
		return
	}

	switch env.Kind {
	case FrameBroadcast:
		data, err := json.Marshal(Frame{
			Type:    FrameBroadcast,
			Channel: env.Channel,
			Event:   env.Event,
			Payload: env.Payload,
		})
		if err != nil {
			h.logger.Error("encoding broadcast frame", "channel", env.Channel, "error", err)
			return
		}
		for sub := range subs {
			if env.Origin != "" && env.Origin == sub.conn.id && !sub.cfg.Self {
				continue
			}
			sub.conn.enqueue(data)
		}

	case FrameChange:
		if env.Change == nil {
			return
		}
		data, err := json.Marshal(Frame{
			Type:    FrameChange,
			Channel: env.Channel,
			Change:  env.Change,
		})
		if err != nil {
			h.logger.Error("encoding change frame", "channel", env.Channel, "error", err)
			return
		}
		for sub := range subs {
			if sub.wants(*env.Change) {
				sub.conn.enqueue(data)
			}
		}

	default:
		h.logger.Warn("unknown envelope kind", "kind", env.Kind, "channel", env.Channel)
	}
}

func (s *subscription) wants(c Change) bool {
	for _, f := range s.changes {
		if f.Matches(c) {
			return true
		}
	}
	return false
}

// register tracks a new connection
func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

// join validates, authorizes and records a subscription. A refused join
// is reported to the connection as channel_error and never closes it.
func (h *Hub) join(ctx context.Context, c *Conn, f Frame) {
	fail := func(err error) {
		metrics.JoinsRejected.Inc()
		h.logger.Info("channel join refused", "user_id", c.userID, "channel", f.Channel, "error", err)
		c.sendFrame(Frame{Type: FrameError, Ref: f.Ref, Channel: f.Channel, Message: err.Error()})
		c.sendFrame(Frame{Type: FrameStatus, Ref: f.Ref, Channel: f.Channel, Status: StatusChannelError})
	}

	if _, _, err := ParseChannel(f.Channel); err != nil {
		fail(err)
		return
	}
	for _, cf := range f.Changes {
		if err := ValidateFilter(cf); err != nil {
			fail(err)
			return
		}
	}
	if h.auth != nil {
		if err := h.auth.Authorize(ctx, c.userID, f.Channel); err != nil {
			fail(err)
			return
		}
	}

	sub := &subscription{
		conn:    c,
		channel: f.Channel,
		changes: f.Changes,
	}
	if f.Config != nil {
		sub.cfg = *f.Config
	}

	status, err := json.Marshal(Frame{Type: FrameStatus, Ref: f.Ref, Channel: f.Channel, Status: StatusSubscribed})
	if err != nil {
		fail(err)
		return
	}

	// The status frame is queued under the lock so no broadcast on the
	// channel can overtake it.
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return
	}
	if prev, ok := c.subs[f.Channel]; ok {
		delete(h.channels[f.Channel], prev)
	} else {
		metrics.ChannelSubscriptions.Inc()
	}
	c.subs[f.Channel] = sub
	if h.channels[f.Channel] == nil {
		h.channels[f.Channel] = make(map[*subscription]struct{})
	}
	h.channels[f.Channel][sub] = struct{}{}
	c.enqueue(status)
}

// leave removes the connection's subscription on channel
func (h *Hub) leave(c *Conn, channel string) {
	h.mu.Lock()
	h.removeLocked(c, channel)
	h.mu.Unlock()
}

func (h *Hub) removeLocked(c *Conn, channel string) {
	sub, ok := c.subs[channel]
	if !ok {
		return
	}
	delete(c.subs, channel)
	delete(h.channels[channel], sub)
	if len(h.channels[channel]) == 0 {
		delete(h.channels, channel)
	}
	metrics.ChannelSubscriptions.Dec()
}

// subscriptionFor returns the connection's subscription on channel
func (h *Hub) subscriptionFor(c *Conn, channel string) (*subscription, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sub, ok := c.subs[channel]
	return sub, ok
}

// unregister drops every subscription of a closed connection
func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return
	}
	for channel := range c.subs {
		h.removeLocked(c, channel)
	}
	delete(h.conns, c)
}

// Subscribers returns the number of local subscriptions on channel
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// CloseAll disconnects every connection on this instance
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
}
