package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vadim/atom/internal/realtime"
)

var (
	ErrJoinTimeout   = errors.New("join timed out")
	ErrJoinRefused   = errors.New("join refused")
	ErrChannelClosed = errors.New("channel closed")
)

// StatusFunc receives every status transition of a channel
type StatusFunc func(status realtime.Status, err error)

type changeHandler struct {
	filter realtime.ChangeFilter
	fn     func(realtime.Change)
}

// Channel is a handle on one named channel of a Client
type Channel struct {
	client *Client
	name   string
	cfg    realtime.ChannelConfig

	mu         sync.Mutex
	broadcast  map[string][]func(json.RawMessage)
	changes    []changeHandler
	statusCb   StatusFunc
	status     realtime.Status
	subscribed bool
	released   bool
	joinRef    string
	joinTimer  *time.Timer
	lastErr    string
}

// Name returns the channel name
func (ch *Channel) Name() string {
	return ch.name
}

// Status returns the last reported status
func (ch *Channel) Status() realtime.Status {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.status
}

// OnBroadcast registers fn for event. Handlers added after Subscribe see
// only later events.
func (ch *Channel) OnBroadcast(event string, fn func(payload json.RawMessage)) *Channel {
	ch.mu.Lock()
	ch.broadcast[event] = append(ch.broadcast[event], fn)
	ch.mu.Unlock()
	return ch
}

// OnChange registers fn for row changes passing filter. Filters are sent
// with the join, so they must be registered before Subscribe.
func (ch *Channel) OnChange(filter realtime.ChangeFilter, fn func(realtime.Change)) *Channel {
	if filter.Schema == "" {
		filter.Schema = "public"
	}
	ch.mu.Lock()
	ch.changes = append(ch.changes, changeHandler{filter: filter, fn: fn})
	ch.mu.Unlock()
	return ch
}

// Subscribe joins the channel. Status changes, including every reconnect,
// are reported to cb; none of them is returned as an error.
func (ch *Channel) Subscribe(cb StatusFunc) error {
	ch.mu.Lock()
	if ch.released {
		ch.mu.Unlock()
		return ErrChannelClosed
	}
	if ch.subscribed {
		ch.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, ch.name)
	}
	ch.subscribed = true
	ch.statusCb = cb
	ch.mu.Unlock()

	if err := ch.client.attach(ch); err != nil {
		ch.mu.Lock()
		ch.subscribed = false
		ch.statusCb = nil
		ch.mu.Unlock()
		return err
	}

	ch.join()
	return nil
}

// Send broadcasts event to the channel. With Ack configured it waits for
// the server's confirmation.
func (ch *Channel) Send(ctx context.Context, event string, payload any) error {
	ch.mu.Lock()
	ok := ch.subscribed && !ch.released
	ch.mu.Unlock()
	if !ok {
		return ErrNotSubscribed
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	f := realtime.Frame{
		Type:    realtime.FrameBroadcast,
		Ref:     ulid.Make().String(),
		Channel: ch.name,
		Event:   event,
		Payload: data,
	}

	if !ch.cfg.Ack {
		return ch.client.write(f)
	}

	wait, err := ch.client.await(f.Ref)
	if err != nil {
		return err
	}
	if err := ch.client.write(f); err != nil {
		ch.client.forget(f.Ref)
		return err
	}

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		ch.client.forget(f.Ref)
		return ctx.Err()
	}
}

// Unsubscribe leaves the channel and releases the handle. Further calls are no-ops.
func (ch *Channel) Unsubscribe() error {
	ch.mu.Lock()
	if ch.released {
		ch.mu.Unlock()
		return nil
	}
	wasSubscribed := ch.subscribed
	ch.released = true
	ch.stopTimerLocked()
	ch.mu.Unlock()

	if !wasSubscribed {
		return nil
	}

	var err error
	if ch.client.detach(ch) {
		err = ch.client.write(realtime.Frame{
			Type:    realtime.FrameLeave,
			Ref:     ulid.Make().String(),
			Channel: ch.name,
		})
		if errors.Is(err, ErrDisconnected) || errors.Is(err, ErrClosed) {
			err = nil
		}
	}

	ch.setStatus(realtime.StatusClosed, nil)

	ch.mu.Lock()
	ch.broadcast = make(map[string][]func(json.RawMessage))
	ch.changes = nil
	ch.mu.Unlock()

	return err
}

// join (re)sends the join frame and arms the join timer
func (ch *Channel) join() {
	ref := ulid.Make().String()

	ch.mu.Lock()
	if ch.released {
		ch.mu.Unlock()
		return
	}
	ch.joinRef = ref
	ch.lastErr = ""
	ch.stopTimerLocked()
	ch.joinTimer = time.AfterFunc(ch.client.joinTimeout, func() { ch.timeout(ref) })
	filters := make([]realtime.ChangeFilter, 0, len(ch.changes))
	for _, h := range ch.changes {
		filters = append(filters, h.filter)
	}
	cfg := ch.cfg
	ch.mu.Unlock()

	ch.setStatus(realtime.StatusConnecting, nil)

	err := ch.client.write(realtime.Frame{
		Type:    realtime.FrameJoin,
		Ref:     ref,
		Channel: ch.name,
		Config:  &cfg,
		Changes: filters,
	})
	if err != nil {
		// the reconnect loop rejoins once the socket is back
		ch.client.logger.Debug("join not sent", "channel", ch.name, "error", err)
	}
}

func (ch *Channel) timeout(ref string) {
	ch.mu.Lock()
	stale := ref != ch.joinRef || ch.released || ch.status != realtime.StatusConnecting
	ch.mu.Unlock()
	if stale {
		return
	}
	ch.setStatus(realtime.StatusTimedOut, ErrJoinTimeout)
}

// joinReply handles a status frame. A reply arriving after timed_out still
// completes the join.
func (ch *Channel) joinReply(ref string, status realtime.Status) {
	ch.mu.Lock()
	if ch.released || (ref != "" && ref != ch.joinRef) {
		ch.mu.Unlock()
		return
	}
	ch.stopTimerLocked()
	reason := ch.lastErr
	ch.lastErr = ""
	ch.mu.Unlock()

	switch status {
	case realtime.StatusChannelError:
		err := ErrJoinRefused
		if reason != "" {
			err = fmt.Errorf("%w: %s", ErrJoinRefused, reason)
		}
		ch.setStatus(realtime.StatusChannelError, err)
	case realtime.StatusSubscribed:
		ch.setStatus(realtime.StatusSubscribed, nil)
	}
}

// rejected records the server's reason for the next status frame
func (ch *Channel) rejected(ref, message string) {
	ch.mu.Lock()
	forJoin := ref == ch.joinRef
	if forJoin {
		ch.lastErr = message
	}
	ch.mu.Unlock()
	if !forJoin {
		ch.client.logger.Warn("realtime channel error", "channel", ch.name, "message", message)
	}
}

func (ch *Channel) disconnected(err error) {
	ch.mu.Lock()
	ch.stopTimerLocked()
	ch.mu.Unlock()
	ch.setStatus(realtime.StatusChannelError, err)
}

// release marks the handle dead without talking to the server
func (ch *Channel) release() {
	ch.mu.Lock()
	ch.released = true
	ch.stopTimerLocked()
	ch.mu.Unlock()
}

func (ch *Channel) deliverBroadcast(event string, payload json.RawMessage) {
	ch.mu.Lock()
	if ch.released {
		ch.mu.Unlock()
		return
	}
	fns := slices.Clone(ch.broadcast[event])
	ch.mu.Unlock()

	for _, fn := range fns {
		fn := fn
		ch.client.dispatch.post(func() { fn(payload) })
	}
}

func (ch *Channel) deliverChange(change realtime.Change) {
	ch.mu.Lock()
	if ch.released {
		ch.mu.Unlock()
		return
	}
	var fns []func(realtime.Change)
	for _, h := range ch.changes {
		if h.filter.Matches(change) {
			fns = append(fns, h.fn)
		}
	}
	ch.mu.Unlock()

	for _, fn := range fns {
		fn := fn
		ch.client.dispatch.post(func() { fn(change) })
	}
}

// setStatus records and reports a transition; repeats are suppressed
func (ch *Channel) setStatus(status realtime.Status, err error) {
	ch.mu.Lock()
	if ch.status == status {
		ch.mu.Unlock()
		return
	}
	ch.status = status
	cb := ch.statusCb
	ch.mu.Unlock()

	if cb != nil {
		ch.client.dispatch.post(func() { cb(status, err) })
	}
}

func (ch *Channel) stopTimerLocked() {
	if ch.joinTimer != nil {
		ch.joinTimer.Stop()
		ch.joinTimer = nil
	}
}
