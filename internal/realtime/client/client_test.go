package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadim/atom/internal/realtime"
	"github.com/vadim/atom/internal/session"
)

type allowAll struct{}

func (allowAll) Authorize(context.Context, string, string) error { return nil }

type ownChannelsOnly struct{}

func (ownChannelsOnly) Authorize(_ context.Context, userID, channel string) error {
	if channel == realtime.NotificationsChannel(userID) || channel == realtime.ChatChannel("shared") {
		return nil
	}
	return realtime.ErrChannelForbidden
}

type gateway struct {
	hub    *realtime.Hub
	issuer *session.Issuer
	url    string
}

func startGateway(t *testing.T, auth realtime.Authorizer) *gateway {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := realtime.NewHub(realtime.NewLocalBus(), auth, logger)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	issuer := session.NewIssuer("secret", "atom", time.Hour)
	srv := httptest.NewServer(realtime.NewHandler(hub, issuer, realtime.ConnOptions{}, logger))

	t.Cleanup(func() {
		hub.CloseAll()
		srv.Close()
		cancel()
	})

	return &gateway{
		hub:    hub,
		issuer: issuer,
		url:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/realtime/v1/websocket",
	}
}

func (g *gateway) dial(t *testing.T, userID string, opts ...Option) *Client {
	t.Helper()
	token, err := g.issuer.Issue(userID)
	require.NoError(t, err)

	opts = append([]Option{WithBackoff(20*time.Millisecond, 100*time.Millisecond)}, opts...)
	c, err := Dial(context.Background(), g.url, token, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

type statusLog struct {
	ch chan realtime.Status
	mu sync.Mutex
	// last error reported with a status
	err error
}

func newStatusLog() *statusLog {
	return &statusLog{ch: make(chan realtime.Status, 64)}
}

func (s *statusLog) fn(status realtime.Status, err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.ch <- status
}

func (s *statusLog) expect(t *testing.T, want ...realtime.Status) {
	t.Helper()
	for _, w := range want {
		select {
		case got := <-s.ch:
			require.Equal(t, w, got)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for status %s", w)
		}
	}
}

func (s *statusLog) lastErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func TestDial_RejectsBadToken(t *testing.T) {
	g := startGateway(t, allowAll{})
	_, err := Dial(context.Background(), g.url, "not-a-token")
	assert.Error(t, err)
}

func TestChannel_SendAckAndSelf(t *testing.T) {
	g := startGateway(t, allowAll{})
	alice := g.dial(t, "alice")
	bob := g.dial(t, "bob")

	aliceGot := make(chan string, 4)
	bobGot := make(chan string, 4)

	aCh := alice.Channel("Chat-c1", realtime.ChannelConfig{Self: true, Ack: true}).
		OnBroadcast("new-message", func(p json.RawMessage) { aliceGot <- string(p) })
	bCh := bob.Channel("Chat-c1", realtime.ChannelConfig{}).
		OnBroadcast("new-message", func(p json.RawMessage) { bobGot <- string(p) })

	aStatus, bStatus := newStatusLog(), newStatusLog()
	require.NoError(t, aCh.Subscribe(aStatus.fn))
	require.NoError(t, bCh.Subscribe(bStatus.fn))
	aStatus.expect(t, realtime.StatusConnecting, realtime.StatusSubscribed)
	bStatus.expect(t, realtime.StatusConnecting, realtime.StatusSubscribed)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, aCh.Send(ctx, "new-message", map[string]string{"content": "hi"}))

	for _, got := range []chan string{aliceGot, bobGot} {
		select {
		case p := <-got:
			assert.JSONEq(t, `{"content":"hi"}`, p)
		case <-time.After(2 * time.Second):
			t.Fatal("broadcast not received")
		}
	}
}

func TestChannel_UnauthorizedJoinReportsChannelError(t *testing.T) {
	g := startGateway(t, ownChannelsOnly{})
	c := g.dial(t, "alice")

	status := newStatusLog()
	require.NoError(t, c.Channel(realtime.NotificationsChannel("bob"), realtime.ChannelConfig{}).Subscribe(status.fn))
	status.expect(t, realtime.StatusConnecting, realtime.StatusChannelError)
	assert.ErrorIs(t, status.lastErr(), ErrJoinRefused)

	// the connection survives the refusal
	own := newStatusLog()
	require.NoError(t, c.Channel(realtime.NotificationsChannel("alice"), realtime.ChannelConfig{}).Subscribe(own.fn))
	own.expect(t, realtime.StatusConnecting, realtime.StatusSubscribed)
}

func TestChannel_ReconnectRejoins(t *testing.T) {
	g := startGateway(t, allowAll{})
	c := g.dial(t, "alice")

	got := make(chan string, 4)
	ch := c.Channel("Chat-c1", realtime.ChannelConfig{}).
		OnBroadcast("edit-message", func(p json.RawMessage) { got <- string(p) })
	status := newStatusLog()
	require.NoError(t, ch.Subscribe(status.fn))
	status.expect(t, realtime.StatusConnecting, realtime.StatusSubscribed)

	g.hub.CloseAll()
	status.expect(t, realtime.StatusChannelError, realtime.StatusConnecting, realtime.StatusSubscribed)

	require.NoError(t, g.hub.Broadcast(context.Background(), "Chat-c1", "edit-message",
		map[string]string{"message_id": "m1", "new_text": "bye"}))

	select {
	case p := <-got:
		assert.JSONEq(t, `{"message_id":"m1","new_text":"bye"}`, p)
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast after reconnect not received")
	}
}

type gateAuthorizer struct {
	release chan struct{}
}

func (g gateAuthorizer) Authorize(ctx context.Context, _, _ string) error {
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestChannel_JoinTimeoutThenLateReply(t *testing.T) {
	gate := gateAuthorizer{release: make(chan struct{})}
	g := startGateway(t, gate)
	c := g.dial(t, "alice", WithJoinTimeout(100*time.Millisecond))

	status := newStatusLog()
	require.NoError(t, c.Channel("Chat-slow", realtime.ChannelConfig{}).Subscribe(status.fn))
	status.expect(t, realtime.StatusConnecting, realtime.StatusTimedOut)
	assert.ErrorIs(t, status.lastErr(), ErrJoinTimeout)

	close(gate.release)
	status.expect(t, realtime.StatusSubscribed)
}

func TestChannel_CallbacksRunSeriallyInOrder(t *testing.T) {
	g := startGateway(t, allowAll{})
	c := g.dial(t, "alice")

	const n = 50
	var inflight, overlaps int32
	var mu sync.Mutex
	var seen []int
	done := make(chan struct{})

	record := func(p json.RawMessage) {
		if atomic.AddInt32(&inflight, 1) > 1 {
			atomic.AddInt32(&overlaps, 1)
		}
		var v struct{ N int }
		json.Unmarshal(p, &v)
		mu.Lock()
		seen = append(seen, v.N)
		if len(seen) == 2*n {
			close(done)
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&inflight, -1)
	}

	// two handlers for the same event fire independently
	ch := c.Channel("Chat-c1", realtime.ChannelConfig{}).
		OnBroadcast("tick", record).
		OnBroadcast("tick", record)
	status := newStatusLog()
	require.NoError(t, ch.Subscribe(status.fn))
	status.expect(t, realtime.StatusConnecting, realtime.StatusSubscribed)

	for i := 0; i < n; i++ {
		require.NoError(t, g.hub.Broadcast(context.Background(), "Chat-c1", "tick", map[string]int{"N": i}))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("not all callbacks ran")
	}

	assert.Zero(t, atomic.LoadInt32(&overlaps))
	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < n; i++ {
		assert.Equal(t, i, seen[2*i])
		assert.Equal(t, i, seen[2*i+1])
	}
}

func TestChannel_OnChangeFilters(t *testing.T) {
	g := startGateway(t, ownChannelsOnly{})
	c := g.dial(t, "alice")

	got := make(chan realtime.Change, 4)
	ch := c.Channel(realtime.NotificationsChannel("alice"), realtime.ChannelConfig{}).
		OnChange(realtime.ChangeFilter{Event: "INSERT", Table: "notifications", Filter: "recipient_id=eq.alice"},
			func(change realtime.Change) { got <- change })
	status := newStatusLog()
	require.NoError(t, ch.Subscribe(status.fn))
	status.expect(t, realtime.StatusConnecting, realtime.StatusSubscribed)

	publish := func(typ, recipient string) {
		require.NoError(t, g.hub.PublishChange(context.Background(), realtime.NotificationsChannel("alice"), realtime.Change{
			Schema: "public",
			Table:  "notifications",
			Type:   typ,
			Record: json.RawMessage(`{"recipient_id":"` + recipient + `"}`),
		}))
	}
	publish("UPDATE", "alice")
	publish("INSERT", "bob")
	publish("INSERT", "alice")

	select {
	case change := <-got:
		assert.Equal(t, "INSERT", change.Type)
		assert.JSONEq(t, `{"recipient_id":"alice"}`, string(change.Record))
	case <-time.After(2 * time.Second):
		t.Fatal("change not received")
	}
	select {
	case change := <-got:
		t.Fatalf("unexpected change %+v", change)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChannel_UnsubscribeIsIdempotent(t *testing.T) {
	g := startGateway(t, allowAll{})
	c := g.dial(t, "alice")

	ch := c.Channel("Chat-c1", realtime.ChannelConfig{})
	status := newStatusLog()
	require.NoError(t, ch.Subscribe(status.fn))
	status.expect(t, realtime.StatusConnecting, realtime.StatusSubscribed)

	require.NoError(t, ch.Unsubscribe())
	status.expect(t, realtime.StatusClosed)
	require.NoError(t, c.RemoveChannel(ch))

	assert.Eventually(t, func() bool { return g.hub.Subscribers("Chat-c1") == 0 }, time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, ch.Subscribe(status.fn), ErrChannelClosed)
	assert.ErrorIs(t, ch.Send(context.Background(), "x", nil), ErrNotSubscribed)

	// the name is free again
	again := newStatusLog()
	require.NoError(t, c.Channel("Chat-c1", realtime.ChannelConfig{}).Subscribe(again.fn))
	again.expect(t, realtime.StatusConnecting, realtime.StatusSubscribed)
}
