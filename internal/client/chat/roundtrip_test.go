package chat_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadim/atom/internal/client/api"
	"github.com/vadim/atom/internal/client/chat"
	httpctl "github.com/vadim/atom/internal/controller/http"
	"github.com/vadim/atom/internal/domain/chat/entity"
	"github.com/vadim/atom/internal/domain/chat/policy"
	"github.com/vadim/atom/internal/domain/chat/service"
	"github.com/vadim/atom/internal/realtime"
	"github.com/vadim/atom/internal/realtime/client"
	"github.com/vadim/atom/internal/session"
)

// memChats stores conversations and messages in memory
type memChats struct {
	mu       sync.Mutex
	convs    map[string]*entity.Conversation
	members  map[string][]entity.Participant
	messages []entity.Message
}

func newMemChats() *memChats {
	return &memChats{
		convs:   make(map[string]*entity.Conversation),
		members: make(map[string][]entity.Participant),
	}
}

type memMessages struct{ *memChats }

type memConversations struct{ *memChats }

func (m memMessages) Insert(_ context.Context, msg *entity.Message) (*entity.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := *msg
	out.SentAt = time.Now().UTC()
	m.messages = append(m.messages, out)
	return &out, nil
}

func (m memMessages) GetByID(_ context.Context, id string) (*entity.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.ID == id {
			out := msg
			return &out, nil
		}
	}
	return nil, nil
}

func (m memMessages) ListByConversation(_ context.Context, conversationID string, limit, offset int) ([]entity.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []entity.Message
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m memMessages) UpdateContent(_ context.Context, messageID, senderID, content string) (*entity.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.messages {
		if m.messages[i].ID == messageID && m.messages[i].SenderID == senderID {
			m.messages[i].Content = content
			out := m.messages[i]
			return &out, nil
		}
	}
	return nil, nil
}

func (m memMessages) Delete(_ context.Context, messageID, conversationID, senderID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, msg := range m.messages {
		if msg.ID == messageID && msg.ConversationID == conversationID && msg.SenderID == senderID {
			m.messages = append(m.messages[:i], m.messages[i+1:]...)
			return 1, nil
		}
	}
	return 0, nil
}

func (c memConversations) Create(_ context.Context, conv *entity.Conversation, participantIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.convs[conv.ID] = conv
	for _, id := range participantIDs {
		c.members[conv.ID] = append(c.members[conv.ID], entity.Participant{ID: id, Username: id})
	}
	return nil
}

func (c memConversations) GetByID(_ context.Context, id string) (*entity.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.convs[id]
	if !ok {
		return nil, nil
	}
	out := *conv
	return &out, nil
}

func (c memConversations) Participants(_ context.Context, conversationID string) ([]entity.Participant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]entity.Participant(nil), c.members[conversationID]...), nil
}

func (c memConversations) IsParticipant(_ context.Context, conversationID, userID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.members[conversationID] {
		if p.ID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (c memConversations) ListByUser(context.Context, string, int, int) ([]entity.Conversation, error) {
	return nil, nil
}

type noImages struct{}

func (noImages) StoreImage(context.Context, service.ImageUpload) (*entity.Image, error) {
	return nil, errors.New("no image store")
}

type stack struct {
	chats  *memChats
	hub    *realtime.Hub
	issuer *session.Issuer
	url    string
}

func startStack(t *testing.T) *stack {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	chats := newMemChats()
	convs := memConversations{chats}

	hub := realtime.NewHub(realtime.NewLocalBus(), realtime.NewChannelAuthorizer(convs), logger)
	hub.Reserve(realtime.KindChat, entity.ServerEvents()...)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	svc := service.New(memMessages{chats}, convs, noImages{}, hub, logger)
	issuer := session.NewIssuer("secret", "atom", time.Hour)

	r := chi.NewRouter()
	r.Use(issuer.Middleware)
	realtime.NewHandler(hub, issuer, realtime.ConnOptions{}, logger).RegisterRoutes(r)
	r.Route("/api/v1", func(r chi.Router) {
		httpctl.NewChatHandler(policy.New(svc, policy.RateConfig{})).RegisterRoutes(r)
	})
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		hub.CloseAll()
		srv.Close()
		cancel()
	})

	chats.convs["C1"] = &entity.Conversation{ID: "C1"}
	chats.members["C1"] = []entity.Participant{
		{ID: "alice", Username: "alice", DisplayName: "Alice"},
		{ID: "bob", Username: "bob"},
	}

	return &stack{chats: chats, hub: hub, issuer: issuer, url: srv.URL}
}

type user struct {
	rest  *api.Client
	store *chat.Store
}

func (s *stack) join(t *testing.T, userID, conversationID string) *user {
	t.Helper()
	token, err := s.issuer.Issue(userID)
	require.NoError(t, err)

	rest := api.New(s.url+"/api/v1", api.WithToken(token))
	conv, err := rest.GetChat(context.Background(), conversationID)
	require.NoError(t, err)

	ws := "ws" + strings.TrimPrefix(s.url, "http") + "/realtime/v1/websocket"
	rt, err := client.Dial(context.Background(), ws, token)
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })

	store, err := chat.Open(context.Background(), rt, conversationID, conv.Messages)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.Eventually(t, func() bool { return store.State() == chat.StateLive }, 3*time.Second, 10*time.Millisecond)

	return &user{rest: rest, store: store}
}

func eventually(t *testing.T, s *chat.Store, cond func([]entity.Message) bool) []entity.Message {
	t.Helper()
	var got []entity.Message
	require.Eventually(t, func() bool {
		got = s.Messages()
		return cond(got)
	}, 3*time.Second, 10*time.Millisecond)
	return got
}

func TestRoundTrip_SendReachesEveryParticipant(t *testing.T) {
	s := startStack(t)
	alice := s.join(t, "alice", "C1")
	bob := s.join(t, "bob", "C1")

	sent, err := alice.rest.SendMessage(context.Background(), "C1", "hi", nil)
	require.NoError(t, err)

	for _, u := range []*user{alice, bob} {
		got := eventually(t, u.store, func(m []entity.Message) bool { return len(m) == 1 })
		assert.Equal(t, sent.ID, got[0].ID)
		assert.Equal(t, "hi", got[0].Content)
		assert.Equal(t, "alice", got[0].SenderID)
		assert.Equal(t, "C1", got[0].ConversationID)
		assert.True(t, sent.SentAt.Equal(got[0].SentAt))
	}
}

func TestRoundTrip_EditByOwnerIsSeenByOthers(t *testing.T) {
	s := startStack(t)
	alice := s.join(t, "alice", "C1")
	bob := s.join(t, "bob", "C1")

	sent, err := alice.rest.SendMessage(context.Background(), "C1", "hi", nil)
	require.NoError(t, err)
	eventually(t, bob.store, func(m []entity.Message) bool { return len(m) == 1 })

	_, err = alice.rest.EditMessage(context.Background(), "C1", sent.ID, "bye")
	require.NoError(t, err)

	got := eventually(t, bob.store, func(m []entity.Message) bool { return m[0].Content == "bye" })
	assert.Len(t, got, 1)
	assert.Equal(t, sent.ID, got[0].ID)
}

func TestRoundTrip_NonSenderCannotEditOrDelete(t *testing.T) {
	s := startStack(t)
	alice := s.join(t, "alice", "C1")
	bob := s.join(t, "bob", "C1")

	sent, err := alice.rest.SendMessage(context.Background(), "C1", "hi", nil)
	require.NoError(t, err)
	eventually(t, alice.store, func(m []entity.Message) bool { return len(m) == 1 })

	var apiErr *api.APIError
	_, err = bob.rest.EditMessage(context.Background(), "C1", sent.ID, "hacked")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	err = bob.rest.DeleteMessage(context.Background(), "C1", sent.ID)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	time.Sleep(100 * time.Millisecond)
	got := alice.store.Messages()
	require.Len(t, got, 1)
	assert.Equal(t, "hi", got[0].Content)
}

func TestRoundTrip_DeleteAndReply(t *testing.T) {
	s := startStack(t)
	alice := s.join(t, "alice", "C1")
	bob := s.join(t, "bob", "C1")
	ctx := context.Background()

	first, err := alice.rest.SendMessage(ctx, "C1", "question", nil)
	require.NoError(t, err)
	reply, err := bob.rest.SendMessage(ctx, "C1", "answer", &first.ID)
	require.NoError(t, err)

	got := eventually(t, alice.store, func(m []entity.Message) bool { return len(m) == 2 })
	conv, err := alice.rest.GetChat(ctx, "C1")
	require.NoError(t, err)
	ref := alice.store.ResolveReply(got[1], conv.Participants)
	assert.True(t, ref.Resolved)
	assert.Equal(t, "Alice", ref.SenderName)
	assert.Equal(t, "question", ref.Content)

	require.NoError(t, bob.rest.DeleteMessage(ctx, "C1", reply.ID))
	got = eventually(t, alice.store, func(m []entity.Message) bool { return len(m) == 1 })
	assert.Equal(t, first.ID, got[0].ID)
}

func TestRoundTrip_OutsiderCannotSubscribe(t *testing.T) {
	s := startStack(t)
	token, err := s.issuer.Issue("mallory")
	require.NoError(t, err)

	ws := "ws" + strings.TrimPrefix(s.url, "http") + "/realtime/v1/websocket"
	rt, err := client.Dial(context.Background(), ws, token)
	require.NoError(t, err)
	defer rt.Close()

	store, err := chat.Open(context.Background(), rt, "C1", nil)
	require.NoError(t, err)
	defer store.Close()

	require.Eventually(t, func() bool { return store.State() == chat.StateError }, 3*time.Second, 10*time.Millisecond)
}

func TestRoundTrip_ParticipantCannotForgeMessageEvents(t *testing.T) {
	s := startStack(t)
	alice := s.join(t, "alice", "C1")
	s.join(t, "bob", "C1")
	ctx := context.Background()

	sent, err := alice.rest.SendMessage(ctx, "C1", "hi", nil)
	require.NoError(t, err)
	eventually(t, alice.store, func(m []entity.Message) bool { return len(m) == 1 })

	// bob opens a raw socket next to his store
	token, err := s.issuer.Issue("bob")
	require.NoError(t, err)
	ws := "ws" + strings.TrimPrefix(s.url, "http") + "/realtime/v1/websocket"
	rt, err := client.Dial(ctx, ws, token)
	require.NoError(t, err)
	defer rt.Close()

	ch := rt.Channel(realtime.ChatChannel("C1"), realtime.ChannelConfig{Ack: true})
	require.NoError(t, ch.Subscribe(nil))
	require.Eventually(t, func() bool { return ch.Status() == realtime.StatusSubscribed }, 3*time.Second, 10*time.Millisecond)

	err = ch.Send(ctx, entity.EventEditMessage, entity.EditPayload{MessageID: sent.ID, NewText: "forged by bob"})
	assert.ErrorContains(t, err, realtime.ErrReservedEvent.Error())
	err = ch.Send(ctx, entity.EventNewMessage, entity.Message{ID: "fake", ConversationID: "C1", SenderID: "alice", Content: "alice never wrote this"})
	assert.ErrorContains(t, err, realtime.ErrReservedEvent.Error())
	err = ch.Send(ctx, entity.EventDeleteMessage, entity.DeletePayload{MessageID: sent.ID})
	assert.ErrorContains(t, err, realtime.ErrReservedEvent.Error())

	time.Sleep(100 * time.Millisecond)
	got := alice.store.Messages()
	require.Len(t, got, 1)
	assert.Equal(t, sent.ID, got[0].ID)
	assert.Equal(t, "hi", got[0].Content)
}
