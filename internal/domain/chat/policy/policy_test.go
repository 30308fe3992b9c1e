package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadim/atom/internal/domain/chat/entity"
	"github.com/vadim/atom/internal/domain/chat/service"
	"github.com/vadim/atom/internal/session"
)

type stubService struct {
	members map[string]bool // "conv|user"
	sent    []service.SendMessageInput
	edits   []service.EditMessageInput
}

func (s *stubService) SendMessage(_ context.Context, in service.SendMessageInput) (*entity.Message, error) {
	s.sent = append(s.sent, in)
	return &entity.Message{ID: "m1", ConversationID: in.ConversationID, SenderID: in.SenderID, Content: in.Content, ReplyTo: in.ReplyTo}, nil
}

func (s *stubService) EditMessage(_ context.Context, in service.EditMessageInput) (*entity.Message, error) {
	s.edits = append(s.edits, in)
	return &entity.Message{ID: in.MessageID, SenderID: in.SenderID, Content: in.NewText}, nil
}

func (s *stubService) DeleteMessage(context.Context, service.DeleteMessageInput) error { return nil }

func (s *stubService) CreateChat(_ context.Context, in service.CreateChatInput) (*entity.Conversation, *entity.Message, error) {
	return &entity.Conversation{ID: "c9"}, &entity.Message{SenderID: in.CreatorID}, nil
}

func (s *stubService) GetChat(_ context.Context, in service.GetChatInput) (*entity.Conversation, error) {
	return &entity.Conversation{ID: in.ConversationID}, nil
}

func (s *stubService) ListChats(context.Context, string, int, int) ([]entity.Conversation, error) {
	return []entity.Conversation{}, nil
}

func (s *stubService) IsParticipant(_ context.Context, conversationID, userID string) (bool, error) {
	return s.members[conversationID+"|"+userID], nil
}

func TestPolicy_RequiresSession(t *testing.T) {
	p := New(&stubService{}, RateConfig{})
	ctx := context.Background()

	_, err := p.SendMessage(ctx, SendMessageInput{ConversationID: "c1", Content: "hi"})
	assert.ErrorIs(t, err, session.ErrNotAuthenticated)

	_, err = p.EditMessage(ctx, "m1", "x")
	assert.ErrorIs(t, err, session.ErrNotAuthenticated)

	assert.ErrorIs(t, p.DeleteMessage(ctx, "m1", "c1"), session.ErrNotAuthenticated)

	_, err = p.ListChats(ctx, 10, 0)
	assert.ErrorIs(t, err, session.ErrNotAuthenticated)
}

func TestPolicy_SenderComesFromSession(t *testing.T) {
	svc := &stubService{members: map[string]bool{"c1|u1": true}}
	p := New(svc, RateConfig{})
	ctx := session.WithUser(context.Background(), "u1")

	msg, err := p.SendMessage(ctx, SendMessageInput{ConversationID: "c1", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "u1", msg.SenderID)

	reply, err := p.Reply(ctx, ReplyInput{ConversationID: "c1", ReplyTo: "m0", Content: "re"})
	require.NoError(t, err)
	require.NotNil(t, reply.ReplyTo)
	assert.Equal(t, "m0", *reply.ReplyTo)

	_, err = p.EditMessage(ctx, "m1", "bye")
	require.NoError(t, err)
	require.Len(t, svc.edits, 1)
	assert.Equal(t, "u1", svc.edits[0].SenderID)
}

func TestPolicy_NonMemberSeesNotFound(t *testing.T) {
	svc := &stubService{members: map[string]bool{"c1|u1": true}}
	p := New(svc, RateConfig{})
	ctx := session.WithUser(context.Background(), "u2")

	_, err := p.SendMessage(ctx, SendMessageInput{ConversationID: "c1", Content: "hi"})
	assert.ErrorIs(t, err, entity.ErrConversationNotFound)

	_, err = p.GetChat(ctx, "c1", 50, 0)
	assert.ErrorIs(t, err, entity.ErrConversationNotFound)
	assert.Empty(t, svc.sent)
}

func TestPolicy_RateLimit(t *testing.T) {
	svc := &stubService{members: map[string]bool{"c1|u1": true, "c1|u2": true}}
	p := New(svc, RateConfig{PerSecond: 0.001, Burst: 2})

	u1 := session.WithUser(context.Background(), "u1")
	for i := 0; i < 2; i++ {
		_, err := p.SendMessage(u1, SendMessageInput{ConversationID: "c1", Content: "hi"})
		require.NoError(t, err)
	}
	_, err := p.SendMessage(u1, SendMessageInput{ConversationID: "c1", Content: "hi"})
	assert.ErrorIs(t, err, entity.ErrRateLimited)

	// limits are per user
	u2 := session.WithUser(context.Background(), "u2")
	_, err = p.SendMessage(u2, SendMessageInput{ConversationID: "c1", Content: "hi"})
	assert.NoError(t, err)
}
