package dao

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadim/atom/internal/database/dbtest"
	"github.com/vadim/atom/internal/domain/chat/entity"
)

type chatFixture struct {
	pool     *pgxpool.Pool
	convs    *ConversationPostgres
	messages *MessagePostgres
	alice    string
	bob      string
	chatID   string
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()
	pool := dbtest.Pool(t)
	f := &chatFixture{
		pool:     pool,
		convs:    NewConversationPostgres(pool),
		messages: NewMessagePostgres(pool),
		alice:    dbtest.Profile(t, pool, "alice"),
		bob:      dbtest.Profile(t, pool, "bob"),
		chatID:   uuid.NewString(),
	}
	conv := &entity.Conversation{ID: f.chatID}
	require.NoError(t, f.convs.Create(context.Background(), conv, []string{f.alice, f.bob, f.alice}))
	assert.False(t, conv.CreatedAt.IsZero())
	return f
}

func (f *chatFixture) insert(t *testing.T, senderID, content string, sentAt time.Time) *entity.Message {
	t.Helper()
	ctx := context.Background()
	msg, err := f.messages.Insert(ctx, &entity.Message{
		ID:             uuid.NewString(),
		ConversationID: f.chatID,
		SenderID:       senderID,
		Content:        content,
	})
	require.NoError(t, err)
	if !sentAt.IsZero() {
		_, err = f.pool.Exec(ctx, `UPDATE messages SET sent_at = $2 WHERE message_id = $1`, msg.ID, sentAt)
		require.NoError(t, err)
		msg.SentAt = sentAt
	}
	return msg
}

func TestConversationPostgres_Participants(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	participants, err := f.convs.Participants(ctx, f.chatID)
	require.NoError(t, err)
	require.Len(t, participants, 2)
	assert.Equal(t, "alice", participants[0].Username)
	assert.Equal(t, "bob", participants[1].Username)

	ok, err := f.convs.IsParticipant(ctx, f.chatID, f.bob)
	require.NoError(t, err)
	assert.True(t, ok)

	outsider := dbtest.Profile(t, f.pool, "mallory")
	ok, err = f.convs.IsParticipant(ctx, f.chatID, outsider)
	require.NoError(t, err)
	assert.False(t, ok)

	conv, err := f.convs.GetByID(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Nil(t, conv)
}

func TestMessagePostgres_ImageRoundTrip(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	with, err := f.messages.Insert(ctx, &entity.Message{
		ID:             uuid.NewString(),
		ConversationID: f.chatID,
		SenderID:       f.alice,
		Content:        "look",
		Image:          &entity.Image{URL: "https://cdn/messages/a.png", Width: 640, Height: 480},
	})
	require.NoError(t, err)
	require.NotNil(t, with.Image)
	assert.Equal(t, entity.Image{URL: "https://cdn/messages/a.png", Width: 640, Height: 480}, *with.Image)
	assert.False(t, with.SentAt.IsZero())

	got, err := f.messages.GetByID(ctx, with.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Image)
	assert.Equal(t, 640, got.Image.Width)

	reply := with.ID
	without, err := f.messages.Insert(ctx, &entity.Message{
		ID:             uuid.NewString(),
		ConversationID: f.chatID,
		SenderID:       f.bob,
		Content:        "nice",
		ReplyTo:        &reply,
	})
	require.NoError(t, err)
	assert.Nil(t, without.Image)
	require.NotNil(t, without.ReplyTo)
	assert.Equal(t, with.ID, *without.ReplyTo)
}

func TestMessagePostgres_UpdateContentOnlyBySender(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	msg := f.insert(t, f.alice, "hi", time.Time{})

	updated, err := f.messages.UpdateContent(ctx, msg.ID, f.bob, "hacked")
	require.NoError(t, err)
	assert.Nil(t, updated)

	got, err := f.messages.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Content)

	updated, err = f.messages.UpdateContent(ctx, msg.ID, f.alice, "bye")
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, "bye", updated.Content)
	assert.True(t, msg.SentAt.Equal(updated.SentAt))

	updated, err = f.messages.UpdateContent(ctx, uuid.NewString(), f.alice, "x")
	require.NoError(t, err)
	assert.Nil(t, updated)
}

func TestMessagePostgres_DeleteOnlyBySenderInChat(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	msg := f.insert(t, f.alice, "hi", time.Time{})

	n, err := f.messages.Delete(ctx, msg.ID, f.chatID, f.bob)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.messages.Delete(ctx, msg.ID, uuid.NewString(), f.alice)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.messages.Delete(ctx, msg.ID, f.chatID, f.alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = f.messages.Delete(ctx, msg.ID, f.chatID, f.alice)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := f.messages.GetByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMessagePostgres_ListByConversationWindow(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, f.insert(t, f.alice, string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute)).ID)
	}

	latest, err := f.messages.ListByConversation(ctx, f.chatID, 2, 0)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, []string{ids[3], ids[4]}, []string{latest[0].ID, latest[1].ID})

	older, err := f.messages.ListByConversation(ctx, f.chatID, 2, 2)
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Equal(t, []string{ids[1], ids[2]}, []string{older[0].ID, older[1].ID})

	all, err := f.messages.ListByConversation(ctx, f.chatID, 50, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "a", all[0].Content)
	assert.Equal(t, "e", all[4].Content)
}

func TestConversationPostgres_ListByUserWithLastMessage(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	empty := &entity.Conversation{ID: uuid.NewString()}
	require.NoError(t, f.convs.Create(ctx, empty, []string{f.alice}))

	base := time.Now().Add(time.Hour).UTC()
	f.insert(t, f.bob, "first", base)
	last := f.insert(t, f.alice, "second", base.Add(time.Minute))

	convs, err := f.convs.ListByUser(ctx, f.alice, 10, 0)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, f.chatID, convs[0].ID)
	require.NotNil(t, convs[0].LastMessage)
	assert.Equal(t, last.ID, convs[0].LastMessage.ID)
	assert.Equal(t, "second", convs[0].LastMessage.Content)
	assert.Equal(t, empty.ID, convs[1].ID)
	assert.Nil(t, convs[1].LastMessage)

	convs, err = f.convs.ListByUser(ctx, f.bob, 10, 0)
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}
