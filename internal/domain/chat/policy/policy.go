package policy

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/vadim/atom/internal/domain/chat/entity"
	"github.com/vadim/atom/internal/domain/chat/service"
	"github.com/vadim/atom/internal/metrics"
	"github.com/vadim/atom/internal/session"
)

// ChatService defines the interface for the chat service
type ChatService interface {
	SendMessage(ctx context.Context, in service.SendMessageInput) (*entity.Message, error)
	EditMessage(ctx context.Context, in service.EditMessageInput) (*entity.Message, error)
	DeleteMessage(ctx context.Context, in service.DeleteMessageInput) error
	CreateChat(ctx context.Context, in service.CreateChatInput) (*entity.Conversation, *entity.Message, error)
	GetChat(ctx context.Context, in service.GetChatInput) (*entity.Conversation, error)
	ListChats(ctx context.Context, userID string, limit, offset int) ([]entity.Conversation, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// RateConfig bounds how fast one user may write messages
type RateConfig struct {
	PerSecond float64
	Burst     int
}

// Policy resolves the session user and enforces membership and rate limits
type Policy struct {
	svc ChatService

	rateCfg  RateConfig
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a new chat policy
func New(svc ChatService, rateCfg RateConfig) *Policy {
	if rateCfg.PerSecond <= 0 {
		rateCfg.PerSecond = 5
	}
	if rateCfg.Burst <= 0 {
		rateCfg.Burst = 10
	}
	return &Policy{
		svc:      svc,
		rateCfg:  rateCfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (p *Policy) allow(userID string) bool {
	p.mu.Lock()
	l, ok := p.limiters[userID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(p.rateCfg.PerSecond), p.rateCfg.Burst)
		p.limiters[userID] = l
	}
	p.mu.Unlock()
	return l.Allow()
}

// requireMember returns the session user once membership is confirmed.
// Non-members get ErrConversationNotFound so chat ids cannot be discovered.
func (p *Policy) requireMember(ctx context.Context, conversationID string) (string, error) {
	userID, err := session.UserID(ctx)
	if err != nil {
		return "", err
	}
	if conversationID == "" {
		return "", entity.ErrConversationRequired
	}
	ok, err := p.svc.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return "", fmt.Errorf("checking membership: %w", err)
	}
	if !ok {
		return "", entity.ErrConversationNotFound
	}
	return userID, nil
}

// SendMessageInput represents input for sending a message
type SendMessageInput struct {
	ConversationID string
	Content        string
	Image          *service.ImageUpload
	ReplyTo        *string
}

// SendMessage sends a message as the session user
func (p *Policy) SendMessage(ctx context.Context, in SendMessageInput) (*entity.Message, error) {
	userID, err := p.requireMember(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}
	if !p.allow(userID) {
		metrics.RateLimitHits.WithLabelValues("send_message").Inc()
		return nil, entity.ErrRateLimited
	}

	return p.svc.SendMessage(ctx, service.SendMessageInput{
		ConversationID: in.ConversationID,
		SenderID:       userID,
		Content:        in.Content,
		Image:          in.Image,
		ReplyTo:        in.ReplyTo,
	})
}

// ReplyInput represents input for replying to a message
type ReplyInput struct {
	ConversationID string
	ReplyTo        string
	Content        string
	Image          *service.ImageUpload
}

// Reply sends a message that references another one in the same conversation
func (p *Policy) Reply(ctx context.Context, in ReplyInput) (*entity.Message, error) {
	if in.ReplyTo == "" {
		return nil, entity.ErrReplyNotInConversation
	}
	replyTo := in.ReplyTo
	return p.SendMessage(ctx, SendMessageInput{
		ConversationID: in.ConversationID,
		Content:        in.Content,
		Image:          in.Image,
		ReplyTo:        &replyTo,
	})
}

// EditMessage edits one of the session user's messages
func (p *Policy) EditMessage(ctx context.Context, messageID, newText string) (*entity.Message, error) {
	userID, err := session.UserID(ctx)
	if err != nil {
		return nil, err
	}
	if !p.allow(userID) {
		metrics.RateLimitHits.WithLabelValues("edit_message").Inc()
		return nil, entity.ErrRateLimited
	}

	return p.svc.EditMessage(ctx, service.EditMessageInput{
		MessageID: messageID,
		SenderID:  userID,
		NewText:   newText,
	})
}

// DeleteMessage deletes one of the session user's messages
func (p *Policy) DeleteMessage(ctx context.Context, messageID, conversationID string) error {
	userID, err := session.UserID(ctx)
	if err != nil {
		return err
	}

	return p.svc.DeleteMessage(ctx, service.DeleteMessageInput{
		MessageID:      messageID,
		ConversationID: conversationID,
		SenderID:       userID,
	})
}

// CreateChatInput represents input for starting a conversation
type CreateChatInput struct {
	ParticipantIDs []string
	FirstMessage   string
}

// CreateChat starts a conversation as the session user
func (p *Policy) CreateChat(ctx context.Context, in CreateChatInput) (*entity.Conversation, *entity.Message, error) {
	userID, err := session.UserID(ctx)
	if err != nil {
		return nil, nil, err
	}
	if !p.allow(userID) {
		metrics.RateLimitHits.WithLabelValues("create_chat").Inc()
		return nil, nil, entity.ErrRateLimited
	}

	return p.svc.CreateChat(ctx, service.CreateChatInput{
		CreatorID:      userID,
		ParticipantIDs: in.ParticipantIDs,
		FirstMessage:   in.FirstMessage,
	})
}

// GetChat loads a conversation the session user takes part in
func (p *Policy) GetChat(ctx context.Context, conversationID string, limit, offset int) (*entity.Conversation, error) {
	if _, err := p.requireMember(ctx, conversationID); err != nil {
		return nil, err
	}
	return p.svc.GetChat(ctx, service.GetChatInput{
		ConversationID: conversationID,
		Limit:          limit,
		Offset:         offset,
	})
}

// ListChats lists the session user's conversations
func (p *Policy) ListChats(ctx context.Context, limit, offset int) ([]entity.Conversation, error) {
	userID, err := session.UserID(ctx)
	if err != nil {
		return nil, err
	}
	return p.svc.ListChats(ctx, userID, limit, offset)
}
