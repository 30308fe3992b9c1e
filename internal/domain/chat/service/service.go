package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/vadim/atom/internal/domain/chat/entity"
	"github.com/vadim/atom/internal/metrics"
	"github.com/vadim/atom/internal/realtime"
)

// MessageRepository defines the interface for message storage
type MessageRepository interface {
	Insert(ctx context.Context, msg *entity.Message) (*entity.Message, error)
	GetByID(ctx context.Context, id string) (*entity.Message, error)
	ListByConversation(ctx context.Context, conversationID string, limit, offset int) ([]entity.Message, error)
	UpdateContent(ctx context.Context, messageID, senderID, content string) (*entity.Message, error)
	Delete(ctx context.Context, messageID, conversationID, senderID string) (int64, error)
}

// ConversationRepository defines the interface for conversation storage
type ConversationRepository interface {
	Create(ctx context.Context, conv *entity.Conversation, participantIDs []string) error
	GetByID(ctx context.Context, id string) (*entity.Conversation, error)
	Participants(ctx context.Context, conversationID string) ([]entity.Participant, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]entity.Conversation, error)
}

// ImageStore stores a message attachment and reports its public location
type ImageStore interface {
	StoreImage(ctx context.Context, in ImageUpload) (*entity.Image, error)
}

// Broadcaster publishes realtime events
type Broadcaster interface {
	Broadcast(ctx context.Context, channel, event string, payload any) error
}

// ImageUpload is an attachment as received from the client
type ImageUpload struct {
	Reader      io.Reader
	ContentType string
	Size        int64
	Filename    string
}

// Service handles chat business logic: durable write first, then broadcast
type Service struct {
	msgRepo     MessageRepository
	convRepo    ConversationRepository
	images      ImageStore
	broadcaster Broadcaster
	logger      *slog.Logger
}

// New creates a new chat service
func New(
	msgRepo MessageRepository,
	convRepo ConversationRepository,
	images ImageStore,
	broadcaster Broadcaster,
	logger *slog.Logger,
) *Service {
	return &Service{
		msgRepo:     msgRepo,
		convRepo:    convRepo,
		images:      images,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// SendMessageInput represents input for sending a message
type SendMessageInput struct {
	ConversationID string
	SenderID       string
	Content        string
	Image          *ImageUpload
	ReplyTo        *string
}

// SendMessage stores a message and broadcasts it as new-message
func (s *Service) SendMessage(ctx context.Context, in SendMessageInput) (*entity.Message, error) {
	if in.ConversationID == "" {
		return nil, entity.ErrConversationRequired
	}
	if err := entity.ValidateContent(in.Content); err != nil {
		return nil, err
	}

	if in.ReplyTo != nil {
		replied, err := s.msgRepo.GetByID(ctx, *in.ReplyTo)
		if err != nil {
			return nil, fmt.Errorf("getting replied message: %w", err)
		}
		if replied == nil || replied.ConversationID != in.ConversationID {
			return nil, entity.ErrReplyNotInConversation
		}
	}

	msg := &entity.Message{
		ID:             uuid.New().String(),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		ReplyTo:        in.ReplyTo,
	}

	// The image is stored before the row; a failed insert leaves the object behind.
	if in.Image != nil {
		img, err := s.images.StoreImage(ctx, *in.Image)
		if err != nil {
			return nil, fmt.Errorf("storing image: %w", err)
		}
		msg.Image = img
	}

	inserted, err := s.msgRepo.Insert(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("saving message: %w", err)
	}
	metrics.MessagesSent.Inc()

	s.broadcast(ctx, inserted.ConversationID, entity.EventNewMessage, inserted)

	return inserted, nil
}

// EditMessageInput represents input for editing a message
type EditMessageInput struct {
	MessageID string
	SenderID  string
	NewText   string
}

// EditMessage replaces the content of the sender's own message
func (s *Service) EditMessage(ctx context.Context, in EditMessageInput) (*entity.Message, error) {
	if err := entity.ValidateContent(in.NewText); err != nil {
		return nil, err
	}

	msg, err := s.msgRepo.UpdateContent(ctx, in.MessageID, in.SenderID, in.NewText)
	if err != nil {
		return nil, fmt.Errorf("editing message: %w", err)
	}
	if msg == nil {
		return nil, entity.ErrMessageNotFound
	}

	s.broadcast(ctx, msg.ConversationID, entity.EventEditMessage, entity.EditPayload{
		MessageID: msg.ID,
		NewText:   msg.Content,
	})

	return msg, nil
}

// DeleteMessageInput represents input for deleting a message
type DeleteMessageInput struct {
	MessageID      string
	ConversationID string
	SenderID       string
}

// DeleteMessage removes the sender's own message
func (s *Service) DeleteMessage(ctx context.Context, in DeleteMessageInput) error {
	if in.ConversationID == "" {
		return entity.ErrConversationRequired
	}

	n, err := s.msgRepo.Delete(ctx, in.MessageID, in.ConversationID, in.SenderID)
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	if n == 0 {
		return entity.ErrMessageNotFound
	}

	s.broadcast(ctx, in.ConversationID, entity.EventDeleteMessage, entity.DeletePayload{
		MessageID: in.MessageID,
	})

	return nil
}

// CreateChatInput represents input for starting a conversation
type CreateChatInput struct {
	CreatorID      string
	ParticipantIDs []string
	FirstMessage   string
}

// CreateChat creates a conversation with the creator as participant and
// sends the first message
func (s *Service) CreateChat(ctx context.Context, in CreateChatInput) (*entity.Conversation, *entity.Message, error) {
	if err := entity.ValidateContent(in.FirstMessage); err != nil {
		return nil, nil, err
	}

	members := []string{in.CreatorID}
	seen := map[string]bool{in.CreatorID: true}
	for _, id := range in.ParticipantIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		members = append(members, id)
	}
	if len(members) < 2 {
		return nil, nil, entity.ErrInvalidParticipants
	}

	conv := &entity.Conversation{
		ID:      uuid.New().String(),
		IsGroup: len(members) > 2,
	}
	if err := s.convRepo.Create(ctx, conv, members); err != nil {
		return nil, nil, fmt.Errorf("creating chat: %w", err)
	}

	msg, err := s.SendMessage(ctx, SendMessageInput{
		ConversationID: conv.ID,
		SenderID:       in.CreatorID,
		Content:        in.FirstMessage,
	})
	if err != nil {
		return nil, nil, err
	}

	conv.LastMessage = msg
	return conv, msg, nil
}

// GetChatInput represents input for loading a conversation
type GetChatInput struct {
	ConversationID string
	Limit          int
	Offset         int
}

// GetChat returns a conversation with participants and messages oldest first
func (s *Service) GetChat(ctx context.Context, in GetChatInput) (*entity.Conversation, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = 100
	}

	conv, err := s.convRepo.GetByID(ctx, in.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("getting chat: %w", err)
	}
	if conv == nil {
		return nil, entity.ErrConversationNotFound
	}

	conv.Participants, err = s.convRepo.Participants(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("getting participants: %w", err)
	}

	conv.Messages, err = s.msgRepo.ListByConversation(ctx, conv.ID, limit, in.Offset)
	if err != nil {
		return nil, fmt.Errorf("getting messages: %w", err)
	}
	if conv.Messages == nil {
		conv.Messages = []entity.Message{}
	}

	return conv, nil
}

// ListChats returns the user's conversations with their latest message
func (s *Service) ListChats(ctx context.Context, userID string, limit, offset int) ([]entity.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}

	convs, err := s.convRepo.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing chats: %w", err)
	}

	for i := range convs {
		convs[i].Participants, err = s.convRepo.Participants(ctx, convs[i].ID)
		if err != nil {
			return nil, fmt.Errorf("getting participants: %w", err)
		}
	}

	if convs == nil {
		convs = []entity.Conversation{}
	}
	return convs, nil
}

// IsParticipant reports conversation membership
func (s *Service) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	return s.convRepo.IsParticipant(ctx, conversationID, userID)
}

// broadcast publishes after a durable write. A failure is logged and
// counted, and the write still stands.
func (s *Service) broadcast(ctx context.Context, conversationID, event string, payload any) {
	channel := realtime.ChatChannel(conversationID)
	if err := s.broadcaster.Broadcast(ctx, channel, event, payload); err != nil {
		metrics.BroadcastFailures.WithLabelValues(event).Inc()
		s.logger.Error("broadcast failed after write",
			"channel", channel,
			"event", event,
			"error", err,
		)
	}
}
