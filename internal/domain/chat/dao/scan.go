package dao

import (
	"time"

	"github.com/vadim/atom/internal/domain/chat/entity"
)

// lastMessageRow holds the nullable columns of an outer-joined message
type lastMessageRow struct {
	ID             *string
	ConversationID *string
	SenderID       *string
	Content        *string
	Image          *entity.Image
	ReplyTo        *string
	SentAt         *time.Time
}

func (r lastMessageRow) message() *entity.Message {
	if r.ID == nil {
		return nil
	}
	msg := &entity.Message{
		ID:      *r.ID,
		Image:   r.Image,
		ReplyTo: r.ReplyTo,
	}
	if r.ConversationID != nil {
		msg.ConversationID = *r.ConversationID
	}
	if r.SenderID != nil {
		msg.SenderID = *r.SenderID
	}
	if r.Content != nil {
		msg.Content = *r.Content
	}
	if r.SentAt != nil {
		msg.SentAt = *r.SentAt
	}
	return msg
}
