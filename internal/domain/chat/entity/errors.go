package entity

import "errors"

// Domain errors for chats
var (
	ErrConversationNotFound   = errors.New("conversation not found")
	ErrMessageNotFound        = errors.New("message not found")
	ErrEmptyMessage           = errors.New("message content cannot be empty")
	ErrMessageTooLong         = errors.New("message exceeds maximum length")
	ErrReplyNotInConversation = errors.New("replied message is not in this conversation")
	ErrInvalidParticipants    = errors.New("a chat needs at least one other participant")
	ErrConversationRequired   = errors.New("conversation id is required")
	ErrRateLimited            = errors.New("rate limit exceeded")
)
