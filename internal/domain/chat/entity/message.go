package entity

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Image is a stored message attachment
type Image struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Message represents a chat message. JSON names are the broadcast wire format.
type Message struct {
	ID             string    `json:"message_id"`
	ConversationID string    `json:"chat_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	Image          *Image    `json:"image"`
	ReplyTo        *string   `json:"reply_to"`
	SentAt         time.Time `json:"sent_at"`
}

// MaxContentLength is the maximum length of a message in characters
const MaxContentLength = 2000

// ValidateContent validates message text
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return ErrMessageTooLong
	}
	return nil
}
