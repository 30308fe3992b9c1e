package entity

import "time"

// Conversation is a direct or group chat
type Conversation struct {
	ID           string        `json:"chat_id"`
	IsGroup      bool          `json:"is_group"`
	Participants []Participant `json:"participants"`
	Messages     []Message     `json:"messages,omitempty"`
	LastMessage  *Message      `json:"last_message,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Participant is a member of a conversation
type Participant struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayname"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// DisplayNameOr returns the display name, falling back to the username
func (p Participant) DisplayNameOr() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Username
}
