package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Frame types exchanged over the websocket. One JSON frame per text message.
const (
	// client -> server
	FrameJoin      = "join"
	FrameLeave     = "leave"
	FrameHeartbeat = "heartbeat"

	// both directions
	FrameBroadcast = "broadcast"

	// server -> client
	FrameStatus = "status"
	FrameChange = "postgres_changes"
	FrameAck    = "ack"
	FrameError  = "error"
)

// Status is the lifecycle state of a channel subscription
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusSubscribed   Status = "subscribed"
	StatusChannelError Status = "channel_error"
	StatusTimedOut     Status = "timed_out"
	StatusClosed       Status = "closed"
)

// Channel name prefixes
const (
	ChatPrefix          = "Chat-"
	NotificationsPrefix = "Notifications-"
)

var (
	ErrInvalidChannel = errors.New("invalid channel name")
	ErrInvalidFilter  = errors.New("invalid change filter")
	ErrNotJoined      = errors.New("channel not joined")
	ErrReservedEvent  = errors.New("event is reserved for the server")
)

// ChatChannel returns the broadcast channel of a conversation
func ChatChannel(conversationID string) string {
	return ChatPrefix + conversationID
}

// NotificationsChannel returns the change channel of a user's notifications
func NotificationsChannel(userID string) string {
	return NotificationsPrefix + userID
}

// ChannelKind classifies a channel name
type ChannelKind int

const (
	KindUnknown ChannelKind = iota
	KindChat
	KindNotifications
)

// ParseChannel splits a channel name into its kind and id
func ParseChannel(name string) (ChannelKind, string, error) {
	switch {
	case strings.HasPrefix(name, ChatPrefix):
		if id := strings.TrimPrefix(name, ChatPrefix); id != "" {
			return KindChat, id, nil
		}
	case strings.HasPrefix(name, NotificationsPrefix):
		if id := strings.TrimPrefix(name, NotificationsPrefix); id != "" {
			return KindNotifications, id, nil
		}
	}
	return KindUnknown, "", fmt.Errorf("%w: %q", ErrInvalidChannel, name)
}

// ChannelConfig controls broadcast behaviour of one subscription
type ChannelConfig struct {
	// Self delivers the subscriber's own broadcasts back to it
	Self bool `json:"self"`
	// Ack makes the server confirm each client broadcast
	Ack bool `json:"ack"`
}

// ChangeFilter selects row changes on a channel
type ChangeFilter struct {
	Event  string `json:"event"` // INSERT, UPDATE, DELETE or *
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"` // column=eq.value
}

// Change is a row change event
type Change struct {
	Schema string          `json:"schema"`
	Table  string          `json:"table"`
	Type   string          `json:"type"`
	Record json.RawMessage `json:"record"`
}

// Frame is the single wire envelope for every frame type
type Frame struct {
	Type    string          `json:"type"`
	Ref     string          `json:"ref,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Config  *ChannelConfig  `json:"config,omitempty"`
	Changes []ChangeFilter  `json:"changes,omitempty"`
	Change  *Change         `json:"change,omitempty"`
	Status  Status          `json:"status,omitempty"`
	Message string          `json:"message,omitempty"`
}
