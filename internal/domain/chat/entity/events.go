package entity

// Broadcast events on Chat-{conversationId}
const (
	EventNewMessage    = "new-message"
	EventEditMessage   = "edit-message"
	EventDeleteMessage = "delete-message"
)

// ServerEvents are published by the chat service after a durable write.
// The gateway refuses them from clients.
func ServerEvents() []string {
	return []string{EventNewMessage, EventEditMessage, EventDeleteMessage}
}

// EditPayload is the edit-message broadcast payload
type EditPayload struct {
	MessageID string `json:"message_id"`
	NewText   string `json:"new_text"`
}

// DeletePayload is the delete-message broadcast payload
type DeletePayload struct {
	MessageID string `json:"message_id"`
}
