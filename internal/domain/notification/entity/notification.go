package entity

import (
	"errors"
	"time"
)

// Table and schema the notification change events are labelled with
const (
	Schema = "public"
	Table  = "notifications"
)

var ErrInvalidFanOut = errors.New("fan-out needs a post id and an author")

// UserData is the author snapshot shown in a notification
type UserData struct {
	AvatarURL   string `json:"avatar_url"`
	DisplayName string `json:"displayname"`
	Username    string `json:"username"`
}

// PostSnapshot is the post as it was when the notification was created
type PostSnapshot struct {
	PostID   string    `json:"post_id"`
	PostDate time.Time `json:"post_date"`
	PostText string    `json:"post_text"`
	UserData UserData  `json:"user_data"`
}

// Payload is the denormalized notification body
type Payload struct {
	Post PostSnapshot `json:"post"`
}

// Notification is one row of a user's notification feed. Read only ever
// moves from false to true.
type Notification struct {
	ID          int64     `json:"id"`
	RecipientID string    `json:"recipient_id"`
	CreatedAt   time.Time `json:"created_at"`
	Data        Payload   `json:"data"`
	Read        bool      `json:"read"`
}
