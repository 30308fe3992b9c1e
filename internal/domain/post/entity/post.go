package entity

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MaxTextLength = 500
	MaxImages     = 4
	PageSize      = 10
)

// Author is the profile summary embedded in a post
type Author struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayname"`
	AvatarURL   string `json:"avatar_url"`
}

// Post is a feed entry as seen by one viewer
type Post struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
	HasImages  bool      `json:"has_images"`
	Images     []string  `json:"images"`
	Author     Author    `json:"profiles"`
	ReplyTo    *string   `json:"reply_to"`
	ReplyCount int64     `json:"reply_count"`
	HasLiked   bool      `json:"has_liked"`
	HasViewed  bool      `json:"has_viewed"`
	HasSaved   bool      `json:"has_saved"`
	LikeCount  int64     `json:"likecount"`
	ViewCount  int64     `json:"viewcount"`
	SaveCount  int64     `json:"savecount"`
}

// PageParams locates the next page of a feed. RecommendationIndex and
// PageOnIndex are only used by the personal feed.
type PageParams struct {
	TotalPage           int `json:"total_page"`
	RecommendationIndex int `json:"recommendation_index"`
	PageOnIndex         int `json:"page_on_index"`
}

// Page is one fetched slice of a feed
type Page struct {
	Posts []Post     `json:"data"`
	Next  PageParams `json:"next"`
}

// Interaction is a per-user mark on a post
type Interaction string

const (
	InteractionLike Interaction = "like"
	InteractionSave Interaction = "save"
	InteractionView Interaction = "view"
)

// Valid reports whether i is a known interaction
func (i Interaction) Valid() bool {
	switch i {
	case InteractionLike, InteractionSave, InteractionView:
		return true
	}
	return false
}

// ValidateText trims text and checks its length
func ValidateText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) > MaxTextLength {
		return "", ErrPostTooLong
	}
	return text, nil
}
