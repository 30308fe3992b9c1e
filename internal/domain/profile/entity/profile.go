package entity

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	ErrProfileNotFound = errors.New("profile not found")
	ErrProfileExists   = errors.New("profile already exists")
	ErrUsernameTaken   = errors.New("username is taken")
	ErrInvalidProfile  = errors.New("invalid profile")
	ErrSelfRelation    = errors.New("cannot follow or block yourself")
	ErrBlocked         = errors.New("user is blocked")
)

const (
	MaxDisplayNameLength = 50
	MaxDescriptionLength = 300
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.]{3,30}$`)

// Profile is a user profile as seen by one viewer
type Profile struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayname"`
	AvatarURL   string    `json:"avatar_url"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	HasFollowed bool      `json:"has_followed"`
	HasBlocked  bool      `json:"has_blocked"`
	IsBlocked   bool      `json:"is_blocked"`
	Followers   int64     `json:"followers"`
	Following   int64     `json:"following"`
}

// CreateInput is the profile a signed-in user registers once
type CreateInput struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayname"`
	Description string `json:"description"`
}

// Normalize trims surrounding whitespace
func (in *CreateInput) Normalize() {
	in.Username = strings.TrimSpace(in.Username)
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	in.Description = strings.TrimSpace(in.Description)
}

// Validate checks a normalized create input
func (in CreateInput) Validate() error {
	if err := validateUsername(in.Username); err != nil {
		return err
	}
	if err := validateText("displayname", in.DisplayName, MaxDisplayNameLength); err != nil {
		return err
	}
	return validateText("description", in.Description, MaxDescriptionLength)
}

// UpdateFields holds the columns a profile update sets. Nil leaves a column unchanged.
type UpdateFields struct {
	Username    *string
	DisplayName *string
	Description *string
	AvatarURL   *string
}

// Empty reports whether nothing would change
func (f UpdateFields) Empty() bool {
	return f.Username == nil && f.DisplayName == nil && f.Description == nil && f.AvatarURL == nil
}

// Validate checks the set fields
func (f UpdateFields) Validate() error {
	if f.Username != nil {
		if err := validateUsername(*f.Username); err != nil {
			return err
		}
	}
	if f.DisplayName != nil {
		if err := validateText("displayname", *f.DisplayName, MaxDisplayNameLength); err != nil {
			return err
		}
	}
	if f.Description != nil {
		return validateText("description", *f.Description, MaxDescriptionLength)
	}
	return nil
}

func validateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return fmt.Errorf("%w: username must be 3-30 letters, digits, '_' or '.'", ErrInvalidProfile)
	}
	return nil
}

func validateText(field, value string, max int) error {
	if utf8.RuneCountInString(value) > max {
		return fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidProfile, field, max)
	}
	return nil
}
