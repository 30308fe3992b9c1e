package entity

import "errors"

var (
	ErrPostNotFound        = errors.New("post not found")
	ErrEmptyPost           = errors.New("post needs text or an image")
	ErrPostTooLong         = errors.New("post text too long")
	ErrTooManyImages       = errors.New("too many images")
	ErrReplyTargetNotFound = errors.New("replied post not found")
	ErrEmptyQuery          = errors.New("search query is empty")
	ErrUnknownInteraction  = errors.New("unknown interaction")
)
