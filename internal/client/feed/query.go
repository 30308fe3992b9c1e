package feed

import (
	"context"
	"errors"
	"fmt"

	"github.com/vadim/atom/internal/domain/post/entity"
)

var ErrUnknownQuery = errors.New("unknown feed query")

// Query selects a feed. The set of variants is closed.
type Query interface {
	Key() string
	isQuery()
}

// AllQuery is the global feed
type AllQuery struct{}

// UserQuery is the posts of one author
type UserQuery struct {
	UserID string
}

// RepliesQuery is the replies to one post
type RepliesQuery struct {
	PostID string
}

// SearchQuery is a text search over posts
type SearchQuery struct {
	Text string
}

// PersonalQuery is the recommendation feed of the signed-in user
type PersonalQuery struct{}

func (AllQuery) Key() string       { return "all" }
func (q UserQuery) Key() string    { return "user:" + q.UserID }
func (q RepliesQuery) Key() string { return "replies:" + q.PostID }
func (q SearchQuery) Key() string  { return "search:" + q.Text }
func (PersonalQuery) Key() string  { return "personal" }
func (AllQuery) isQuery()          {}
func (UserQuery) isQuery()         {}
func (RepliesQuery) isQuery()      {}
func (SearchQuery) isQuery()       {}
func (PersonalQuery) isQuery()     {}

// Fetcher loads one page of each feed kind, usually an *api.Client
type Fetcher interface {
	All(ctx context.Context, params entity.PageParams) (*entity.Page, error)
	Personal(ctx context.Context, params entity.PageParams) (*entity.Page, error)
	UserPosts(ctx context.Context, userID string, params entity.PageParams) (*entity.Page, error)
	Replies(ctx context.Context, postID string, params entity.PageParams) (*entity.Page, error)
	Search(ctx context.Context, text string, params entity.PageParams) (*entity.Page, error)
}

func fetch(ctx context.Context, f Fetcher, q Query, params entity.PageParams) (*entity.Page, error) {
	switch q := q.(type) {
	case AllQuery:
		return f.All(ctx, params)
	case PersonalQuery:
		return f.Personal(ctx, params)
	case UserQuery:
		return f.UserPosts(ctx, q.UserID, params)
	case RepliesQuery:
		return f.Replies(ctx, q.PostID, params)
	case SearchQuery:
		return f.Search(ctx, q.Text, params)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownQuery, q)
	}
}
