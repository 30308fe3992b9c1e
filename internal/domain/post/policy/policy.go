package policy

import (
	"context"

	"github.com/vadim/atom/internal/domain/post/entity"
	"github.com/vadim/atom/internal/domain/post/service"
	"github.com/vadim/atom/internal/session"
)

// PostService defines the interface for the post service
type PostService interface {
	Create(ctx context.Context, in service.CreateInput) (*entity.Post, error)
	Get(ctx context.Context, viewerID, id string) (*entity.Post, error)
	All(ctx context.Context, viewerID string, params entity.PageParams) (*entity.Page, error)
	ByUser(ctx context.Context, viewerID, authorID string, params entity.PageParams) (*entity.Page, error)
	Replies(ctx context.Context, viewerID, postID string, params entity.PageParams) (*entity.Page, error)
	Search(ctx context.Context, viewerID, query string, params entity.PageParams) (*entity.Page, error)
	Personal(ctx context.Context, userID string, params entity.PageParams) (*entity.Page, error)
	SetInteraction(ctx context.Context, kind entity.Interaction, postID, userID string, on bool) error
}

// Policy authors posts as the session user. Reads are open to anonymous
// viewers except the personal feed.
type Policy struct {
	svc PostService
}

// New creates a new post policy
func New(svc PostService) *Policy {
	return &Policy{svc: svc}
}

// CreateInput represents input for creating a post
type CreateInput struct {
	Text    string
	Images  []service.ImageUpload
	ReplyTo *string
}

// Create publishes a post as the session user
func (p *Policy) Create(ctx context.Context, in CreateInput) (*entity.Post, error) {
	userID, err := session.UserID(ctx)
	if err != nil {
		return nil, err
	}
	return p.svc.Create(ctx, service.CreateInput{
		AuthorID: userID,
		Text:     in.Text,
		Images:   in.Images,
		ReplyTo:  in.ReplyTo,
	})
}

// Get returns a post
func (p *Policy) Get(ctx context.Context, id string) (*entity.Post, error) {
	return p.svc.Get(ctx, viewer(ctx), id)
}

// All returns a page of the global feed
func (p *Policy) All(ctx context.Context, params entity.PageParams) (*entity.Page, error) {
	return p.svc.All(ctx, viewer(ctx), params)
}

// ByUser returns a page of an author's posts
func (p *Policy) ByUser(ctx context.Context, authorID string, params entity.PageParams) (*entity.Page, error) {
	return p.svc.ByUser(ctx, viewer(ctx), authorID, params)
}

// Replies returns a page of replies to a post
func (p *Policy) Replies(ctx context.Context, postID string, params entity.PageParams) (*entity.Page, error) {
	return p.svc.Replies(ctx, viewer(ctx), postID, params)
}

// Search returns a page of posts matching query
func (p *Policy) Search(ctx context.Context, query string, params entity.PageParams) (*entity.Page, error) {
	return p.svc.Search(ctx, viewer(ctx), query, params)
}

// Personal returns a page of the session user's recommendations
func (p *Policy) Personal(ctx context.Context, params entity.PageParams) (*entity.Page, error) {
	userID, err := session.UserID(ctx)
	if err != nil {
		return nil, err
	}
	return p.svc.Personal(ctx, userID, params)
}

// SetInteraction records or removes the session user's like, save or view
func (p *Policy) SetInteraction(ctx context.Context, kind entity.Interaction, postID string, on bool) error {
	userID, err := session.UserID(ctx)
	if err != nil {
		return err
	}
	return p.svc.SetInteraction(ctx, kind, postID, userID, on)
}

func viewer(ctx context.Context) string {
	userID, _ := session.UserID(ctx)
	return userID
}
