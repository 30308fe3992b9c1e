package policy

import (
	"context"

	"github.com/vadim/atom/internal/domain/profile/entity"
	"github.com/vadim/atom/internal/domain/profile/service"
	"github.com/vadim/atom/internal/session"
)

// ProfileService defines the interface for the profile service
type ProfileService interface {
	GetByUsername(ctx context.Context, viewerID, username string) (*entity.Profile, error)
	Create(ctx context.Context, userID string, in entity.CreateInput) (*entity.Profile, error)
	Update(ctx context.Context, userID string, in service.UpdateInput) (*entity.Profile, error)
	Search(ctx context.Context, viewerID, query string, limit, offset int) ([]entity.Profile, error)
	Follow(ctx context.Context, userID, targetID string) error
	Unfollow(ctx context.Context, userID, targetID string) error
	Block(ctx context.Context, userID, targetID string) error
	Unblock(ctx context.Context, userID, targetID string) error
}

// Policy acts on the follow graph as the session user
type Policy struct {
	svc ProfileService
}

// New creates a new profile policy
func New(svc ProfileService) *Policy {
	return &Policy{svc: svc}
}

// Get returns a profile; anonymous viewers see no relation flags
func (p *Policy) Get(ctx context.Context, username string) (*entity.Profile, error) {
	viewerID, _ := session.UserID(ctx)
	return p.svc.GetByUsername(ctx, viewerID, username)
}

// Create registers the session user's profile
func (p *Policy) Create(ctx context.Context, in entity.CreateInput) (*entity.Profile, error) {
	userID, err := session.UserID(ctx)
	if err != nil {
		return nil, err
	}
	return p.svc.Create(ctx, userID, in)
}

// UpdateMe changes the session user's profile
func (p *Policy) UpdateMe(ctx context.Context, in service.UpdateInput) (*entity.Profile, error) {
	userID, err := session.UserID(ctx)
	if err != nil {
		return nil, err
	}
	return p.svc.Update(ctx, userID, in)
}

// Search finds profiles; blocks are applied for signed-in viewers
func (p *Policy) Search(ctx context.Context, query string, limit, offset int) ([]entity.Profile, error) {
	viewerID, _ := session.UserID(ctx)
	return p.svc.Search(ctx, viewerID, query, limit, offset)
}

// Follow follows targetID
func (p *Policy) Follow(ctx context.Context, targetID string) error {
	return p.as(ctx, targetID, p.svc.Follow)
}

// Unfollow unfollows targetID
func (p *Policy) Unfollow(ctx context.Context, targetID string) error {
	return p.as(ctx, targetID, p.svc.Unfollow)
}

// Block blocks targetID
func (p *Policy) Block(ctx context.Context, targetID string) error {
	return p.as(ctx, targetID, p.svc.Block)
}

// Unblock unblocks targetID
func (p *Policy) Unblock(ctx context.Context, targetID string) error {
	return p.as(ctx, targetID, p.svc.Unblock)
}

func (p *Policy) as(ctx context.Context, targetID string, fn func(ctx context.Context, userID, targetID string) error) error {
	userID, err := session.UserID(ctx)
	if err != nil {
		return err
	}
	return fn(ctx, userID, targetID)
}
