package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/vadim/atom/internal/domain/profile/entity"
)

// Repository defines the interface for profile storage
type Repository interface {
	GetByUsername(ctx context.Context, viewerID, username string) (*entity.Profile, error)
	GetByID(ctx context.Context, viewerID, id string) (*entity.Profile, error)
	Create(ctx context.Context, id string, in entity.CreateInput) error
	Update(ctx context.Context, id string, f entity.UpdateFields) error
	Search(ctx context.Context, viewerID, query string, limit, offset int) ([]entity.Profile, error)
	Follow(ctx context.Context, followerID, followedID string) error
	Unfollow(ctx context.Context, followerID, followedID string) error
	Block(ctx context.Context, userID, blockedID string) error
	Unblock(ctx context.Context, userID, blockedID string) error
}

// AvatarUpload is an avatar image as received from the client
type AvatarUpload struct {
	Reader      io.Reader
	ContentType string
	Filename    string
	Size        int64
}

// AvatarStore persists avatar images and returns their public URL
type AvatarStore interface {
	StoreAvatar(ctx context.Context, userID string, in AvatarUpload) (string, error)
}

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 50
)

// UpdateInput changes the caller's own profile. Nil fields are left as they are.
type UpdateInput struct {
	Username    *string
	DisplayName *string
	Description *string
	Avatar      *AvatarUpload
}

// Service handles profiles, the follow graph and blocks
type Service struct {
	repo    Repository
	avatars AvatarStore
	logger  *slog.Logger
}

// New creates a new profile service
func New(repo Repository, avatars AvatarStore, logger *slog.Logger) *Service {
	return &Service{repo: repo, avatars: avatars, logger: logger}
}

// Create registers the profile of userID
func (s *Service) Create(ctx context.Context, userID string, in entity.CreateInput) (*entity.Profile, error) {
	in.Normalize()
	if in.DisplayName == "" {
		in.DisplayName = in.Username
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, userID, in); err != nil {
		return nil, fmt.Errorf("creating profile: %w", err)
	}
	s.logger.Info("profile created", "user_id", userID, "username", in.Username)
	return s.GetByID(ctx, userID, userID)
}

// Update changes userID's profile, storing a new avatar first when given
func (s *Service) Update(ctx context.Context, userID string, in UpdateInput) (*entity.Profile, error) {
	fields := entity.UpdateFields{
		Username:    trimmed(in.Username),
		DisplayName: trimmed(in.DisplayName),
		Description: trimmed(in.Description),
	}
	if err := fields.Validate(); err != nil {
		return nil, err
	}

	if in.Avatar != nil {
		url, err := s.avatars.StoreAvatar(ctx, userID, *in.Avatar)
		if err != nil {
			return nil, fmt.Errorf("storing avatar: %w", err)
		}
		fields.AvatarURL = &url
	}
	if fields.Empty() {
		return nil, fmt.Errorf("%w: nothing to update", entity.ErrInvalidProfile)
	}

	if err := s.repo.Update(ctx, userID, fields); err != nil {
		return nil, fmt.Errorf("updating profile: %w", err)
	}
	return s.GetByID(ctx, userID, userID)
}

// Search finds profiles by username or display name
func (s *Service) Search(ctx context.Context, viewerID, query string, limit, offset int) ([]entity.Profile, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: search query is required", entity.ErrInvalidProfile)
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	if offset < 0 {
		offset = 0
	}

	profiles, err := s.repo.Search(ctx, viewerID, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("searching profiles: %w", err)
	}
	return profiles, nil
}

// GetByUsername returns a profile as seen by the viewer
func (s *Service) GetByUsername(ctx context.Context, viewerID, username string) (*entity.Profile, error) {
	p, err := s.repo.GetByUsername(ctx, viewerID, username)
	if err != nil {
		return nil, fmt.Errorf("getting profile: %w", err)
	}
	if p == nil {
		return nil, entity.ErrProfileNotFound
	}
	return p, nil
}

// GetByID returns a profile as seen by the viewer
func (s *Service) GetByID(ctx context.Context, viewerID, id string) (*entity.Profile, error) {
	p, err := s.repo.GetByID(ctx, viewerID, id)
	if err != nil {
		return nil, fmt.Errorf("getting profile: %w", err)
	}
	if p == nil {
		return nil, entity.ErrProfileNotFound
	}
	return p, nil
}

// Follow makes userID follow targetID. Blocks in either direction refuse it.
func (s *Service) Follow(ctx context.Context, userID, targetID string) error {
	target, err := s.target(ctx, userID, targetID)
	if err != nil {
		return err
	}
	if target.HasBlocked || target.IsBlocked {
		return entity.ErrBlocked
	}
	if err := s.repo.Follow(ctx, userID, targetID); err != nil {
		return fmt.Errorf("following: %w", err)
	}
	s.logger.Debug("followed", "user_id", userID, "target_id", targetID)
	return nil
}

// Unfollow removes userID's follow of targetID
func (s *Service) Unfollow(ctx context.Context, userID, targetID string) error {
	if userID == targetID {
		return entity.ErrSelfRelation
	}
	if err := s.repo.Unfollow(ctx, userID, targetID); err != nil {
		return fmt.Errorf("unfollowing: %w", err)
	}
	return nil
}

// Block blocks targetID for userID and removes follows both ways
func (s *Service) Block(ctx context.Context, userID, targetID string) error {
	if _, err := s.target(ctx, userID, targetID); err != nil {
		return err
	}
	if err := s.repo.Block(ctx, userID, targetID); err != nil {
		return fmt.Errorf("blocking: %w", err)
	}
	s.logger.Info("user blocked", "user_id", userID, "target_id", targetID)
	return nil
}

// Unblock lifts userID's block of targetID
func (s *Service) Unblock(ctx context.Context, userID, targetID string) error {
	if userID == targetID {
		return entity.ErrSelfRelation
	}
	if err := s.repo.Unblock(ctx, userID, targetID); err != nil {
		return fmt.Errorf("unblocking: %w", err)
	}
	return nil
}

func (s *Service) target(ctx context.Context, userID, targetID string) (*entity.Profile, error) {
	if userID == targetID {
		return nil, entity.ErrSelfRelation
	}
	return s.GetByID(ctx, userID, targetID)
}

func trimmed(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	return &t
}
