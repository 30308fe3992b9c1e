package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/vadim/atom/internal/domain/notification/entity"
	"github.com/vadim/atom/internal/metrics"
	"github.com/vadim/atom/internal/realtime"
)

// Repository defines the interface for notification storage
type Repository interface {
	FanOut(ctx context.Context, authorID string, payload entity.Payload) ([]entity.Notification, error)
	List(ctx context.Context, recipientID string, limit, offset int) ([]entity.Notification, error)
	CountUnread(ctx context.Context, recipientID string) (int64, error)
	MarkAllRead(ctx context.Context, recipientID string) (int64, error)
	PruneRead(ctx context.Context, before time.Time, limit int) (int64, error)
}

// ChangePublisher publishes row changes to subscribers
type ChangePublisher interface {
	PublishChange(ctx context.Context, channel string, change realtime.Change) error
}

// Service handles notification business logic
type Service struct {
	repo      Repository
	publisher ChangePublisher
	logger    *slog.Logger
}

// New creates a new notification service
func New(repo Repository, publisher ChangePublisher, logger *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
	}
}

// FanOutInput describes the post followers are notified about
type FanOutInput struct {
	AuthorID string
	PostID   string
	PostDate time.Time
	PostText string
	Author   entity.UserData
}

// FanOut notifies every follower of the author and publishes one INSERT
// change per created row on the recipient's channel
func (s *Service) FanOut(ctx context.Context, in FanOutInput) ([]entity.Notification, error) {
	if in.AuthorID == "" || in.PostID == "" {
		return nil, entity.ErrInvalidFanOut
	}

	created, err := s.repo.FanOut(ctx, in.AuthorID, entity.Payload{
		Post: entity.PostSnapshot{
			PostID:   in.PostID,
			PostDate: in.PostDate,
			PostText: in.PostText,
			UserData: in.Author,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fanning out notifications: %w", err)
	}
	metrics.NotificationsFannedOut.Add(float64(len(created)))

	for _, n := range created {
		record, err := json.Marshal(n)
		if err != nil {
			return created, fmt.Errorf("encoding notification: %w", err)
		}
		channel := realtime.NotificationsChannel(n.RecipientID)
		err = s.publisher.PublishChange(ctx, channel, realtime.Change{
			Schema: entity.Schema,
			Table:  entity.Table,
			Type:   "INSERT",
			Record: record,
		})
		if err != nil {
			metrics.BroadcastFailures.WithLabelValues("notification").Inc()
			s.logger.Error("publishing notification failed",
				"channel", channel,
				"notification_id", n.ID,
				"error", err,
			)
		}
	}

	s.logger.Debug("notifications fanned out", "post_id", in.PostID, "count", len(created))
	return created, nil
}

// ListOutput represents a page of notifications with the unread total
type ListOutput struct {
	Notifications []entity.Notification
	Unread        int64
}

// List returns the user's notifications newest first and the unread count
func (s *Service) List(ctx context.Context, userID string, limit, offset int) (*ListOutput, error) {
	if limit <= 0 {
		limit = 50
	}

	items, err := s.repo.List(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	if items == nil {
		items = []entity.Notification{}
	}

	unread, err := s.repo.CountUnread(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("counting unread: %w", err)
	}

	return &ListOutput{Notifications: items, Unread: unread}, nil
}

// MarkAllRead marks every notification of the user read
func (s *Service) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	n, err := s.repo.MarkAllRead(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("marking all read: %w", err)
	}
	return n, nil
}

// PruneRead removes read notifications older than retention, in batches
func (s *Service) PruneRead(ctx context.Context, retention time.Duration, batchSize int) (int64, error) {
	n, err := s.repo.PruneRead(ctx, time.Now().Add(-retention), batchSize)
	if err != nil {
		return 0, fmt.Errorf("pruning read notifications: %w", err)
	}
	metrics.NotificationsPruned.Add(float64(n))
	return n, nil
}
