package policy

import (
	"context"

	"github.com/vadim/atom/internal/domain/notification/service"
	"github.com/vadim/atom/internal/session"
)

// NotificationService defines the interface for the notification service
type NotificationService interface {
	List(ctx context.Context, userID string, limit, offset int) (*service.ListOutput, error)
	MarkAllRead(ctx context.Context, userID string) (int64, error)
}

// Policy scopes notification reads and writes to the session user
type Policy struct {
	svc NotificationService
}

// New creates a new notification policy
func New(svc NotificationService) *Policy {
	return &Policy{svc: svc}
}

// List returns the session user's notifications
func (p *Policy) List(ctx context.Context, limit, offset int) (*service.ListOutput, error) {
	userID, err := session.UserID(ctx)
	if err != nil {
		return nil, err
	}
	return p.svc.List(ctx, userID, limit, offset)
}

// MarkAllRead marks all of the session user's notifications read
func (p *Policy) MarkAllRead(ctx context.Context) (int64, error) {
	userID, err := session.UserID(ctx)
	if err != nil {
		return 0, err
	}
	return p.svc.MarkAllRead(ctx, userID)
}
