package realtime

import (
	"context"
	"errors"
	"fmt"
)

var ErrChannelForbidden = errors.New("not allowed to join channel")

// ParticipantChecker reports conversation membership
type ParticipantChecker interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// ChannelAuthorizer admits conversation participants to Chat-{id} and a
// user to their own Notifications-{id}.
type ChannelAuthorizer struct {
	participants ParticipantChecker
}

// NewChannelAuthorizer creates the default authorizer
func NewChannelAuthorizer(participants ParticipantChecker) *ChannelAuthorizer {
	return &ChannelAuthorizer{participants: participants}
}

// Authorize implements Authorizer
func (a *ChannelAuthorizer) Authorize(ctx context.Context, userID, channel string) error {
	if userID == "" {
		return ErrChannelForbidden
	}

	kind, id, err := ParseChannel(channel)
	if err != nil {
		return err
	}

	switch kind {
	case KindNotifications:
		if id != userID {
			return ErrChannelForbidden
		}
		return nil

	case KindChat:
		ok, err := a.participants.IsParticipant(ctx, id, userID)
		if err != nil {
			return fmt.Errorf("checking participant: %w", err)
		}
		if !ok {
			return ErrChannelForbidden
		}
		return nil
	}

	return ErrInvalidChannel
}
