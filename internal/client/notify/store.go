package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vadim/atom/internal/client/api"
	"github.com/vadim/atom/internal/client/toast"
	"github.com/vadim/atom/internal/domain/notification/entity"
	"github.com/vadim/atom/internal/realtime"
	"github.com/vadim/atom/internal/realtime/client"
)

var ErrAlreadyStarted = errors.New("notification store already started")

// Transport hands out channel handles, usually a *client.Client
type Transport interface {
	Channel(name string, cfg realtime.ChannelConfig) *client.Channel
}

// Backend is the REST surface the store reads from and writes to
type Backend interface {
	Notifications(ctx context.Context) (*api.NotificationList, error)
	MarkAllRead(ctx context.Context) error
}

// Store mirrors the signed-in user's notifications and unread count
type Store struct {
	transport Transport
	backend   Backend
	userID    string
	toaster   toast.Toaster
	logger    *slog.Logger

	mu       sync.Mutex
	items    []entity.Notification
	unread   int64
	started  bool
	live     bool
	lost     bool
	channel  *client.Channel
	onUpdate func()
}

// New creates a store for userID. An empty userID means no session.
func New(transport Transport, backend Backend, userID string, toaster toast.Toaster, logger *slog.Logger) *Store {
	if toaster == nil {
		toaster = toast.Discard{}
	}
	return &Store{
		transport: transport,
		backend:   backend,
		userID:    userID,
		toaster:   toaster,
		logger:    logger.With("user_id", userID),
	}
}

// OnUpdate sets fn to run after every local change. It runs on the caller
// of the change, so it must not block.
func (s *Store) OnUpdate(fn func()) {
	s.mu.Lock()
	s.onUpdate = fn
	s.mu.Unlock()
}

// Start loads the current notifications and follows new ones. Without a
// session it does nothing.
func (s *Store) Start(ctx context.Context) error {
	if s.userID == "" {
		return nil
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	list, err := s.backend.Notifications(ctx)
	if err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return fmt.Errorf("fetching notifications: %w", err)
	}

	s.mu.Lock()
	s.items = list.Notifications
	s.unread = list.UnreadCount
	s.mu.Unlock()
	s.notify()

	ch := s.transport.Channel(realtime.NotificationsChannel(s.userID), realtime.ChannelConfig{}).
		OnChange(realtime.ChangeFilter{
			Event:  "INSERT",
			Schema: entity.Schema,
			Table:  entity.Table,
			Filter: "recipient_id=eq." + s.userID,
		}, s.onInsert)

	if err := ch.Subscribe(s.onStatus); err != nil {
		ch.Unsubscribe()
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return fmt.Errorf("subscribing to %s: %w", ch.Name(), err)
	}

	s.mu.Lock()
	s.channel = ch
	s.mu.Unlock()

	return nil
}

// Items returns the notifications newest first. It must not be modified.
func (s *Store) Items() []entity.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items
}

// Unread returns the unread counter
func (s *Store) Unread() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// MarkAllRead clears the unread state locally, then tells the server. A
// server failure is reported but the local state stays read.
func (s *Store) MarkAllRead(ctx context.Context) error {
	s.mu.Lock()
	next := make([]entity.Notification, len(s.items))
	copy(next, s.items)
	for i := range next {
		next[i].Read = true
	}
	s.items = next
	s.unread = 0
	s.mu.Unlock()
	s.notify()

	if err := s.backend.MarkAllRead(ctx); err != nil {
		s.logger.Warn("mark all read failed", "error", err)
		s.toaster.Error("Could not mark notifications as read", err)
		return fmt.Errorf("marking notifications read: %w", err)
	}
	return nil
}

// Close stops following new notifications
func (s *Store) Close() error {
	s.mu.Lock()
	ch := s.channel
	s.channel = nil
	s.mu.Unlock()

	if ch == nil {
		return nil
	}
	return ch.Unsubscribe()
}

func (s *Store) onInsert(change realtime.Change) {
	var n entity.Notification
	if err := json.Unmarshal(change.Record, &n); err != nil {
		s.logger.Warn("dropping malformed notification", "error", err)
		return
	}

	s.mu.Lock()
	next := make([]entity.Notification, 0, len(s.items)+1)
	next = append(next, n)
	s.items = append(next, s.items...)
	s.unread++
	s.mu.Unlock()
	s.notify()
}

func (s *Store) onStatus(status realtime.Status, err error) {
	s.mu.Lock()
	reconnected := false
	switch status {
	case realtime.StatusSubscribed:
		reconnected = s.lost
		s.live = true
		s.lost = false
	case realtime.StatusChannelError, realtime.StatusTimedOut, realtime.StatusConnecting:
		if s.live {
			s.lost = true
		}
		s.live = false
	}
	s.mu.Unlock()

	switch status {
	case realtime.StatusSubscribed:
		if reconnected {
			s.toaster.Info("Reconnected to notifications")
		}
	case realtime.StatusChannelError:
		s.logger.Warn("notification channel error", "error", err)
		s.toaster.Error("Notifications connection error", err)
	case realtime.StatusTimedOut:
		s.logger.Warn("notification channel timed out", "error", err)
	}
}

func (s *Store) notify() {
	s.mu.Lock()
	fn := s.onUpdate
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}
