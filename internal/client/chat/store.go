package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vadim/atom/internal/client/toast"
	"github.com/vadim/atom/internal/domain/chat/entity"
	"github.com/vadim/atom/internal/realtime"
	"github.com/vadim/atom/internal/realtime/client"
)

var ErrStoreClosed = errors.New("chat store closed")

// Transport hands out channel handles, usually a *client.Client
type Transport interface {
	Channel(name string, cfg realtime.ChannelConfig) *client.Channel
}

// State is the lifecycle state of a Store
type State int

const (
	StateUninitialized State = iota
	StateSubscribing
	StateLive
	StateError
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateSubscribing:
		return "subscribing"
	case StateLive:
		return "live"
	case StateError:
		return "error"
	case StateTornDown:
		return "torn_down"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Store keeps the live message list of one conversation
type Store struct {
	conversationID string
	toaster        toast.Toaster
	logger         *slog.Logger

	mu       sync.Mutex
	state    State
	messages []entity.Message
	watchers map[int]chan []entity.Message
	nextID   int
	everLive bool
	channel  *client.Channel

	closeOnce sync.Once
}

// Option configures a Store
type Option func(*Store)

// WithToaster reports subscription status to t
func WithToaster(t toast.Toaster) Option {
	return func(s *Store) {
		s.toaster = t
	}
}

// WithLogger sets the store logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open seeds a store with the initial page and subscribes it to the
// conversation channel
func Open(ctx context.Context, transport Transport, conversationID string, initial []entity.Message, opts ...Option) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := &Store{
		conversationID: conversationID,
		toaster:        toast.Discard{},
		logger:         slog.Default(),
		messages:       append([]entity.Message(nil), initial...),
		watchers:       make(map[int]chan []entity.Message),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("conversation_id", conversationID)

	ch := transport.Channel(realtime.ChatChannel(conversationID), realtime.ChannelConfig{Self: true, Ack: true}).
		OnBroadcast(entity.EventNewMessage, s.onNewMessage).
		OnBroadcast(entity.EventEditMessage, s.onEditMessage).
		OnBroadcast(entity.EventDeleteMessage, s.onDeleteMessage)

	s.mu.Lock()
	s.channel = ch
	s.state = StateSubscribing
	s.mu.Unlock()

	if err := ch.Subscribe(s.onStatus); err != nil {
		s.mu.Lock()
		s.state = StateError
		s.mu.Unlock()
		return nil, fmt.Errorf("subscribing to %s: %w", ch.Name(), err)
	}

	return s, nil
}

// ConversationID returns the id of the followed conversation
func (s *Store) ConversationID() string {
	return s.conversationID
}

// State returns the current lifecycle state
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns the current snapshot. It must not be modified.
func (s *Store) Messages() []entity.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages
}

// Watch returns a channel receiving each new snapshot. Slow readers only
// see the latest one. cancel stops the feed and closes the channel.
func (s *Store) Watch() (<-chan []entity.Message, func()) {
	ch := make(chan []entity.Message, 1)

	s.mu.Lock()
	if s.state == StateTornDown {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	ch <- s.messages
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			if w, ok := s.watchers[id]; ok {
				delete(s.watchers, id)
				close(w)
			}
			s.mu.Unlock()
		})
	}
}

// ReplyRef describes the message a reply points at
type ReplyRef struct {
	ID         string
	SenderName string
	Content    string
	Resolved   bool
}

// ResolveReply looks up the target of msg.ReplyTo in the current snapshot.
// An unknown target yields Resolved false.
func (s *Store) ResolveReply(msg entity.Message, participants []entity.Participant) ReplyRef {
	if msg.ReplyTo == nil {
		return ReplyRef{}
	}
	ref := ReplyRef{ID: *msg.ReplyTo}

	s.mu.Lock()
	snapshot := s.messages
	s.mu.Unlock()

	for _, m := range snapshot {
		if m.ID != ref.ID {
			continue
		}
		ref.Content = m.Content
		for _, p := range participants {
			if p.ID == m.SenderID {
				ref.SenderName = p.DisplayNameOr()
				ref.Resolved = true
				break
			}
		}
		return ref
	}
	return ref
}

// Close unsubscribes from the conversation channel. Only the first call
// has an effect.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateTornDown
		ch := s.channel
		for id, w := range s.watchers {
			close(w)
			delete(s.watchers, id)
		}
		s.mu.Unlock()

		if ch != nil {
			err = ch.Unsubscribe()
		}
	})
	return err
}

func (s *Store) onNewMessage(payload json.RawMessage) {
	var msg entity.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.logger.Warn("dropping malformed message", "error", err)
		return
	}

	s.update(func(cur []entity.Message) []entity.Message {
		next := make([]entity.Message, len(cur), len(cur)+1)
		copy(next, cur)
		return append(next, msg)
	})
}

func (s *Store) onEditMessage(payload json.RawMessage) {
	var edit entity.EditPayload
	if err := json.Unmarshal(payload, &edit); err != nil {
		s.logger.Warn("dropping malformed edit", "error", err)
		return
	}

	s.update(func(cur []entity.Message) []entity.Message {
		for i := range cur {
			if cur[i].ID != edit.MessageID {
				continue
			}
			if cur[i].Content == edit.NewText {
				return nil
			}
			next := make([]entity.Message, len(cur))
			copy(next, cur)
			next[i].Content = edit.NewText
			return next
		}
		return nil
	})
}

func (s *Store) onDeleteMessage(payload json.RawMessage) {
	var del entity.DeletePayload
	if err := json.Unmarshal(payload, &del); err != nil {
		s.logger.Warn("dropping malformed delete", "error", err)
		return
	}

	s.update(func(cur []entity.Message) []entity.Message {
		for i := range cur {
			if cur[i].ID != del.MessageID {
				continue
			}
			next := make([]entity.Message, 0, len(cur)-1)
			next = append(next, cur[:i]...)
			return append(next, cur[i+1:]...)
		}
		return nil
	})
}

// update swaps in the snapshot built by fn; a nil result leaves the
// snapshot untouched
func (s *Store) update(fn func(cur []entity.Message) []entity.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateTornDown {
		return
	}
	next := fn(s.messages)
	if next == nil {
		return
	}
	s.messages = next

	for _, w := range s.watchers {
		select {
		case <-w:
		default:
		}
		w <- next
	}
}

func (s *Store) onStatus(status realtime.Status, err error) {
	s.mu.Lock()
	if s.state == StateTornDown {
		s.mu.Unlock()
		return
	}
	prev := s.state
	first := false

	switch status {
	case realtime.StatusSubscribed:
		s.state = StateLive
		first = !s.everLive
		s.everLive = true
	case realtime.StatusChannelError, realtime.StatusTimedOut:
		s.state = StateError
	case realtime.StatusConnecting:
		if s.state == StateLive {
			s.state = StateSubscribing
		}
	}
	s.mu.Unlock()

	switch status {
	case realtime.StatusSubscribed:
		if first {
			s.toaster.Info("Connected to chat")
		} else if prev != StateLive {
			s.toaster.Info("Reconnected to chat")
		}
	case realtime.StatusChannelError:
		s.logger.Warn("chat channel error", "error", err)
		s.toaster.Error("Chat connection error", err)
	case realtime.StatusTimedOut:
		s.logger.Warn("chat channel timed out", "error", err)
	}
}
