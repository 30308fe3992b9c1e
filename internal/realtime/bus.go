package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/oklog/ulid/v2"
)

var ErrBusClosed = errors.New("realtime bus closed")

// Envelope is what travels over the bus between API instances
type Envelope struct {
	ID      string          `json:"id"`
	Channel string          `json:"channel"`
	Kind    string          `json:"kind"` // FrameBroadcast or FrameChange
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Change  *Change         `json:"change,omitempty"`
	// Origin is the connection id of a client broadcast; empty for server publishes
	Origin string `json:"origin,omitempty"`
}

func newEnvelope(channel, kind string) Envelope {
	return Envelope{
		ID:      ulid.Make().String(),
		Channel: channel,
		Kind:    kind,
	}
}

// Bus fans envelopes out to every hub instance
type Bus interface {
	// Publish returns once the bus accepted the envelope
	Publish(ctx context.Context, env Envelope) error
	// Run delivers envelopes in publish order until ctx is done or the bus closes
	Run(ctx context.Context, deliver func(Envelope)) error
	Close() error
}

// LocalBus is an in-process bus for a single instance
type LocalBus struct {
	mu     sync.Mutex
	queue  []Envelope
	notify chan struct{}
	closed chan struct{}
	once   sync.Once
}

// NewLocalBus creates an in-process bus
func NewLocalBus() *LocalBus {
	return &LocalBus{
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Publish enqueues the envelope
func (b *LocalBus) Publish(ctx context.Context, env Envelope) error {
	select {
	case <-b.closed:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.mu.Lock()
	b.queue = append(b.queue, env)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// Run drains the queue. Only one Run may be active.
func (b *LocalBus) Run(ctx context.Context, deliver func(Envelope)) error {
	for {
		b.mu.Lock()
		batch := b.queue
		b.queue = nil
		b.mu.Unlock()

		for _, env := range batch {
			deliver(env)
		}

		select {
		case <-b.notify:
		case <-b.closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops Run and rejects further publishes
func (b *LocalBus) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}
