package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "realtime:"

// RedisBus fans envelopes out across instances with Redis Pub/Sub
type RedisBus struct {
	client *redis.Client
	logger *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once
}

// NewRedisBus connects to Redis
func NewRedisBus(ctx context.Context, redisURL string, logger *slog.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return NewRedisBusFromClient(client, logger), nil
}

// NewRedisBusFromClient wraps an existing client
func NewRedisBusFromClient(client *redis.Client, logger *slog.Logger) *RedisBus {
	return &RedisBus{
		client: client,
		logger: logger,
		ready:  make(chan struct{}),
	}
}

// Ready is closed once Run holds an active subscription
func (b *RedisBus) Ready() <-chan struct{} {
	return b.ready
}

// Publish sends the envelope to every subscribed instance
func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	if err := b.client.Publish(ctx, redisChannelPrefix+env.Channel, data).Err(); err != nil {
		return fmt.Errorf("publishing envelope: %w", err)
	}
	return nil
}

// Run subscribes to every realtime channel and delivers envelopes in order
func (b *RedisBus) Run(ctx context.Context, deliver func(Envelope)) error {
	pubsub := b.client.PSubscribe(ctx, redisChannelPrefix+"*")
	defer pubsub.Close()

	// Wait for the subscription confirmation before reporting ready
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}
	b.readyOnce.Do(func() { close(b.ready) })

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("dropping malformed envelope", "channel", msg.Channel, "error", err)
				continue
			}
			if env.Channel == "" {
				env.Channel = strings.TrimPrefix(msg.Channel, redisChannelPrefix)
			}
			deliver(env)
		}
	}
}

// Ping checks the Redis connection
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (b *RedisBus) Close() error {
	return b.client.Close()
}
