package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-redis/redis/v8"
)

// RedisBroker implements MessageBroker using Redis pub/sub.
type RedisBroker struct {
	client *redis.Client
	logger *slog.Logger
	mu     sync.RWMutex
	closed bool
	subs   []*redis.PubSub
}

// NewRedisBroker creates a broker on an existing client. The client is owned
// by the caller.
func NewRedisBroker(client *redis.Client, logger *slog.Logger) *RedisBroker {
	return &RedisBroker{client: client, logger: logger}
}

func (b *RedisBroker) Type() string { return "redis" }

// Publish sends a message to the channel.
func (b *RedisBroker) Publish(ctx context.Context, channel string, message Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	if err := b.client.Publish(ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("redis publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe listens on the channel until ctx is done.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	pubsub := b.client.Subscribe(ctx, channel)
	b.subs = append(b.subs, pubsub)
	b.mu.Unlock()

	// Wait for the subscription to be confirmed so no publish is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe to %s: %w", channel, err)
	}

	messages := make(chan Message, 100)
	go func() {
		defer close(messages)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var message Message
				if err := json.Unmarshal([]byte(msg.Payload), &message); err != nil {
					b.logger.Warn("message decode error", "channel", channel, "error", err)
					continue
				}
				select {
				case messages <- message:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return messages, nil
}

// Close ends all subscriptions. The Redis client stays open.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.Close()
	}
	b.subs = nil
	return nil
}
