package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"

	"github.com/V-prajit/Terminator/metrics"
)

const natsMaxRetries = 3

// NATSBroker implements MessageBroker on core NATS subjects. With a queue
// group, subscribers sharing the group split the messages between them, which
// is how decision workers scale out.
type NATSBroker struct {
	conn       *nats.Conn
	queueGroup string
	logger     *slog.Logger
	mu         sync.RWMutex
	closed     bool
}

// NewNATSBroker connects to url. queueGroup may be empty.
func NewNATSBroker(url, queueGroup string, logger *slog.Logger) (*NATSBroker, error) {
	conn, err := nats.Connect(
		url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSBroker{conn: conn, queueGroup: queueGroup, logger: logger}, nil
}

func (b *NATSBroker) Type() string { return "nats" }

// Publish sends a message to the subject, retrying while the connection is
// reconnecting.
func (b *NATSBroker) Publish(ctx context.Context, channel string, message Message) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	b.mu.RUnlock()

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	operation := func() error {
		return b.conn.Publish(channel, data)
	}
	strategy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), natsMaxRetries),
		ctx,
	)
	return backoff.RetryNotify(operation, strategy, func(err error, d time.Duration) {
		metrics.BrokerPublishRetries.WithLabelValues(b.Type()).Inc()
		b.logger.Warn("retrying nats publish", "subject", channel, "error", err, "next_attempt", d)
	})
}

// Subscribe listens on the subject until ctx is done.
func (b *NATSBroker) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrClosed
	}
	b.mu.RUnlock()

	raw := make(chan *nats.Msg, 100)
	var sub *nats.Subscription
	var err error
	if b.queueGroup != "" {
		sub, err = b.conn.ChanQueueSubscribe(channel, b.queueGroup, raw)
	} else {
		sub, err = b.conn.ChanSubscribe(channel, raw)
	}
	if err != nil {
		return nil, fmt.Errorf("nats subscribe to %s: %w", channel, err)
	}

	messages := make(chan Message, 100)
	go func() {
		defer close(messages)
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-raw:
				var message Message
				if err := json.Unmarshal(msg.Data, &message); err != nil {
					b.logger.Warn("message decode error", "subject", channel, "error", err)
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

// Close drains subscriptions and closes the connection.
func (b *NATSBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}
