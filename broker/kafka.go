package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"

	"github.com/V-prajit/Terminator/metrics"
)

const (
	kafkaClientID       = "terminator"
	kafkaMaxRetries     = 3
	kafkaInitialBackoff = 100 * time.Millisecond
	kafkaMaxBackoff     = 2 * time.Second
	kafkaReadyTimeout   = 10 * time.Second

	headerSessionID = "session_id"
	headerServerID  = "server_id"
)

// KafkaBroker implements MessageBroker on Kafka topics. Records are keyed by
// session so the requests of one session stay ordered within a partition.
// Every Subscribe joins the consumer group with its own member, so one broker
// can listen on several topics at once.
type KafkaBroker struct {
	brokers  []string
	groupID  string
	config   *sarama.Config
	producer sarama.SyncProducer
	logger   *slog.Logger

	mu     sync.Mutex
	groups []sarama.ConsumerGroup
	closed bool
}

// newKafkaConfig tunes sarama for small, latency-sensitive decision traffic.
func newKafkaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = kafkaClientID
	cfg.Version = sarama.V3_6_0_0

	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.Retry.Max = kafkaMaxRetries
	cfg.Producer.Return.Successes = true
	cfg.Producer.Flush.Frequency = 10 * time.Millisecond

	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategySticky()}
	cfg.Consumer.Group.Session.Timeout = 10 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	return cfg
}

// NewKafkaBroker connects a producer to brokers. Consumers are created per
// subscription in groupID.
func NewKafkaBroker(brokers []string, groupID string, logger *slog.Logger) (*KafkaBroker, error) {
	cfg := newKafkaConfig()
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return &KafkaBroker{
		brokers:  brokers,
		groupID:  groupID,
		config:   cfg,
		producer: producer,
		logger:   logger.With("broker", "kafka", "group_id", groupID),
	}, nil
}

func (b *KafkaBroker) Type() string { return "kafka" }

func (b *KafkaBroker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// toProducerMessage encodes message as a record on topic. The routing fields
// are duplicated into headers so they can be inspected without decoding.
func toProducerMessage(topic string, message Message) (*sarama.ProducerMessage, error) {
	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(message.SessionID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte(headerSessionID), Value: []byte(message.SessionID)},
			{Key: []byte(headerServerID), Value: []byte(message.ServerID)},
		},
		Timestamp: time.Now(),
	}, nil
}

// fromConsumerMessage decodes a record. Routing fields missing from the body
// are taken from the headers.
func fromConsumerMessage(record *sarama.ConsumerMessage) (Message, error) {
	var message Message
	if err := json.Unmarshal(record.Value, &message); err != nil {
		return Message{}, err
	}
	for _, h := range record.Headers {
		if h == nil {
			continue
		}
		switch string(h.Key) {
		case headerSessionID:
			if message.SessionID == "" {
				message.SessionID = string(h.Value)
			}
		case headerServerID:
			if message.ServerID == "" {
				message.ServerID = string(h.Value)
			}
		}
	}
	return message, nil
}

// Publish writes the record, retrying with exponential backoff on top of
// sarama's own retries.
func (b *KafkaBroker) Publish(ctx context.Context, channel string, message Message) error {
	if b.isClosed() {
		return ErrClosed
	}
	record, err := toProducerMessage(channel, message)
	if err != nil {
		return err
	}

	operation := func() error {
		_, _, err := b.producer.SendMessage(record)
		if errors.Is(err, sarama.ErrClosedClient) {
			return backoff.Permanent(ErrClosed)
		}
		return err
	}
	strategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(kafkaInitialBackoff),
				backoff.WithMaxInterval(kafkaMaxBackoff),
			),
			kafkaMaxRetries,
		),
		ctx,
	)
	return backoff.RetryNotify(operation, strategy, func(err error, d time.Duration) {
		metrics.BrokerPublishRetries.WithLabelValues(b.Type()).Inc()
		b.logger.Warn("retrying kafka publish", "topic", channel, "session_id", message.SessionID, "error", err, "next_attempt", d)
	})
}

// Subscribe joins the group on the topic and returns once partitions have
// been assigned, so nothing published afterwards is missed.
func (b *KafkaBroker) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	group, err := sarama.NewConsumerGroup(b.brokers, b.groupID, b.config)
	if err != nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("failed to join Kafka consumer group: %w", err)
	}
	b.groups = append(b.groups, group)
	b.mu.Unlock()

	logger := b.logger.With("topic", channel)
	go func() {
		for err := range group.Errors() {
			logger.Warn("kafka consumer error", "error", err)
		}
	}()

	out := make(chan Message, 64)
	handler := &topicHandler{out: out, ready: make(chan struct{}), logger: logger}
	go func() {
		defer close(out)
		for {
			// Consume returns on every rebalance and has to be called again.
			if err := group.Consume(ctx, []string{channel}, handler); err != nil {
				if !errors.Is(err, sarama.ErrClosedConsumerGroup) {
					logger.Error("kafka consume failed", "error", err)
				}
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	select {
	case <-handler.ready:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(kafkaReadyTimeout):
		return nil, fmt.Errorf("kafka topic %s: no partitions assigned after %s", channel, kafkaReadyTimeout)
	}
}

// Close shuts down the producer and every consumer group member.
func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	for _, g := range b.groups {
		if err := g.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close consumer group: %w", err))
		}
	}
	if err := b.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close producer: %w", err))
	}
	return errors.Join(errs...)
}

// topicHandler feeds one subscription. It implements
// sarama.ConsumerGroupHandler.
type topicHandler struct {
	out    chan<- Message
	ready  chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func (h *topicHandler) Setup(sarama.ConsumerGroupSession) error {
	h.once.Do(func() { close(h.ready) })
	return nil
}

func (h *topicHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *topicHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-sess.Context().Done():
			return nil
		case record, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			message, err := fromConsumerMessage(record)
			if err != nil {
				// Undecodable records are committed and dropped.
				h.logger.Warn("dropping undecodable record", "partition", record.Partition, "offset", record.Offset, "error", err)
				sess.MarkMessage(record, "")
				continue
			}
			select {
			case h.out <- message:
				sess.MarkMessage(record, "")
			case <-sess.Context().Done():
				return nil
			}
		}
	}
}
