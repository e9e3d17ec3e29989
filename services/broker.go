package services

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/V-prajit/Terminator/broker"
	"github.com/V-prajit/Terminator/config"
)

// NewBroker builds the broker selected by cfg.Type. It returns nil for
// "none". group is the Kafka consumer group or NATS queue group; relays pass
// one per instance so each sees every response, workers share one so each
// request is answered once.
func NewBroker(cfg config.BrokerConfig, redisClient *redis.Client, group string, logger *slog.Logger) (broker.MessageBroker, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "none":
		return nil, nil
	case "redis":
		if redisClient == nil {
			return nil, errors.New("redis broker needs a redis client")
		}
		return broker.NewRedisBroker(redisClient, logger), nil
	case "kafka":
		if group == "" {
			group = cfg.Kafka.GroupID
		}
		return broker.NewKafkaBroker(cfg.Kafka.Brokers, group, logger)
	case "nats":
		return broker.NewNATSBroker(cfg.NATS.URL, group, logger)
	default:
		return nil, fmt.Errorf("invalid broker type: %s", cfg.Type)
	}
}

// NeedsRedis reports whether any configured component talks to Redis.
func NeedsRedis(cfg *config.AppConfig) bool {
	return strings.EqualFold(cfg.Broker.Type, "redis") ||
		strings.EqualFold(cfg.Presence.Type, "redis") ||
		(cfg.Auth.Enabled && cfg.Auth.RevocationListKey != "")
}
