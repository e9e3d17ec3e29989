package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"

	"github.com/V-prajit/Terminator/config"
)

const (
	redisConnectAttempts = 5
	redisPingTimeout     = 5 * time.Second
)

// NewRedisClient builds a client from cfg and waits for the server to answer a
// PING, retrying with exponential backoff.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		DB:          cfg.DB,
		Password:    cfg.Password,
		PoolSize:    cfg.PoolSize,
		PoolTimeout: time.Duration(cfg.PoolTimeout) * time.Second,
	})

	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		return client.Ping(pingCtx).Err()
	}
	strategy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), redisConnectAttempts),
		ctx,
	)
	err := backoff.RetryNotify(ping, strategy, func(err error, d time.Duration) {
		logger.Warn("redis not ready, retrying", "address", cfg.Address, "error", err, "next_attempt", d)
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func CloseRedisClient(client *redis.Client) error {
	if client == nil {
		return nil
	}
	return client.Close()
}
