package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketsim/internal/config"

	"github.com/redis/go-redis/v9"
)

// NewClient opens a Redis client from configuration.
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// RedisSink stores the latest cycle payload under a key and publishes it on
// a channel in the same round trip.
type RedisSink struct {
	client  redis.UniversalClient
	key     string
	channel string
	ttl     time.Duration
}

func NewRedisSink(client redis.UniversalClient, key, channel string, ttl time.Duration) (*RedisSink, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if key == "" && channel == "" {
		return nil, errors.New("redis sink needs a key or a channel")
	}
	return &RedisSink{client: client, key: key, channel: channel, ttl: ttl}, nil
}

func (s *RedisSink) Publish(ctx context.Context, payload []byte) error {
	pipe := s.client.Pipeline()
	if s.key != "" {
		pipe.Set(ctx, s.key, payload, s.ttl)
	}
	if s.channel != "" {
		pipe.Publish(ctx, s.channel, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the client is owned by the caller and shared with the
// HTTP cache.
func (s *RedisSink) Close() error {
	return nil
}
