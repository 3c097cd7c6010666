package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/medilink/pharmacy-locator/internal/locator"
)

// RedisConfig holds Redis connection and key settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Key stores the JSON snapshot of the pharmacy list
	Key string
	// Channel carries invalidation notices between replicas
	Channel string
	TTL     time.Duration
}

// DefaultRedisConfig returns defaults for local development
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:    "localhost:6379",
		Key:     "locator:pharmacies:v1",
		Channel: "locator:pharmacies:invalidate",
		TTL:     10 * time.Minute,
	}
}

// RedisStore is the shared cache tier backed by Redis
type RedisStore struct {
	client *redis.Client
	config RedisConfig
	logger *zap.Logger
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStore{client: client, config: cfg, logger: logger}, nil
}

// Load returns the stored snapshot, reporting false when none exists
func (s *RedisStore) Load(ctx context.Context) ([]locator.Record, bool, error) {
	data, err := s.client.Get(ctx, s.config.Key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var records []locator.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return records, true, nil
}

// Store writes a snapshot with the configured TTL
func (s *RedisStore) Store(ctx context.Context, records []locator.Record) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.config.Key, data, s.config.TTL).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Purge deletes the snapshot
func (s *RedisStore) Purge(ctx context.Context) error {
	if err := s.client.Del(ctx, s.config.Key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// PublishInvalidation purges the snapshot and tells every replica to drop its local list
func (s *RedisStore) PublishInvalidation(ctx context.Context, reason string) error {
	if err := s.Purge(ctx); err != nil {
		return err
	}
	if err := s.client.Publish(ctx, s.config.Channel, reason).Err(); err != nil {
		return fmt.Errorf("failed to publish invalidation: %w", err)
	}
	return nil
}

// SubscribeInvalidations calls onInvalidate for every notice until ctx is done
func (s *RedisStore) SubscribeInvalidations(ctx context.Context, onInvalidate func(reason string)) error {
	sub := s.client.Subscribe(ctx, s.config.Channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.config.Channel, err)
	}
	s.logger.Info("listening for cache invalidations", zap.String("channel", s.config.Channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			onInvalidate(msg.Payload)
		}
	}
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}
