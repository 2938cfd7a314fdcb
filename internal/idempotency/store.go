// Package idempotency guards at-least-once deliveries with an external
// set-if-absent key store.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrUnavailable = errors.New("idempotency_store_unavailable")

type Store interface {
	// SetIfAbsent atomically claims key for ttl. Returns false when the key
	// already exists.
	SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Delete releases key so a later delivery is processed again.
	Delete(ctx context.Context, key string) error
}

type redisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) Store {
	return &redisStore{client: client}
}

func (s *redisStore) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if s.client == nil {
		return false, ErrUnavailable
	}
	ok, err := s.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		// Callers degrade to their durable dedupe when the store is down;
		// wrap so they can detect that with errors.Is.
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return ok, nil
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	if s.client == nil {
		return ErrUnavailable
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
