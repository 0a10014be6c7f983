// Package redis implements the processed-set on Redis keys with a TTL.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/idempotency"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultPrefix = "macguffin:processed:"

	valueInProgress = "in_progress"
	valueDone       = "done"
)

// Client is the part of *redis.Client the set uses.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

var _ Client = (*redis.Client)(nil)

func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// ProcessedSet keeps one key per claim. The value is the phase; the key TTL is the lease while in
// progress and the retention once done.
type ProcessedSet struct {
	client    Client
	prefix    string
	lease     time.Duration
	retention time.Duration
}

var _ idempotency.Set = (*ProcessedSet)(nil)

func NewProcessedSet(client Client, prefix string, lease, retention time.Duration) *ProcessedSet {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &ProcessedSet{client: client, prefix: prefix, lease: lease, retention: retention}
}

func (s *ProcessedSet) Claim(ctx context.Context, key string) (idempotency.Status, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, valueInProgress, s.lease).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", idempotency.ErrUnavailable, err)
	}
	if ok {
		return idempotency.Acquired, nil
	}
	v, err := s.client.Get(ctx, s.prefix+key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// Expired between the two calls; the next delivery will acquire it.
		return idempotency.InProgress, nil
	case err != nil:
		return 0, fmt.Errorf("%w: %w", idempotency.ErrUnavailable, err)
	case v == valueDone:
		return idempotency.Done, nil
	default:
		return idempotency.InProgress, nil
	}
}

func (s *ProcessedSet) Complete(ctx context.Context, key string) error {
	if err := s.client.Set(ctx, s.prefix+key, valueDone, s.retention).Err(); err != nil {
		return fmt.Errorf("%w: %w", idempotency.ErrUnavailable, err)
	}
	return nil
}

func (s *ProcessedSet) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("%w: %w", idempotency.ErrUnavailable, err)
	}
	return nil
}
