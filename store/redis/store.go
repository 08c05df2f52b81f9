// Package redis is a Redis backend for the rate-limit store. Counters
// live in keys that expire with the window, so INCR after expiry starts
// a fresh window without any sweeper.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/sessionmint/sessionkernelxyz/ratelimit"
)

var _ ratelimit.Store = (*Store)(nil)

const keyPrefix = "kernel:ratelimit:"

// Store implements fixed-window counters on Redis. The caller owns the
// client lifecycle.
type Store struct {
	client *goredis.Client
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a Redis rate-limit store.
func New(client *goredis.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Hit increments the counter for key and returns the count inside the
// current window. The expiry is set only on the first hit of a window,
// so the window boundary is fixed at that hit.
func (s *Store) Hit(ctx context.Context, key string, window time.Duration, now time.Time) (int, error) {
	redisKey := keyPrefix + key

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.ExpireNX(ctx, redisKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("sessionkernel/redis: hit counter: %w", err)
	}

	return int(incr.Val()), nil
}
