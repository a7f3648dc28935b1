package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStats is a point-in-time snapshot of the durable tier.
type RedisStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Errors int64 `json:"errors"`
	Up     bool  `json:"up"`
}

// Redis is the durable out-of-process cache tier. Every operation carries its
// own timeout; failures are logged and reported as misses so the request path
// never depends on Redis availability.
type Redis struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
	logger  *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
	errs   atomic.Int64
}

// RedisOptions configures the durable tier connection.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	Timeout   time.Duration
	KeyPrefix string
}

// NewRedis creates the durable tier and verifies connectivity. A failed ping is
// returned as an error so the caller can decide to run fast-tier-only.
func NewRedis(opts RedisOptions, logger *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.Timeout,
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
	})

	r := &Redis{
		client:  client,
		prefix:  opts.KeyPrefix,
		timeout: opts.Timeout,
		logger:  logger.With("component", "redis_cache"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	r.logger.Info("durable cache tier connected", "addr", opts.Addr)
	return r, nil
}

func (r *Redis) key(k string) string {
	if r.prefix == "" {
		return k
	}
	return r.prefix + ":" + k
}

// Get returns the stored frame for key. Any Redis error reads as a miss.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.errs.Add(1)
			r.logger.Warn("durable tier get failed", "error", err)
		}
		r.misses.Add(1)
		return nil, false
	}
	r.hits.Add(1)
	return val, true
}

// TTL returns the remaining lifetime of key, or 0 if unknown.
func (r *Redis) TTL(ctx context.Context, key string) time.Duration {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ttl, err := r.client.TTL(ctx, r.key(key)).Result()
	if err != nil || ttl < 0 {
		return 0
	}
	return ttl
}

// Set stores a frame under key with the given TTL. Errors are logged and returned.
func (r *Redis) Set(ctx context.Context, key string, frame []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.client.Set(ctx, r.key(key), frame, ttl).Err(); err != nil {
		r.errs.Add(1)
		r.logger.Warn("durable tier set failed", "error", err)
		return err
	}
	return nil
}

// Delete removes an exact key. Returns the number of keys removed.
func (r *Redis) Delete(ctx context.Context, key string) int {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	n, err := r.client.Del(ctx, r.key(key)).Result()
	if err != nil {
		r.errs.Add(1)
		r.logger.Warn("durable tier delete failed", "error", err)
		return 0
	}
	return int(n)
}

// InvalidatePattern removes all keys matching a glob pattern via SCAN+DEL and
// returns the count removed.
func (r *Redis) InvalidatePattern(ctx context.Context, pattern string) int {
	ctx, cancel := context.WithTimeout(ctx, 10*r.timeout)
	defer cancel()

	var removed int
	iter := r.client.Scan(ctx, 0, r.key(pattern), 200).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err == nil {
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		r.errs.Add(1)
		r.logger.Warn("durable tier scan failed", "pattern", pattern, "error", err)
	}
	return removed
}

// Ping reports tier health.
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

// Stats returns a snapshot of tier counters.
func (r *Redis) Stats(ctx context.Context) RedisStats {
	return RedisStats{
		Hits:   r.hits.Load(),
		Misses: r.misses.Load(),
		Errors: r.errs.Load(),
		Up:     r.Ping(ctx) == nil,
	}
}

// Close releases the client connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
