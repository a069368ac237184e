package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Stats field names.
const (
	StatsFieldAllowed  = "allowed"
	StatsFieldRejected = "rejected"

	statsBucketLayout = "200601021504"
)

// StatsRecorder receives admission decisions.
type StatsRecorder interface {
	RecordDecision(ctx context.Context, client string, allowed bool) error
}

// RedisStatsConfig configures the Redis decision sink.
type RedisStatsConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// RedisStatsRecorder counts admission decisions in Redis hashes: one
// cumulative total, one per-minute bucket and one per-client hash, the last
// two expiring after TTL. Limiter state itself never leaves the process.
type RedisStatsRecorder struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	clock  Clock
}

// RedisStatsOption is a functional option for the recorder.
type RedisStatsOption func(*RedisStatsRecorder)

// WithStatsClock sets the time source used for bucketing.
func WithStatsClock(clock Clock) RedisStatsOption {
	return func(r *RedisStatsRecorder) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewRedisStatsRecorder connects to Redis and verifies the connection.
func NewRedisStatsRecorder(
	ctx context.Context,
	cfg RedisStatsConfig,
	opts ...RedisStatsOption,
) (*RedisStatsRecorder, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err)
	}

	return NewRedisStatsRecorderWithClient(client, cfg.KeyPrefix, cfg.TTL, opts...), nil
}

// NewRedisStatsRecorderWithClient wraps an existing client.
func NewRedisStatsRecorderWithClient(
	client *redis.Client,
	prefix string,
	ttl time.Duration,
	opts ...RedisStatsOption,
) *RedisStatsRecorder {
	prefix = strings.Trim(prefix, ":")
	if prefix == "" {
		prefix = "ratelimit:stats"
	}

	r := &RedisStatsRecorder{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RecordDecision implements StatsRecorder.
func (r *RedisStatsRecorder) RecordDecision(ctx context.Context, client string, allowed bool) error {
	field := StatsFieldRejected
	if allowed {
		field = StatsFieldAllowed
	}

	pipe := r.client.Pipeline()
	pipe.HIncrBy(ctx, r.TotalKey(), field, 1)

	bucketKey := r.BucketKey(r.clock())
	pipe.HIncrBy(ctx, bucketKey, field, 1)
	if r.ttl > 0 {
		pipe.Expire(ctx, bucketKey, r.ttl)
	}

	if client = strings.TrimSpace(client); client != "" {
		clientKey := r.ClientKey(client)
		pipe.HIncrBy(ctx, clientKey, field, 1)
		if r.ttl > 0 {
			pipe.Expire(ctx, clientKey, r.ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record rate limit decision: %w", err)
	}
	return nil
}

// TotalKey returns the key of the cumulative counters.
func (r *RedisStatsRecorder) TotalKey() string {
	return r.prefix + ":total"
}

// BucketKey returns the key of the per-minute counters for t.
func (r *RedisStatsRecorder) BucketKey(t time.Time) string {
	return r.prefix + ":minute:" + t.UTC().Format(statsBucketLayout)
}

// ClientKey returns the key of the per-client counters.
func (r *RedisStatsRecorder) ClientKey(client string) string {
	return r.prefix + ":client:" + client
}

// Close closes the Redis client.
func (r *RedisStatsRecorder) Close() error {
	return r.client.Close()
}

// Compile-time interface assertion.
var _ StatsRecorder = (*RedisStatsRecorder)(nil)
