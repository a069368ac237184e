package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStatsRecorder(t *testing.T, ttl time.Duration) (*RedisStatsRecorder, *miniredis.Miniredis, *fakeClock) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clock := newFakeClock()

	r := NewRedisStatsRecorderWithClient(client, "test:stats:", ttl, WithStatsClock(clock.Now))
	t.Cleanup(func() { _ = r.Close() })
	return r, mr, clock
}

func TestRedisStatsRecorder_RecordDecision(t *testing.T) {
	t.Parallel()

	r, mr, clock := newTestStatsRecorder(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, r.RecordDecision(ctx, "10.0.0.1", true))
	require.NoError(t, r.RecordDecision(ctx, "10.0.0.1", true))
	require.NoError(t, r.RecordDecision(ctx, "10.0.0.1", false))
	require.NoError(t, r.RecordDecision(ctx, "10.0.0.2", false))

	assert.Equal(t, "test:stats:total", r.TotalKey())
	assert.Equal(t, "2", mr.HGet(r.TotalKey(), StatsFieldAllowed))
	assert.Equal(t, "2", mr.HGet(r.TotalKey(), StatsFieldRejected))

	bucket := r.BucketKey(clock.Now())
	assert.Equal(t, "test:stats:minute:202401011200", bucket)
	assert.Equal(t, "2", mr.HGet(bucket, StatsFieldAllowed))
	assert.Equal(t, time.Hour, mr.TTL(bucket))

	client := r.ClientKey("10.0.0.1")
	assert.Equal(t, "2", mr.HGet(client, StatsFieldAllowed))
	assert.Equal(t, "1", mr.HGet(client, StatsFieldRejected))
	assert.Equal(t, time.Hour, mr.TTL(client))

	assert.Zero(t, mr.TTL(r.TotalKey()), "totals never expire")
}

func TestRedisStatsRecorder_MinuteBuckets(t *testing.T) {
	t.Parallel()

	r, mr, clock := newTestStatsRecorder(t, 0)
	ctx := context.Background()

	first := r.BucketKey(clock.Now())
	require.NoError(t, r.RecordDecision(ctx, "", true))
	clock.Advance(time.Minute)
	second := r.BucketKey(clock.Now())
	require.NoError(t, r.RecordDecision(ctx, "", true))

	assert.NotEqual(t, first, second)
	assert.Equal(t, "1", mr.HGet(first, StatsFieldAllowed))
	assert.Equal(t, "1", mr.HGet(second, StatsFieldAllowed))
	assert.Zero(t, mr.TTL(first), "no TTL configured")
	assert.False(t, mr.Exists(r.ClientKey("")), "empty client is not tracked")
}

func TestRedisStatsRecorder_ServerDown(t *testing.T) {
	t.Parallel()

	r, mr, _ := newTestStatsRecorder(t, time.Hour)
	mr.Close()

	err := r.RecordDecision(context.Background(), "10.0.0.1", true)
	assert.Error(t, err)
}

func TestNewRedisStatsRecorder(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)

	r, err := NewRedisStatsRecorder(context.Background(), RedisStatsConfig{
		Address:   mr.Addr(),
		KeyPrefix: "",
		TTL:       time.Minute,
	})
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, "ratelimit:stats:total", r.TotalKey())
	require.NoError(t, r.RecordDecision(context.Background(), "c", false))
	assert.Equal(t, "1", mr.HGet(r.TotalKey(), StatsFieldRejected))
}

func TestNewRedisStatsRecorder_Unreachable(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewRedisStatsRecorder(ctx, RedisStatsConfig{Address: addr})
	assert.Error(t, err)
}
