package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	clock := clockwork.NewFakeClock()
	bucket := NewTokenBucket(client, 2, 1, time.Minute).WithClock(clock)

	allowed, _, err := bucket.AllowEmployer(ctx, "emp-1")
	require.NoError(t, err)
	assert.True(t, allowed)
	allowed, _, _ = bucket.AllowEmployer(ctx, "emp-1")
	assert.True(t, allowed)
	allowed, _, _ = bucket.AllowEmployer(ctx, "emp-1")
	assert.False(t, allowed, "third token should be rejected")

	allowed, _, _ = bucket.AllowEmployer(ctx, "emp-2")
	assert.True(t, allowed, "buckets are per employer")

	clock.Advance(1500 * time.Millisecond)
	allowed, _, err = bucket.AllowEmployer(ctx, "emp-1")
	require.NoError(t, err)
	assert.True(t, allowed, "refilled after advancing the clock")
}
