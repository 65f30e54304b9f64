package security_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-chapters/proximity/internal/security"
	"github.com/aura-chapters/proximity/internal/testfixtures"
)

const goodToken = "K7QM2XWP9RTD"

func TestValidateToken(t *testing.T) {
	tests := []struct {
		name  string
		token string
		err   error
	}{
		{"generated shape", goodToken, nil},
		{"lowercase with spaces", "  k7qm2xwp9rtd ", nil},
		{"wrong length", "K7QM2XWP9RT", security.ErrMalformedToken},
		{"ambiguous symbol", "K7QM2XWP9RT0", security.ErrMalformedToken},
		{"single symbol", "AAAAAAAAAAAA", security.ErrLowEntropy},
		{"three symbols", "ABCABCABCABC", security.ErrLowEntropy},
		{"long run", "ABCDDDDDDEFG", security.ErrLowEntropy},
		{"run of five allowed", "ABCDDDDDEFGH", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := security.ValidateToken(tt.token)
			if tt.err == nil {
				assert.NoError(t, err)
				assert.True(t, security.Acceptable(tt.token))
				return
			}
			assert.ErrorIs(t, err, tt.err)
			assert.False(t, security.Acceptable(tt.token))
		})
	}
}

func TestCheckSuppressesRepeatWithinWindow(t *testing.T) {
	clock := testfixtures.NewClock(time.Time{})
	v := security.NewValidator(security.NewMemoryCache(16, clock.Now), 30*time.Second, nil)
	ctx := context.Background()
	member := uuid.New()

	normalized, err := v.Check(ctx, " k7qm2xwp9rtd", member)
	require.NoError(t, err)
	assert.Equal(t, goodToken, normalized)

	_, err = v.Check(ctx, goodToken, member)
	assert.ErrorIs(t, err, security.ErrDuplicateSubmission)

	// A different member is independent.
	_, err = v.Check(ctx, goodToken, uuid.New())
	assert.NoError(t, err)

	clock.Advance(30 * time.Second)
	_, err = v.Check(ctx, goodToken, member)
	assert.NoError(t, err, "window elapsed")
}

func TestReleaseAllowsImmediateRetry(t *testing.T) {
	v := security.NewValidator(security.NewMemoryCache(16, nil), time.Minute, nil)
	ctx := context.Background()
	member := uuid.New()

	_, err := v.Check(ctx, goodToken, member)
	require.NoError(t, err)
	v.Release(ctx, goodToken, member)
	_, err = v.Check(ctx, goodToken, member)
	assert.NoError(t, err)
}

func TestCheckRejectsMalformedBeforeReserving(t *testing.T) {
	cache := security.NewMemoryCache(16, nil)
	v := security.NewValidator(cache, time.Minute, nil)
	_, err := v.Check(context.Background(), "nope", uuid.New())
	assert.ErrorIs(t, err, security.ErrMalformedToken)
	assert.Equal(t, 0, cache.Len())
}

type brokenCache struct{}

func (brokenCache) Reserve(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}
func (brokenCache) Release(context.Context, string) error { return errors.New("connection refused") }

func TestCheckFailsOpenWhenCacheUnavailable(t *testing.T) {
	v := security.NewValidator(brokenCache{}, time.Minute, nil)
	normalized, err := v.Check(context.Background(), goodToken, uuid.New())
	assert.NoError(t, err)
	assert.Equal(t, goodToken, normalized)
}

func TestMemoryCacheEvictsWhenFull(t *testing.T) {
	clock := testfixtures.NewClock(time.Time{})
	cache := security.NewMemoryCache(2, clock.Now)
	ctx := context.Background()

	for _, key := range []string{"a", "b"} {
		ok, err := cache.Reserve(ctx, key, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		clock.Advance(time.Second)
	}
	ok, err := cache.Reserve(ctx, "c", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, cache.Len())

	// "a" had the earliest expiry so it was evicted.
	ok, _ = cache.Reserve(ctx, "a", time.Minute)
	assert.True(t, ok)
}

type fakeRedis struct {
	redis.Cmdable
	keys map[string]bool
	ttl  time.Duration
}

func (f *fakeRedis) SetNX(_ context.Context, key string, _ interface{}, ttl time.Duration) *redis.BoolCmd {
	f.ttl = ttl
	if f.keys[key] {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = true
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, k := range keys {
		if f.keys[k] {
			delete(f.keys, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestRedisCacheReserveAndRelease(t *testing.T) {
	fake := &fakeRedis{keys: map[string]bool{}}
	v := security.NewValidator(security.NewRedisCache(fake), 20*time.Second, nil)
	ctx := context.Background()
	member := uuid.New()

	_, err := v.Check(ctx, goodToken, member)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, fake.ttl)
	assert.True(t, fake.keys["attendance:dedupe:"+security.SuppressionKey(member, goodToken)])

	_, err = v.Check(ctx, goodToken, member)
	assert.ErrorIs(t, err, security.ErrDuplicateSubmission)

	v.Release(ctx, goodToken, member)
	assert.Empty(t, fake.keys)
}
