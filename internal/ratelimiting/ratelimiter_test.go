package ratelimiting_test

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/Amund211/datasource/internal/ratelimiting"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketRateLimiter(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping test in short mode")
	}
	t.Parallel()

	rateLimiter, stop := ratelimiting.NewTokenBucketRateLimiter(1, 2)
	defer stop()

	// Wait refuses up front when the token would arrive after the deadline
	available := func(key string) bool {
		ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
		defer cancel()
		return rateLimiter.Wait(ctx, key) == nil
	}

	assert.True(t, available("search"))

	// Burst of 2
	assert.True(t, available("main"))
	assert.True(t, available("main"))
	assert.False(t, available("main"))

	time.Sleep(1000 * time.Millisecond)
	runtime.Gosched()

	// Refill rate of 1
	assert.True(t, available("main"))
	assert.False(t, available("main"))

	// Burst of 2 - even after refill
	assert.True(t, available("admin"))
	assert.True(t, available("admin"))
	assert.False(t, available("admin"))

	assert.True(t, available("search"))
	assert.True(t, available("search"))
	assert.False(t, available("search"))
}

func TestTokenBucketRateLimiterWait(t *testing.T) {
	t.Parallel()

	rateLimiter, stop := ratelimiting.NewTokenBucketRateLimiter(20, 1)
	defer stop()

	start := time.Now()
	require.NoError(t, rateLimiter.Wait(t.Context(), "main"))
	require.NoError(t, rateLimiter.Wait(t.Context(), "main"))
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	t.Run("gives up when the context is done", func(t *testing.T) {
		t.Parallel()

		rateLimiter, stop := ratelimiting.NewTokenBucketRateLimiter(0.1, 1)
		defer stop()

		require.NoError(t, rateLimiter.Wait(t.Context(), "main"))

		ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
		defer cancel()
		require.Error(t, rateLimiter.Wait(ctx, "main"))

		// Other keys have their own bucket
		require.NoError(t, rateLimiter.Wait(t.Context(), "search"))
	})
}

func TestUnlimited(t *testing.T) {
	t.Parallel()

	var rateLimiter ratelimiting.RateLimiter = ratelimiting.Unlimited{}
	for range 100 {
		require.NoError(t, rateLimiter.Wait(t.Context(), "main"))
	}
}
