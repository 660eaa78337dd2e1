package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRateLimiter(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewMemoryRateLimiter()
	limiter.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		allowed, err := limiter.Allow(ctx, "a", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed)
	}
	allowed, _ := limiter.Allow(ctx, "a", 2, time.Minute)
	assert.False(t, allowed)

	allowed, _ = limiter.Allow(ctx, "b", 2, time.Minute)
	assert.True(t, allowed)

	now = now.Add(61 * time.Second)
	allowed, _ = limiter.Allow(ctx, "a", 2, time.Minute)
	assert.True(t, allowed)
}

func TestMemoryRateLimiterConcurrent(t *testing.T) {
	ctx := context.Background()
	limiter := NewMemoryRateLimiter()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _ := limiter.Allow(ctx, "shared", 10, time.Minute)
			if ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, allowed)
}
