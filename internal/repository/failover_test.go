package repository

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockLimiter struct {
	mock.Mock
}

func (m *mockLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	args := m.Called(ctx, key, limit, window)
	return args.Bool(0), args.Error(1)
}

func TestFailoverRateLimiter(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.New(io.Discard)

	t.Run("PrimaryHealthy", func(t *testing.T) {
		primary, fallback := new(mockLimiter), new(mockLimiter)
		r := NewFailoverRateLimiter(primary, fallback, &logger)

		primary.On("Allow", ctx, "k", 5, time.Minute).Return(true, nil).Once()

		allowed, err := r.Allow(ctx, "k", 5, time.Minute)
		assert.NoError(t, err)
		assert.True(t, allowed)
		primary.AssertExpectations(t)
		fallback.AssertNotCalled(t, "Allow", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("FallbackAndRecovery", func(t *testing.T) {
		primary, fallback := new(mockLimiter), new(mockLimiter)
		r := NewFailoverRateLimiter(primary, fallback, &logger)
		now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		r.now = func() time.Time { return now }

		primary.On("Allow", ctx, "k", 5, time.Minute).Return(false, errors.New("connection refused")).Once()
		fallback.On("Allow", ctx, "k", 5, time.Minute).Return(true, nil).Twice()

		allowed, err := r.Allow(ctx, "k", 5, time.Minute)
		assert.NoError(t, err)
		assert.True(t, allowed)
		assert.True(t, r.isDown.Load())

		// Within the recovery interval primary is skipped.
		now = now.Add(30 * time.Second)
		allowed, err = r.Allow(ctx, "k", 5, time.Minute)
		assert.NoError(t, err)
		assert.True(t, allowed)

		now = now.Add(time.Minute)
		primary.On("Allow", ctx, "k", 5, time.Minute).Return(false, nil).Once()
		allowed, err = r.Allow(ctx, "k", 5, time.Minute)
		assert.NoError(t, err)
		assert.False(t, allowed)
		assert.False(t, r.isDown.Load())

		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})
}
