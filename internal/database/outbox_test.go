package database

import (
	"context"
	"testing"
	"time"

	"timebank/internal/domain"
	"timebank/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutbox(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	task := &models.OutboxTask{
		ID:        uuid.New().String(),
		EventType: "booking_requested",
		BookingID: "b1",
		Payload:   `{"booking_id":"b1"}`,
	}
	require.NoError(t, db.WithTx(ctx, func(tx domain.Tx) error {
		return tx.EnqueueOutbox(ctx, task)
	}))

	pending, err := db.GetPendingOutboxTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.OutboxPending, pending[0].Status)

	t.Run("RetryInFutureIsHidden", func(t *testing.T) {
		next := time.Now().Add(time.Hour)
		require.NoError(t, db.UpdateOutboxTask(ctx, task.ID, models.OutboxRetry, strPtr("boom"), &next))

		pending, err := db.GetPendingOutboxTasks(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, pending)

		got, err := db.GetOutboxTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.RetryCount)
		require.NotNil(t, got.LastError)
		assert.Equal(t, "boom", *got.LastError)
	})

	t.Run("Completed", func(t *testing.T) {
		require.NoError(t, db.UpdateOutboxTask(ctx, task.ID, models.OutboxCompleted, nil, nil))
		got, err := db.GetOutboxTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OutboxCompleted, got.Status)
		assert.NotNil(t, got.ProcessedAt)
	})

	t.Run("RolledBackTaskIsNotQueued", func(t *testing.T) {
		err := db.WithTx(ctx, func(tx domain.Tx) error {
			if err := tx.EnqueueOutbox(ctx, &models.OutboxTask{
				ID: uuid.New().String(), EventType: "x", BookingID: "b2", Payload: "{}",
			}); err != nil {
				return err
			}
			return domain.ErrInvalidTransition
		})
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)

		pending, err := db.GetPendingOutboxTasks(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})
}
