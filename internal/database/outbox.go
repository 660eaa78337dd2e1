package database

import (
	"context"
	"fmt"
	"time"

	"timebank/internal/domain"
	"timebank/internal/models"
)

const outboxColumns = `id, event_type, booking_id, payload, status, retry_count, last_error, created_at,
	processed_at, next_retry_at`

var _ domain.OutboxStore = (*DB)(nil)

func (q *queries) EnqueueOutbox(ctx context.Context, task *models.OutboxTask) error {
	if task.Status == "" {
		task.Status = models.OutboxPending
	}
	task.CreatedAt = time.Now().UTC()

	_, err := q.exec(ctx, `INSERT INTO outbox (id, event_type, booking_id, payload, status, retry_count, last_error,
			created_at, next_retry_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.EventType, task.BookingID, task.Payload, task.Status, task.RetryCount, task.LastError,
		task.CreatedAt, utcPtr(task.NextRetryAt))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox task: %w", err)
	}
	return nil
}

func (q *queries) GetOutboxTask(ctx context.Context, id string) (*models.OutboxTask, error) {
	var t models.OutboxTask
	if err := q.get(ctx, &t, `SELECT `+outboxColumns+` FROM outbox WHERE id = ?`, id); err != nil {
		return nil, notFound(err, "outbox task", id)
	}
	return &t, nil
}

func (q *queries) GetPendingOutboxTasks(ctx context.Context, limit int) ([]*models.OutboxTask, error) {
	var tasks []*models.OutboxTask
	err := q.selectAll(ctx, &tasks, `SELECT `+outboxColumns+` FROM outbox
		WHERE status IN (?, ?) AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY created_at ASC LIMIT ?`,
		models.OutboxPending, models.OutboxRetry, time.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending outbox tasks: %w", err)
	}
	return tasks, nil
}

func (q *queries) UpdateOutboxTask(ctx context.Context, id, status string, lastErr *string, nextRetryAt *time.Time) error {
	now := time.Now().UTC()

	var processedAt *time.Time
	if status == models.OutboxCompleted || status == models.OutboxFailed {
		processedAt = &now
	}

	retryInc := 0
	if status == models.OutboxRetry {
		retryInc = 1
	}

	_, err := q.exec(ctx, `UPDATE outbox
		SET status = ?, last_error = ?, next_retry_at = ?, processed_at = ?, retry_count = retry_count + ?
		WHERE id = ?`,
		status, lastErr, utcPtr(nextRetryAt), processedAt, retryInc, id)
	if err != nil {
		return fmt.Errorf("failed to update outbox task: %w", err)
	}
	return nil
}
