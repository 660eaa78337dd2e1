package models

import "time"

const (
	OutboxPending    = "pending"
	OutboxRetry      = "retry"
	OutboxProcessing = "processing"
	OutboxCompleted  = "completed"
	OutboxFailed     = "failed"
)

// OutboxTask is a booking journal record written in the same transaction as
// the transition it describes and delivered later by the journal worker.
type OutboxTask struct {
	ID          string     `json:"id" db:"id"`
	EventType   string     `json:"event_type" db:"event_type"`
	BookingID   string     `json:"booking_id" db:"booking_id"`
	Payload     string     `json:"payload" db:"payload"`
	Status      string     `json:"status" db:"status"`
	RetryCount  int        `json:"retry_count" db:"retry_count"`
	LastError   *string    `json:"last_error,omitempty" db:"last_error"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty" db:"processed_at"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty" db:"next_retry_at"`
}
