package domain

import (
	"context"
	"time"

	"timebank/internal/models"
)

// Reader is the read side of the store. Reads outside a transaction may
// observe slightly stale data and must not gate transitions.
type Reader interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	ListUsers(ctx context.Context) ([]*models.User, error)
	GetSlot(ctx context.Context, id string) (*models.Slot, error)
	ListSlots(ctx context.Context, filter models.SlotFilter) ([]*models.Slot, error)
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	ListBookings(ctx context.Context, filter models.BookingFilter) ([]*models.Booking, error)
	// ListStalePendingBookings returns pending bookings whose slot start is
	// at or before now.
	ListStalePendingBookings(ctx context.Context, now time.Time, limit int) ([]*models.Booking, error)
	ListLedgerEntries(ctx context.Context, userID string, filter models.LedgerFilter) ([]*models.LedgerEntry, error)
	LedgerSum(ctx context.Context, userID string) (sum int64, entries int64, err error)
	HeldForBooking(ctx context.Context, bookingID, userID string) (int64, error)
	LedgerTotals(ctx context.Context) (models.LedgerTotals, error)
}

// Tx is a unit of work. Every write of a transition goes through one Tx so a
// failure anywhere rolls back all of it.
type Tx interface {
	Reader

	CreateUser(ctx context.Context, user *models.User) error
	// RecomputeBalance sets the cached balance to the sum of the user's
	// entries and returns it.
	RecomputeBalance(ctx context.Context, userID string) (int64, error)

	CreateSlot(ctx context.Context, slot *models.Slot) error
	// UpdateAvailableSlot writes editable fields if the slot is still
	// available at the given version.
	UpdateAvailableSlot(ctx context.Context, slot *models.Slot) (bool, error)
	SoftDeleteAvailableSlot(ctx context.Context, id string, at time.Time) (bool, error)
	// SetSlotStatus is a compare-and-set on the slot status.
	SetSlotStatus(ctx context.Context, id string, from, to models.SlotStatus, at time.Time) (bool, error)
	ExpireSlots(ctx context.Context, now time.Time) (int64, error)

	CreateBooking(ctx context.Context, booking *models.Booking) error
	// UpdateBookingStatus persists booking's status, timestamps and
	// cancellation fields if the stored status still equals from.
	UpdateBookingStatus(ctx context.Context, booking *models.Booking, from models.BookingStatus) (bool, error)
	MarkReviewed(ctx context.Context, bookingID, userID string) (bool, error)

	InsertLedgerEntry(ctx context.Context, entry *models.LedgerEntry) error

	EnqueueOutbox(ctx context.Context, task *models.OutboxTask) error
}

// Store owns transactions. WithTx runs fn in a serializable transaction and
// commits only if fn returns nil.
type Store interface {
	Reader
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
}

// OutboxStore is the journal worker's view of the store.
type OutboxStore interface {
	GetOutboxTask(ctx context.Context, id string) (*models.OutboxTask, error)
	GetPendingOutboxTasks(ctx context.Context, limit int) ([]*models.OutboxTask, error)
	UpdateOutboxTask(ctx context.Context, id, status string, lastErr *string, nextRetryAt *time.Time) error
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// OutboxNotifier is woken after a commit that wrote outbox tasks.
type OutboxNotifier interface {
	Notify(ctx context.Context, taskID string)
}

// RateLimiter counts events per key inside a fixed window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// JournalSink receives delivered booking journal records.
type JournalSink interface {
	AppendJournal(ctx context.Context, task *models.OutboxTask) error
}
