package database

import (
	"context"
	"fmt"
	"time"

	"timebank/internal/domain"
	"timebank/internal/models"

	sq "github.com/Masterminds/squirrel"
)

const bookingColumns = `id, slot_id, student_id, mentor_id, status, cost, cancel_reason, cancelled_by,
	student_reviewed, mentor_reviewed, requested_at, confirmed_at, completed_at, cancelled_at, no_show_at,
	version, updated_at`

func (q *queries) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	var b models.Booking
	if err := q.get(ctx, &b, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id); err != nil {
		return nil, notFound(err, "booking", id)
	}
	return &b, nil
}

func (q *queries) ListBookings(ctx context.Context, f models.BookingFilter) ([]*models.Booking, error) {
	b := q.sb.Select(bookingColumns).From("bookings")
	if f.UserID != "" {
		b = b.Where(sq.Or{sq.Eq{"student_id": f.UserID}, sq.Eq{"mentor_id": f.UserID}})
	}
	if f.SlotID != "" {
		b = b.Where(sq.Eq{"slot_id": f.SlotID})
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		b = b.Where(sq.Eq{"status": statuses})
	}
	b = b.OrderBy("requested_at DESC", "id ASC")
	if f.Limit > 0 {
		b = b.Limit(f.Limit).Offset(f.Offset)
	}

	var bookings []*models.Booking
	if err := q.selectBuilt(ctx, &bookings, b); err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	return bookings, nil
}

func (q *queries) ListStalePendingBookings(ctx context.Context, now time.Time, limit int) ([]*models.Booking, error) {
	var bookings []*models.Booking
	err := q.selectAll(ctx, &bookings, `SELECT b.id, b.slot_id, b.student_id, b.mentor_id, b.status, b.cost,
			b.cancel_reason, b.cancelled_by, b.student_reviewed, b.mentor_reviewed, b.requested_at,
			b.confirmed_at, b.completed_at, b.cancelled_at, b.no_show_at, b.version, b.updated_at
		FROM bookings b JOIN slots s ON s.id = b.slot_id
		WHERE b.status = ? AND s.starts_at <= ?
		ORDER BY s.starts_at ASC LIMIT ?`,
		models.BookingPending, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale pending bookings: %w", err)
	}
	return bookings, nil
}

// CreateBooking inserts a pending booking. The partial unique index on
// active bookings rejects a second one for the same slot.
func (q *queries) CreateBooking(ctx context.Context, b *models.Booking) error {
	b.Version = 1
	b.UpdatedAt = b.RequestedAt

	_, err := q.exec(ctx, `INSERT INTO bookings (id, slot_id, student_id, mentor_id, status, cost,
			requested_at, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.SlotID, b.StudentID, b.MentorID, b.Status, b.Cost,
		b.RequestedAt.UTC(), b.Version, b.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("slot %s already has an active booking: %w", b.SlotID, domain.ErrSlotUnavailable)
		}
		return fmt.Errorf("failed to create booking: %w", err)
	}
	return nil
}

func (q *queries) UpdateBookingStatus(ctx context.Context, b *models.Booking, from models.BookingStatus) (bool, error) {
	now := time.Now().UTC()
	n, err := q.exec(ctx, `UPDATE bookings
		SET status = ?, confirmed_at = ?, completed_at = ?, cancelled_at = ?, no_show_at = ?,
		    cancel_reason = ?, cancelled_by = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND status = ?`,
		b.Status, utcPtr(b.ConfirmedAt), utcPtr(b.CompletedAt), utcPtr(b.CancelledAt), utcPtr(b.NoShowAt),
		b.CancelReason, b.CancelledBy, now, b.ID, from)
	if err != nil {
		return false, fmt.Errorf("failed to update booking status: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	b.Version++
	b.UpdatedAt = now
	return true, nil
}

func (q *queries) MarkReviewed(ctx context.Context, bookingID, userID string) (bool, error) {
	now := time.Now().UTC()
	n, err := q.exec(ctx, `UPDATE bookings
		SET student_reviewed = CASE WHEN student_id = ? THEN TRUE ELSE student_reviewed END,
		    mentor_reviewed = CASE WHEN mentor_id = ? THEN TRUE ELSE mentor_reviewed END,
		    version = version + 1, updated_at = ?
		WHERE id = ? AND status = ?
		  AND ((student_id = ? AND student_reviewed = FALSE) OR (mentor_id = ? AND mentor_reviewed = FALSE))`,
		userID, userID, now, bookingID, models.BookingCompleted, userID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to mark booking reviewed: %w", err)
	}
	return n == 1, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
