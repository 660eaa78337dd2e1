package database

import (
	"context"
	"fmt"
	"time"

	"timebank/internal/domain"
	"timebank/internal/models"

	sq "github.com/Masterminds/squirrel"
)

const slotColumns = `id, mentor_id, title, description, starts_at, duration_minutes, cost, status, version,
	created_at, updated_at, deleted_at`

func (q *queries) GetSlot(ctx context.Context, id string) (*models.Slot, error) {
	var s models.Slot
	err := q.get(ctx, &s, `SELECT `+slotColumns+` FROM slots WHERE id = ? AND deleted_at IS NULL`, id)
	if err != nil {
		return nil, notFound(err, "slot", id)
	}
	return &s, nil
}

func (q *queries) ListSlots(ctx context.Context, f models.SlotFilter) ([]*models.Slot, error) {
	b := q.sb.Select(slotColumns).From("slots").Where(sq.Eq{"deleted_at": nil})
	if f.MentorID != "" {
		b = b.Where(sq.Eq{"mentor_id": f.MentorID})
	}
	if len(f.Statuses) > 0 {
		b = b.Where(statusCondition(f.Statuses, f.DisplayAt))
	}
	if f.From != nil {
		b = b.Where(sq.GtOrEq{"starts_at": f.From.UTC()})
	}
	if f.To != nil {
		b = b.Where(sq.Lt{"starts_at": f.To.UTC()})
	}
	b = b.OrderBy("starts_at ASC", "id ASC")
	if f.Limit > 0 {
		b = b.Limit(f.Limit).Offset(f.Offset)
	}

	var slots []*models.Slot
	if err := q.selectBuilt(ctx, &slots, b); err != nil {
		return nil, fmt.Errorf("failed to list slots: %w", err)
	}
	return slots, nil
}

// statusCondition matches stored statuses, or display statuses when at is
// set: an available slot that has started reads as expired.
func statusCondition(statuses []models.SlotStatus, at *time.Time) sq.Sqlizer {
	if at == nil {
		names := make([]string, len(statuses))
		for i, s := range statuses {
			names[i] = string(s)
		}
		return sq.Eq{"status": names}
	}
	t := at.UTC()
	or := sq.Or{}
	for _, s := range statuses {
		switch s {
		case models.SlotAvailable:
			or = append(or, sq.And{sq.Eq{"status": models.SlotAvailable}, sq.Gt{"starts_at": t}})
		case models.SlotExpired:
			or = append(or, sq.Eq{"status": models.SlotExpired},
				sq.And{sq.Eq{"status": models.SlotAvailable}, sq.LtOrEq{"starts_at": t}})
		default:
			or = append(or, sq.Eq{"status": s})
		}
	}
	return or
}

func (q *queries) CreateSlot(ctx context.Context, s *models.Slot) error {
	now := time.Now().UTC()
	s.Status = models.SlotAvailable
	s.Version = 1
	s.CreatedAt = now
	s.UpdatedAt = now

	_, err := q.exec(ctx, `INSERT INTO slots (id, mentor_id, title, description, starts_at, duration_minutes, cost,
			status, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.MentorID, s.Title, s.Description, s.StartsAt.UTC(), s.DurationMinutes, s.Cost,
		s.Status, s.Version, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create slot: %w", err)
	}
	return nil
}

func (q *queries) UpdateAvailableSlot(ctx context.Context, s *models.Slot) (bool, error) {
	now := time.Now().UTC()
	n, err := q.exec(ctx, `UPDATE slots
		SET title = ?, description = ?, starts_at = ?, duration_minutes = ?, cost = ?,
		    version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND status = ? AND deleted_at IS NULL`,
		s.Title, s.Description, s.StartsAt.UTC(), s.DurationMinutes, s.Cost,
		now, s.ID, s.Version, models.SlotAvailable)
	if err != nil {
		return false, fmt.Errorf("failed to update slot: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	s.Version++
	s.UpdatedAt = now
	return true, nil
}

func (q *queries) SoftDeleteAvailableSlot(ctx context.Context, id string, at time.Time) (bool, error) {
	n, err := q.exec(ctx, `UPDATE slots SET deleted_at = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND status = ? AND deleted_at IS NULL`,
		at.UTC(), at.UTC(), id, models.SlotAvailable)
	if err != nil {
		return false, fmt.Errorf("failed to delete slot: %w", err)
	}
	return n == 1, nil
}

func (q *queries) SetSlotStatus(ctx context.Context, id string, from, to models.SlotStatus, at time.Time) (bool, error) {
	n, err := q.exec(ctx, `UPDATE slots SET status = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND status = ? AND deleted_at IS NULL`,
		to, at.UTC(), id, from)
	if err != nil {
		return false, fmt.Errorf("failed to set slot status: %w", err)
	}
	return n == 1, nil
}

func (q *queries) ExpireSlots(ctx context.Context, now time.Time) (int64, error) {
	n, err := q.exec(ctx, `UPDATE slots SET status = ?, version = version + 1, updated_at = ?
		WHERE status = ? AND starts_at <= ? AND deleted_at IS NULL`,
		models.SlotExpired, now.UTC(), models.SlotAvailable, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to expire slots: %w", err)
	}
	return n, nil
}

var _ domain.Tx = (*queries)(nil)
