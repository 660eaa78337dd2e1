package database

import (
	"context"
	"fmt"
	"time"

	"timebank/internal/domain"
	"timebank/internal/models"

	sq "github.com/Masterminds/squirrel"
)

const ledgerColumns = `id, user_id, booking_id, kind, amount, held_delta, balance_after, created_at`

// InsertLedgerEntry appends an entry. There is no update or delete path and
// the schema rejects both.
func (q *queries) InsertLedgerEntry(ctx context.Context, e *models.LedgerEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := q.exec(ctx, `INSERT INTO ledger_entries (id, user_id, booking_id, kind, amount, held_delta, balance_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.BookingID, e.Kind, e.Amount, e.HeldDelta, e.BalanceAfter, e.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s entry already posted: %w", e.Kind, domain.ErrDuplicate)
		}
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

func (q *queries) ListLedgerEntries(ctx context.Context, userID string, f models.LedgerFilter) ([]*models.LedgerEntry, error) {
	b := q.sb.Select(ledgerColumns).From("ledger_entries").Where(sq.Eq{"user_id": userID})
	if f.BookingID != "" {
		b = b.Where(sq.Eq{"booking_id": f.BookingID})
	}
	if len(f.Kinds) > 0 {
		kinds := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = string(k)
		}
		b = b.Where(sq.Eq{"kind": kinds})
	}
	if f.Since != nil {
		b = b.Where(sq.GtOrEq{"created_at": f.Since.UTC()})
	}
	b = b.OrderBy("created_at ASC", "id ASC")
	if f.Limit > 0 {
		b = b.Limit(f.Limit).Offset(f.Offset)
	}

	var entries []*models.LedgerEntry
	if err := q.selectBuilt(ctx, &entries, b); err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	return entries, nil
}

func (q *queries) LedgerSum(ctx context.Context, userID string) (int64, int64, error) {
	var row struct {
		Sum     int64 `db:"total"`
		Entries int64 `db:"entries"`
	}
	err := q.get(ctx, &row, `SELECT COALESCE(SUM(amount), 0) AS total, COUNT(*) AS entries
		FROM ledger_entries WHERE user_id = ?`, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sum ledger: %w", err)
	}
	return row.Sum, row.Entries, nil
}

func (q *queries) HeldForBooking(ctx context.Context, bookingID, userID string) (int64, error) {
	var held int64
	err := q.get(ctx, &held, `SELECT COALESCE(SUM(held_delta), 0) FROM ledger_entries
		WHERE booking_id = ? AND user_id = ?`, bookingID, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to sum held credits: %w", err)
	}
	return held, nil
}

func (q *queries) LedgerTotals(ctx context.Context) (models.LedgerTotals, error) {
	var t models.LedgerTotals
	if err := q.get(ctx, &t.Balances, `SELECT COALESCE(SUM(credit_balance), 0) FROM users`); err != nil {
		return t, fmt.Errorf("failed to sum balances: %w", err)
	}
	if err := q.get(ctx, &t.Held, `SELECT COALESCE(SUM(held_delta), 0) FROM ledger_entries`); err != nil {
		return t, fmt.Errorf("failed to sum held credits: %w", err)
	}
	err := q.get(ctx, &t.Granted, `SELECT COALESCE(SUM(amount), 0) FROM ledger_entries
		WHERE booking_id IS NULL AND kind = ?`, models.EntryCredit)
	if err != nil {
		return t, fmt.Errorf("failed to sum grants: %w", err)
	}
	return t, nil
}
