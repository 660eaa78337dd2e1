package service

import (
	"context"
	"errors"
	"fmt"

	"timebank/internal/domain"
	"timebank/internal/logging"
	"timebank/internal/metrics"
	"timebank/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LedgerService appends credit movements and keeps the cached balance in
// step with them. Writes always happen inside the caller's transaction.
type LedgerService struct {
	store  domain.Store
	logger *zerolog.Logger
}

func NewLedgerService(store domain.Store, logger *zerolog.Logger) *LedgerService {
	return &LedgerService{store: store, logger: logger}
}

// PostEntry appends an entry for userID and returns the resulting balance.
// Entries that would leave the balance or the booking's held credits
// negative are refused with ErrLedgerInvariantViolation.
func (l *LedgerService) PostEntry(ctx context.Context, tx domain.Tx, userID string, amount, held int64,
	kind models.EntryKind, bookingID string,
) (int64, error) {
	if !kind.Valid() {
		return 0, l.violation(userID, bookingID, kind, fmt.Sprintf("unknown entry kind %q", kind))
	}
	if bookingID == "" && held != 0 {
		return 0, l.violation(userID, bookingID, kind, "held credits require a booking")
	}

	user, err := tx.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}

	balance := user.CreditBalance + amount
	if balance < 0 {
		return 0, l.violation(userID, bookingID, kind,
			fmt.Sprintf("balance %d would become %d", user.CreditBalance, balance))
	}

	if bookingID != "" && held != 0 {
		current, err := tx.HeldForBooking(ctx, bookingID, userID)
		if err != nil {
			return 0, err
		}
		if current+held < 0 {
			return 0, l.violation(userID, bookingID, kind,
				fmt.Sprintf("held credits %d would become %d", current, current+held))
		}
	}

	entry := &models.LedgerEntry{
		ID:           uuid.New().String(),
		UserID:       userID,
		Kind:         kind,
		Amount:       amount,
		HeldDelta:    held,
		BalanceAfter: balance,
	}
	if bookingID != "" {
		entry.BookingID = &bookingID
	}

	if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			return 0, l.violation(userID, bookingID, kind, "entry already posted for booking")
		}
		return 0, err
	}

	recomputed, err := tx.RecomputeBalance(ctx, userID)
	if err != nil {
		return 0, err
	}
	if recomputed != balance {
		return 0, l.violation(userID, bookingID, kind,
			fmt.Sprintf("recomputed balance %d differs from expected %d", recomputed, balance))
	}

	metrics.IncLedgerEntry(string(kind))
	return recomputed, nil
}

// PostBookingEntry posts the entry of the given kind for a booking, sized by
// the booking's frozen cost.
func (l *LedgerService) PostBookingEntry(ctx context.Context, tx domain.Tx, userID string, kind models.EntryKind,
	booking *models.Booking,
) (int64, error) {
	amount, held := models.EntryEffects(kind, booking.Cost)
	return l.PostEntry(ctx, tx, userID, amount, held, kind, booking.ID)
}

// PostGrant credits a user outside of any booking.
func (l *LedgerService) PostGrant(ctx context.Context, tx domain.Tx, userID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, domain.Invalid("amount", "grant must be positive")
	}
	return l.PostEntry(ctx, tx, userID, amount, 0, models.EntryCredit, "")
}

// GetBalance returns the cached balance.
func (l *LedgerService) GetBalance(ctx context.Context, userID string) (int64, error) {
	user, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return user.CreditBalance, nil
}

func (l *LedgerService) ListEntries(ctx context.Context, userID string, filter models.LedgerFilter) ([]*models.LedgerEntry, error) {
	if _, err := l.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	if filter.Limit == 0 || filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	return l.store.ListLedgerEntries(ctx, userID, filter)
}

// Reconcile compares the user's cached balance with the sum of entries in
// one consistent read.
func (l *LedgerService) Reconcile(ctx context.Context, userID string) (models.Reconciliation, error) {
	var rec models.Reconciliation
	err := l.store.WithTx(ctx, func(tx domain.Tx) error {
		var err error
		rec, err = reconcileUser(ctx, tx, userID)
		return err
	})
	if err != nil {
		return models.Reconciliation{}, err
	}
	if !rec.Consistent() {
		l.alert(rec)
	}
	return rec, nil
}

// ReconcileAll checks every user plus global conservation and returns the
// inconsistent users alongside the totals.
func (l *LedgerService) ReconcileAll(ctx context.Context) ([]models.Reconciliation, models.LedgerTotals, error) {
	var (
		mismatches []models.Reconciliation
		totals     models.LedgerTotals
	)

	err := l.store.WithTx(ctx, func(tx domain.Tx) error {
		mismatches = nil
		users, err := tx.ListUsers(ctx)
		if err != nil {
			return err
		}
		for _, u := range users {
			rec, err := reconcileUser(ctx, tx, u.ID)
			if err != nil {
				return err
			}
			if !rec.Consistent() {
				mismatches = append(mismatches, rec)
			}
		}
		totals, err = tx.LedgerTotals(ctx)
		return err
	})
	if err != nil {
		return nil, models.LedgerTotals{}, err
	}

	for _, rec := range mismatches {
		l.alert(rec)
	}
	if !totals.Conserved() {
		metrics.IncLedgerViolation()
		logging.Alert(l.logger).
			Int64("balances", totals.Balances).
			Int64("held", totals.Held).
			Int64("granted", totals.Granted).
			Msg("credit conservation violated")
	}
	return mismatches, totals, nil
}

// CheckInvariants returns ErrLedgerInvariantViolation if any balance is out
// of step with its entries or credits were created or destroyed.
func (l *LedgerService) CheckInvariants(ctx context.Context) error {
	mismatches, totals, err := l.ReconcileAll(ctx)
	if err != nil {
		return err
	}
	if len(mismatches) > 0 {
		m := mismatches[0]
		return &domain.LedgerViolationError{
			UserID: m.UserID,
			Detail: fmt.Sprintf("%d users inconsistent, first has cached %d and ledger %d",
				len(mismatches), m.CachedBalance, m.LedgerBalance),
		}
	}
	if !totals.Conserved() {
		return &domain.LedgerViolationError{
			Detail: fmt.Sprintf("balances %d + held %d != granted %d", totals.Balances, totals.Held, totals.Granted),
		}
	}
	return nil
}

func reconcileUser(ctx context.Context, tx domain.Tx, userID string) (models.Reconciliation, error) {
	user, err := tx.GetUser(ctx, userID)
	if err != nil {
		return models.Reconciliation{}, err
	}
	sum, entries, err := tx.LedgerSum(ctx, userID)
	if err != nil {
		return models.Reconciliation{}, err
	}
	return models.Reconciliation{
		UserID:        userID,
		CachedBalance: user.CreditBalance,
		LedgerBalance: sum,
		Entries:       entries,
	}, nil
}

func (l *LedgerService) violation(userID, bookingID string, kind models.EntryKind, detail string) error {
	metrics.IncLedgerViolation()
	logging.Alert(l.logger).
		Str("user_id", userID).
		Str("booking_id", bookingID).
		Str("kind", string(kind)).
		Str("detail", detail).
		Msg("ledger invariant violation")
	return &domain.LedgerViolationError{UserID: userID, BookingID: bookingID, Kind: kind, Detail: detail}
}

func (l *LedgerService) alert(rec models.Reconciliation) {
	metrics.IncLedgerViolation()
	logging.Alert(l.logger).
		Str("user_id", rec.UserID).
		Int64("cached_balance", rec.CachedBalance).
		Int64("ledger_balance", rec.LedgerBalance).
		Msg("cached balance out of step with ledger")
}
