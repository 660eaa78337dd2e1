package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEntryEffects(t *testing.T) {
	tests := []struct {
		kind   EntryKind
		amount int64
		held   int64
	}{
		{EntryHold, -5, 5},
		{EntryRelease, 5, -5},
		{EntryRefund, 5, -5},
		{EntryDebit, 0, -5},
		{EntryCredit, 5, 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			amount, held := EntryEffects(tt.kind, 5)
			assert.Equal(t, tt.amount, amount)
			assert.Equal(t, tt.held, held)
		})
	}
}

func TestSettlementPathsNetToZeroHeld(t *testing.T) {
	paths := [][]EntryKind{
		{EntryHold, EntryRelease},
		{EntryHold, EntryDebit},
		{EntryHold, EntryRefund},
	}
	for _, path := range paths {
		var held int64
		for _, k := range path {
			_, h := EntryEffects(k, 7)
			held += h
		}
		assert.Zero(t, held, "path %v", path)
	}
}

func TestSlotDisplayStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := &Slot{Status: SlotAvailable, StartsAt: now.Add(time.Hour), DurationMinutes: 30}

	assert.Equal(t, SlotAvailable, s.DisplayStatus(now))
	assert.Equal(t, SlotExpired, s.DisplayStatus(now.Add(time.Hour)))
	assert.Equal(t, now.Add(90*time.Minute), s.EndsAt())

	s.Status = SlotBooked
	assert.Equal(t, SlotBooked, s.DisplayStatus(now.Add(2*time.Hour)))
}

func TestSlotPatchApply(t *testing.T) {
	s := &Slot{Title: "Go basics", Cost: 3, DurationMinutes: 60}
	title := "Go concurrency"
	cost := int64(4)
	SlotPatch{Title: &title, Cost: &cost}.Apply(s)

	assert.Equal(t, "Go concurrency", s.Title)
	assert.Equal(t, int64(4), s.Cost)
	assert.Equal(t, 60, s.DurationMinutes)
}

func TestBookingParties(t *testing.T) {
	b := &Booking{StudentID: "s", MentorID: "m", StudentReviewed: true}

	assert.True(t, b.IsParty("s"))
	assert.True(t, b.IsParty("m"))
	assert.False(t, b.IsParty("x"))
	assert.False(t, b.IsParty(""))
	assert.True(t, b.Reviewed("s"))
	assert.False(t, b.Reviewed("m"))
}

func TestBookingStatusPredicates(t *testing.T) {
	assert.True(t, BookingPending.Active())
	assert.True(t, BookingConfirmed.Active())
	assert.False(t, BookingCancelled.Active())
	for _, s := range []BookingStatus{BookingCompleted, BookingCancelled, BookingNoShow} {
		assert.True(t, s.Terminal())
	}
	assert.False(t, BookingPending.Terminal())
}

func TestLedgerTotalsConserved(t *testing.T) {
	assert.True(t, LedgerTotals{Balances: 15, Held: 5, Granted: 20}.Conserved())
	assert.False(t, LedgerTotals{Balances: 20, Held: 5, Granted: 20}.Conserved())
	assert.True(t, Reconciliation{CachedBalance: 3, LedgerBalance: 3}.Consistent())
}
