package models

import "time"

type EntryKind string

const (
	EntryHold    EntryKind = "hold"
	EntryRelease EntryKind = "release"
	EntryDebit   EntryKind = "debit"
	EntryCredit  EntryKind = "credit"
	EntryRefund  EntryKind = "refund"
)

func (k EntryKind) Valid() bool {
	switch k {
	case EntryHold, EntryRelease, EntryDebit, EntryCredit, EntryRefund:
		return true
	}
	return false
}

// LedgerEntry is an immutable credit movement.
//
// Amount is the signed effect on the owner's spendable balance. HeldDelta is
// the signed effect on the credits held in escrow for BookingID, so the held
// figure of a booking is the sum of its HeldDelta values.
type LedgerEntry struct {
	ID           string    `json:"id" db:"id"`
	UserID       string    `json:"user_id" db:"user_id"`
	BookingID    *string   `json:"booking_id,omitempty" db:"booking_id"`
	Kind         EntryKind `json:"kind" db:"kind"`
	Amount       int64     `json:"amount" db:"amount"`
	HeldDelta    int64     `json:"held_delta" db:"held_delta"`
	BalanceAfter int64     `json:"balance_after" db:"balance_after"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// EntryEffects returns the amount and held delta a booking-linked entry of
// the given kind carries for a booking costing cost credits.
func EntryEffects(kind EntryKind, cost int64) (amount, held int64) {
	switch kind {
	case EntryHold:
		return -cost, cost
	case EntryRelease, EntryRefund:
		return cost, -cost
	case EntryDebit:
		return 0, -cost
	case EntryCredit:
		return cost, 0
	}
	return 0, 0
}

type LedgerFilter struct {
	BookingID string
	Kinds     []EntryKind
	Since     *time.Time
	Limit     uint64
	Offset    uint64
}

// Reconciliation compares a cached balance with the sum of the user's entries.
type Reconciliation struct {
	UserID        string `json:"user_id"`
	CachedBalance int64  `json:"cached_balance"`
	LedgerBalance int64  `json:"ledger_balance"`
	Entries       int64  `json:"entries"`
}

func (r Reconciliation) Consistent() bool {
	return r.CachedBalance == r.LedgerBalance
}

// LedgerTotals is the system-wide view used to check credit conservation:
// Balances + Held must equal Granted.
type LedgerTotals struct {
	Balances int64 `json:"balances"`
	Held     int64 `json:"held"`
	Granted  int64 `json:"granted"`
}

func (t LedgerTotals) Conserved() bool {
	return t.Balances+t.Held == t.Granted
}
