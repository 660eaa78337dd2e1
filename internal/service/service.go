package service

import (
	"errors"
	"time"

	"timebank/internal/domain"
)

const (
	maxPageSize = 100
	sweepBatch  = 100
)

// Clock returns the current time. Services take one so the time gates of
// the booking lifecycle can be tested.
type Clock func() time.Time

func systemClock() time.Time {
	return time.Now().UTC()
}

// outcome maps an error to a low-cardinality metrics label.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrSlotUnavailable):
		return "slot_unavailable"
	case errors.Is(err, domain.ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, domain.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, domain.ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, domain.ErrLedgerInvariantViolation):
		return "ledger_violation"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, domain.ErrInvalidInput):
		return "invalid_input"
	}
	return "error"
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
