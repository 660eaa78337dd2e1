package domain

import (
	"errors"
	"fmt"

	"timebank/internal/models"
)

var (
	ErrSlotUnavailable          = errors.New("slot unavailable")
	ErrInsufficientCredits      = errors.New("insufficient credits")
	ErrInvalidTransition        = errors.New("invalid booking transition")
	ErrNotAuthorized            = errors.New("not authorized")
	ErrLedgerInvariantViolation = errors.New("ledger invariant violation")

	ErrNotFound               = errors.New("not found")
	ErrInvalidInput           = errors.New("invalid input")
	ErrRateLimited            = errors.New("rate limited")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrDuplicate              = errors.New("already exists")
)

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// TransitionError is returned when an action is not allowed from the
// booking's current status or at the current time.
type TransitionError struct {
	BookingID string
	From      models.BookingStatus
	Action    string
	Reason    string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("cannot %s booking %s in status %s", e.Action, e.BookingID, e.From)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

type InsufficientCreditsError struct {
	UserID   string
	Balance  int64
	Required int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("user %s has %d credits, %d required", e.UserID, e.Balance, e.Required)
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

// LedgerViolationError describes an entry the ledger refused to post.
type LedgerViolationError struct {
	UserID    string
	BookingID string
	Kind      models.EntryKind
	Detail    string
}

func (e *LedgerViolationError) Error() string {
	return fmt.Sprintf("ledger invariant violation for user %s (%s, booking %q): %s",
		e.UserID, e.Kind, e.BookingID, e.Detail)
}

func (e *LedgerViolationError) Unwrap() error { return ErrLedgerInvariantViolation }

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

func NotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsClientError reports whether err is an ordinary business rejection the
// caller can act on, as opposed to a storage failure or an invariant bug.
func IsClientError(err error) bool {
	return errors.Is(err, ErrSlotUnavailable) ||
		errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrNotAuthorized) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrDuplicate)
}
