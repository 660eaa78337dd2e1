package models

import "time"

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCompleted BookingStatus = "completed"
	BookingCancelled BookingStatus = "cancelled"
	BookingNoShow    BookingStatus = "no-show"
)

// Terminal reports whether no further transition is possible.
func (s BookingStatus) Terminal() bool {
	switch s {
	case BookingCompleted, BookingCancelled, BookingNoShow:
		return true
	}
	return false
}

// Active reports whether the booking still occupies its slot.
func (s BookingStatus) Active() bool {
	return s == BookingPending || s == BookingConfirmed
}

// Booking binds one slot to one student. Cost is copied from the slot when
// the booking is created and never changes afterwards.
type Booking struct {
	ID              string        `json:"id" db:"id"`
	SlotID          string        `json:"slot_id" db:"slot_id"`
	StudentID       string        `json:"student_id" db:"student_id"`
	MentorID        string        `json:"mentor_id" db:"mentor_id"`
	Status          BookingStatus `json:"status" db:"status"`
	Cost            int64         `json:"cost" db:"cost"`
	CancelReason    string        `json:"cancel_reason,omitempty" db:"cancel_reason"`
	CancelledBy     string        `json:"cancelled_by,omitempty" db:"cancelled_by"`
	StudentReviewed bool          `json:"student_reviewed" db:"student_reviewed"`
	MentorReviewed  bool          `json:"mentor_reviewed" db:"mentor_reviewed"`
	RequestedAt     time.Time     `json:"requested_at" db:"requested_at"`
	ConfirmedAt     *time.Time    `json:"confirmed_at,omitempty" db:"confirmed_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
	CancelledAt     *time.Time    `json:"cancelled_at,omitempty" db:"cancelled_at"`
	NoShowAt        *time.Time    `json:"no_show_at,omitempty" db:"no_show_at"`
	Version         int64         `json:"version" db:"version"`
	UpdatedAt       time.Time     `json:"updated_at" db:"updated_at"`
}

// IsParty reports whether userID is the student or the mentor of the booking.
func (b *Booking) IsParty(userID string) bool {
	return userID != "" && (userID == b.StudentID || userID == b.MentorID)
}

// Reviewed reports whether the given party already left a review.
func (b *Booking) Reviewed(userID string) bool {
	switch userID {
	case b.StudentID:
		return b.StudentReviewed
	case b.MentorID:
		return b.MentorReviewed
	}
	return false
}

type BookingFilter struct {
	UserID   string
	SlotID   string
	Statuses []BookingStatus
	Limit    uint64
	Offset   uint64
}

// Cancellation actors and reasons recorded by the engine itself.
const (
	ActorSystem          = "system"
	CancelReasonExpired  = "expired"
	CancelReasonDeclined = "declined"
)
