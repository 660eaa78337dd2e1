package models

import "time"

type SlotStatus string

const (
	SlotAvailable SlotStatus = "available"
	SlotBooked    SlotStatus = "booked"
	SlotCompleted SlotStatus = "completed"
	SlotExpired   SlotStatus = "expired"
)

type Slot struct {
	ID              string     `json:"id" db:"id"`
	MentorID        string     `json:"mentor_id" db:"mentor_id"`
	Title           string     `json:"title" db:"title"`
	Description     string     `json:"description" db:"description"`
	StartsAt        time.Time  `json:"starts_at" db:"starts_at"`
	DurationMinutes int        `json:"duration_minutes" db:"duration_minutes"`
	Cost            int64      `json:"cost" db:"cost"`
	Status          SlotStatus `json:"status" db:"status"`
	Version         int64      `json:"version" db:"version"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt       *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// EndsAt returns the scheduled end of the session.
func (s *Slot) EndsAt() time.Time {
	return s.StartsAt.Add(time.Duration(s.DurationMinutes) * time.Minute)
}

// Started reports whether the slot start time is at or before now.
func (s *Slot) Started(now time.Time) bool {
	return !now.Before(s.StartsAt)
}

// DisplayStatus derives the status shown to readers: an available slot whose
// start has passed reads as expired even before the sweeper persists it.
func (s *Slot) DisplayStatus(now time.Time) SlotStatus {
	if s.Status == SlotAvailable && s.Started(now) {
		return SlotExpired
	}
	return s.Status
}

// SlotPatch carries the editable fields of a slot. Nil fields are left unchanged.
type SlotPatch struct {
	Title           *string    `json:"title,omitempty"`
	Description     *string    `json:"description,omitempty"`
	StartsAt        *time.Time `json:"starts_at,omitempty"`
	DurationMinutes *int       `json:"duration_minutes,omitempty"`
	Cost            *int64     `json:"cost,omitempty"`
}

func (p SlotPatch) Apply(s *Slot) {
	if p.Title != nil {
		s.Title = *p.Title
	}
	if p.Description != nil {
		s.Description = *p.Description
	}
	if p.StartsAt != nil {
		s.StartsAt = p.StartsAt.UTC()
	}
	if p.DurationMinutes != nil {
		s.DurationMinutes = *p.DurationMinutes
	}
	if p.Cost != nil {
		s.Cost = *p.Cost
	}
}

type SlotFilter struct {
	MentorID string
	Statuses []SlotStatus
	// DisplayAt, when set, matches Statuses against the display status at
	// that instant instead of the stored status.
	DisplayAt *time.Time
	From      *time.Time
	To        *time.Time
	Limit     uint64
	Offset    uint64
}
