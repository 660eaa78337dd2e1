package service

import (
	"context"
	"fmt"
	"strings"

	"timebank/internal/domain"
	"timebank/internal/metrics"
	"timebank/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const maxSlotMinutes = 8 * 60

// SlotService is the registry of offered time slots.
type SlotService struct {
	store  domain.Store
	logger *zerolog.Logger
	now    Clock
}

func NewSlotService(store domain.Store, logger *zerolog.Logger, now Clock) *SlotService {
	if now == nil {
		now = systemClock
	}
	return &SlotService{store: store, logger: logger, now: now}
}

// CreateSlot offers a new available slot owned by mentorID.
func (s *SlotService) CreateSlot(ctx context.Context, mentorID string, slot *models.Slot) (*models.Slot, error) {
	slot.ID = uuid.New().String()
	slot.MentorID = mentorID
	slot.StartsAt = slot.StartsAt.UTC()
	if err := s.validate(slot); err != nil {
		return nil, err
	}

	err := s.store.WithTx(ctx, func(tx domain.Tx) error {
		if _, err := tx.GetUser(ctx, mentorID); err != nil {
			return err
		}
		return tx.CreateSlot(ctx, slot)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("slot_id", slot.ID).Str("mentor_id", mentorID).Int64("cost", slot.Cost).Msg("slot created")
	return slot, nil
}

// EditSlot applies patch while the slot is still available. Bookings keep
// the cost they were created with, so edits never reach them.
func (s *SlotService) EditSlot(ctx context.Context, slotID, mentorID string, patch models.SlotPatch) (*models.Slot, error) {
	var slot *models.Slot
	err := s.store.WithTx(ctx, func(tx domain.Tx) error {
		var err error
		slot, err = s.ownedAvailable(ctx, tx, slotID, mentorID, "edit")
		if err != nil {
			return err
		}

		patch.Apply(slot)
		if err := s.validate(slot); err != nil {
			return err
		}

		ok, err := tx.UpdateAvailableSlot(ctx, slot)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("slot %s changed concurrently: %w", slotID, domain.ErrSlotUnavailable)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return slot, nil
}

// DeleteSlot withdraws an available slot. Booked or finished slots stay.
func (s *SlotService) DeleteSlot(ctx context.Context, slotID, mentorID string) error {
	return s.store.WithTx(ctx, func(tx domain.Tx) error {
		if _, err := s.ownedAvailable(ctx, tx, slotID, mentorID, "delete"); err != nil {
			return err
		}
		ok, err := tx.SoftDeleteAvailableSlot(ctx, slotID, s.now())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("slot %s changed concurrently: %w", slotID, domain.ErrSlotUnavailable)
		}
		return nil
	})
}

func (s *SlotService) GetSlot(ctx context.Context, slotID string) (*models.Slot, error) {
	slot, err := s.store.GetSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}
	slot.Status = slot.DisplayStatus(s.now())
	return slot, nil
}

// ListSlots returns slots with their display status. A status filter is
// matched against the display status, so "available" leaves out slots whose
// start has passed and "expired" includes them.
func (s *SlotService) ListSlots(ctx context.Context, filter models.SlotFilter) ([]*models.Slot, error) {
	if filter.Limit == 0 || filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}

	now := s.now()
	filter.DisplayAt = &now

	slots, err := s.store.ListSlots(ctx, filter)
	if err != nil {
		return nil, err
	}
	for _, slot := range slots {
		slot.Status = slot.DisplayStatus(now)
	}
	return slots, nil
}

// ExpireStaleSlots persists the expired status of available slots whose
// start time has passed. Booked slots are untouched.
func (s *SlotService) ExpireStaleSlots(ctx context.Context) (int64, error) {
	var n int64
	err := s.store.WithTx(ctx, func(tx domain.Tx) error {
		var err error
		n, err = tx.ExpireSlots(ctx, s.now())
		return err
	})
	if err != nil {
		return 0, err
	}
	metrics.AddSlotsExpired(n)
	if n > 0 {
		s.logger.Info().Int64("count", n).Msg("stale slots expired")
	}
	return n, nil
}

func (s *SlotService) ownedAvailable(ctx context.Context, tx domain.Tx, slotID, mentorID, action string) (*models.Slot, error) {
	slot, err := tx.GetSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if slot.MentorID != mentorID {
		return nil, fmt.Errorf("only the owner may %s slot %s: %w", action, slotID, domain.ErrNotAuthorized)
	}
	if status := slot.DisplayStatus(s.now()); status != models.SlotAvailable {
		return nil, fmt.Errorf("cannot %s slot %s in status %s: %w", action, slotID, status, domain.ErrSlotUnavailable)
	}
	return slot, nil
}

func (s *SlotService) validate(slot *models.Slot) error {
	switch {
	case slot.Cost <= 0:
		return domain.Invalid("cost", "must be a positive number of credits")
	case slot.DurationMinutes <= 0 || slot.DurationMinutes > maxSlotMinutes:
		return domain.Invalid("duration_minutes", fmt.Sprintf("must be between 1 and %d", maxSlotMinutes))
	case !slot.StartsAt.After(s.now()):
		return domain.Invalid("starts_at", "must be in the future")
	case len(strings.TrimSpace(slot.Title)) > 200:
		return domain.Invalid("title", "too long")
	}
	return nil
}
