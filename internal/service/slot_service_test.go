package service

import (
	"context"
	"testing"
	"time"

	"timebank/internal/domain"
	"timebank/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSlotValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mentor := env.user(t, "mentor", 0)
	future := env.clock.Now().Add(time.Hour)

	tests := []struct {
		name string
		slot models.Slot
		want error
	}{
		{name: "ok", slot: models.Slot{Title: "Go basics", StartsAt: future, DurationMinutes: 30, Cost: 2}},
		{name: "zero cost", slot: models.Slot{StartsAt: future, DurationMinutes: 30}, want: domain.ErrInvalidInput},
		{name: "no duration", slot: models.Slot{StartsAt: future, Cost: 1}, want: domain.ErrInvalidInput},
		{name: "too long", slot: models.Slot{StartsAt: future, DurationMinutes: 600, Cost: 1}, want: domain.ErrInvalidInput},
		{name: "in the past", slot: models.Slot{StartsAt: env.clock.Now(), DurationMinutes: 30, Cost: 1}, want: domain.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slot := tt.slot
			created, err := env.slots.CreateSlot(ctx, mentor.ID, &slot)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, created.ID)
			assert.Equal(t, models.SlotAvailable, created.Status)
			assert.Equal(t, mentor.ID, created.MentorID)
		})
	}

	_, err := env.slots.CreateSlot(ctx, "missing", &models.Slot{StartsAt: future, DurationMinutes: 30, Cost: 1})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEditSlot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mentor := env.user(t, "mentor", 0)
	other := env.user(t, "other", 10)
	slot := env.slot(t, mentor, 3)

	title := "Pairing on concurrency"
	cost := int64(4)
	edited, err := env.slots.EditSlot(ctx, slot.ID, mentor.ID, models.SlotPatch{Title: &title, Cost: &cost})
	require.NoError(t, err)
	assert.Equal(t, title, edited.Title)
	assert.Equal(t, int64(4), edited.Cost)

	_, err = env.slots.EditSlot(ctx, slot.ID, other.ID, models.SlotPatch{Title: &title})
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	zero := int64(0)
	_, err = env.slots.EditSlot(ctx, slot.ID, mentor.ID, models.SlotPatch{Cost: &zero})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = env.bookings.RequestBooking(ctx, slot.ID, other.ID)
	require.NoError(t, err)

	_, err = env.slots.EditSlot(ctx, slot.ID, mentor.ID, models.SlotPatch{Title: &title})
	assert.ErrorIs(t, err, domain.ErrSlotUnavailable)
	assert.ErrorIs(t, env.slots.DeleteSlot(ctx, slot.ID, mentor.ID), domain.ErrSlotUnavailable)
}

func TestDeleteSlot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mentor := env.user(t, "mentor", 0)
	student := env.user(t, "student", 10)
	slot := env.slot(t, mentor, 3)

	assert.ErrorIs(t, env.slots.DeleteSlot(ctx, slot.ID, student.ID), domain.ErrNotAuthorized)
	require.NoError(t, env.slots.DeleteSlot(ctx, slot.ID, mentor.ID))

	_, err := env.slots.GetSlot(ctx, slot.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = env.bookings.RequestBooking(ctx, slot.ID, student.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListSlotsDisplayStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mentor := env.user(t, "mentor", 0)

	soon := env.slot(t, mentor, 1)
	later, err := env.slots.CreateSlot(ctx, mentor.ID, &models.Slot{
		Title:           "Later",
		StartsAt:        env.clock.Now().Add(5 * time.Hour),
		DurationMinutes: 30,
		Cost:            1,
	})
	require.NoError(t, err)

	env.clock.Advance(2 * time.Hour)

	got, err := env.slots.GetSlot(ctx, soon.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SlotExpired, got.Status)

	available, err := env.slots.ListSlots(ctx, models.SlotFilter{Statuses: []models.SlotStatus{models.SlotAvailable}})
	require.NoError(t, err)
	require.Len(t, available, 1)
	assert.Equal(t, later.ID, available[0].ID)

	expired, err := env.slots.ListSlots(ctx, models.SlotFilter{Statuses: []models.SlotStatus{models.SlotExpired}})
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, soon.ID, expired[0].ID)

	all, err := env.slots.ListSlots(ctx, models.SlotFilter{MentorID: mentor.ID})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestListSlotsPagesSkipStartedSlots(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mentor := env.user(t, "mentor", 0)

	for i := 0; i < 3; i++ {
		env.slot(t, mentor, 1)
	}
	later, err := env.slots.CreateSlot(ctx, mentor.ID, &models.Slot{
		Title:           "Later",
		StartsAt:        env.clock.Now().Add(5 * time.Hour),
		DurationMinutes: 30,
		Cost:            1,
	})
	require.NoError(t, err)

	env.clock.Advance(2 * time.Hour)

	page, err := env.slots.ListSlots(ctx, models.SlotFilter{
		Statuses: []models.SlotStatus{models.SlotAvailable},
		Limit:    1,
	})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, later.ID, page[0].ID)
	assert.Equal(t, models.SlotAvailable, page[0].Status)

	expired, err := env.slots.ListSlots(ctx, models.SlotFilter{
		Statuses: []models.SlotStatus{models.SlotExpired},
		Limit:    2,
		Offset:   2,
	})
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, models.SlotExpired, expired[0].Status)
}

func TestExpireStaleSlots(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mentor := env.user(t, "mentor", 0)
	student := env.user(t, "student", 10)

	open := env.slot(t, mentor, 1)
	booked := env.slot(t, mentor, 1)
	_, err := env.bookings.RequestBooking(ctx, booked.ID, student.ID)
	require.NoError(t, err)

	n, err := env.slots.ExpireStaleSlots(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.clock.Advance(time.Hour)

	n, err = env.slots.ExpireStaleSlots(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, models.SlotExpired, env.slotStatus(t, open.ID))
	assert.Equal(t, models.SlotBooked, env.slotStatus(t, booked.ID))

	_, err = env.bookings.RequestBooking(ctx, open.ID, student.ID)
	assert.ErrorIs(t, err, domain.ErrSlotUnavailable)
}
