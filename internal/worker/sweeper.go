package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

type SlotExpirer interface {
	ExpireStaleSlots(ctx context.Context) (int64, error)
}

type PendingExpirer interface {
	ExpireStalePending(ctx context.Context) (int, error)
}

// Sweeper periodically cancels pending bookings nobody confirmed in time and
// persists the expired status of slots whose start has passed.
type Sweeper struct {
	slots    SlotExpirer
	bookings PendingExpirer
	interval time.Duration
	logger   *zerolog.Logger
}

func NewSweeper(slots SlotExpirer, bookings PendingExpirer, interval time.Duration, logger *zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{slots: slots, bookings: bookings, interval: interval, logger: logger}
}

func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce expires pending bookings first so the slots they free up are
// expired in the same pass.
func (s *Sweeper) RunOnce(ctx context.Context) {
	if _, err := s.bookings.ExpireStalePending(ctx); err != nil {
		s.logger.Error().Err(err).Msg("expire stale pending bookings")
	}
	if _, err := s.slots.ExpireStaleSlots(ctx); err != nil {
		s.logger.Error().Err(err).Msg("expire stale slots")
	}
}
