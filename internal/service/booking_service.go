package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"timebank/internal/domain"
	"timebank/internal/events"
	"timebank/internal/metrics"
	"timebank/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TransitionResult is what every booking transition returns: the booking as
// committed and the balances of the users whose ledger changed (or, for a
// request, the student's current balance).
type TransitionResult struct {
	Booking  *models.Booking  `json:"booking"`
	Balances map[string]int64 `json:"balances"`
}

// BookingService owns the booking state machine. It is the only writer of
// slot status, booking status and ledger entries; each transition is one
// transaction.
type BookingService struct {
	store    domain.Store
	ledger   *LedgerService
	eventBus domain.EventPublisher
	notifier domain.OutboxNotifier
	limiter  domain.RateLimiter
	limit    int
	window   time.Duration
	logger   *zerolog.Logger
	now      Clock
}

type BookingOption func(*BookingService)

func WithEventPublisher(p domain.EventPublisher) BookingOption {
	return func(s *BookingService) { s.eventBus = p }
}

func WithOutboxNotifier(n domain.OutboxNotifier) BookingOption {
	return func(s *BookingService) { s.notifier = n }
}

// WithRequestRateLimit caps booking requests per student within window.
func WithRequestRateLimit(l domain.RateLimiter, limit int, window time.Duration) BookingOption {
	return func(s *BookingService) {
		s.limiter = l
		s.limit = limit
		s.window = window
	}
}

func WithClock(now Clock) BookingOption {
	return func(s *BookingService) { s.now = now }
}

func NewBookingService(store domain.Store, ledger *LedgerService, logger *zerolog.Logger, opts ...BookingOption) *BookingService {
	s := &BookingService{
		store:  store,
		ledger: ledger,
		logger: logger,
		now:    systemClock,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// transition is the journal entry produced inside a transaction.
type transition struct {
	result    *TransitionResult
	eventType string
	actorID   string
	reason    string
}

// RequestBooking reserves an available slot for the student. Nothing is
// charged until the mentor confirms.
func (s *BookingService) RequestBooking(ctx context.Context, slotID, studentID string) (*TransitionResult, error) {
	if err := s.checkRequestRate(ctx, studentID); err != nil {
		metrics.ObserveTransition("request", outcome(err))
		return nil, err
	}

	return s.run(ctx, "request", func(tx domain.Tx, now time.Time) (*transition, error) {
		slot, err := tx.GetSlot(ctx, slotID)
		if err != nil {
			return nil, err
		}
		if slot.MentorID == studentID {
			return nil, fmt.Errorf("mentor cannot book own slot %s: %w", slotID, domain.ErrNotAuthorized)
		}
		if slot.Status != models.SlotAvailable || slot.Started(now) {
			return nil, fmt.Errorf("slot %s is %s: %w", slotID, slot.DisplayStatus(now), domain.ErrSlotUnavailable)
		}

		student, err := tx.GetUser(ctx, studentID)
		if err != nil {
			return nil, err
		}
		if student.CreditBalance < slot.Cost {
			return nil, &domain.InsufficientCreditsError{UserID: studentID, Balance: student.CreditBalance, Required: slot.Cost}
		}

		ok, err := tx.SetSlotStatus(ctx, slot.ID, models.SlotAvailable, models.SlotBooked, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("slot %s was taken: %w", slotID, domain.ErrSlotUnavailable)
		}

		booking := &models.Booking{
			ID:          uuid.New().String(),
			SlotID:      slot.ID,
			StudentID:   studentID,
			MentorID:    slot.MentorID,
			Status:      models.BookingPending,
			Cost:        slot.Cost,
			RequestedAt: now,
		}
		if err := tx.CreateBooking(ctx, booking); err != nil {
			return nil, err
		}

		return &transition{
			result:    &TransitionResult{Booking: booking, Balances: map[string]int64{studentID: student.CreditBalance}},
			eventType: events.EventBookingRequested,
			actorID:   studentID,
		}, nil
	})
}

// ConfirmBooking accepts a pending request and holds the cost from the
// student's balance.
func (s *BookingService) ConfirmBooking(ctx context.Context, bookingID, mentorID string) (*TransitionResult, error) {
	return s.run(ctx, "confirm", func(tx domain.Tx, now time.Time) (*transition, error) {
		b, slot, err := s.load(ctx, tx, bookingID)
		if err != nil {
			return nil, err
		}
		if b.MentorID != mentorID {
			return nil, fmt.Errorf("only the mentor may confirm booking %s: %w", bookingID, domain.ErrNotAuthorized)
		}
		if b.Status != models.BookingPending {
			return nil, &domain.TransitionError{BookingID: b.ID, From: b.Status, Action: "confirm"}
		}
		if slot.Started(now) {
			return nil, &domain.TransitionError{BookingID: b.ID, From: b.Status, Action: "confirm", Reason: "slot start time has passed"}
		}

		student, err := tx.GetUser(ctx, b.StudentID)
		if err != nil {
			return nil, err
		}
		if student.CreditBalance < b.Cost {
			return nil, &domain.InsufficientCreditsError{UserID: b.StudentID, Balance: student.CreditBalance, Required: b.Cost}
		}

		if err := s.setStatus(ctx, tx, b, models.BookingConfirmed, now, "confirm"); err != nil {
			return nil, err
		}
		balance, err := s.ledger.PostBookingEntry(ctx, tx, b.StudentID, models.EntryHold, b)
		if err != nil {
			return nil, err
		}

		return &transition{
			result:    &TransitionResult{Booking: b, Balances: map[string]int64{b.StudentID: balance}},
			eventType: events.EventBookingConfirmed,
			actorID:   mentorID,
		}, nil
	})
}

// DeclineBooking is the mentor rejecting a pending request.
func (s *BookingService) DeclineBooking(ctx context.Context, bookingID, mentorID, reason string) (*TransitionResult, error) {
	if reason == "" {
		reason = models.CancelReasonDeclined
	}
	return s.run(ctx, "decline", func(tx domain.Tx, now time.Time) (*transition, error) {
		b, _, err := s.load(ctx, tx, bookingID)
		if err != nil {
			return nil, err
		}
		if b.MentorID != mentorID {
			return nil, fmt.Errorf("only the mentor may decline booking %s: %w", bookingID, domain.ErrNotAuthorized)
		}
		if b.Status != models.BookingPending {
			return nil, &domain.TransitionError{BookingID: b.ID, From: b.Status, Action: "decline"}
		}

		tr, err := s.cancelTx(ctx, tx, b, mentorID, reason, now)
		if err != nil {
			return nil, err
		}
		tr.eventType = events.EventBookingDeclined
		return tr, nil
	})
}

// CancelBooking lets either party withdraw before the session starts. A
// confirmed booking gets its hold released.
func (s *BookingService) CancelBooking(ctx context.Context, bookingID, actorID, reason string) (*TransitionResult, error) {
	return s.run(ctx, "cancel", func(tx domain.Tx, now time.Time) (*transition, error) {
		b, slot, err := s.load(ctx, tx, bookingID)
		if err != nil {
			return nil, err
		}
		if !b.IsParty(actorID) {
			return nil, fmt.Errorf("user %s is not a party to booking %s: %w", actorID, bookingID, domain.ErrNotAuthorized)
		}
		if !b.Status.Active() {
			return nil, &domain.TransitionError{BookingID: b.ID, From: b.Status, Action: "cancel"}
		}
		if slot.Started(now) {
			return nil, &domain.TransitionError{BookingID: b.ID, From: b.Status, Action: "cancel", Reason: "session already started"}
		}
		return s.cancelTx(ctx, tx, b, actorID, reason, now)
	})
}

// CompleteBooking settles a confirmed booking once the session has started:
// the student's hold is finalized and the mentor is credited.
func (s *BookingService) CompleteBooking(ctx context.Context, bookingID, mentorID string) (*TransitionResult, error) {
	return s.run(ctx, "complete", func(tx domain.Tx, now time.Time) (*transition, error) {
		b, err := s.settleable(ctx, tx, bookingID, mentorID, "complete", now)
		if err != nil {
			return nil, err
		}

		if err := s.setStatus(ctx, tx, b, models.BookingCompleted, now, "complete"); err != nil {
			return nil, err
		}
		studentBalance, err := s.ledger.PostBookingEntry(ctx, tx, b.StudentID, models.EntryDebit, b)
		if err != nil {
			return nil, err
		}
		mentorBalance, err := s.ledger.PostBookingEntry(ctx, tx, b.MentorID, models.EntryCredit, b)
		if err != nil {
			return nil, err
		}
		if err := s.setSlot(ctx, tx, b.SlotID, models.SlotBooked, models.SlotCompleted, now); err != nil {
			return nil, err
		}

		return &transition{
			result: &TransitionResult{Booking: b, Balances: map[string]int64{
				b.StudentID: studentBalance,
				b.MentorID:  mentorBalance,
			}},
			eventType: events.EventBookingCompleted,
			actorID:   mentorID,
		}, nil
	})
}

// MarkNoShow refunds the student in full and credits nothing to the mentor.
func (s *BookingService) MarkNoShow(ctx context.Context, bookingID, mentorID string) (*TransitionResult, error) {
	return s.run(ctx, "no_show", func(tx domain.Tx, now time.Time) (*transition, error) {
		b, err := s.settleable(ctx, tx, bookingID, mentorID, "mark no-show", now)
		if err != nil {
			return nil, err
		}

		if err := s.setStatus(ctx, tx, b, models.BookingNoShow, now, "mark no-show"); err != nil {
			return nil, err
		}
		balance, err := s.ledger.PostBookingEntry(ctx, tx, b.StudentID, models.EntryRefund, b)
		if err != nil {
			return nil, err
		}
		if err := s.setSlot(ctx, tx, b.SlotID, models.SlotBooked, models.SlotCompleted, now); err != nil {
			return nil, err
		}

		return &transition{
			result:    &TransitionResult{Booking: b, Balances: map[string]int64{b.StudentID: balance}},
			eventType: events.EventBookingNoShow,
			actorID:   mentorID,
		}, nil
	})
}

// ExpireStalePending cancels pending bookings whose slot start has passed
// without a mentor decision. Each booking is handled in its own transaction.
func (s *BookingService) ExpireStalePending(ctx context.Context) (int, error) {
	stale, err := s.store.ListStalePendingBookings(ctx, s.now(), sweepBatch)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, candidate := range stale {
		_, err := s.run(ctx, "expire", func(tx domain.Tx, now time.Time) (*transition, error) {
			b, slot, err := s.load(ctx, tx, candidate.ID)
			if err != nil {
				return nil, err
			}
			if b.Status != models.BookingPending || !slot.Started(now) {
				return nil, &domain.TransitionError{BookingID: b.ID, From: b.Status, Action: "expire"}
			}
			tr, err := s.cancelTx(ctx, tx, b, models.ActorSystem, models.CancelReasonExpired, now)
			if err != nil {
				return nil, err
			}
			tr.eventType = events.EventBookingExpired
			return tr, nil
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("booking_id", candidate.ID).Msg("failed to expire pending booking")
			continue
		}
		expired++
	}

	if expired > 0 {
		s.logger.Info().Int("count", expired).Msg("stale pending bookings expired")
	}
	return expired, nil
}

func (s *BookingService) GetBooking(ctx context.Context, bookingID string) (*models.Booking, error) {
	return s.store.GetBooking(ctx, bookingID)
}

func (s *BookingService) ListBookings(ctx context.Context, filter models.BookingFilter) ([]*models.Booking, error) {
	if filter.Limit == 0 || filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	return s.store.ListBookings(ctx, filter)
}

func (s *BookingService) cancelTx(ctx context.Context, tx domain.Tx, b *models.Booking, actorID, reason string, now time.Time) (*transition, error) {
	from := b.Status
	b.CancelReason = reason
	b.CancelledBy = actorID
	if err := s.setStatus(ctx, tx, b, models.BookingCancelled, now, "cancel"); err != nil {
		return nil, err
	}

	balance, err := s.currentBalance(ctx, tx, b.StudentID)
	if err != nil {
		return nil, err
	}
	if from == models.BookingConfirmed {
		if balance, err = s.ledger.PostBookingEntry(ctx, tx, b.StudentID, models.EntryRelease, b); err != nil {
			return nil, err
		}
	}

	if err := s.setSlot(ctx, tx, b.SlotID, models.SlotBooked, models.SlotAvailable, now); err != nil {
		return nil, err
	}

	return &transition{
		result:    &TransitionResult{Booking: b, Balances: map[string]int64{b.StudentID: balance}},
		eventType: events.EventBookingCancelled,
		actorID:   actorID,
		reason:    reason,
	}, nil
}

func (s *BookingService) settleable(ctx context.Context, tx domain.Tx, bookingID, mentorID, action string, now time.Time) (*models.Booking, error) {
	b, slot, err := s.load(ctx, tx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.MentorID != mentorID {
		return nil, fmt.Errorf("only the mentor may %s booking %s: %w", action, bookingID, domain.ErrNotAuthorized)
	}
	if b.Status != models.BookingConfirmed {
		return nil, &domain.TransitionError{BookingID: b.ID, From: b.Status, Action: action}
	}
	if !slot.Started(now) {
		return nil, &domain.TransitionError{BookingID: b.ID, From: b.Status, Action: action, Reason: "session has not started"}
	}
	return b, nil
}

func (s *BookingService) load(ctx context.Context, tx domain.Tx, bookingID string) (*models.Booking, *models.Slot, error) {
	b, err := tx.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, nil, err
	}
	slot, err := tx.GetSlot(ctx, b.SlotID)
	if err != nil {
		return nil, nil, err
	}
	return b, slot, nil
}

func (s *BookingService) currentBalance(ctx context.Context, tx domain.Tx, userID string) (int64, error) {
	u, err := tx.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return u.CreditBalance, nil
}

// setStatus moves b to the given status, stamping the matching timestamp,
// and fails if another transaction moved it first.
func (s *BookingService) setStatus(ctx context.Context, tx domain.Tx, b *models.Booking, to models.BookingStatus,
	now time.Time, action string,
) error {
	from := b.Status
	b.Status = to
	at := now
	switch to {
	case models.BookingConfirmed:
		b.ConfirmedAt = &at
	case models.BookingCompleted:
		b.CompletedAt = &at
	case models.BookingCancelled:
		b.CancelledAt = &at
	case models.BookingNoShow:
		b.NoShowAt = &at
	}

	ok, err := tx.UpdateBookingStatus(ctx, b, from)
	if err != nil {
		return err
	}
	if !ok {
		return &domain.TransitionError{BookingID: b.ID, From: from, Action: action, Reason: "booking changed concurrently"}
	}
	return nil
}

func (s *BookingService) setSlot(ctx context.Context, tx domain.Tx, slotID string, from, to models.SlotStatus, now time.Time) error {
	ok, err := tx.SetSlotStatus(ctx, slotID, from, to, now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("slot %s is not %s: %w", slotID, from, domain.ErrConcurrentModification)
	}
	return nil
}

func (s *BookingService) checkRequestRate(ctx context.Context, studentID string) error {
	if s.limiter == nil || s.limit <= 0 {
		return nil
	}
	allowed, err := s.limiter.Allow(ctx, "booking_request:"+studentID, s.limit, s.window)
	if err != nil {
		s.logger.Warn().Err(err).Str("student_id", studentID).Msg("rate limiter unavailable, allowing request")
		return nil
	}
	if !allowed {
		return fmt.Errorf("too many booking requests from %s: %w", studentID, domain.ErrRateLimited)
	}
	return nil
}

// run executes one transition transaction, writes its journal record in the
// same transaction and publishes after commit.
func (s *BookingService) run(ctx context.Context, action string,
	fn func(tx domain.Tx, now time.Time) (*transition, error),
) (*TransitionResult, error) {
	var (
		tr      *transition
		task    *models.OutboxTask
		payload events.BookingEventPayload
	)

	err := s.store.WithTx(ctx, func(tx domain.Tx) error {
		now := s.now()
		var err error
		tr, err = fn(tx, now)
		if err != nil {
			return err
		}

		b := tr.result.Booking
		payload = events.BookingEventPayload{
			BookingID:  b.ID,
			SlotID:     b.SlotID,
			StudentID:  b.StudentID,
			MentorID:   b.MentorID,
			Status:     string(b.Status),
			Cost:       b.Cost,
			ActorID:    tr.actorID,
			Reason:     tr.reason,
			OccurredAt: now,
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode journal payload: %w", err)
		}
		task = &models.OutboxTask{
			ID:        uuid.New().String(),
			EventType: tr.eventType,
			BookingID: b.ID,
			Payload:   string(raw),
			Status:    models.OutboxPending,
		}
		return tx.EnqueueOutbox(ctx, task)
	})

	metrics.ObserveTransition(action, outcome(err))
	if err != nil {
		s.logFailure(action, err)
		return nil, err
	}

	s.logger.Info().
		Str("action", action).
		Str("booking_id", tr.result.Booking.ID).
		Str("status", string(tr.result.Booking.Status)).
		Msg("booking transition committed")

	s.publishEvent(tr.eventType, payload)
	if s.notifier != nil {
		s.notifier.Notify(ctx, task.ID)
	}
	return tr.result, nil
}

func (s *BookingService) logFailure(action string, err error) {
	switch {
	case domain.IsClientError(err):
		s.logger.Debug().Err(err).Str("action", action).Msg("booking transition rejected")
	case outcome(err) == "ledger_violation":
		// already raised as an alert by the ledger
	default:
		s.logger.Error().Err(err).Str("action", action).Msg("booking transition failed")
	}
}

func (s *BookingService) publishEvent(eventType string, payload events.BookingEventPayload) {
	if s.eventBus == nil {
		return
	}
	if err := s.eventBus.PublishJSON(eventType, payload); err != nil {
		s.logger.Error().
			Err(err).
			Str("event_type", eventType).
			Str("booking_id", payload.BookingID).
			Msg("publish event error")
	}
}
