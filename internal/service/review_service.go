package service

import (
	"context"
	"fmt"

	"timebank/internal/domain"
	"timebank/internal/models"

	"github.com/rs/zerolog"
)

// ReviewService decides whether a party may review a booking.
type ReviewService struct {
	store  domain.Store
	logger *zerolog.Logger
}

func NewReviewService(store domain.Store, logger *zerolog.Logger) *ReviewService {
	return &ReviewService{store: store, logger: logger}
}

// CanReview is true only for a completed booking, for one of its two
// parties, until that party has reviewed.
func (s *ReviewService) CanReview(ctx context.Context, bookingID, reviewerID string) (bool, error) {
	b, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return false, err
	}
	return eligible(b, reviewerID), nil
}

// MarkReviewed records that reviewerID reviewed the booking. The review
// itself is stored elsewhere; this only closes the gate for that side.
func (s *ReviewService) MarkReviewed(ctx context.Context, bookingID, reviewerID string) error {
	return s.store.WithTx(ctx, func(tx domain.Tx) error {
		b, err := tx.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if !b.IsParty(reviewerID) {
			return fmt.Errorf("user %s is not a party to booking %s: %w", reviewerID, bookingID, domain.ErrNotAuthorized)
		}
		if !eligible(b, reviewerID) {
			return &domain.TransitionError{BookingID: b.ID, From: b.Status, Action: "review", Reason: "not eligible for review"}
		}

		ok, err := tx.MarkReviewed(ctx, bookingID, reviewerID)
		if err != nil {
			return err
		}
		if !ok {
			return &domain.TransitionError{BookingID: b.ID, From: b.Status, Action: "review", Reason: "already reviewed"}
		}

		s.logger.Debug().Str("booking_id", bookingID).Str("reviewer_id", reviewerID).Msg("review recorded")
		return nil
	})
}

func eligible(b *models.Booking, reviewerID string) bool {
	return b.Status == models.BookingCompleted && b.IsParty(reviewerID) && !b.Reviewed(reviewerID)
}
