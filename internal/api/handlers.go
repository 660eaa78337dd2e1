package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"timebank/internal/export"
	"timebank/internal/models"

	"github.com/go-chi/chi/v5"
)

type registerUserRequest struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

type slotRequest struct {
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	StartsAt        time.Time `json:"starts_at"`
	DurationMinutes int       `json:"duration_minutes"`
	Cost            int64     `json:"cost"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *HTTPServer) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	var body registerUserRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid JSON body")
		return
	}

	user, err := s.svc.Users.RegisterUser(r.Context(), body.Username, body.Email, body.DisplayName)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *HTTPServer) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.svc.Users.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *HTTPServer) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.ownLedger(w, r)
	if !ok {
		return
	}
	balance, err := s.svc.Ledger.GetBalance(r.Context(), userID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "balance": balance})
}

// ownLedger checks that the caller asks for their own ledger.
func (s *HTTPServer) ownLedger(w http.ResponseWriter, r *http.Request) (string, bool) {
	actorID, ok := s.actor(w, r)
	if !ok {
		return "", false
	}
	userID := chi.URLParam(r, "userID")
	if actorID != userID {
		writeError(w, http.StatusForbidden, "not_authorized", "ledger is visible to its owner only")
		return "", false
	}
	return userID, true
}

func (s *HTTPServer) ledgerFilter(r *http.Request) (models.LedgerFilter, error) {
	page, err := parsePage(r)
	if err != nil {
		return models.LedgerFilter{}, err
	}
	since, err := parseTimeParam(r, "since")
	if err != nil {
		return models.LedgerFilter{}, err
	}

	filter := models.LedgerFilter{
		BookingID: r.URL.Query().Get("booking_id"),
		Since:     since,
		Limit:     page.limit,
		Offset:    page.offset,
	}
	for _, k := range splitCSV(r.URL.Query().Get("kind")) {
		kind := models.EntryKind(k)
		if !kind.Valid() {
			return models.LedgerFilter{}, fmt.Errorf("unknown entry kind %q", k)
		}
		filter.Kinds = append(filter.Kinds, kind)
	}
	return filter, nil
}

func (s *HTTPServer) handleListLedger(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.ownLedger(w, r)
	if !ok {
		return
	}
	filter, err := s.ledgerFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}

	entries, err := s.svc.Ledger.ListEntries(r.Context(), userID, filter)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *HTTPServer) handleStatement(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.ownLedger(w, r)
	if !ok {
		return
	}
	filter, err := s.ledgerFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}

	user, err := s.svc.Users.GetUser(r.Context(), userID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	entries, err := s.svc.Ledger.ListEntries(r.Context(), userID, filter)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	now := s.now()
	var buf bytes.Buffer
	if err := export.WriteStatement(&buf, user, entries, now); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.StatementFileName(user, now)))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (s *HTTPServer) handleReconcileUser(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Ledger.Reconcile(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reconciliation": rec, "consistent": rec.Consistent()})
}

func (s *HTTPServer) handleReconcileAll(w http.ResponseWriter, r *http.Request) {
	mismatches, totals, err := s.svc.Ledger.ReconcileAll(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if mismatches == nil {
		mismatches = []models.Reconciliation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mismatches": mismatches,
		"totals":     totals,
		"conserved":  totals.Conserved(),
	})
}

func (s *HTTPServer) handleListSlots(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	from, err := parseTimeParam(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}

	filter := models.SlotFilter{
		MentorID: r.URL.Query().Get("mentor_id"),
		From:     from,
		To:       to,
		Limit:    page.limit,
		Offset:   page.offset,
	}
	for _, st := range splitCSV(r.URL.Query().Get("status")) {
		filter.Statuses = append(filter.Statuses, models.SlotStatus(st))
	}

	slots, err := s.svc.Slots.ListSlots(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if slots == nil {
		slots = []*models.Slot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"slots": slots})
}

func (s *HTTPServer) handleCreateSlot(w http.ResponseWriter, r *http.Request) {
	mentorID, ok := s.actor(w, r)
	if !ok {
		return
	}
	var body slotRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid JSON body")
		return
	}

	slot, err := s.svc.Slots.CreateSlot(r.Context(), mentorID, &models.Slot{
		Title:           body.Title,
		Description:     body.Description,
		StartsAt:        body.StartsAt,
		DurationMinutes: body.DurationMinutes,
		Cost:            body.Cost,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, slot)
}

func (s *HTTPServer) handleGetSlot(w http.ResponseWriter, r *http.Request) {
	slot, err := s.svc.Slots.GetSlot(r.Context(), chi.URLParam(r, "slotID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, slot)
}

func (s *HTTPServer) handleEditSlot(w http.ResponseWriter, r *http.Request) {
	mentorID, ok := s.actor(w, r)
	if !ok {
		return
	}
	var patch models.SlotPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid JSON body")
		return
	}

	slot, err := s.svc.Slots.EditSlot(r.Context(), chi.URLParam(r, "slotID"), mentorID, patch)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, slot)
}

func (s *HTTPServer) handleDeleteSlot(w http.ResponseWriter, r *http.Request) {
	mentorID, ok := s.actor(w, r)
	if !ok {
		return
	}
	if err := s.svc.Slots.DeleteSlot(r.Context(), chi.URLParam(r, "slotID"), mentorID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleRequestBooking(w http.ResponseWriter, r *http.Request) {
	studentID, ok := s.actor(w, r)
	if !ok {
		return
	}
	res, err := s.svc.Bookings.RequestBooking(r.Context(), chi.URLParam(r, "slotID"), studentID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *HTTPServer) handleListBookings(w http.ResponseWriter, r *http.Request) {
	actorID, ok := s.actor(w, r)
	if !ok {
		return
	}
	page, err := parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}

	filter := models.BookingFilter{
		UserID: actorID,
		SlotID: r.URL.Query().Get("slot_id"),
		Limit:  page.limit,
		Offset: page.offset,
	}
	for _, st := range splitCSV(r.URL.Query().Get("status")) {
		filter.Statuses = append(filter.Statuses, models.BookingStatus(st))
	}

	bookings, err := s.svc.Bookings.ListBookings(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if bookings == nil {
		bookings = []*models.Booking{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": bookings})
}

func (s *HTTPServer) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	actorID, ok := s.actor(w, r)
	if !ok {
		return
	}
	b, err := s.svc.Bookings.GetBooking(r.Context(), chi.URLParam(r, "bookingID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if !b.IsParty(actorID) {
		writeError(w, http.StatusForbidden, "not_authorized", "booking is visible to its parties only")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *HTTPServer) handleConfirm(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(bookingID, actorID, _ string) (any, error) {
		return s.svc.Bookings.ConfirmBooking(r.Context(), bookingID, actorID)
	})
}

func (s *HTTPServer) handleDecline(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(bookingID, actorID, reason string) (any, error) {
		return s.svc.Bookings.DeclineBooking(r.Context(), bookingID, actorID, reason)
	})
}

func (s *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(bookingID, actorID, reason string) (any, error) {
		return s.svc.Bookings.CancelBooking(r.Context(), bookingID, actorID, reason)
	})
}

func (s *HTTPServer) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(bookingID, actorID, _ string) (any, error) {
		return s.svc.Bookings.CompleteBooking(r.Context(), bookingID, actorID)
	})
}

func (s *HTTPServer) handleNoShow(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(bookingID, actorID, _ string) (any, error) {
		return s.svc.Bookings.MarkNoShow(r.Context(), bookingID, actorID)
	})
}

// transition runs one booking action for the acting user. The optional body
// carries a reason for decline and cancel.
func (s *HTTPServer) transition(w http.ResponseWriter, r *http.Request,
	fn func(bookingID, actorID, reason string) (any, error),
) {
	actorID, ok := s.actor(w, r)
	if !ok {
		return
	}
	var body reasonRequest
	if err := decodeOptionalJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid JSON body")
		return
	}

	res, err := fn(chi.URLParam(r, "bookingID"), actorID, body.Reason)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleCanReview(w http.ResponseWriter, r *http.Request) {
	actorID, ok := s.actor(w, r)
	if !ok {
		return
	}
	can, err := s.svc.Reviews.CanReview(r.Context(), chi.URLParam(r, "bookingID"), actorID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"can_review": can})
}

func (s *HTTPServer) handleMarkReviewed(w http.ResponseWriter, r *http.Request) {
	actorID, ok := s.actor(w, r)
	if !ok {
		return
	}
	if err := s.svc.Reviews.MarkReviewed(r.Context(), chi.URLParam(r, "bookingID"), actorID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
