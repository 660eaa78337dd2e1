package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"timebank/internal/config"
	"timebank/internal/models"
	"timebank/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestHTTPBookingLifecycle(t *testing.T) {
	env := newAPIEnv(t, defaultAPIConfig())
	mentor := env.register("mentor")
	student := env.register("student")
	slot := env.createSlot(mentor, 5)

	rec := env.do(http.MethodPost, "/api/v1/slots/"+slot.ID+"/bookings", student.ID, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res service.TransitionResult
	decode(t, rec, &res)
	assert.Equal(t, models.BookingPending, res.Booking.Status)
	assert.Equal(t, int64(10), res.Balances[student.ID])
	bookingID := res.Booking.ID

	rec = env.do(http.MethodPost, "/api/v1/bookings/"+bookingID+"/confirm", mentor.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &res)
	assert.Equal(t, models.BookingConfirmed, res.Booking.Status)
	assert.Equal(t, int64(5), res.Balances[student.ID])

	env.clock.Advance(2 * time.Hour)

	rec = env.do(http.MethodPost, "/api/v1/bookings/"+bookingID+"/complete", mentor.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(5), env.balance(student.ID))
	assert.Equal(t, int64(15), env.balance(mentor.ID))

	rec = env.do(http.MethodPost, "/api/v1/bookings/"+bookingID+"/complete", mentor.ID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", errorCode(t, rec))

	rec = env.do(http.MethodGet, "/api/v1/bookings/"+bookingID+"/review", student.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"can_review":true}`, rec.Body.String())

	rec = env.do(http.MethodPost, "/api/v1/bookings/"+bookingID+"/review", student.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(http.MethodGet, "/api/v1/bookings/"+bookingID+"/review", student.ID, nil)
	assert.JSONEq(t, `{"can_review":false}`, rec.Body.String())

	rec = env.do(http.MethodGet, "/api/v1/ledger/reconcile", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var recon struct {
		Mismatches []models.Reconciliation `json:"mismatches"`
		Totals     models.LedgerTotals     `json:"totals"`
		Conserved  bool                    `json:"conserved"`
	}
	decode(t, rec, &recon)
	assert.Empty(t, recon.Mismatches)
	assert.True(t, recon.Conserved)
	assert.Equal(t, int64(20), recon.Totals.Granted)
}

func TestHTTPCancelWithReason(t *testing.T) {
	env := newAPIEnv(t, defaultAPIConfig())
	mentor := env.register("mentor")
	student := env.register("student")
	slot := env.createSlot(mentor, 4)

	rec := env.do(http.MethodPost, "/api/v1/slots/"+slot.ID+"/bookings", student.ID, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var res service.TransitionResult
	decode(t, rec, &res)

	rec = env.do(http.MethodPost, "/api/v1/bookings/"+res.Booking.ID+"/cancel", student.ID,
		reasonRequest{Reason: "schedule conflict"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &res)
	assert.Equal(t, models.BookingCancelled, res.Booking.Status)
	assert.Equal(t, "schedule conflict", res.Booking.CancelReason)

	rec = env.do(http.MethodGet, "/api/v1/slots/"+slot.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var s models.Slot
	decode(t, rec, &s)
	assert.Equal(t, models.SlotAvailable, s.Status)
}

func TestHTTPErrorMapping(t *testing.T) {
	env := newAPIEnv(t, defaultAPIConfig())
	mentor := env.register("mentor")
	student := env.register("student")
	other := env.register("other")
	pricey := env.createSlot(mentor, 50)
	slot := env.createSlot(mentor, 3)

	rec := env.do(http.MethodPost, "/api/v1/slots/"+slot.ID+"/bookings", student.ID, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var res service.TransitionResult
	decode(t, rec, &res)

	tests := []struct {
		name   string
		method string
		path   string
		actor  string
		body   any
		status int
		code   string
	}{
		{"InsufficientCredits", http.MethodPost, "/api/v1/slots/" + pricey.ID + "/bookings", student.ID, nil, http.StatusPaymentRequired, "insufficient_credits"},
		{"SlotTaken", http.MethodPost, "/api/v1/slots/" + slot.ID + "/bookings", other.ID, nil, http.StatusConflict, "slot_unavailable"},
		{"OwnSlot", http.MethodPost, "/api/v1/slots/" + pricey.ID + "/bookings", mentor.ID, nil, http.StatusForbidden, "not_authorized"},
		{"MissingActor", http.MethodPost, "/api/v1/bookings/" + res.Booking.ID + "/confirm", "", nil, http.StatusUnauthorized, "unauthenticated"},
		{"NotMentor", http.MethodPost, "/api/v1/bookings/" + res.Booking.ID + "/confirm", student.ID, nil, http.StatusForbidden, "not_authorized"},
		{"UnknownBooking", http.MethodPost, "/api/v1/bookings/missing/confirm", mentor.ID, nil, http.StatusNotFound, "not_found"},
		{"InvalidSlot", http.MethodPost, "/api/v1/slots", mentor.ID, slotRequest{Title: "x", DurationMinutes: 30, Cost: 0}, http.StatusBadRequest, "invalid_input"},
		{"DuplicateUser", http.MethodPost, "/api/v1/users", "", registerUserRequest{Username: "mentor", Email: "other@example.com"}, http.StatusConflict, "duplicate"},
		{"ForeignBalance", http.MethodGet, "/api/v1/users/" + mentor.ID + "/balance", student.ID, nil, http.StatusForbidden, "not_authorized"},
		{"AnonymousBalance", http.MethodGet, "/api/v1/users/" + mentor.ID + "/balance", "", nil, http.StatusUnauthorized, "unauthenticated"},
		{"ForeignLedger", http.MethodGet, "/api/v1/users/" + mentor.ID + "/ledger", student.ID, nil, http.StatusForbidden, "not_authorized"},
		{"NotParty", http.MethodGet, "/api/v1/bookings/" + res.Booking.ID, "stranger", nil, http.StatusForbidden, "not_authorized"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(tt.method, tt.path, tt.actor, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, errorCode(t, rec))
		})
	}

	t.Run("UnknownField", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/users", strings.NewReader(`{"nickname":"x"}`))
		rec := httptest.NewRecorder()
		env.http.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHTTPListSlotsAndBookings(t *testing.T) {
	env := newAPIEnv(t, defaultAPIConfig())
	mentor := env.register("mentor")
	student := env.register("student")
	first := env.createSlot(mentor, 2)
	env.createSlot(mentor, 2)

	rec := env.do(http.MethodPost, "/api/v1/slots/"+first.ID+"/bookings", student.ID, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(http.MethodGet, "/api/v1/slots?status=available&mentor_id="+mentor.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var slots struct {
		Slots []models.Slot `json:"slots"`
	}
	decode(t, rec, &slots)
	require.Len(t, slots.Slots, 1)
	assert.NotEqual(t, first.ID, slots.Slots[0].ID)

	rec = env.do(http.MethodGet, "/api/v1/bookings?status=pending", student.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var bookings struct {
		Bookings []models.Booking `json:"bookings"`
	}
	decode(t, rec, &bookings)
	require.Len(t, bookings.Bookings, 1)
	assert.Equal(t, first.ID, bookings.Bookings[0].SlotID)

	rec = env.do(http.MethodGet, "/api/v1/slots?limit=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.clock.Advance(2 * time.Hour)
	rec = env.do(http.MethodGet, "/api/v1/slots?status=expired", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &slots)
	require.Len(t, slots.Slots, 1)
	assert.Equal(t, models.SlotExpired, slots.Slots[0].Status)
}

func TestHTTPEditAndDeleteSlot(t *testing.T) {
	env := newAPIEnv(t, defaultAPIConfig())
	mentor := env.register("mentor")
	slot := env.createSlot(mentor, 2)

	rec := env.do(http.MethodPatch, "/api/v1/slots/"+slot.ID, mentor.ID, map[string]any{"cost": 6})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var s models.Slot
	decode(t, rec, &s)
	assert.Equal(t, int64(6), s.Cost)

	rec = env.do(http.MethodDelete, "/api/v1/slots/"+slot.ID, "intruder", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodDelete, "/api/v1/slots/"+slot.ID, mentor.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(http.MethodGet, "/api/v1/slots/"+slot.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPLedgerAndStatement(t *testing.T) {
	env := newAPIEnv(t, defaultAPIConfig())
	user := env.register("learner")

	rec := env.do(http.MethodGet, "/api/v1/users/"+user.ID+"/ledger?kind=credit", user.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ledger struct {
		Entries []models.LedgerEntry `json:"entries"`
	}
	decode(t, rec, &ledger)
	require.Len(t, ledger.Entries, 1)
	assert.Equal(t, int64(10), ledger.Entries[0].Amount)

	rec = env.do(http.MethodGet, "/api/v1/users/"+user.ID+"/ledger?kind=bonus", user.ID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodGet, "/api/v1/users/"+user.ID+"/statement.xlsx", user.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "statement_learner_")

	f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Statement")
	require.NoError(t, err)
	assert.Len(t, rows, 5)

	rec = env.do(http.MethodGet, "/api/v1/users/"+user.ID+"/reconcile", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"consistent":true`)
}

func TestHTTPHealth(t *testing.T) {
	env := newAPIEnv(t, defaultAPIConfig())

	rec := env.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready"}`, rec.Body.String())
}

func TestHTTPAuth(t *testing.T) {
	cfg := defaultAPIConfig()
	cfg.Auth = config.APIAuthConfig{
		Enabled:      true,
		HeaderAPIKey: "X-API-Key",
		APIKeys: []config.APIClientKey{
			{Key: "reader", Name: "dashboard", Permissions: []string{"read"}},
			{Key: "writer", Name: "frontend", Permissions: []string{"read", "write"}},
			{Key: "root", Name: "ops", Permissions: []string{"admin"}},
		},
	}
	env := newAPIEnv(t, cfg)
	body := registerUserRequest{Username: "ada", Email: "ada@example.com"}

	rec := env.do(http.MethodGet, "/api/v1/slots", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodGet, "/api/v1/slots", "", nil, "X-API-Key", "bogus")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodGet, "/api/v1/slots", "", nil, "X-API-Key", "reader")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodPost, "/api/v1/users", "", body, "X-API-Key", "reader")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodPost, "/api/v1/users", "", body, "X-API-Key", "writer")
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(http.MethodGet, "/api/v1/ledger/reconcile", "", nil, "X-API-Key", "writer")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodGet, "/api/v1/ledger/reconcile", "", nil, "X-API-Key", "root")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTPRateLimit(t *testing.T) {
	cfg := defaultAPIConfig()
	cfg.RateLimit = config.APIRateLimitConfig{RPS: 0.001, Burst: 1}
	env := newAPIEnv(t, cfg)

	rec := env.do(http.MethodGet, "/api/v1/slots", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/api/v1/slots", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	cfg := defaultAPIConfig()
	cfg.CORSOrigins = []string{"https://app.example.com"}
	env := newAPIEnv(t, cfg)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/slots", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	env.http.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
