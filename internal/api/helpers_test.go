package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"timebank/internal/config"
	"timebank/internal/database"
	"timebank/internal/models"
	"timebank/internal/service"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testUserHeader = "X-User-ID"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type apiEnv struct {
	t     *testing.T
	svc   Services
	clock *testClock
	http  *HTTPServer
}

func defaultAPIConfig() config.APIConfig {
	return config.APIConfig{HeaderUserID: testUserHeader}
}

func newAPIEnv(t *testing.T, cfg config.APIConfig) *apiEnv {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewSQLite(filepath.Join(t.TempDir(), "api.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := &testClock{now: time.Now().UTC().Truncate(time.Second)}
	ledger := service.NewLedgerService(db, &logger)
	svc := Services{
		Users:    service.NewUserService(db, ledger, 10, &logger),
		Ledger:   ledger,
		Slots:    service.NewSlotService(db, &logger, clock.Now),
		Bookings: service.NewBookingService(db, ledger, &logger, service.WithClock(clock.Now)),
		Reviews:  service.NewReviewService(db, &logger),
		DB:       db,
	}

	srv := NewHTTPServer(cfg, svc, &logger)
	srv.now = clock.Now
	return &apiEnv{t: t, svc: svc, clock: clock, http: srv}
}

// do sends a request as actor (empty for none) and returns the recorder.
func (e *apiEnv) do(method, path, actor string, body any, headers ...string) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(testUserHeader, actor)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.http.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *apiEnv) register(name string) *models.User {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/api/v1/users", "", registerUserRequest{
		Username: name, Email: name + "@example.com", DisplayName: name,
	})
	require.Equal(e.t, http.StatusCreated, rec.Code, rec.Body.String())
	var u models.User
	decode(e.t, rec, &u)
	return &u
}

func (e *apiEnv) createSlot(mentor *models.User, cost int64) *models.Slot {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/api/v1/slots", mentor.ID, slotRequest{
		Title:           "System design mock interview",
		StartsAt:        e.clock.Now().Add(time.Hour),
		DurationMinutes: 45,
		Cost:            cost,
	})
	require.Equal(e.t, http.StatusCreated, rec.Code, rec.Body.String())
	var s models.Slot
	decode(e.t, rec, &s)
	return &s
}

func (e *apiEnv) balance(userID string) int64 {
	e.t.Helper()
	rec := e.do(http.MethodGet, "/api/v1/users/"+userID+"/balance", userID, nil)
	require.Equal(e.t, http.StatusOK, rec.Code)
	var out struct {
		Balance int64 `json:"balance"`
	}
	decode(e.t, rec, &out)
	return out.Balance
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var out map[string]string
	decode(t, rec, &out)
	return out["code"]
}
