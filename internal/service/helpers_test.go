package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"timebank/internal/database"
	"timebank/internal/domain"
	"timebank/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().UTC().Truncate(time.Second)}
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

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishJSON(eventType string, payload interface{}) error {
	return m.Called(eventType, payload).Error(0)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, taskID string) {
	m.Called(ctx, taskID)
}

type mockLimiter struct {
	mock.Mock
}

func (m *mockLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	args := m.Called(ctx, key, limit, window)
	return args.Bool(0), args.Error(1)
}

type testEnv struct {
	db       *database.DB
	clock    *testClock
	ledger   *LedgerService
	users    *UserService
	slots    *SlotService
	bookings *BookingService
	reviews  *ReviewService
}

func newTestEnv(t *testing.T, opts ...BookingOption) *testEnv {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewSQLite(filepath.Join(t.TempDir(), "timebank.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := newTestClock()
	ledger := NewLedgerService(db, &logger)
	opts = append([]BookingOption{WithClock(clock.Now)}, opts...)

	return &testEnv{
		db:       db,
		clock:    clock,
		ledger:   ledger,
		users:    NewUserService(db, ledger, 0, &logger),
		slots:    NewSlotService(db, &logger, clock.Now),
		bookings: NewBookingService(db, ledger, &logger, opts...),
		reviews:  NewReviewService(db, &logger),
	}
}

func (e *testEnv) user(t *testing.T, name string, credits int64) *models.User {
	t.Helper()
	ctx := context.Background()
	u, err := e.users.RegisterUser(ctx, name, name+"@example.com", name)
	require.NoError(t, err)
	if credits > 0 {
		require.NoError(t, e.db.WithTx(ctx, func(tx domain.Tx) error {
			_, err := e.ledger.PostGrant(ctx, tx, u.ID, credits)
			return err
		}))
		u.CreditBalance = credits
	}
	return u
}

func (e *testEnv) slot(t *testing.T, mentor *models.User, cost int64) *models.Slot {
	t.Helper()
	s, err := e.slots.CreateSlot(context.Background(), mentor.ID, &models.Slot{
		Title:           "Code review clinic",
		StartsAt:        e.clock.Now().Add(time.Hour),
		DurationMinutes: 60,
		Cost:            cost,
	})
	require.NoError(t, err)
	return s
}

func (e *testEnv) balance(t *testing.T, userID string) int64 {
	t.Helper()
	b, err := e.ledger.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func (e *testEnv) requireInvariants(t *testing.T) {
	t.Helper()
	require.NoError(t, e.ledger.CheckInvariants(context.Background()))
}

func (e *testEnv) slotStatus(t *testing.T, slotID string) models.SlotStatus {
	t.Helper()
	s, err := e.db.GetSlot(context.Background(), slotID)
	require.NoError(t, err)
	return s.Status
}
