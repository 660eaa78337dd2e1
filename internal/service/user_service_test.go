package service

import (
	"context"
	"path/filepath"
	"testing"

	"timebank/internal/database"
	"timebank/internal/domain"
	"timebank/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterUserWithSignupGrant(t *testing.T) {
	logger := zerolog.Nop()
	db, err := database.NewSQLite(filepath.Join(t.TempDir(), "users.db"), &logger)
	require.NoError(t, err)
	defer db.Close()

	ledger := NewLedgerService(db, &logger)
	users := NewUserService(db, ledger, 5, &logger)
	ctx := context.Background()

	u, err := users.RegisterUser(ctx, " bob ", "Bob@Example.com", "Bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", u.Username)
	assert.Equal(t, "bob@example.com", u.Email)
	assert.Equal(t, int64(5), u.CreditBalance)

	entries, err := ledger.ListEntries(ctx, u.ID, models.LedgerFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.EntryCredit, entries[0].Kind)
	assert.Nil(t, entries[0].BookingID)
	require.NoError(t, ledger.CheckInvariants(ctx))

	_, err = users.RegisterUser(ctx, "bob", "other@example.com", "")
	assert.ErrorIs(t, err, domain.ErrDuplicate)

	_, err = users.RegisterUser(ctx, "", "x@example.com", "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = users.RegisterUser(ctx, "carol", "not-an-email", "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	again, created, err := users.EnsureUser(ctx, "bob", "bob@example.com", "Bob")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, u.ID, again.ID)

	carol, created, err := users.EnsureUser(ctx, "carol", "carol@example.com", "Carol")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(5), carol.CreditBalance)

	_, err = users.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
