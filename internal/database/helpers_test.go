package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"timebank/internal/domain"
	"timebank/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := NewSQLite(filepath.Join(t.TempDir(), "timebank.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedUser(t *testing.T, db *DB, name string) *models.User {
	t.Helper()
	u := &models.User{ID: uuid.New().String(), Username: name, Email: name + "@example.com"}
	require.NoError(t, db.WithTx(context.Background(), func(tx domain.Tx) error {
		return tx.CreateUser(context.Background(), u)
	}))
	return u
}

func seedSlot(t *testing.T, db *DB, mentor *models.User, start time.Time, cost int64) *models.Slot {
	t.Helper()
	s := &models.Slot{
		ID:              uuid.New().String(),
		MentorID:        mentor.ID,
		Title:           "Pairing session",
		StartsAt:        start,
		DurationMinutes: 60,
		Cost:            cost,
	}
	require.NoError(t, db.WithTx(context.Background(), func(tx domain.Tx) error {
		return tx.CreateSlot(context.Background(), s)
	}))
	return s
}

func grant(t *testing.T, db *DB, user *models.User, amount int64) {
	t.Helper()
	require.NoError(t, db.WithTx(context.Background(), func(tx domain.Tx) error {
		ctx := context.Background()
		if err := tx.InsertLedgerEntry(ctx, &models.LedgerEntry{
			ID:           uuid.New().String(),
			UserID:       user.ID,
			Kind:         models.EntryCredit,
			Amount:       amount,
			BalanceAfter: user.CreditBalance + amount,
		}); err != nil {
			return err
		}
		_, err := tx.RecomputeBalance(ctx, user.ID)
		return err
	}))
	user.CreditBalance += amount
}

func strPtr(s string) *string { return &s }
