package database

import (
	"context"
	"fmt"
	"time"

	"timebank/internal/domain"
	"timebank/internal/models"
)

const userColumns = `id, username, email, display_name, credit_balance, created_at, updated_at`

func (q *queries) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	if err := q.get(ctx, &u, `SELECT `+userColumns+` FROM users WHERE id = ?`, id); err != nil {
		return nil, notFound(err, "user", id)
	}
	return &u, nil
}

func (q *queries) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var u models.User
	if err := q.get(ctx, &u, `SELECT `+userColumns+` FROM users WHERE username = ?`, username); err != nil {
		return nil, notFound(err, "user", username)
	}
	return &u, nil
}

func (q *queries) ListUsers(ctx context.Context) ([]*models.User, error) {
	var users []*models.User
	if err := q.selectAll(ctx, &users, `SELECT `+userColumns+` FROM users ORDER BY created_at, id`); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

// CreateUser inserts a user with a zero balance; credits arrive only through
// ledger entries.
func (q *queries) CreateUser(ctx context.Context, u *models.User) error {
	now := time.Now().UTC()
	u.CreditBalance = 0
	u.CreatedAt = now
	u.UpdatedAt = now

	_, err := q.exec(ctx, `INSERT INTO users (id, username, email, display_name, credit_balance, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		u.ID, u.Username, u.Email, u.DisplayName, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %s: %w", u.Username, domain.ErrDuplicate)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (q *queries) RecomputeBalance(ctx context.Context, userID string) (int64, error) {
	n, err := q.exec(ctx, `UPDATE users
		SET credit_balance = (SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE user_id = ?),
		    updated_at = ?
		WHERE id = ?`, userID, time.Now().UTC(), userID)
	if err != nil {
		return 0, fmt.Errorf("failed to recompute balance: %w", err)
	}
	if n == 0 {
		return 0, domain.NotFound("user", userID)
	}

	var balance int64
	if err := q.get(ctx, &balance, `SELECT credit_balance FROM users WHERE id = ?`, userID); err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}
