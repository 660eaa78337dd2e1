package models

import "time"

// User is a marketplace participant. CreditBalance is a cache of the sum of
// the user's ledger entries and is only written by the ledger.
type User struct {
	ID            string    `json:"id" db:"id"`
	Username      string    `json:"username" db:"username"`
	Email         string    `json:"email" db:"email"`
	DisplayName   string    `json:"display_name" db:"display_name"`
	CreditBalance int64     `json:"credit_balance" db:"credit_balance"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}
