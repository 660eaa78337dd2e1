package service

import (
	"context"
	"net/mail"
	"strings"

	"timebank/internal/domain"
	"timebank/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type UserService struct {
	store         domain.Store
	ledger        *LedgerService
	signupCredits int64
	logger        *zerolog.Logger
}

func NewUserService(store domain.Store, ledger *LedgerService, signupCredits int64, logger *zerolog.Logger) *UserService {
	return &UserService{
		store:         store,
		ledger:        ledger,
		signupCredits: signupCredits,
		logger:        logger,
	}
}

// RegisterUser creates a user and posts the signup grant in the same
// transaction, so a new user's balance is backed by a ledger entry.
func (s *UserService) RegisterUser(ctx context.Context, username, email, displayName string) (*models.User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if username == "" {
		return nil, domain.Invalid("username", "required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, domain.Invalid("email", "invalid address")
	}

	user := &models.User{
		ID:          uuid.New().String(),
		Username:    username,
		Email:       strings.ToLower(email),
		DisplayName: strings.TrimSpace(displayName),
	}

	err := s.store.WithTx(ctx, func(tx domain.Tx) error {
		if err := tx.CreateUser(ctx, user); err != nil {
			return err
		}
		if s.signupCredits > 0 {
			balance, err := s.ledger.PostGrant(ctx, tx, user.ID, s.signupCredits)
			if err != nil {
				return err
			}
			user.CreditBalance = balance
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("user_id", user.ID).Str("username", user.Username).Msg("user registered")
	return user, nil
}

func (s *UserService) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.store.GetUser(ctx, id)
}

// EnsureUser returns the user with the given username, registering it if absent.
func (s *UserService) EnsureUser(ctx context.Context, username, email, displayName string) (*models.User, bool, error) {
	existing, err := s.store.GetUserByUsername(ctx, username)
	if err == nil {
		return existing, false, nil
	}
	if !isNotFound(err) {
		return nil, false, err
	}
	u, err := s.RegisterUser(ctx, username, email, displayName)
	return u, err == nil, err
}
