// Package identities is the read surface over the externally owned user
// records: role, KYC status and reputation. The core never mutates users
// except through the documented state transitions here.
package identities

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/engagehub/engagehub/pkg/models"
)

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrKYCRequired   = errors.New("KYC verification required for this balance")
	ErrUserSuspended = errors.New("user is suspended")
)

// BalanceSource reads the ledger-backed wallet balance. The ledger is the
// only source of truth for balances; users carry no balance column.
type BalanceSource interface {
	GetBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error)
}

// Service exposes user lookups and the KYC eligibility gate.
type Service struct {
	logger               *zap.Logger
	db                   *gorm.DB
	balances             BalanceSource
	kycRequiredThreshold decimal.Decimal
}

// NewService creates an identities service. Users whose ledger balance is
// at or above kycRequiredThreshold must have verified KYC to withdraw.
func NewService(logger *zap.Logger, db *gorm.DB, balances BalanceSource, kycRequiredThreshold float64) (*Service, error) {
	if balances == nil {
		return nil, errors.New("balance source is required")
	}
	return &Service{
		logger:               logger,
		db:                   db,
		balances:             balances,
		kycRequiredThreshold: decimal.NewFromFloat(kycRequiredThreshold),
	}, nil
}

// GetUser returns an active user by id. Deleted users are filtered out.
func (s *Service) GetUser(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).
		Where("id = ? AND state <> ?", userID, models.UserStateDeleted).
		First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &user, nil
}

// CanWithdraw implements the wallet eligibility gate: suspended users may
// never withdraw, and balances above the configured threshold require
// verified KYC.
func (s *Service) CanWithdraw(ctx context.Context, userID uuid.UUID) error {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.State == models.UserStateSuspended {
		return ErrUserSuspended
	}
	if user.KYCStatus == models.KYCVerified {
		return nil
	}
	balance, err := s.balances.GetBalance(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load balance: %w", err)
	}
	if balance.GreaterThanOrEqual(s.kycRequiredThreshold) {
		return fmt.Errorf("%w: balance %s, threshold %s", ErrKYCRequired, balance, s.kycRequiredThreshold)
	}
	return nil
}

// ReputationScore returns a user's current reputation.
func (s *Service) ReputationScore(ctx context.Context, userID uuid.UUID) (float64, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return user.ReputationScore, nil
}
