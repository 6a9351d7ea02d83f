// Package wallet wraps the ledger with the withdrawal lifecycle:
// pending -> processing -> completed | failed, pending -> cancelled.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/engagehub/engagehub/internal/ledger"
	"github.com/engagehub/engagehub/pkg/metrics"
	"github.com/engagehub/engagehub/pkg/models"
)

var (
	ErrInvalidAmount     = errors.New("withdrawal amount must be positive")
	ErrInsufficientFunds = errors.New("amount exceeds available balance")
	ErrInvalidState      = errors.New("invalid withdrawal state for this operation")
	ErrNotFound          = errors.New("withdrawal not found")
	ErrNotEligible       = errors.New("user is not eligible to withdraw")
)

// Eligibility is the KYC gate delegated to the user collaborator.
type Eligibility interface {
	CanWithdraw(ctx context.Context, userID uuid.UUID) error
}

// Service is the withdrawal surface exposed to users and admins.
type Service interface {
	RequestWithdrawal(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, method string, details models.JSONMap) (*models.Withdrawal, error)
	Process(ctx context.Context, withdrawalID, adminID uuid.UUID) (*models.Withdrawal, error)
	Complete(ctx context.Context, withdrawalID uuid.UUID, providerID string) (*models.Withdrawal, error)
	Fail(ctx context.Context, withdrawalID uuid.UUID, reason string) (*models.Withdrawal, error)
	Cancel(ctx context.Context, withdrawalID, userID uuid.UUID) (*models.Withdrawal, error)
	GetWithdrawals(ctx context.Context, userID uuid.UUID, status string, limit, offset int) ([]*models.Withdrawal, int64, error)
	AvailableBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error)
}

type service struct {
	logger      *zap.Logger
	db          *gorm.DB
	ledgerSvc   ledger.Service
	eligibility Eligibility
	feeRate     decimal.Decimal
}

// NewService creates a withdrawal service. feeRate is the platform
// withdrawal fee as a fraction of the requested amount.
func NewService(logger *zap.Logger, db *gorm.DB, ledgerSvc ledger.Service, eligibility Eligibility, feeRate float64) (Service, error) {
	if feeRate < 0 || feeRate >= 1 {
		return nil, fmt.Errorf("fee rate must be in [0,1): %f", feeRate)
	}
	return &service{
		logger:      logger,
		db:          db,
		ledgerSvc:   ledgerSvc,
		eligibility: eligibility,
		feeRate:     decimal.NewFromFloat(feeRate),
	}, nil
}

// AvailableBalance is the ledger balance minus the amounts already
// committed to other pending withdrawals. Processing withdrawals have
// already been debited from the ledger, so they are not subtracted twice.
func (s *service) AvailableBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	balance, err := s.ledgerSvc.GetBalance(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}

	var pending []models.Withdrawal
	err = s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, models.WithdrawalStatusPending).
		Find(&pending).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load pending withdrawals: %w", err)
	}

	reserved := decimal.Zero
	for _, w := range pending {
		reserved = reserved.Add(w.Amount)
	}
	return balance.Sub(reserved), nil
}

// RequestWithdrawal creates a pending withdrawal. The ledger is not
// touched until Process.
func (s *service) RequestWithdrawal(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, method string, details models.JSONMap) (*models.Withdrawal, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if err := s.eligibility.CanWithdraw(ctx, userID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotEligible, err)
	}

	available, err := s.AvailableBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if amount.GreaterThan(available) {
		return nil, fmt.Errorf("%w: available %s, requested %s", ErrInsufficientFunds, available, amount)
	}

	fee := amount.Mul(s.feeRate).Round(2)
	withdrawal := &models.Withdrawal{
		ID:             uuid.New(),
		UserID:         userID,
		Amount:         amount,
		Fee:            fee,
		NetAmount:      amount.Sub(fee),
		PaymentMethod:  method,
		PaymentDetails: details,
		Status:         models.WithdrawalStatusPending,
		RequestedAt:    time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(withdrawal).Error; err != nil {
		return nil, fmt.Errorf("failed to create withdrawal: %w", err)
	}

	metrics.WithdrawalTransitions.WithLabelValues(models.WithdrawalStatusPending).Inc()
	s.logger.Info("Withdrawal requested",
		zap.String("withdrawal_id", withdrawal.ID.String()),
		zap.String("user_id", userID.String()),
		zap.String("amount", amount.String()))
	return withdrawal, nil
}

// Process debits the ledger and moves the withdrawal to processing. If
// the ledger call fails the withdrawal stays pending and the caller may
// retry.
func (s *service) Process(ctx context.Context, withdrawalID, adminID uuid.UUID) (*models.Withdrawal, error) {
	withdrawal, err := s.lockWithdrawal(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}
	if withdrawal.Status != models.WithdrawalStatusPending {
		return nil, fmt.Errorf("%w: %s is %s, want pending", ErrInvalidState, withdrawalID, withdrawal.Status)
	}

	_, err = s.ledgerSvc.Apply(ctx, withdrawal.UserID, models.EntryKindDebit, withdrawal.Amount.Neg(),
		debitReference(withdrawal.ID),
		fmt.Sprintf("Withdrawal %s via %s", withdrawal.ID, withdrawal.PaymentMethod),
		models.JSONMap{
			"withdrawal_id":  withdrawal.ID.String(),
			"payment_method": withdrawal.PaymentMethod,
			"fee":            withdrawal.Fee.String(),
		})
	if err != nil {
		return nil, fmt.Errorf("failed to debit wallet: %w", err)
	}

	now := time.Now()
	withdrawal.Status = models.WithdrawalStatusProcessing
	withdrawal.ProcessedAt = &now
	withdrawal.ProcessedByID = &adminID
	if err := s.db.WithContext(ctx).Save(withdrawal).Error; err != nil {
		return nil, fmt.Errorf("failed to update withdrawal: %w", err)
	}

	metrics.WithdrawalTransitions.WithLabelValues(models.WithdrawalStatusProcessing).Inc()
	return withdrawal, nil
}

// Complete marks a processing withdrawal as paid out. Repeat calls with
// the same payout id are no-ops.
func (s *service) Complete(ctx context.Context, withdrawalID uuid.UUID, providerID string) (*models.Withdrawal, error) {
	withdrawal, err := s.lockWithdrawal(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}
	if withdrawal.Status == models.WithdrawalStatusCompleted {
		if withdrawal.ProviderID == providerID {
			return withdrawal, nil
		}
		return nil, fmt.Errorf("%w: %s already completed with payout %s", ErrInvalidState, withdrawalID, withdrawal.ProviderID)
	}
	if withdrawal.Status != models.WithdrawalStatusProcessing {
		return nil, fmt.Errorf("%w: %s is %s, want processing", ErrInvalidState, withdrawalID, withdrawal.Status)
	}

	now := time.Now()
	withdrawal.Status = models.WithdrawalStatusCompleted
	withdrawal.ProviderID = providerID
	withdrawal.CompletedAt = &now
	if err := s.db.WithContext(ctx).Save(withdrawal).Error; err != nil {
		return nil, fmt.Errorf("failed to update withdrawal: %w", err)
	}

	metrics.WithdrawalTransitions.WithLabelValues(models.WithdrawalStatusCompleted).Inc()
	return withdrawal, nil
}

// Fail aborts a withdrawal. A debited withdrawal gets exactly one
// compensating refund entry; reference-based idempotency in the ledger
// guards against double refunds.
func (s *service) Fail(ctx context.Context, withdrawalID uuid.UUID, reason string) (*models.Withdrawal, error) {
	withdrawal, err := s.lockWithdrawal(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}
	switch withdrawal.Status {
	case models.WithdrawalStatusProcessing:
		_, err = s.ledgerSvc.Apply(ctx, withdrawal.UserID, models.EntryKindRefund, withdrawal.Amount,
			refundReference(withdrawal.ID),
			fmt.Sprintf("Refund for failed withdrawal %s", withdrawal.ID),
			models.JSONMap{"withdrawal_id": withdrawal.ID.String(), "reason": reason})
		if err != nil {
			return nil, fmt.Errorf("failed to refund wallet: %w", err)
		}
	case models.WithdrawalStatusPending:
		// Never debited, nothing to refund.
	default:
		return nil, fmt.Errorf("%w: %s is %s, want pending or processing", ErrInvalidState, withdrawalID, withdrawal.Status)
	}

	withdrawal.Status = models.WithdrawalStatusFailed
	withdrawal.AdminNotes = reason
	if err := s.db.WithContext(ctx).Save(withdrawal).Error; err != nil {
		return nil, fmt.Errorf("failed to update withdrawal: %w", err)
	}

	metrics.WithdrawalTransitions.WithLabelValues(models.WithdrawalStatusFailed).Inc()
	s.logger.Info("Withdrawal failed",
		zap.String("withdrawal_id", withdrawal.ID.String()),
		zap.String("reason", reason))
	return withdrawal, nil
}

// Cancel aborts a pending withdrawal at the owner's request.
func (s *service) Cancel(ctx context.Context, withdrawalID, userID uuid.UUID) (*models.Withdrawal, error) {
	withdrawal, err := s.lockWithdrawal(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}
	if withdrawal.UserID != userID {
		return nil, ErrNotFound
	}
	if withdrawal.Status != models.WithdrawalStatusPending {
		return nil, fmt.Errorf("%w: %s is %s, want pending", ErrInvalidState, withdrawalID, withdrawal.Status)
	}

	withdrawal.Status = models.WithdrawalStatusCancelled
	if err := s.db.WithContext(ctx).Save(withdrawal).Error; err != nil {
		return nil, fmt.Errorf("failed to update withdrawal: %w", err)
	}

	metrics.WithdrawalTransitions.WithLabelValues(models.WithdrawalStatusCancelled).Inc()
	return withdrawal, nil
}

// GetWithdrawals lists withdrawals for a user, newest first.
func (s *service) GetWithdrawals(ctx context.Context, userID uuid.UUID, status string, limit, offset int) ([]*models.Withdrawal, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Withdrawal{}).Where("user_id = ?", userID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count withdrawals: %w", err)
	}

	if limit <= 0 {
		limit = 50
	}
	var withdrawals []*models.Withdrawal
	if err := query.Order("requested_at DESC").Limit(limit).Offset(offset).Find(&withdrawals).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list withdrawals: %w", err)
	}
	return withdrawals, total, nil
}

func (s *service) lockWithdrawal(ctx context.Context, withdrawalID uuid.UUID) (*models.Withdrawal, error) {
	var withdrawal models.Withdrawal
	err := s.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", withdrawalID).First(&withdrawal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load withdrawal: %w", err)
	}
	return &withdrawal, nil
}

func debitReference(id uuid.UUID) string  { return "withdrawal:" + id.String() }
func refundReference(id uuid.UUID) string { return "withdrawal-refund:" + id.String() }
