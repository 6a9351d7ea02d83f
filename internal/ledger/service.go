// Package ledger is the single source of truth for every balance-affecting
// event. All balance mutations go through Apply; no other code path writes
// wallet balances.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/engagehub/engagehub/pkg/metrics"
	"github.com/engagehub/engagehub/pkg/models"
)

var (
	ErrInsufficientBalance = errors.New("insufficient wallet balance")
	ErrReferenceConflict   = errors.New("reference reused with a different amount")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidKind         = errors.New("invalid entry kind")
	ErrMissingReference    = errors.New("missing reference")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// EntryFilter narrows ListEntries results.
type EntryFilter struct {
	Kind   models.EntryKind
	Status string
	Limit  int
	Offset int
}

// Service is the ledger command/query surface exposed to collaborators.
type Service interface {
	Apply(ctx context.Context, userID uuid.UUID, kind models.EntryKind, amount decimal.Decimal, reference, description string, metadata models.JSONMap) (*models.LedgerEntry, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error)
	ListEntries(ctx context.Context, userID uuid.UUID, filter EntryFilter) ([]*models.LedgerEntry, int64, error)
	ReplayBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error)
}

// service implements Service on GORM with an optional Redis read cache.
type service struct {
	logger *zap.Logger
	db     *gorm.DB
	cache  *redis.Client // nil disables caching

	muMap     map[uuid.UUID]*sync.Mutex
	muMapLock sync.Mutex

	maxRetries   int
	retryBackoff time.Duration
}

// NewService creates a ledger service. cache may be nil.
func NewService(logger *zap.Logger, db *gorm.DB, cache *redis.Client) (Service, error) {
	return &service{
		logger:       logger,
		db:           db,
		cache:        cache,
		muMap:        make(map[uuid.UUID]*sync.Mutex),
		maxRetries:   3,
		retryBackoff: 100 * time.Millisecond,
	}, nil
}

// Apply records one balance-affecting event as a single atomic unit: the
// entry write and the balance projection update commit together or not at
// all. Calls for the same user are serialized by a per-user mutex so two
// concurrent debits cannot both pass the balance check. A duplicate
// reference with an identical amount returns the existing entry and writes
// nothing; a duplicate reference with a different amount is rejected.
func (s *service) Apply(ctx context.Context, userID uuid.UUID, kind models.EntryKind, amount decimal.Decimal, reference, description string, metadata models.JSONMap) (*models.LedgerEntry, error) {
	if !models.ValidEntryKind(kind) {
		metrics.LedgerApplyRejected.WithLabelValues("invalid_input").Inc()
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if amount.IsZero() {
		metrics.LedgerApplyRejected.WithLabelValues("invalid_input").Inc()
		return nil, fmt.Errorf("%w: amount must be non-zero", ErrInvalidAmount)
	}
	if reference == "" {
		metrics.LedgerApplyRejected.WithLabelValues("invalid_input").Inc()
		return nil, ErrMissingReference
	}

	mu := s.userMutex(userID)
	mu.Lock()
	defer mu.Unlock()

	var entry *models.LedgerEntry
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(s.retryBackoff)
			s.logger.Warn("Retrying ledger apply",
				zap.String("user_id", userID.String()),
				zap.String("reference", reference),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
		}
		entry, err = s.applyOnce(ctx, userID, kind, amount, reference, description, metadata)
		if err == nil || !isRetryableError(err) {
			break
		}
	}
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficientBalance):
			metrics.LedgerApplyRejected.WithLabelValues("insufficient_balance").Inc()
		case errors.Is(err, ErrReferenceConflict):
			metrics.LedgerApplyRejected.WithLabelValues("reference_conflict").Inc()
		}
		return nil, err
	}

	s.invalidateCache(ctx, userID)
	metrics.LedgerEntriesWritten.WithLabelValues(string(kind)).Inc()
	return entry, nil
}

func (s *service) applyOnce(ctx context.Context, userID uuid.UUID, kind models.EntryKind, amount decimal.Decimal, reference, description string, metadata models.JSONMap) (*models.LedgerEntry, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", tx.Error)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			s.logger.Error("Panic during ledger apply",
				zap.String("user_id", userID.String()),
				zap.Any("panic", r))
		}
	}()

	// Idempotent retry support: a reference identifies one causal event.
	var existing models.LedgerEntry
	err := tx.Where("reference = ?", reference).First(&existing).Error
	if err == nil {
		tx.Rollback()
		if existing.Amount.Equal(amount) && existing.Kind == kind {
			return &existing, nil
		}
		return nil, fmt.Errorf("%w: reference %q", ErrReferenceConflict, reference)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		tx.Rollback()
		return nil, fmt.Errorf("failed to check reference: %w", err)
	}

	// Row-lock the balance projection for the duration of the write.
	var balance models.WalletBalance
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("user_id = ?", userID).First(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		balance = models.WalletBalance{UserID: userID, Balance: decimal.Zero, UpdatedAt: time.Now()}
		if err := tx.Create(&balance).Error; err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("failed to create balance row: %w", err)
		}
	} else if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to load balance: %w", err)
	}

	balanceBefore := balance.Balance
	balanceAfter := balanceBefore.Add(amount)
	if balanceAfter.IsNegative() {
		tx.Rollback()
		return nil, fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientBalance, balanceBefore, amount)
	}

	entry := &models.LedgerEntry{
		ID:            uuid.New(),
		UserID:        userID,
		Kind:          kind,
		Amount:        amount,
		BalanceBefore: balanceBefore,
		BalanceAfter:  balanceAfter,
		Reference:     reference,
		Description:   description,
		Metadata:      metadata,
		Status:        models.EntryStatusCompleted,
		CreatedAt:     time.Now(),
	}
	if err := tx.Create(entry).Error; err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to create ledger entry: %w", err)
	}

	balance.Balance = balanceAfter
	balance.UpdatedAt = time.Now()
	if err := tx.Save(&balance).Error; err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	if err := tx.Commit().Error; err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return entry, nil
}

// GetBalance returns the cached current balance for a user. Users without
// any ledger history have a zero balance.
func (s *service) GetBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	if s.cache != nil {
		if val, err := s.cache.Get(ctx, balanceKey(userID)).Result(); err == nil {
			if d, derr := decimal.NewFromString(val); derr == nil {
				return d, nil
			}
		}
	}

	var balance models.WalletBalance
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load balance: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, balanceKey(userID), balance.Balance.String(), 5*time.Minute).Err(); err != nil {
			s.logger.Warn("Failed to cache balance", zap.String("user_id", userID.String()), zap.Error(err))
		}
	}
	return balance.Balance, nil
}

// ListEntries returns a user's ledger entries, newest first.
func (s *service) ListEntries(ctx context.Context, userID uuid.UUID, filter EntryFilter) ([]*models.LedgerEntry, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.LedgerEntry{}).Where("user_id = ?", userID)
	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count entries: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var entries []*models.LedgerEntry
	if err := query.Order("created_at DESC").Limit(limit).Offset(filter.Offset).Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list entries: %w", err)
	}
	return entries, total, nil
}

// ReplayBalance recomputes a user's balance from the full entry chain.
// The cached projection is an optimization; this is the ground truth.
func (s *service) ReplayBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	var entries []*models.LedgerEntry
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at ASC").Find(&entries).Error; err != nil {
		return decimal.Zero, fmt.Errorf("failed to load entries: %w", err)
	}

	balance := decimal.Zero
	for _, e := range entries {
		if !e.BalanceBefore.Equal(balance) {
			return decimal.Zero, fmt.Errorf("ledger chain broken at entry %s: balance_before %s, running balance %s",
				e.ID, e.BalanceBefore, balance)
		}
		balance = balance.Add(e.Amount)
		if !e.BalanceAfter.Equal(balance) {
			return decimal.Zero, fmt.Errorf("ledger chain broken at entry %s: balance_after %s, expected %s",
				e.ID, e.BalanceAfter, balance)
		}
	}
	return balance, nil
}

func (s *service) userMutex(userID uuid.UUID) *sync.Mutex {
	s.muMapLock.Lock()
	defer s.muMapLock.Unlock()
	mu, ok := s.muMap[userID]
	if !ok {
		mu = &sync.Mutex{}
		s.muMap[userID] = mu
	}
	return mu
}

func (s *service) invalidateCache(ctx context.Context, userID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, balanceKey(userID)).Err(); err != nil {
		s.logger.Warn("Failed to invalidate balance cache",
			zap.String("user_id", userID.String()), zap.Error(err))
	}
}

func balanceKey(userID uuid.UUID) string {
	return "wallet:balance:" + userID.String()
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConcurrencyConflict) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock detected") ||
		strings.Contains(msg, "could not serialize access") ||
		strings.Contains(msg, "lock_timeout") ||
		strings.Contains(msg, "database is locked")
}
