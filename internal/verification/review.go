package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/engagehub/engagehub/internal/ledger"
	"github.com/engagehub/engagehub/pkg/metrics"
	"github.com/engagehub/engagehub/pkg/models"
)

var (
	ErrReviewNotFound   = errors.New("review item not found")
	ErrReviewCompleted  = errors.New("review item already decided")
	ErrInvalidDecision  = errors.New("invalid review decision")
	ErrReviewUnassigned = errors.New("review item is not assigned")
)

// ReviewQueue holds job attempts waiting for a human decision. Every item
// is decided exactly once; approval pays through the same ledger reference
// the automated path uses, so an attempt can never be paid twice.
type ReviewQueue struct {
	logger *zap.Logger
	db     *gorm.DB
	ledger ledger.Service
}

// NewReviewQueue creates a manual review queue.
func NewReviewQueue(logger *zap.Logger, db *gorm.DB, ledgerSvc ledger.Service) *ReviewQueue {
	return &ReviewQueue{logger: logger, db: db, ledger: ledgerSvc}
}

// Enqueue adds an attempt to the queue. Re-enqueueing an attempt that is
// already queued returns the existing item.
func (q *ReviewQueue) Enqueue(ctx context.Context, attemptID, sessionID uuid.UUID, priority string, indicators []string, evidence models.JSONMap) (*models.ManualReviewItem, error) {
	var existing models.ManualReviewItem
	err := q.db.WithContext(ctx).Where("job_attempt_id = ?", attemptID).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to check review queue: %w", err)
	}

	if priority == "" {
		priority = models.ReviewPriorityNormal
	}
	item := &models.ManualReviewItem{
		ID:              uuid.New(),
		JobAttemptID:    attemptID,
		SessionID:       sessionID,
		Priority:        priority,
		Status:          models.ReviewStatusPending,
		FraudIndicators: indicators,
		Evidence:        evidence,
		QueuedAt:        time.Now(),
	}
	if err := q.db.WithContext(ctx).Create(item).Error; err != nil {
		return nil, fmt.Errorf("failed to enqueue review item: %w", err)
	}
	q.updateDepthMetric(ctx)
	return item, nil
}

// Assign moves a pending item to in_review for a moderator.
func (q *ReviewQueue) Assign(ctx context.Context, itemID, moderatorID uuid.UUID) error {
	now := time.Now()
	result := q.db.WithContext(ctx).Model(&models.ManualReviewItem{}).
		Where("id = ? AND status = ?", itemID, models.ReviewStatusPending).
		Updates(map[string]interface{}{
			"status":         models.ReviewStatusInReview,
			"assigned_to_id": moderatorID,
			"started_at":     now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to assign review item: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		var item models.ManualReviewItem
		if err := q.db.WithContext(ctx).Where("id = ?", itemID).First(&item).Error; err != nil {
			return ErrReviewNotFound
		}
		return fmt.Errorf("%w: status %s", ErrReviewCompleted, item.Status)
	}
	return nil
}

// Decide records the moderator's decision. Approval credits the earner and
// marks the attempt verified; rejection marks it failed. The completed-item
// guard makes the decision single-shot.
func (q *ReviewQueue) Decide(ctx context.Context, itemID, moderatorID uuid.UUID, decision, reason string) error {
	if decision != models.ReviewDecisionApprove && decision != models.ReviewDecisionReject {
		return fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}

	var item models.ManualReviewItem
	err := q.db.WithContext(ctx).Where("id = ?", itemID).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrReviewNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load review item: %w", err)
	}
	if item.Status == models.ReviewStatusCompleted {
		return ErrReviewCompleted
	}

	var attempt models.JobAttempt
	if err := q.db.WithContext(ctx).Where("id = ?", item.JobAttemptID).First(&attempt).Error; err != nil {
		return fmt.Errorf("failed to load attempt: %w", err)
	}
	var job models.Job
	if err := q.db.WithContext(ctx).Where("id = ?", attempt.JobID).First(&job).Error; err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}

	if decision == models.ReviewDecisionApprove {
		// Same reference as the automated path, and issued before the state
		// flip: a prior credit makes this a no-op, and a failed transaction
		// leaves the item undecided for a clean retry.
		_, err := q.ledger.Apply(ctx, attempt.EarnerID, models.EntryKindCredit, job.RewardAmount,
			"job-completion:"+job.ID.String(),
			fmt.Sprintf("reward for job %s (manual review)", job.ID),
			models.JSONMap{"job_attempt_id": attempt.ID.String(), "review_item_id": itemID.String()})
		if err != nil {
			return fmt.Errorf("failed to credit earner: %w", err)
		}
	}

	now := time.Now()
	err = q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Single-shot guard: only an undecided item can transition.
		result := tx.Model(&models.ManualReviewItem{}).
			Where("id = ? AND status <> ?", itemID, models.ReviewStatusCompleted).
			Updates(map[string]interface{}{
				"status":          models.ReviewStatusCompleted,
				"decision":        decision,
				"decision_reason": reason,
				"assigned_to_id":  moderatorID,
				"completed_at":    now,
			})
		if result.Error != nil {
			return fmt.Errorf("failed to complete review item: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrReviewCompleted
		}

		if decision == models.ReviewDecisionApprove {
			if err := tx.Model(&attempt).Updates(map[string]interface{}{
				"verification_status": models.AttemptStatusVerified,
				"verified_by_id":      moderatorID,
				"verified_at":         now,
			}).Error; err != nil {
				return fmt.Errorf("failed to update attempt: %w", err)
			}
			if err := tx.Model(&job).Updates(map[string]interface{}{
				"status":      models.JobStatusVerified,
				"verified_at": now,
			}).Error; err != nil {
				return fmt.Errorf("failed to update job: %w", err)
			}
			if err := tx.Model(&models.Campaign{}).Where("id = ?", job.CampaignID).Updates(map[string]interface{}{
				"jobs_verified":  gorm.Expr("jobs_verified + 1"),
				"jobs_completed": gorm.Expr("jobs_completed + 1"),
				"reserved_funds": gorm.Expr("reserved_funds - ?", job.RewardAmount),
			}).Error; err != nil {
				return fmt.Errorf("failed to update campaign: %w", err)
			}
		} else {
			if err := tx.Model(&attempt).Updates(map[string]interface{}{
				"verification_status": models.AttemptStatusFailed,
				"verified_by_id":      moderatorID,
			}).Error; err != nil {
				return fmt.Errorf("failed to update attempt: %w", err)
			}
			if err := tx.Model(&job).Update("status", models.JobStatusFailed).Error; err != nil {
				return fmt.Errorf("failed to update job: %w", err)
			}
			if err := tx.Model(&models.Campaign{}).Where("id = ?", job.CampaignID).
				Update("jobs_failed", gorm.Expr("jobs_failed + 1")).Error; err != nil {
				return fmt.Errorf("failed to update campaign: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	q.updateDepthMetric(ctx)
	return nil
}

// Escalate hands an item to a senior reviewer. Escalated items stay
// undecided and keep accepting a Decide call.
func (q *ReviewQueue) Escalate(ctx context.Context, itemID, escalateToID uuid.UUID, reason string) error {
	result := q.db.WithContext(ctx).Model(&models.ManualReviewItem{}).
		Where("id = ? AND status <> ?", itemID, models.ReviewStatusCompleted).
		Updates(map[string]interface{}{
			"status":            models.ReviewStatusEscalated,
			"escalated_to_id":   escalateToID,
			"escalation_reason": reason,
			"priority":          models.ReviewPriorityUrgent,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to escalate review item: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		var item models.ManualReviewItem
		if err := q.db.WithContext(ctx).Where("id = ?", itemID).First(&item).Error; err != nil {
			return ErrReviewNotFound
		}
		return ErrReviewCompleted
	}
	return nil
}

// ListPending returns undecided items, most urgent first, oldest first
// within a priority.
func (q *ReviewQueue) ListPending(ctx context.Context, limit int) ([]*models.ManualReviewItem, error) {
	if limit <= 0 {
		limit = 50
	}
	var items []*models.ManualReviewItem
	err := q.db.WithContext(ctx).
		Where("status IN ?", []string{models.ReviewStatusPending, models.ReviewStatusInReview, models.ReviewStatusEscalated}).
		Order(priorityOrder() + ", queued_at ASC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list review items: %w", err)
	}
	return items, nil
}

func (q *ReviewQueue) updateDepthMetric(ctx context.Context) {
	var depth int64
	if err := q.db.WithContext(ctx).Model(&models.ManualReviewItem{}).
		Where("status <> ?", models.ReviewStatusCompleted).
		Count(&depth).Error; err == nil {
		metrics.ManualReviewQueueDepth.Set(float64(depth))
	}
}

func priorityOrder() string {
	return "CASE priority WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'normal' THEN 2 ELSE 3 END"
}
