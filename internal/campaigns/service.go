// Package campaigns manages the promoter side of the marketplace: campaign
// funding, job fan-out, job acceptance and proof submission. Funding and
// refunds move money exclusively through the ledger, one reference per
// campaign lifecycle event.
package campaigns

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/engagehub/engagehub/internal/ledger"
	"github.com/engagehub/engagehub/pkg/models"
)

var (
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrInvalidState     = errors.New("invalid campaign state for this operation")
	ErrJobNotFound      = errors.New("job not found")
	ErrJobUnavailable   = errors.New("job is not available")
	ErrNotJobOwner      = errors.New("job belongs to a different earner")
	ErrOwnCampaign      = errors.New("promoters cannot work their own campaigns")
	ErrInvalidBudget    = errors.New("budget must cover quantity x price per action")
)

// Verifier starts asynchronous verification for a submitted attempt. It is
// satisfied by the verification service.
type Verifier interface {
	Submit(ctx context.Context, attemptID uuid.UUID) (uuid.UUID, error)
}

// AttemptSubmission carries the earner's proof for one job.
type AttemptSubmission struct {
	ProofData         models.JSONMap
	ScreenshotURLs    []string
	TrackingToken     string
	CommentText       string
	IPAddress         string
	UserAgent         string
	DeviceFingerprint string
}

// Service manages campaigns and their jobs.
type Service struct {
	logger         *zap.Logger
	db             *gorm.DB
	ledger         ledger.Service
	verifier       Verifier
	validate       *validator.Validate
	commissionRate decimal.Decimal
}

// NewService creates a campaigns service. commissionRate is the platform's
// cut of the campaign budget, in [0,1).
func NewService(logger *zap.Logger, db *gorm.DB, ledgerSvc ledger.Service, verifier Verifier, commissionRate float64) (*Service, error) {
	rate := decimal.NewFromFloat(commissionRate)
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("commission rate must be in [0,1): %s", rate)
	}
	return &Service{
		logger:         logger,
		db:             db,
		ledger:         ledgerSvc,
		verifier:       verifier,
		validate:       validator.New(),
		commissionRate: rate,
	}, nil
}

// CreateCampaign stores a draft campaign. No money moves until Fund.
func (s *Service) CreateCampaign(ctx context.Context, campaign *models.Campaign) error {
	if err := s.validate.Struct(campaign); err != nil {
		return fmt.Errorf("invalid campaign: %w", err)
	}
	expected := campaign.PricePerAction.Mul(decimal.NewFromInt(int64(campaign.Quantity)))
	if campaign.TotalBudget.LessThan(expected) {
		return fmt.Errorf("%w: budget %s, required %s", ErrInvalidBudget, campaign.TotalBudget, expected)
	}

	if campaign.ID == uuid.Nil {
		campaign.ID = uuid.New()
	}
	campaign.Status = models.CampaignStatusDraft
	campaign.ReservedFunds = decimal.Zero
	campaign.CreatedAt = time.Now()
	campaign.UpdatedAt = campaign.CreatedAt
	if err := s.db.WithContext(ctx).Create(campaign).Error; err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

// Fund reserves the campaign budget from the promoter's wallet and
// activates the campaign. The budget hold and the platform commission are
// separate ledger entries; both references derive from the campaign id, so
// a retried Fund never double-charges. Jobs are fanned out on activation.
func (s *Service) Fund(ctx context.Context, campaignID uuid.UUID) error {
	campaign, err := s.getCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign.Status != models.CampaignStatusDraft {
		return fmt.Errorf("%w: status %s", ErrInvalidState, campaign.Status)
	}

	_, err = s.ledger.Apply(ctx, campaign.PromoterID, models.EntryKindHold, campaign.TotalBudget.Neg(),
		"campaign-funding:"+campaign.ID.String(),
		fmt.Sprintf("budget hold for campaign %s", campaign.Title),
		models.JSONMap{"campaign_id": campaign.ID.String()})
	if err != nil {
		return fmt.Errorf("failed to reserve campaign budget: %w", err)
	}

	commission := decimal.Zero
	if s.commissionRate.IsPositive() {
		commission = campaign.TotalBudget.Mul(s.commissionRate).Round(8)
		_, err = s.ledger.Apply(ctx, campaign.PromoterID, models.EntryKindCommission, commission.Neg(),
			"campaign-commission:"+campaign.ID.String(),
			fmt.Sprintf("platform commission for campaign %s", campaign.Title),
			models.JSONMap{"campaign_id": campaign.ID.String()})
		if err != nil {
			// Undo the hold so a commission failure leaves no money reserved.
			if _, rerr := s.ledger.Apply(ctx, campaign.PromoterID, models.EntryKindRefund, campaign.TotalBudget,
				"campaign-funding-reversal:"+campaign.ID.String(),
				fmt.Sprintf("funding reversal for campaign %s", campaign.Title),
				models.JSONMap{"campaign_id": campaign.ID.String()}); rerr != nil {
				s.logger.Error("Failed to reverse budget hold after commission failure",
					zap.String("campaign_id", campaign.ID.String()), zap.Error(rerr))
			}
			return fmt.Errorf("failed to charge commission: %w", err)
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(campaign).Updates(map[string]interface{}{
			"status":              models.CampaignStatusActive,
			"reserved_funds":      campaign.TotalBudget,
			"platform_commission": commission,
			"updated_at":          time.Now(),
		}).Error; err != nil {
			return fmt.Errorf("failed to activate campaign: %w", err)
		}
		return s.createJobs(tx, campaign)
	})
	if err != nil {
		return err
	}

	s.logger.Info("Campaign funded",
		zap.String("campaign_id", campaign.ID.String()),
		zap.String("budget", campaign.TotalBudget.String()),
		zap.String("commission", commission.String()))
	return nil
}

// createJobs fans a funded campaign out into Quantity open jobs.
func (s *Service) createJobs(tx *gorm.DB, campaign *models.Campaign) error {
	existing := int64(0)
	if err := tx.Model(&models.Job{}).Where("campaign_id = ?", campaign.ID).Count(&existing).Error; err != nil {
		return fmt.Errorf("failed to count jobs: %w", err)
	}
	if existing > 0 {
		return nil
	}

	now := time.Now()
	jobs := make([]*models.Job, 0, campaign.Quantity)
	for i := 0; i < campaign.Quantity; i++ {
		jobs = append(jobs, &models.Job{
			ID:               uuid.New(),
			CampaignID:       campaign.ID,
			ActionType:       campaign.EngagementType,
			RewardAmount:     campaign.PricePerAction,
			TargetURL:        campaign.TargetURL,
			TargetIdentifier: campaign.TargetIdentifier,
			Status:           models.JobStatusOpen,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	}
	if err := tx.CreateInBatches(jobs, 100).Error; err != nil {
		return fmt.Errorf("failed to create jobs: %w", err)
	}
	return tx.Model(campaign).Update("jobs_created", campaign.Quantity).Error
}

// Pause stops new job acceptance without touching reserved funds.
func (s *Service) Pause(ctx context.Context, campaignID uuid.UUID) error {
	return s.transition(ctx, campaignID, models.CampaignStatusActive, models.CampaignStatusPaused)
}

// Resume reactivates a paused campaign.
func (s *Service) Resume(ctx context.Context, campaignID uuid.UUID) error {
	return s.transition(ctx, campaignID, models.CampaignStatusPaused, models.CampaignStatusActive)
}

// Cancel stops a campaign and refunds the unspent hold to the promoter.
// Rewards already paid stay with the earners; the refund equals the
// remaining reserved funds. Commission is not refunded.
func (s *Service) Cancel(ctx context.Context, campaignID uuid.UUID) error {
	campaign, err := s.getCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign.Status != models.CampaignStatusActive && campaign.Status != models.CampaignStatusPaused {
		return fmt.Errorf("%w: status %s", ErrInvalidState, campaign.Status)
	}

	refund := campaign.ReservedFunds
	if refund.IsPositive() {
		_, err = s.ledger.Apply(ctx, campaign.PromoterID, models.EntryKindRefund, refund,
			"campaign-refund:"+campaign.ID.String(),
			fmt.Sprintf("unspent budget refund for campaign %s", campaign.Title),
			models.JSONMap{"campaign_id": campaign.ID.String()})
		if err != nil {
			return fmt.Errorf("failed to refund unspent budget: %w", err)
		}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(campaign).Updates(map[string]interface{}{
			"status":         models.CampaignStatusCancelled,
			"reserved_funds": decimal.Zero,
			"updated_at":     time.Now(),
		}).Error; err != nil {
			return fmt.Errorf("failed to cancel campaign: %w", err)
		}
		// In-flight submissions keep verifying; only unstarted jobs close.
		if err := tx.Model(&models.Job{}).
			Where("campaign_id = ? AND status IN ?", campaign.ID,
				[]string{models.JobStatusOpen, models.JobStatusAccepted}).
			Update("status", models.JobStatusCancelled).Error; err != nil {
			return fmt.Errorf("failed to cancel open jobs: %w", err)
		}
		return nil
	})
}

// AcceptJob claims an open job for an earner.
func (s *Service) AcceptJob(ctx context.Context, jobID, earnerID uuid.UUID) error {
	var job models.Job
	err := s.db.WithContext(ctx).Where("id = ?", jobID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}

	campaign, err := s.getCampaign(ctx, job.CampaignID)
	if err != nil {
		return err
	}
	if campaign.PromoterID == earnerID {
		return ErrOwnCampaign
	}
	if campaign.Status != models.CampaignStatusActive {
		return fmt.Errorf("%w: campaign status %s", ErrJobUnavailable, campaign.Status)
	}

	now := time.Now()
	result := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", jobID, models.JobStatusOpen).
		Updates(map[string]interface{}{
			"status":      models.JobStatusAccepted,
			"earner_id":   earnerID,
			"accepted_at": now,
			"updated_at":  now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to accept job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: status %s", ErrJobUnavailable, job.Status)
	}
	return nil
}

// SubmitJob records the earner's proof as a job attempt and starts
// verification. The job moves to submitted; the outcome arrives
// asynchronously through the verification pipeline.
func (s *Service) SubmitJob(ctx context.Context, jobID, earnerID uuid.UUID, submission AttemptSubmission) (*models.JobAttempt, error) {
	var job models.Job
	err := s.db.WithContext(ctx).Where("id = ?", jobID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	if job.Status != models.JobStatusAccepted {
		return nil, fmt.Errorf("%w: status %s", ErrJobUnavailable, job.Status)
	}
	if job.EarnerID == nil || *job.EarnerID != earnerID {
		return nil, ErrNotJobOwner
	}

	now := time.Now()
	attempt := &models.JobAttempt{
		ID:                 uuid.New(),
		JobID:              job.ID,
		EarnerID:           earnerID,
		ProofData:          submission.ProofData,
		ScreenshotURLs:     submission.ScreenshotURLs,
		TrackingToken:      submission.TrackingToken,
		CommentText:        submission.CommentText,
		VerificationStatus: models.AttemptStatusPending,
		IPAddress:          submission.IPAddress,
		UserAgent:          submission.UserAgent,
		DeviceFingerprint:  submission.DeviceFingerprint,
		SubmittedAt:        now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(attempt).Error; err != nil {
			return fmt.Errorf("failed to create attempt: %w", err)
		}
		if err := tx.Model(&job).Updates(map[string]interface{}{
			"status":       models.JobStatusSubmitted,
			"submitted_at": now,
			"updated_at":   now,
		}).Error; err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.verifier != nil {
		if _, err := s.verifier.Submit(ctx, attempt.ID); err != nil {
			s.logger.Error("Failed to start verification",
				zap.String("attempt_id", attempt.ID.String()), zap.Error(err))
		}
	}
	return attempt, nil
}

// GetCampaign returns a campaign by id, excluding deleted ones.
func (s *Service) GetCampaign(ctx context.Context, campaignID uuid.UUID) (*models.Campaign, error) {
	return s.getCampaign(ctx, campaignID)
}

// ListJobs returns a campaign's jobs filtered by status. An empty status
// returns everything.
func (s *Service) ListJobs(ctx context.Context, campaignID uuid.UUID, status string, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.db.WithContext(ctx).Where("campaign_id = ?", campaignID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var jobs []*models.Job
	if err := query.Order("created_at ASC").Limit(limit).Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

func (s *Service) getCampaign(ctx context.Context, campaignID uuid.UUID) (*models.Campaign, error) {
	var campaign models.Campaign
	err := s.db.WithContext(ctx).
		Where("id = ? AND status <> ?", campaignID, models.CampaignStatusDeleted).
		First(&campaign).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCampaignNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign: %w", err)
	}
	return &campaign, nil
}

func (s *Service) transition(ctx context.Context, campaignID uuid.UUID, from, to string) error {
	result := s.db.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ? AND status = ?", campaignID, from).
		Updates(map[string]interface{}{"status": to, "updated_at": time.Now()})
	if result.Error != nil {
		return fmt.Errorf("failed to update campaign: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.getCampaign(ctx, campaignID); err != nil {
			return err
		}
		return ErrInvalidState
	}
	return nil
}
