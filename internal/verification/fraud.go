package verification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/engagehub/engagehub/pkg/metrics"
	"github.com/engagehub/engagehub/pkg/models"
)

var (
	ErrAlertNotFound = errors.New("fraud alert not found")
	ErrAlertClosed   = errors.New("fraud alert already resolved")
)

// FraudService accumulates suspicious signals per user and raises alerts
// when they cross the configured threshold. The alert lifecycle is fully
// independent of any verification decision.
type FraudService struct {
	logger         *zap.Logger
	db             *gorm.DB
	alertThreshold int
}

// NewFraudService creates a fraud service. alertThreshold is the indicator
// count at which a detection raises an alert.
func NewFraudService(logger *zap.Logger, db *gorm.DB, alertThreshold int) *FraudService {
	if alertThreshold <= 0 {
		alertThreshold = 3
	}
	return &FraudService{logger: logger, db: db, alertThreshold: alertThreshold}
}

// RecordDetection stores one detection for a user. When the indicator count
// reaches the threshold, an alert is raised with a severity that scales
// with how far past the threshold the count is.
func (f *FraudService) RecordDetection(ctx context.Context, userID uuid.UUID, attemptID *uuid.UUID, indicators []string) (*models.FraudDetection, error) {
	if len(indicators) == 0 {
		return nil, nil
	}

	detection := &models.FraudDetection{
		ID:           uuid.New(),
		UserID:       userID,
		JobAttemptID: attemptID,
		Score:        detectionScore(indicators),
		Indicators:   indicators,
		DetectedAt:   time.Now(),
	}
	if err := f.db.WithContext(ctx).Create(detection).Error; err != nil {
		return nil, fmt.Errorf("failed to record detection: %w", err)
	}

	if len(indicators) >= f.alertThreshold {
		severity := severityFor(len(indicators), f.alertThreshold)
		alert := &models.FraudAlert{
			ID:          uuid.New(),
			DetectionID: detection.ID,
			UserID:      userID,
			Severity:    severity,
			Status:      models.AlertStatusOpen,
			Description: fmt.Sprintf("%d fraud indicators detected: %s", len(indicators), strings.Join(indicators, ", ")),
			Evidence:    models.JSONMap{"indicators": indicators, "score": detection.Score},
			TriggeredAt: time.Now(),
		}
		if err := f.db.WithContext(ctx).Create(alert).Error; err != nil {
			return nil, fmt.Errorf("failed to raise alert: %w", err)
		}
		metrics.FraudAlertsRaised.WithLabelValues(severity).Inc()
		f.logger.Warn("Fraud alert raised",
			zap.String("user_id", userID.String()),
			zap.String("severity", severity),
			zap.Strings("indicators", indicators))
	}
	return detection, nil
}

// Investigate moves an open alert to investigating.
func (f *FraudService) Investigate(ctx context.Context, alertID, investigatorID uuid.UUID) error {
	result := f.db.WithContext(ctx).Model(&models.FraudAlert{}).
		Where("id = ? AND status = ?", alertID, models.AlertStatusOpen).
		Updates(map[string]interface{}{
			"status":         models.AlertStatusInvestigating,
			"assigned_to_id": investigatorID,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update alert: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return f.alertTransitionError(ctx, alertID)
	}
	return nil
}

// Resolve closes an alert with a resolution note.
func (f *FraudService) Resolve(ctx context.Context, alertID uuid.UUID, resolution string) error {
	return f.close(ctx, alertID, models.AlertStatusResolved, resolution)
}

// MarkFalsePositive closes an alert as a false positive.
func (f *FraudService) MarkFalsePositive(ctx context.Context, alertID uuid.UUID, notes string) error {
	return f.close(ctx, alertID, models.AlertStatusFalsePositive, notes)
}

func (f *FraudService) close(ctx context.Context, alertID uuid.UUID, status, resolution string) error {
	now := time.Now()
	result := f.db.WithContext(ctx).Model(&models.FraudAlert{}).
		Where("id = ? AND status IN ?", alertID, []string{models.AlertStatusOpen, models.AlertStatusInvestigating}).
		Updates(map[string]interface{}{
			"status":      status,
			"resolution":  resolution,
			"resolved_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to close alert: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return f.alertTransitionError(ctx, alertID)
	}
	return nil
}

// ListAlerts returns alerts filtered by status, newest first. An empty
// status returns everything.
func (f *FraudService) ListAlerts(ctx context.Context, status string, limit int) ([]*models.FraudAlert, error) {
	if limit <= 0 {
		limit = 50
	}
	query := f.db.WithContext(ctx).Model(&models.FraudAlert{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var alerts []*models.FraudAlert
	if err := query.Order("triggered_at DESC").Limit(limit).Find(&alerts).Error; err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return alerts, nil
}

// AnalyzeUserPatterns inspects a user's recent attempt history for
// behavioral signals that no single attempt shows: rapid submissions, an
// implausibly high success rate, single-platform focus.
func (f *FraudService) AnalyzeUserPatterns(ctx context.Context, userID uuid.UUID, window time.Duration) ([]string, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	since := time.Now().Add(-window)

	var attempts []*models.JobAttempt
	err := f.db.WithContext(ctx).
		Where("earner_id = ? AND submitted_at >= ?", userID, since).
		Order("submitted_at ASC").
		Find(&attempts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load attempts: %w", err)
	}
	if len(attempts) == 0 {
		return nil, nil
	}

	var indicators []string

	if len(attempts) >= 20 {
		indicators = append(indicators, "rapid_submissions")
	} else {
		// Burst check: 5+ submissions inside any 10 minute span.
		for i := 0; i+4 < len(attempts); i++ {
			if attempts[i+4].SubmittedAt.Sub(attempts[i].SubmittedAt) <= 10*time.Minute {
				indicators = append(indicators, "rapid_submissions")
				break
			}
		}
	}

	verified := 0
	for _, a := range attempts {
		if a.VerificationStatus == models.AttemptStatusVerified {
			verified++
		}
	}
	if len(attempts) >= 10 && float64(verified)/float64(len(attempts)) > 0.98 {
		indicators = append(indicators, "suspiciously_high_success_rate")
	}

	if len(attempts) >= 10 {
		platforms := make(map[string]bool)
		var jobIDs []uuid.UUID
		for _, a := range attempts {
			jobIDs = append(jobIDs, a.JobID)
		}
		var jobs []*models.Job
		if err := f.db.WithContext(ctx).Where("id IN ?", jobIDs).Find(&jobs).Error; err == nil {
			campaignIDs := make([]uuid.UUID, 0, len(jobs))
			for _, j := range jobs {
				campaignIDs = append(campaignIDs, j.CampaignID)
			}
			var campaigns []*models.Campaign
			if err := f.db.WithContext(ctx).Where("id IN ?", campaignIDs).Find(&campaigns).Error; err == nil {
				for _, c := range campaigns {
					platforms[c.Platform] = true
				}
			}
		}
		if len(platforms) == 1 {
			indicators = append(indicators, "single_platform_focus")
		}
	}

	if len(indicators) > 0 {
		if _, err := f.RecordDetection(ctx, userID, nil, indicators); err != nil {
			return indicators, err
		}
	}
	return indicators, nil
}

func (f *FraudService) alertTransitionError(ctx context.Context, alertID uuid.UUID) error {
	var alert models.FraudAlert
	if err := f.db.WithContext(ctx).Where("id = ?", alertID).First(&alert).Error; err != nil {
		return ErrAlertNotFound
	}
	return fmt.Errorf("%w: status %s", ErrAlertClosed, alert.Status)
}

// detectionScore maps an indicator count to [0,1].
func detectionScore(indicators []string) float64 {
	score := 0.2 * float64(len(indicators))
	if score > 1 {
		score = 1
	}
	return score
}

func severityFor(count, threshold int) string {
	switch {
	case count >= threshold+4:
		return models.AlertSeverityCritical
	case count >= threshold+2:
		return models.AlertSeverityHigh
	default:
		return models.AlertSeverityMedium
	}
}
