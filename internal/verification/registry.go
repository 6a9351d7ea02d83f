package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/engagehub/engagehub/pkg/models"
)

var (
	ErrRuleNotFound      = errors.New("no active verification rule for platform/engagement type")
	ErrInvalidThresholds = errors.New("thresholds must satisfy fail <= manual_review <= pass")
	ErrUnknownMethod     = errors.New("unknown verification method")
	ErrDuplicateRule     = errors.New("an active rule already exists for this platform/engagement type")
)

// Registry manages verification rules. At most one active rule exists per
// (platform, engagement type) pair; Resolve is the hot-path lookup used by
// the orchestrator.
type Registry struct {
	logger   *zap.Logger
	db       *gorm.DB
	validate *validator.Validate
}

// NewRegistry creates a rule registry.
func NewRegistry(logger *zap.Logger, db *gorm.DB) *Registry {
	return &Registry{
		logger:   logger,
		db:       db,
		validate: validator.New(),
	}
}

// Resolve returns the active rule for a platform and engagement type.
func (r *Registry) Resolve(ctx context.Context, platform, engagementType string) (*models.VerificationRule, error) {
	var rule models.VerificationRule
	err := r.db.WithContext(ctx).
		Where("platform = ? AND engagement_type = ? AND active = ?", platform, engagementType, true).
		First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrRuleNotFound, platform, engagementType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve rule: %w", err)
	}
	return &rule, nil
}

// CreateRule validates and stores a new rule. Threshold ordering and method
// names are checked at write time so the pipeline never has to re-validate.
func (r *Registry) CreateRule(ctx context.Context, rule *models.VerificationRule) error {
	if err := r.validate.Struct(rule); err != nil {
		return fmt.Errorf("invalid rule: %w", err)
	}
	if err := validateThresholds(rule); err != nil {
		return err
	}
	if err := validateMethods(rule.Methods); err != nil {
		return err
	}

	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	rule.CreatedAt = time.Now()
	rule.UpdatedAt = rule.CreatedAt

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if rule.Active {
			var count int64
			err := tx.Model(&models.VerificationRule{}).
				Where("platform = ? AND engagement_type = ? AND active = ?", rule.Platform, rule.EngagementType, true).
				Count(&count).Error
			if err != nil {
				return fmt.Errorf("failed to check existing rules: %w", err)
			}
			if count > 0 {
				return fmt.Errorf("%w: %s/%s", ErrDuplicateRule, rule.Platform, rule.EngagementType)
			}
		}
		if err := tx.Create(rule).Error; err != nil {
			return fmt.Errorf("failed to create rule: %w", err)
		}
		return nil
	})
}

// UpdateRule applies threshold/method/timeout changes to an existing rule.
// In-flight sessions keep the rule snapshot they started with.
func (r *Registry) UpdateRule(ctx context.Context, rule *models.VerificationRule) error {
	if err := r.validate.Struct(rule); err != nil {
		return fmt.Errorf("invalid rule: %w", err)
	}
	if err := validateThresholds(rule); err != nil {
		return err
	}
	if err := validateMethods(rule.Methods); err != nil {
		return err
	}
	rule.UpdatedAt = time.Now()

	result := r.db.WithContext(ctx).Model(&models.VerificationRule{}).
		Where("id = ?", rule.ID).
		Updates(map[string]interface{}{
			"name":                    rule.Name,
			"methods":                 rule.Methods,
			"timeout_seconds":         rule.TimeoutSeconds,
			"retry_attempts":          rule.RetryAttempts,
			"pass_threshold":          rule.PassThreshold,
			"manual_review_threshold": rule.ManualReviewThreshold,
			"fail_threshold":          rule.FailThreshold,
			"platform_settings":       rule.PlatformSettings,
			"active":                  rule.Active,
			"updated_at":              rule.UpdatedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update rule: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// DeactivateRule turns a rule off without deleting its history.
func (r *Registry) DeactivateRule(ctx context.Context, ruleID uuid.UUID) error {
	result := r.db.WithContext(ctx).Model(&models.VerificationRule{}).
		Where("id = ?", ruleID).
		Updates(map[string]interface{}{"active": false, "updated_at": time.Now()})
	if result.Error != nil {
		return fmt.Errorf("failed to deactivate rule: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// ListRules returns all rules, active first.
func (r *Registry) ListRules(ctx context.Context) ([]*models.VerificationRule, error) {
	var rules []*models.VerificationRule
	err := r.db.WithContext(ctx).
		Order("active DESC, platform ASC, engagement_type ASC").
		Find(&rules).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return rules, nil
}

func validateThresholds(rule *models.VerificationRule) error {
	if rule.FailThreshold > rule.ManualReviewThreshold || rule.ManualReviewThreshold > rule.PassThreshold {
		return fmt.Errorf("%w: fail=%.2f manual=%.2f pass=%.2f",
			ErrInvalidThresholds, rule.FailThreshold, rule.ManualReviewThreshold, rule.PassThreshold)
	}
	return nil
}

func validateMethods(methods []string) error {
	known := map[string]bool{
		models.MethodDeterministic: true,
		models.MethodTokenized:     true,
		models.MethodScreenshot:    true,
		models.MethodHeadless:      true,
		models.MethodML:            true,
	}
	for _, m := range methods {
		if !known[m] {
			return fmt.Errorf("%w: %q", ErrUnknownMethod, m)
		}
	}
	return nil
}
