package verification

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/engagehub/engagehub/internal/database"
	"github.com/engagehub/engagehub/pkg/models"
)

func setupRegistry(t *testing.T) (*Registry, *gorm.DB) {
	t.Helper()
	db, err := database.NewSQLiteDB()
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return NewRegistry(zap.NewNop(), db), db
}

func testRule(platform, engagementType string) *models.VerificationRule {
	return &models.VerificationRule{
		Name:                  platform + " " + engagementType,
		Platform:              platform,
		EngagementType:        engagementType,
		Methods:               models.StringArray{models.MethodDeterministic, models.MethodML},
		TimeoutSeconds:        300,
		RetryAttempts:         3,
		PassThreshold:         0.8,
		ManualReviewThreshold: 0.5,
		FailThreshold:         0.3,
		Active:                true,
	}
}

func TestCreateAndResolveRule(t *testing.T) {
	registry, _ := setupRegistry(t)
	ctx := context.Background()

	rule := testRule("instagram", "like")
	require.NoError(t, registry.CreateRule(ctx, rule))

	resolved, err := registry.Resolve(ctx, "instagram", "like")
	require.NoError(t, err)
	assert.Equal(t, rule.ID, resolved.ID)
	assert.Equal(t, []string{models.MethodDeterministic, models.MethodML}, []string(resolved.Methods))

	_, err = registry.Resolve(ctx, "instagram", "follow")
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestCreateRuleRejectsBadThresholds(t *testing.T) {
	registry, _ := setupRegistry(t)
	ctx := context.Background()

	rule := testRule("twitter", "follow")
	rule.FailThreshold = 0.9 // above manual review and pass
	err := registry.CreateRule(ctx, rule)
	assert.ErrorIs(t, err, ErrInvalidThresholds)

	rule = testRule("twitter", "follow")
	rule.ManualReviewThreshold = 0.95 // above pass
	err = registry.CreateRule(ctx, rule)
	assert.ErrorIs(t, err, ErrInvalidThresholds)

	// Equal thresholds are allowed.
	rule = testRule("twitter", "follow")
	rule.FailThreshold = 0.5
	rule.ManualReviewThreshold = 0.5
	assert.NoError(t, registry.CreateRule(ctx, rule))
}

func TestCreateRuleRejectsUnknownMethod(t *testing.T) {
	registry, _ := setupRegistry(t)

	rule := testRule("youtube", "view")
	rule.Methods = models.StringArray{models.MethodDeterministic, "palm_reading"}
	err := registry.CreateRule(context.Background(), rule)
	assert.ErrorIs(t, err, ErrUnknownMethod)
}

func TestSingleActiveRulePerPair(t *testing.T) {
	registry, _ := setupRegistry(t)
	ctx := context.Background()

	require.NoError(t, registry.CreateRule(ctx, testRule("tiktok", "follow")))

	err := registry.CreateRule(ctx, testRule("tiktok", "follow"))
	assert.ErrorIs(t, err, ErrDuplicateRule)

	// Inactive duplicates are fine.
	inactive := testRule("tiktok", "follow")
	inactive.Active = false
	assert.NoError(t, registry.CreateRule(ctx, inactive))

	// Deactivating the active rule frees the pair.
	active, err := registry.Resolve(ctx, "tiktok", "follow")
	require.NoError(t, err)
	require.NoError(t, registry.DeactivateRule(ctx, active.ID))

	_, err = registry.Resolve(ctx, "tiktok", "follow")
	assert.ErrorIs(t, err, ErrRuleNotFound)
	assert.NoError(t, registry.CreateRule(ctx, testRule("tiktok", "follow")))
}

func TestCreateRuleInactiveStaysInactive(t *testing.T) {
	registry, db := setupRegistry(t)
	ctx := context.Background()

	rule := testRule("facebook", "share")
	rule.Active = false
	require.NoError(t, registry.CreateRule(ctx, rule))

	// The stored row must keep Active=false; a column default flipping it
	// to true would smuggle a second active rule past the duplicate check.
	var stored models.VerificationRule
	require.NoError(t, db.First(&stored, "id = ?", rule.ID).Error)
	assert.False(t, stored.Active)

	_, err := registry.Resolve(ctx, "facebook", "share")
	assert.ErrorIs(t, err, ErrRuleNotFound)

	// The pair is still free for a real active rule.
	assert.NoError(t, registry.CreateRule(ctx, testRule("facebook", "share")))
}

func TestUpdateRule(t *testing.T) {
	registry, _ := setupRegistry(t)
	ctx := context.Background()

	rule := testRule("website", "visit")
	require.NoError(t, registry.CreateRule(ctx, rule))

	rule.PassThreshold = 0.9
	rule.Methods = models.StringArray{models.MethodDeterministic, models.MethodHeadless, models.MethodML}
	require.NoError(t, registry.UpdateRule(ctx, rule))

	resolved, err := registry.Resolve(ctx, "website", "visit")
	require.NoError(t, err)
	assert.Equal(t, 0.9, resolved.PassThreshold)
	assert.Len(t, resolved.Methods, 3)

	rule.FailThreshold = 0.95
	assert.ErrorIs(t, registry.UpdateRule(ctx, rule), ErrInvalidThresholds)
}
