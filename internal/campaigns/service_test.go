package campaigns

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/engagehub/engagehub/internal/database"
	"github.com/engagehub/engagehub/internal/ledger"
	"github.com/engagehub/engagehub/pkg/models"
)

// recordingVerifier captures Submit calls instead of running a pipeline.
type recordingVerifier struct {
	attempts []uuid.UUID
}

func (v *recordingVerifier) Submit(_ context.Context, attemptID uuid.UUID) (uuid.UUID, error) {
	v.attempts = append(v.attempts, attemptID)
	return uuid.New(), nil
}

type fixture struct {
	svc        *Service
	ledger     ledger.Service
	verifier   *recordingVerifier
	db         *gorm.DB
	promoterID uuid.UUID
}

func setup(t *testing.T, commissionRate float64) *fixture {
	t.Helper()
	db, err := database.NewSQLiteDB()
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	ledgerSvc, err := ledger.NewService(zap.NewNop(), db, nil)
	require.NoError(t, err)

	verifier := &recordingVerifier{}
	svc, err := NewService(zap.NewNop(), db, ledgerSvc, verifier, commissionRate)
	require.NoError(t, err)

	return &fixture{svc: svc, ledger: ledgerSvc, verifier: verifier, db: db, promoterID: uuid.New()}
}

func (f *fixture) seedBalance(t *testing.T, amount int64) {
	t.Helper()
	_, err := f.ledger.Apply(context.Background(), f.promoterID, models.EntryKindCredit,
		decimal.NewFromInt(amount), "seed:"+uuid.NewString(), "deposit", nil)
	require.NoError(t, err)
}

func (f *fixture) draftCampaign(t *testing.T, quantity int, price, budget int64) *models.Campaign {
	t.Helper()
	campaign := &models.Campaign{
		PromoterID:     f.promoterID,
		Title:          "spring launch",
		Platform:       "instagram",
		EngagementType: "like",
		TargetURL:      "https://instagram.com/p/abc",
		Quantity:       quantity,
		PricePerAction: decimal.NewFromInt(price),
		TotalBudget:    decimal.NewFromInt(budget),
	}
	require.NoError(t, f.svc.CreateCampaign(context.Background(), campaign))
	return campaign
}

func TestFundReservesBudgetAndFansOutJobs(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	f.seedBalance(t, 500)

	campaign := f.draftCampaign(t, 60, 5, 300)
	require.NoError(t, f.svc.Fund(ctx, campaign.ID))

	balance, err := f.ledger.GetBalance(ctx, f.promoterID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(200)))

	funded, err := f.svc.GetCampaign(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusActive, funded.Status)
	assert.True(t, funded.ReservedFunds.Equal(decimal.NewFromInt(300)))
	assert.Equal(t, 60, funded.JobsCreated)

	jobs, err := f.svc.ListJobs(ctx, campaign.ID, models.JobStatusOpen, 100)
	require.NoError(t, err)
	assert.Len(t, jobs, 60)
	assert.True(t, jobs[0].RewardAmount.Equal(decimal.NewFromInt(5)))
}

func TestFundChargesCommissionSeparately(t *testing.T) {
	f := setup(t, 0.10)
	ctx := context.Background()
	f.seedBalance(t, 500)

	campaign := f.draftCampaign(t, 10, 10, 100)
	require.NoError(t, f.svc.Fund(ctx, campaign.ID))

	// 100 hold + 10 commission.
	balance, err := f.ledger.GetBalance(ctx, f.promoterID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(390)))

	funded, err := f.svc.GetCampaign(ctx, campaign.ID)
	require.NoError(t, err)
	assert.True(t, funded.PlatformCommission.Equal(decimal.NewFromInt(10)))

	var commissions int64
	require.NoError(t, f.db.Model(&models.LedgerEntry{}).
		Where("user_id = ? AND kind = ?", f.promoterID, models.EntryKindCommission).
		Count(&commissions).Error)
	assert.EqualValues(t, 1, commissions)
}

func TestFundFailsOnInsufficientBalance(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	f.seedBalance(t, 100)

	campaign := f.draftCampaign(t, 60, 5, 300)
	err := f.svc.Fund(ctx, campaign.ID)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	// Campaign stays draft, nothing reserved, no jobs.
	unfunded, err := f.svc.GetCampaign(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusDraft, unfunded.Status)

	jobs, err := f.svc.ListJobs(ctx, campaign.ID, "", 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestFundIsSingleShot(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	f.seedBalance(t, 500)

	campaign := f.draftCampaign(t, 10, 5, 50)
	require.NoError(t, f.svc.Fund(ctx, campaign.ID))
	assert.ErrorIs(t, f.svc.Fund(ctx, campaign.ID), ErrInvalidState)

	balance, err := f.ledger.GetBalance(ctx, f.promoterID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(450)))
}

func TestCreateCampaignValidatesBudget(t *testing.T) {
	f := setup(t, 0)
	campaign := &models.Campaign{
		PromoterID:     f.promoterID,
		Title:          "underfunded",
		Platform:       "twitter",
		EngagementType: "follow",
		Quantity:       100,
		PricePerAction: decimal.NewFromInt(2),
		TotalBudget:    decimal.NewFromInt(150), // needs 200
	}
	err := f.svc.CreateCampaign(context.Background(), campaign)
	assert.ErrorIs(t, err, ErrInvalidBudget)
}

func TestCancelRefundsUnspentBudget(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	f.seedBalance(t, 500)

	campaign := f.draftCampaign(t, 10, 5, 50)
	require.NoError(t, f.svc.Fund(ctx, campaign.ID))

	// Simulate three verified payouts draining the hold.
	require.NoError(t, f.db.Model(&models.Campaign{}).Where("id = ?", campaign.ID).
		Updates(map[string]interface{}{
			"jobs_verified":  3,
			"reserved_funds": decimal.NewFromInt(35),
		}).Error)

	require.NoError(t, f.svc.Cancel(ctx, campaign.ID))

	// 450 after funding + 35 unspent back.
	balance, err := f.ledger.GetBalance(ctx, f.promoterID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(485)))

	cancelled, err := f.svc.GetCampaign(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusCancelled, cancelled.Status)
	assert.True(t, cancelled.ReservedFunds.IsZero())

	open, err := f.svc.ListJobs(ctx, campaign.ID, models.JobStatusOpen, 100)
	require.NoError(t, err)
	assert.Empty(t, open)

	// Cancelling again neither errors into a double refund nor changes state.
	assert.ErrorIs(t, f.svc.Cancel(ctx, campaign.ID), ErrInvalidState)
	balance, err = f.ledger.GetBalance(ctx, f.promoterID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(485)))
}

func TestPauseAndResume(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	f.seedBalance(t, 100)

	campaign := f.draftCampaign(t, 2, 5, 10)
	require.NoError(t, f.svc.Fund(ctx, campaign.ID))

	require.NoError(t, f.svc.Pause(ctx, campaign.ID))

	jobs, err := f.svc.ListJobs(ctx, campaign.ID, models.JobStatusOpen, 10)
	require.NoError(t, err)
	require.NotEmpty(t, jobs)
	// Paused campaigns accept no new earners.
	assert.ErrorIs(t, f.svc.AcceptJob(ctx, jobs[0].ID, uuid.New()), ErrJobUnavailable)

	require.NoError(t, f.svc.Resume(ctx, campaign.ID))
	assert.NoError(t, f.svc.AcceptJob(ctx, jobs[0].ID, uuid.New()))
}

func TestAcceptJobRules(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	f.seedBalance(t, 100)

	campaign := f.draftCampaign(t, 1, 5, 5)
	require.NoError(t, f.svc.Fund(ctx, campaign.ID))
	jobs, err := f.svc.ListJobs(ctx, campaign.ID, "", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	jobID := jobs[0].ID

	// Promoters cannot work their own campaigns.
	assert.ErrorIs(t, f.svc.AcceptJob(ctx, jobID, f.promoterID), ErrOwnCampaign)

	earnerID := uuid.New()
	require.NoError(t, f.svc.AcceptJob(ctx, jobID, earnerID))

	// Claimed jobs cannot be claimed again.
	assert.ErrorIs(t, f.svc.AcceptJob(ctx, jobID, uuid.New()), ErrJobUnavailable)
}

func TestSubmitJobCreatesAttemptAndStartsVerification(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	f.seedBalance(t, 100)

	campaign := f.draftCampaign(t, 1, 5, 5)
	require.NoError(t, f.svc.Fund(ctx, campaign.ID))
	jobs, err := f.svc.ListJobs(ctx, campaign.ID, "", 10)
	require.NoError(t, err)
	jobID := jobs[0].ID
	earnerID := uuid.New()
	require.NoError(t, f.svc.AcceptJob(ctx, jobID, earnerID))

	// Only the earner who claimed the job can submit.
	_, err = f.svc.SubmitJob(ctx, jobID, uuid.New(), AttemptSubmission{})
	assert.ErrorIs(t, err, ErrNotJobOwner)

	attempt, err := f.svc.SubmitJob(ctx, jobID, earnerID, AttemptSubmission{
		ProofData:     models.JSONMap{"post_id": "C8f3kD9pQxYz12345"},
		TrackingToken: "trk_01HZX",
		UserAgent:     "Mozilla/5.0",
	})
	require.NoError(t, err)
	assert.Equal(t, models.AttemptStatusPending, attempt.VerificationStatus)

	var job models.Job
	require.NoError(t, f.db.First(&job, "id = ?", jobID).Error)
	assert.Equal(t, models.JobStatusSubmitted, job.Status)
	assert.NotNil(t, job.SubmittedAt)

	require.Len(t, f.verifier.attempts, 1)
	assert.Equal(t, attempt.ID, f.verifier.attempts[0])

	// A submitted job cannot be submitted twice.
	_, err = f.svc.SubmitJob(ctx, jobID, earnerID, AttemptSubmission{})
	assert.ErrorIs(t, err, ErrJobUnavailable)
}
