package verification

import (
	"context"
	"errors"
	"testing"
	"time"

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

// fixedMethod returns a canned result, for driving the pipeline
// deterministically.
type fixedMethod struct {
	name       string
	confidence float64
	indicators []string
	block      bool
}

func (m fixedMethod) Name() string { return m.name }

func (m fixedMethod) Run(ctx context.Context, _ *Target) MethodResult {
	if m.block {
		<-ctx.Done()
		return MethodResult{Method: m.name, Confidence: m.confidence}
	}
	return MethodResult{
		Method:          m.name,
		Confidence:      m.confidence,
		FraudIndicators: m.indicators,
	}
}

// failingLedger refuses every credit while delegating reads.
type failingLedger struct{ ledger.Service }

func (failingLedger) Apply(context.Context, uuid.UUID, models.EntryKind, decimal.Decimal, string, string, models.JSONMap) (*models.LedgerEntry, error) {
	return nil, errors.New("ledger unavailable")
}

type fixedReputation struct{ score float64 }

func (r fixedReputation) ReputationScore(context.Context, uuid.UUID) (float64, error) {
	return r.score, nil
}

type pipelineFixture struct {
	svc      *Service
	ledger   ledger.Service
	registry *Registry
	review   *ReviewQueue
	fraud    *FraudService
	db       *gorm.DB

	campaign *models.Campaign
	job      *models.Job
	attempt  *models.JobAttempt
	earnerID uuid.UUID
}

func setupPipeline(t *testing.T, methods ...Method) *pipelineFixture {
	t.Helper()
	db, err := database.NewSQLiteDB()
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	log := zap.NewNop()
	ledgerSvc, err := ledger.NewService(log, db, nil)
	require.NoError(t, err)
	registry := NewRegistry(log, db)
	review := NewReviewQueue(log, db, ledgerSvc)
	fraud := NewFraudService(log, db, 3)

	svc, err := NewService(log, db, ledgerSvc, registry, review, fraud,
		fixedReputation{score: 0.8}, stubScoring{}, 2, 16)
	require.NoError(t, err)

	svc.methods = make(map[string]Method, len(methods))
	for _, m := range methods {
		svc.methods[m.Name()] = m
	}

	f := &pipelineFixture{
		svc: svc, ledger: ledgerSvc, registry: registry,
		review: review, fraud: fraud, db: db,
		earnerID: uuid.New(),
	}
	f.seed(t)
	return f
}

func (f *pipelineFixture) seed(t *testing.T) {
	t.Helper()
	f.campaign = &models.Campaign{
		ID:             uuid.New(),
		PromoterID:     uuid.New(),
		Title:          "launch push",
		Platform:       "instagram",
		EngagementType: "like",
		Quantity:       10,
		PricePerAction: decimal.NewFromInt(5),
		TotalBudget:    decimal.NewFromInt(50),
		ReservedFunds:  decimal.NewFromInt(50),
		Status:         models.CampaignStatusActive,
	}
	require.NoError(t, f.db.Create(f.campaign).Error)

	f.job = &models.Job{
		ID:           uuid.New(),
		CampaignID:   f.campaign.ID,
		EarnerID:     &f.earnerID,
		ActionType:   "like",
		RewardAmount: decimal.NewFromInt(5),
		Status:       models.JobStatusSubmitted,
	}
	require.NoError(t, f.db.Create(f.job).Error)

	f.attempt = &models.JobAttempt{
		ID:                 uuid.New(),
		JobID:              f.job.ID,
		EarnerID:           f.earnerID,
		ProofData:          models.JSONMap{"post_id": "C8f3kD9pQxYz12345"},
		VerificationStatus: models.AttemptStatusPending,
		SubmittedAt:        time.Now(),
	}
	require.NoError(t, f.db.Create(f.attempt).Error)
}

func (f *pipelineFixture) createRule(t *testing.T, methods models.StringArray, timeoutSeconds int) {
	t.Helper()
	require.NoError(t, f.registry.CreateRule(context.Background(), &models.VerificationRule{
		Name:                  "instagram like",
		Platform:              "instagram",
		EngagementType:        "like",
		Methods:               methods,
		TimeoutSeconds:        timeoutSeconds,
		PassThreshold:         0.8,
		ManualReviewThreshold: 0.5,
		FailThreshold:         0.3,
		Active:                true,
	}))
}

func (f *pipelineFixture) run(t *testing.T) *models.VerificationSession {
	t.Helper()
	ctx := context.Background()
	sessionID, err := f.svc.Submit(ctx, f.attempt.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.runSession(ctx, sessionID))
	session, err := f.svc.GetStatus(ctx, sessionID)
	require.NoError(t, err)
	return session
}

func TestPipelineShortCircuitsOnRunningMean(t *testing.T) {
	f := setupPipeline(t,
		fixedMethod{name: models.MethodML, confidence: 0.9},
		fixedMethod{name: models.MethodDeterministic, confidence: 0.1},
	)
	f.createRule(t, models.StringArray{models.MethodML, models.MethodDeterministic}, 300)

	session := f.run(t)
	assert.Equal(t, models.SessionStatusCompleted, session.Status)
	assert.Equal(t, models.DecisionVerified, session.FinalDecision)
	assert.Equal(t, 0.9, session.FinalScore)

	// The second method never ran.
	var logs []models.VerificationLog
	require.NoError(t, f.db.Where("session_id = ?", session.ID).Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, models.MethodML, logs[0].Method)
}

func TestPipelineVerifiedPaysEarnerOnce(t *testing.T) {
	f := setupPipeline(t, fixedMethod{name: models.MethodML, confidence: 0.95})
	f.createRule(t, models.StringArray{models.MethodML}, 300)

	session := f.run(t)
	assert.Equal(t, models.DecisionVerified, session.FinalDecision)

	balance, err := f.ledger.GetBalance(context.Background(), f.earnerID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(5)))

	var attempt models.JobAttempt
	require.NoError(t, f.db.First(&attempt, "id = ?", f.attempt.ID).Error)
	assert.Equal(t, models.AttemptStatusVerified, attempt.VerificationStatus)

	var job models.Job
	require.NoError(t, f.db.First(&job, "id = ?", f.job.ID).Error)
	assert.Equal(t, models.JobStatusVerified, job.Status)

	var campaign models.Campaign
	require.NoError(t, f.db.First(&campaign, "id = ?", f.campaign.ID).Error)
	assert.Equal(t, 1, campaign.JobsVerified)
	assert.True(t, campaign.ReservedFunds.Equal(decimal.NewFromInt(45)))

	// Re-crediting the same job is a no-op through the ledger reference.
	require.NoError(t, f.svc.creditAttempt(context.Background(), f.attempt, f.job))
	balance, err = f.ledger.GetBalance(context.Background(), f.earnerID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(5)))
}

func TestPipelineMiddleBandGoesToManualReview(t *testing.T) {
	f := setupPipeline(t,
		fixedMethod{name: models.MethodDeterministic, confidence: 0.5},
		fixedMethod{name: models.MethodTokenized, confidence: 0.55},
	)
	f.createRule(t, models.StringArray{models.MethodDeterministic, models.MethodTokenized}, 300)

	session := f.run(t)
	assert.Equal(t, models.DecisionManualReview, session.FinalDecision)
	assert.InDelta(t, 0.525, session.FinalScore, 1e-9)

	var attempt models.JobAttempt
	require.NoError(t, f.db.First(&attempt, "id = ?", f.attempt.ID).Error)
	assert.Equal(t, models.AttemptStatusManualReview, attempt.VerificationStatus)

	var job models.Job
	require.NoError(t, f.db.First(&job, "id = ?", f.job.ID).Error)
	assert.Equal(t, models.JobStatusFlagged, job.Status)

	items, err := f.review.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, f.attempt.ID, items[0].JobAttemptID)

	// No payment for an undecided attempt.
	balance, err := f.ledger.GetBalance(context.Background(), f.earnerID)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}

func TestPipelineLowScoreRejected(t *testing.T) {
	f := setupPipeline(t,
		fixedMethod{name: models.MethodDeterministic, confidence: 0.1},
		fixedMethod{name: models.MethodTokenized, confidence: 0.2},
	)
	f.createRule(t, models.StringArray{models.MethodDeterministic, models.MethodTokenized}, 300)

	session := f.run(t)
	assert.Equal(t, models.DecisionRejected, session.FinalDecision)

	var job models.Job
	require.NoError(t, f.db.First(&job, "id = ?", f.job.ID).Error)
	assert.Equal(t, models.JobStatusFailed, job.Status)

	var campaign models.Campaign
	require.NoError(t, f.db.First(&campaign, "id = ?", f.campaign.ID).Error)
	assert.Equal(t, 1, campaign.JobsFailed)
	assert.True(t, campaign.ReservedFunds.Equal(decimal.NewFromInt(50)))
}

func TestPipelineBelowManualReviewThresholdRejected(t *testing.T) {
	// Scores under the manual review threshold are rejected even when they
	// sit above the fail threshold (rule: fail 0.3, manual 0.5, pass 0.8).
	f := setupPipeline(t, fixedMethod{name: models.MethodDeterministic, confidence: 0.4})
	f.createRule(t, models.StringArray{models.MethodDeterministic}, 300)

	session := f.run(t)
	assert.Equal(t, models.DecisionRejected, session.FinalDecision)
	assert.InDelta(t, 0.4, session.FinalScore, 1e-9)

	var attempt models.JobAttempt
	require.NoError(t, f.db.First(&attempt, "id = ?", f.attempt.ID).Error)
	assert.Equal(t, models.AttemptStatusFailed, attempt.VerificationStatus)

	items, err := f.review.ListPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, items)

	balance, err := f.ledger.GetBalance(context.Background(), f.earnerID)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}

func TestPipelineAllMethodsFailedGoesToManualReview(t *testing.T) {
	f := setupPipeline(t,
		fixedMethod{name: models.MethodScreenshot, confidence: 0, indicators: []string{indicatorServiceUnavailable}},
		fixedMethod{name: models.MethodML, confidence: 0, indicators: []string{indicatorServiceUnavailable}},
	)
	f.createRule(t, models.StringArray{models.MethodScreenshot, models.MethodML}, 300)

	session := f.run(t)
	// A zero mean would normally reject, but with no working method the
	// evidence is too weak for an automated rejection.
	assert.Equal(t, models.DecisionManualReview, session.FinalDecision)

	items, err := f.review.ListPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestPipelineTimeoutRoutesToManualReview(t *testing.T) {
	f := setupPipeline(t, fixedMethod{name: models.MethodHeadless, block: true})
	f.createRule(t, models.StringArray{models.MethodHeadless}, 1)

	session := f.run(t)
	assert.Equal(t, models.SessionStatusTimeout, session.Status)
	assert.Equal(t, models.DecisionManualReview, session.FinalDecision)

	items, err := f.review.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.ReviewPriorityHigh, items[0].Priority)
}

func TestPipelineLateResultCountsAsTimeout(t *testing.T) {
	// A method that only answers after the rule deadline is a timeout even
	// when the answer carries high confidence.
	f := setupPipeline(t, fixedMethod{name: models.MethodHeadless, block: true, confidence: 0.95})
	f.createRule(t, models.StringArray{models.MethodHeadless}, 1)

	session := f.run(t)
	assert.Equal(t, models.SessionStatusTimeout, session.Status)
	assert.Equal(t, models.DecisionManualReview, session.FinalDecision)

	balance, err := f.ledger.GetBalance(context.Background(), f.earnerID)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}

func TestVerifiedAttemptNotMarkedWhenCreditFails(t *testing.T) {
	f := setupPipeline(t, fixedMethod{name: models.MethodML, confidence: 0.95})
	f.createRule(t, models.StringArray{models.MethodML}, 300)

	ctx := context.Background()
	f.svc.ledger = failingLedger{f.ledger}
	sessionID, err := f.svc.Submit(ctx, f.attempt.ID)
	require.NoError(t, err)
	require.Error(t, f.svc.runSession(ctx, sessionID))

	// The attempt never flips to verified without its credit on the books.
	var attempt models.JobAttempt
	require.NoError(t, f.db.First(&attempt, "id = ?", f.attempt.ID).Error)
	assert.Equal(t, models.AttemptStatusPending, attempt.VerificationStatus)

	var campaign models.Campaign
	require.NoError(t, f.db.First(&campaign, "id = ?", f.campaign.ID).Error)
	assert.Equal(t, 0, campaign.JobsVerified)

	balance, err := f.ledger.GetBalance(ctx, f.earnerID)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}

func TestStartRequeuesPendingSessions(t *testing.T) {
	f := setupPipeline(t, fixedMethod{name: models.MethodML, confidence: 0.95})
	f.createRule(t, models.StringArray{models.MethodML}, 300)

	// Submitted while the workers are down: the session lands pending.
	ctx := context.Background()
	sessionID, err := f.svc.Submit(ctx, f.attempt.ID)
	require.NoError(t, err)

	session, err := f.svc.GetStatus(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusPending, session.Status)

	require.NoError(t, f.svc.Start())
	defer f.svc.Stop()

	require.Eventually(t, func() bool {
		session, err := f.svc.GetStatus(ctx, sessionID)
		return err == nil && session.Status == models.SessionStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	balance, err := f.ledger.GetBalance(ctx, f.earnerID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(5)))
}

func TestSubmitIsIdempotentPerAttempt(t *testing.T) {
	f := setupPipeline(t, fixedMethod{name: models.MethodML, confidence: 0.9})
	f.createRule(t, models.StringArray{models.MethodML}, 300)

	ctx := context.Background()
	first, err := f.svc.Submit(ctx, f.attempt.ID)
	require.NoError(t, err)
	second, err := f.svc.Submit(ctx, f.attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	var count int64
	require.NoError(t, f.db.Model(&models.VerificationSession{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestRunSessionIsSingleShot(t *testing.T) {
	f := setupPipeline(t, fixedMethod{name: models.MethodML, confidence: 0.9})
	f.createRule(t, models.StringArray{models.MethodML}, 300)

	session := f.run(t)
	require.Equal(t, models.SessionStatusCompleted, session.Status)

	// A replayed run finds a non-pending session and does nothing.
	require.NoError(t, f.svc.runSession(context.Background(), session.ID))

	var logs int64
	require.NoError(t, f.db.Model(&models.VerificationLog{}).Count(&logs).Error)
	assert.EqualValues(t, 1, logs)
}

func TestSubmitUnknownAttempt(t *testing.T) {
	f := setupPipeline(t)
	f.createRule(t, models.StringArray{models.MethodML}, 300)

	_, err := f.svc.Submit(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrAttemptNotFound)
}

func TestPipelineRecordsFraudIndicators(t *testing.T) {
	f := setupPipeline(t,
		fixedMethod{name: models.MethodML, confidence: 0.9,
			indicators: []string{"new_account", "vpn_detected", "burst_activity"}},
	)
	f.createRule(t, models.StringArray{models.MethodML}, 300)

	session := f.run(t)
	// Verified and flagged at the same time: payment and fraud tracking are
	// separate axes.
	assert.Equal(t, models.DecisionVerified, session.FinalDecision)

	var detections []models.FraudDetection
	require.NoError(t, f.db.Where("user_id = ?", f.earnerID).Find(&detections).Error)
	require.Len(t, detections, 1)
	assert.Len(t, detections[0].Indicators, 3)

	// Three indicators hit the alert threshold.
	alerts, err := f.fraud.ListAlerts(context.Background(), models.AlertStatusOpen, 10)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}
