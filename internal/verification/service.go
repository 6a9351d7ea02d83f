// Package verification runs submitted job attempts through the configured
// pipeline of verification methods, aggregates their confidences and turns
// the result into exactly one decision: verified, rejected or manual
// review. Payouts for verified attempts go through the ledger with an
// idempotent per-job reference, so re-running a session can never pay
// twice.
package verification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/engagehub/engagehub/internal/ledger"
	"github.com/engagehub/engagehub/pkg/metrics"
	"github.com/engagehub/engagehub/pkg/models"
)

var (
	ErrAttemptNotFound = errors.New("job attempt not found")
	ErrSessionNotFound = errors.New("verification session not found")
	ErrQueueFull       = errors.New("verification queue is full")
	ErrNotRunning      = errors.New("verification service is not running")
)

// ReputationSource supplies the earner reputation fed to the scoring
// methods.
type ReputationSource interface {
	ReputationScore(ctx context.Context, userID uuid.UUID) (float64, error)
}

// Service orchestrates verification sessions on a bounded worker pool.
type Service struct {
	logger     *zap.Logger
	db         *gorm.DB
	ledger     ledger.Service
	registry   *Registry
	review     *ReviewQueue
	fraud      *FraudService
	reputation ReputationSource
	methods    map[string]Method

	workers   int
	queue     chan uuid.UUID
	wg        sync.WaitGroup
	mu        sync.Mutex
	running   bool
	cancelAll context.CancelFunc
}

// NewService wires the orchestrator. workers and queueSize bound the
// processing pool; the method set is built from the given scoring client.
func NewService(
	logger *zap.Logger,
	db *gorm.DB,
	ledgerSvc ledger.Service,
	registry *Registry,
	review *ReviewQueue,
	fraud *FraudService,
	reputation ReputationSource,
	client ScoringClient,
	workers, queueSize int,
) (*Service, error) {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 128
	}
	return &Service{
		logger:     logger,
		db:         db,
		ledger:     ledgerSvc,
		registry:   registry,
		review:     review,
		fraud:      fraud,
		reputation: reputation,
		methods:    defaultMethods(client),
		workers:    workers,
		queue:      make(chan uuid.UUID, queueSize),
	}, nil
}

// Start launches the worker pool and re-enqueues sessions left pending by
// an earlier shutdown or a full queue.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelAll = cancel
	s.running = true
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	s.mu.Unlock()
	s.logger.Info("Verification workers started", zap.Int("workers", s.workers))
	return s.requeuePending(context.Background())
}

// requeuePending puts every pending session back on the queue, oldest
// first. Sessions that do not fit stay pending for the next Start.
func (s *Service) requeuePending(ctx context.Context) error {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).Model(&models.VerificationSession{}).
		Where("status = ?", models.SessionStatusPending).
		Order("started_at ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return fmt.Errorf("failed to load pending sessions: %w", err)
	}

	requeued := 0
	for _, id := range ids {
		select {
		case s.queue <- id:
			requeued++
		default:
			s.logger.Warn("Verification queue filled during requeue",
				zap.Int("requeued", requeued), zap.Int("pending", len(ids)))
			return nil
		}
	}
	if requeued > 0 {
		s.logger.Info("Requeued pending verification sessions", zap.Int("count", requeued))
	}
	return nil
}

// Stop drains the pool. Queued sessions stay pending and are picked up on
// the next Start.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancelAll()
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case sessionID := <-s.queue:
			if err := s.runSession(ctx, sessionID); err != nil {
				s.logger.Error("Verification session failed",
					zap.String("session_id", sessionID.String()),
					zap.Error(err))
			}
		}
	}
}

// Submit creates a verification session for a job attempt and enqueues it.
// One attempt has at most one session: a second Submit for the same attempt
// returns the existing session without re-queuing.
func (s *Service) Submit(ctx context.Context, attemptID uuid.UUID) (uuid.UUID, error) {
	var existing models.VerificationSession
	err := s.db.WithContext(ctx).Where("job_attempt_id = ?", attemptID).First(&existing).Error
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return uuid.Nil, fmt.Errorf("failed to check existing session: %w", err)
	}

	attempt, _, campaign, err := s.loadAttempt(ctx, attemptID)
	if err != nil {
		return uuid.Nil, err
	}

	rule, err := s.registry.Resolve(ctx, campaign.Platform, campaign.EngagementType)
	if err != nil {
		return uuid.Nil, err
	}

	now := time.Now()
	timeoutAt := now.Add(time.Duration(rule.TimeoutSeconds) * time.Second)
	session := &models.VerificationSession{
		ID:           uuid.New(),
		JobAttemptID: attempt.ID,
		RuleID:       rule.ID,
		Status:       models.SessionStatusPending,
		StartedAt:    now,
		TimeoutAt:    &timeoutAt,
	}
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return uuid.Nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return session.ID, nil
	}

	select {
	case s.queue <- session.ID:
		return session.ID, nil
	default:
		return session.ID, ErrQueueFull
	}
}

// GetStatus returns a session by id.
func (s *Service) GetStatus(ctx context.Context, sessionID uuid.UUID) (*models.VerificationSession, error) {
	var session models.VerificationSession
	err := s.db.WithContext(ctx).Where("id = ?", sessionID).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return &session, nil
}

// runSession executes one pipeline run. Methods run sequentially in rule
// order; as soon as the running mean of confidences reaches the pass
// threshold the remaining methods are skipped. A rule timeout turns the
// session into a manual review item rather than a rejection.
func (s *Service) runSession(parent context.Context, sessionID uuid.UUID) error {
	var session models.VerificationSession
	if err := s.db.Where("id = ?", sessionID).First(&session).Error; err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if session.Status != models.SessionStatusPending {
		return nil
	}

	attempt, job, campaign, err := s.loadAttempt(parent, session.JobAttemptID)
	if err != nil {
		return err
	}

	var rule models.VerificationRule
	if err := s.db.Where("id = ?", session.RuleID).First(&rule).Error; err != nil {
		return fmt.Errorf("failed to load rule: %w", err)
	}

	session.Status = models.SessionStatusInProgress
	if err := s.db.Save(&session).Error; err != nil {
		return fmt.Errorf("failed to mark session in progress: %w", err)
	}

	reputation := 0.0
	if s.reputation != nil {
		if r, err := s.reputation.ReputationScore(parent, attempt.EarnerID); err == nil {
			reputation = r
		}
	}
	target := &Target{
		Attempt:        attempt,
		Job:            job,
		Platform:       campaign.Platform,
		EngagementType: campaign.EngagementType,
		Reputation:     reputation,
	}

	ctx, cancel := context.WithTimeout(parent, time.Duration(rule.TimeoutSeconds)*time.Second)
	defer cancel()

	var (
		results    []MethodResult
		sum        float64
		indicators []string
		timedOut   bool
	)
	for _, name := range rule.Methods {
		if ctx.Err() != nil {
			timedOut = true
			break
		}
		method, ok := s.methods[name]
		if !ok {
			s.logger.Warn("Rule references unknown method, skipping",
				zap.String("rule_id", rule.ID.String()), zap.String("method", name))
			continue
		}

		session.CurrentMethod = name
		s.db.Model(&session).Update("current_method", name)

		start := time.Now()
		result := method.Run(ctx, target)
		elapsed := time.Since(start)
		metrics.VerificationMethodLatency.WithLabelValues(name).Observe(elapsed.Seconds())

		// A result produced after the rule deadline is untrustworthy no
		// matter what confidence it carries.
		if ctx.Err() != nil {
			timedOut = true
			break
		}

		s.logMethod(session.ID, result, elapsed)
		results = append(results, result)
		sum += result.Confidence
		indicators = append(indicators, result.FraudIndicators...)

		// Short-circuit: once the running mean already clears the pass
		// threshold, further methods cannot change the outcome.
		if sum/float64(len(results)) >= rule.PassThreshold {
			break
		}
	}

	now := time.Now()
	if timedOut {
		session.Status = models.SessionStatusTimeout
		session.FinalDecision = models.DecisionManualReview
		session.FraudIndicators = dedupe(indicators)
		session.Notes = "verification timed out before all methods completed"
		session.CompletedAt = &now
		if err := s.db.Save(&session).Error; err != nil {
			return fmt.Errorf("failed to finalize session: %w", err)
		}
		metrics.VerificationDecisions.WithLabelValues("timeout").Inc()
		return s.routeManualReview(parent, &session, attempt, job, campaign, models.ReviewPriorityHigh)
	}

	score := 0.0
	if len(results) > 0 {
		score = sum / float64(len(results))
	}
	decision := decide(score, &rule, results)

	session.Status = models.SessionStatusCompleted
	session.FinalScore = score
	session.FinalDecision = decision
	session.FraudIndicators = dedupe(indicators)
	session.MethodResults = resultsMap(results)
	session.CompletedAt = &now
	if err := s.db.Save(&session).Error; err != nil {
		return fmt.Errorf("failed to finalize session: %w", err)
	}
	metrics.VerificationDecisions.WithLabelValues(decision).Inc()

	// Fraud accumulation is independent of the payment decision: a verified
	// attempt can still contribute indicators.
	if s.fraud != nil && len(session.FraudIndicators) > 0 {
		if _, err := s.fraud.RecordDetection(parent, attempt.EarnerID, &attempt.ID, session.FraudIndicators); err != nil {
			s.logger.Error("Failed to record fraud detection",
				zap.String("attempt_id", attempt.ID.String()), zap.Error(err))
		}
	}

	switch decision {
	case models.DecisionVerified:
		return s.applyVerified(parent, &session, attempt, job, campaign)
	case models.DecisionRejected:
		return s.applyRejected(parent, &session, attempt, job, campaign)
	default:
		return s.routeManualReview(parent, &session, attempt, job, campaign, priorityFor(session.FraudIndicators))
	}
}

// decide maps an aggregate score to a decision. When every method degraded
// (transport failures, missing inputs) the evidence is too weak for an
// automated rejection, so the attempt goes to a human instead.
func decide(score float64, rule *models.VerificationRule, results []MethodResult) string {
	if len(results) > 0 {
		allFailed := true
		for _, r := range results {
			if r.Confidence > 0 {
				allFailed = false
				break
			}
		}
		if allFailed {
			return models.DecisionManualReview
		}
	}
	switch {
	case score >= rule.PassThreshold:
		return models.DecisionVerified
	case score >= rule.ManualReviewThreshold:
		return models.DecisionManualReview
	default:
		return models.DecisionRejected
	}
}

func (s *Service) applyVerified(ctx context.Context, session *models.VerificationSession, attempt *models.JobAttempt, job *models.Job, campaign *models.Campaign) error {
	// Credit before the state flip. The reference is idempotent, so a retry
	// after a failed transaction cannot pay twice, and an attempt is never
	// marked verified without its credit on the books.
	if err := s.creditAttempt(ctx, attempt, job); err != nil {
		return err
	}

	now := time.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(attempt).Updates(map[string]interface{}{
			"verification_status": models.AttemptStatusVerified,
			"score":               session.FinalScore,
			"confidence":          session.FinalScore,
			"verified_at":         now,
		}).Error; err != nil {
			return fmt.Errorf("failed to update attempt: %w", err)
		}
		if err := tx.Model(job).Updates(map[string]interface{}{
			"status":      models.JobStatusVerified,
			"verified_at": now,
		}).Error; err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}
		if err := tx.Model(campaign).Updates(map[string]interface{}{
			"jobs_verified":  gorm.Expr("jobs_verified + 1"),
			"jobs_completed": gorm.Expr("jobs_completed + 1"),
			"reserved_funds": gorm.Expr("reserved_funds - ?", job.RewardAmount),
		}).Error; err != nil {
			return fmt.Errorf("failed to update campaign: %w", err)
		}
		return nil
	})
}

func (s *Service) applyRejected(ctx context.Context, _ *models.VerificationSession, attempt *models.JobAttempt, job *models.Job, campaign *models.Campaign) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(attempt).Update("verification_status", models.AttemptStatusFailed).Error; err != nil {
			return fmt.Errorf("failed to update attempt: %w", err)
		}
		if err := tx.Model(job).Update("status", models.JobStatusFailed).Error; err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}
		if err := tx.Model(campaign).Update("jobs_failed", gorm.Expr("jobs_failed + 1")).Error; err != nil {
			return fmt.Errorf("failed to update campaign: %w", err)
		}
		return nil
	})
}

func (s *Service) routeManualReview(ctx context.Context, session *models.VerificationSession, attempt *models.JobAttempt, job *models.Job, _ *models.Campaign, priority string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(attempt).Update("verification_status", models.AttemptStatusManualReview).Error; err != nil {
			return fmt.Errorf("failed to update attempt: %w", err)
		}
		if err := tx.Model(job).Update("status", models.JobStatusFlagged).Error; err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	_, err = s.review.Enqueue(ctx, attempt.ID, session.ID, priority, session.FraudIndicators, models.JSONMap{
		"final_score": session.FinalScore,
		"status":      session.Status,
	})
	return err
}

// creditAttempt pays the earner for a verified attempt. The reference is
// derived from the job id alone, so the orchestrator and a later manual
// approval can both call this and only one credit lands.
func (s *Service) creditAttempt(ctx context.Context, attempt *models.JobAttempt, job *models.Job) error {
	_, err := s.ledger.Apply(ctx, attempt.EarnerID, models.EntryKindCredit, job.RewardAmount,
		"job-completion:"+job.ID.String(),
		fmt.Sprintf("reward for job %s", job.ID),
		models.JSONMap{"job_attempt_id": attempt.ID.String()})
	if err != nil {
		return fmt.Errorf("failed to credit earner: %w", err)
	}
	return nil
}

func (s *Service) logMethod(sessionID uuid.UUID, result MethodResult, elapsed time.Duration) {
	log := &models.VerificationLog{
		ID:               uuid.New(),
		SessionID:        sessionID,
		Method:           result.Method,
		Success:          result.Confidence > 0,
		Confidence:       result.Confidence,
		FraudIndicators:  result.FraudIndicators,
		Evidence:         result.Evidence,
		ProcessingTimeMs: elapsed.Milliseconds(),
		CreatedAt:        time.Now(),
	}
	if err := s.db.Create(log).Error; err != nil {
		s.logger.Error("Failed to write verification log",
			zap.String("session_id", sessionID.String()), zap.Error(err))
	}
}

func (s *Service) loadAttempt(ctx context.Context, attemptID uuid.UUID) (*models.JobAttempt, *models.Job, *models.Campaign, error) {
	var attempt models.JobAttempt
	err := s.db.WithContext(ctx).Where("id = ?", attemptID).First(&attempt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load attempt: %w", err)
	}

	var job models.Job
	if err := s.db.WithContext(ctx).Where("id = ?", attempt.JobID).First(&job).Error; err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load job: %w", err)
	}

	var campaign models.Campaign
	if err := s.db.WithContext(ctx).Where("id = ?", job.CampaignID).First(&campaign).Error; err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load campaign: %w", err)
	}
	return &attempt, &job, &campaign, nil
}

func priorityFor(indicators []string) string {
	switch {
	case len(indicators) >= 4:
		return models.ReviewPriorityUrgent
	case len(indicators) >= 2:
		return models.ReviewPriorityHigh
	default:
		return models.ReviewPriorityNormal
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func resultsMap(results []MethodResult) models.JSONMap {
	m := models.JSONMap{}
	for _, r := range results {
		m[r.Method] = map[string]interface{}{
			"confidence":       r.Confidence,
			"fraud_indicators": r.FraudIndicators,
		}
	}
	return m
}
