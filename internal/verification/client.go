package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/engagehub/engagehub/pkg/models"
)

// ScoringResult is the common response shape of the external scoring
// service: a confidence in [0,1] plus any suspicious signals it found.
type ScoringResult struct {
	Confidence      float64        `json:"confidence"`
	Score           float64        `json:"ai_score"`
	FraudIndicators []string       `json:"fraud_indicators"`
	Evidence        models.JSONMap `json:"evidence"`
	Reasoning       string         `json:"reasoning"`
	ModelVersion    string         `json:"model_version"`
}

// VerifyAttemptRequest is the payload for POST /verify-attempt.
type VerifyAttemptRequest struct {
	JobID     string         `json:"job_id"`
	UserID    string         `json:"user_id"`
	Platform  string         `json:"platform"`
	TaskType  string         `json:"task_type"`
	ProofData models.JSONMap `json:"proof_data"`
	Metadata  models.JSONMap `json:"metadata,omitempty"`
}

// CommentAnalysisRequest is the payload for POST /analyze-comment.
type CommentAnalysisRequest struct {
	CommentID string `json:"comment_id"`
	Text      string `json:"text"`
	Platform  string `json:"platform"`
	UserID    string `json:"user_id"`
}

// CommentAnalysis is the response of POST /analyze-comment.
type CommentAnalysis struct {
	QualityScore      float64  `json:"quality_score"`
	AuthenticityScore float64  `json:"authenticity_score"`
	Sentiment         string   `json:"sentiment"`
	SpamProbability   float64  `json:"spam_probability"`
	Flags             []string `json:"flags"`
}

// AccountScoreRequest is the payload for POST /score-account.
type AccountScoreRequest struct {
	AccountID      string `json:"account_id"`
	Platform       string `json:"platform"`
	Username       string `json:"username"`
	AccountAgeDays int    `json:"account_age_days"`
}

// AccountScore is the response of POST /score-account.
type AccountScore struct {
	Score       float64  `json:"score"`
	Confidence  float64  `json:"confidence"`
	RiskFactors []string `json:"risk_factors"`
}

// ScoringClient talks to the external ML scoring service. The service is
// treated as potentially unavailable: callers convert transport errors
// into degraded confidence, never into pipeline aborts.
type ScoringClient interface {
	VerifyAttempt(ctx context.Context, req VerifyAttemptRequest) (*ScoringResult, error)
	AnalyzeComment(ctx context.Context, req CommentAnalysisRequest) (*CommentAnalysis, error)
	ScoreAccount(ctx context.Context, req AccountScoreRequest) (*AccountScore, error)
}

// HTTPScoringClient is the plain-JSON-over-HTTP implementation.
type HTTPScoringClient struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPScoringClient creates a scoring client with a bounded timeout.
func NewHTTPScoringClient(logger *zap.Logger, baseURL string, timeout time.Duration) *HTTPScoringClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPScoringClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (c *HTTPScoringClient) VerifyAttempt(ctx context.Context, req VerifyAttemptRequest) (*ScoringResult, error) {
	var result ScoringResult
	if err := c.post(ctx, "/verify-attempt", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *HTTPScoringClient) AnalyzeComment(ctx context.Context, req CommentAnalysisRequest) (*CommentAnalysis, error) {
	var result CommentAnalysis
	if err := c.post(ctx, "/analyze-comment", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *HTTPScoringClient) ScoreAccount(ctx context.Context, req AccountScoreRequest) (*AccountScore, error) {
	var result AccountScore
	if err := c.post(ctx, "/score-account", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *HTTPScoringClient) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("scoring service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("Scoring service returned non-200",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return fmt.Errorf("scoring service returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
