package verification

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/engagehub/engagehub/pkg/models"
)

// Target bundles everything a method adapter may inspect for one job
// attempt.
type Target struct {
	Attempt        *models.JobAttempt
	Job            *models.Job
	Platform       string
	EngagementType string
	Reputation     float64
}

// MethodResult is the outcome of one adapter run. Confidence is in
// [0,1]; adapters degrade confidence and attach indicators instead of
// returning errors, so the orchestrator can always keep aggregating.
type MethodResult struct {
	Method          string
	Confidence      float64
	FraudIndicators []string
	Evidence        models.JSONMap
}

// Method is a pluggable verification check.
type Method interface {
	Name() string
	Run(ctx context.Context, target *Target) MethodResult
}

const indicatorServiceUnavailable = "service_unavailable"

// socialPlatforms are the platforms whose post identifiers have a known
// minimum length.
var socialPlatforms = map[string]bool{
	"instagram": true,
	"twitter":   true,
	"facebook":  true,
}

// deterministicMethod runs structural checks on the submitted proof:
// presence, timestamp freshness, URL shape, post-id shape.
type deterministicMethod struct{}

func (deterministicMethod) Name() string { return models.MethodDeterministic }

func (deterministicMethod) Run(_ context.Context, target *Target) MethodResult {
	proof := target.Attempt.ProofData
	indicators := []string{}
	confidence := 0.8

	if len(proof) == 0 {
		indicators = append(indicators, "missing_proof_data")
		confidence -= 0.5
	}

	if ts, ok := proofFloat(proof, "timestamp"); ok {
		age := time.Since(time.Unix(int64(ts), 0))
		if age > time.Hour {
			indicators = append(indicators, "proof_timestamp_too_old")
			confidence -= 0.2
		}
	}

	if target.EngagementType == "visit" {
		if url, ok := proofString(proof, "url"); ok {
			if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
				indicators = append(indicators, "invalid_url_format")
				confidence -= 0.3
			}
		}
	}

	if socialPlatforms[target.Platform] {
		if postID, ok := proofString(proof, "post_id"); ok && len(postID) < 10 {
			indicators = append(indicators, "suspicious_post_id")
			confidence -= 0.2
		}
	}

	return MethodResult{
		Method:          models.MethodDeterministic,
		Confidence:      clamp(confidence),
		FraudIndicators: indicators,
		Evidence: models.JSONMap{
			"proof_data_present": len(proof) > 0,
			"timestamp_present":  hasKey(proof, "timestamp"),
		},
	}
}

// tokenizedMethod validates the verification token the client embedded in
// the proof: length, hash match, freshness.
type tokenizedMethod struct{}

func (tokenizedMethod) Name() string { return models.MethodTokenized }

func (tokenizedMethod) Run(_ context.Context, target *Target) MethodResult {
	proof := target.Attempt.ProofData
	indicators := []string{}
	confidence := 0.7

	token, ok := proofString(proof, "token")
	if !ok || token == "" {
		return MethodResult{
			Method:          models.MethodTokenized,
			Confidence:      clamp(confidence - 0.5),
			FraudIndicators: []string{"missing_verification_token"},
			Evidence:        models.JSONMap{"token_present": false},
		}
	}

	if len(token) < 20 {
		indicators = append(indicators, "token_too_short")
		confidence -= 0.3
	}

	if providedHash, ok := proofString(proof, "token_hash"); ok {
		sum := sha256.Sum256([]byte(token))
		if hex.EncodeToString(sum[:]) != providedHash {
			indicators = append(indicators, "token_hash_mismatch")
			confidence -= 0.4
		}
	}

	if ts, ok := proofFloat(proof, "token_timestamp"); ok {
		if time.Since(time.Unix(int64(ts), 0)) > 5*time.Minute {
			indicators = append(indicators, "token_expired")
			confidence -= 0.2
		}
	}

	return MethodResult{
		Method:          models.MethodTokenized,
		Confidence:      clamp(confidence),
		FraudIndicators: indicators,
		Evidence: models.JSONMap{
			"token_present": true,
			"token_length":  len(token),
			"has_hash":      hasKey(proof, "token_hash"),
		},
	}
}

// screenshotMethod sends the attempt's screenshot to the scoring service
// for visual analysis. Transport failures degrade to confidence 0.
type screenshotMethod struct {
	client ScoringClient
}

func (screenshotMethod) Name() string { return models.MethodScreenshot }

func (m screenshotMethod) Run(ctx context.Context, target *Target) MethodResult {
	proof := target.Attempt.ProofData
	if _, ok := proofString(proof, "screenshot_url"); !ok && len(target.Attempt.ScreenshotURLs) == 0 {
		return MethodResult{
			Method:          models.MethodScreenshot,
			Confidence:      0,
			FraudIndicators: []string{"no_screenshot_provided"},
			Evidence:        models.JSONMap{"screenshot_present": false},
		}
	}

	result, err := m.client.VerifyAttempt(ctx, VerifyAttemptRequest{
		JobID:     target.Job.ID.String(),
		UserID:    target.Attempt.EarnerID.String(),
		Platform:  target.Platform,
		TaskType:  target.EngagementType,
		ProofData: proof,
		Metadata: models.JSONMap{
			"user_agent": target.Attempt.UserAgent,
		},
	})
	if err != nil {
		return MethodResult{
			Method:          models.MethodScreenshot,
			Confidence:      0,
			FraudIndicators: []string{indicatorServiceUnavailable},
			Evidence:        models.JSONMap{"error": err.Error()},
		}
	}

	return MethodResult{
		Method:          models.MethodScreenshot,
		Confidence:      clamp(result.Confidence),
		FraudIndicators: result.FraudIndicators,
		Evidence:        result.Evidence,
	}
}

// headlessMethod checks that the proof carries everything a headless
// browser re-verification would need. The browser farm itself is an
// external collaborator; this adapter validates its inputs.
type headlessMethod struct{}

func (headlessMethod) Name() string { return models.MethodHeadless }

func (headlessMethod) Run(_ context.Context, target *Target) MethodResult {
	proof := target.Attempt.ProofData
	confidence := 0.6

	required := []string{"url", "post_id", "account_username"}
	missing := []string{}
	for _, field := range required {
		if !hasKey(proof, field) {
			missing = append(missing, field)
		}
	}

	indicators := []string{}
	if len(missing) > 0 {
		indicators = append(indicators, "missing_fields:"+strings.Join(missing, ","))
		confidence -= 0.3
	}

	return MethodResult{
		Method:          models.MethodHeadless,
		Confidence:      clamp(confidence),
		FraudIndicators: indicators,
		Evidence: models.JSONMap{
			"required_fields_present": len(missing) == 0,
			"missing_fields":          missing,
		},
	}
}

// mlMethod asks the scoring service for a behavioral verdict on the full
// proof payload plus submission metadata.
type mlMethod struct {
	client ScoringClient
}

func (mlMethod) Name() string { return models.MethodML }

func (m mlMethod) Run(ctx context.Context, target *Target) MethodResult {
	result, err := m.client.VerifyAttempt(ctx, VerifyAttemptRequest{
		JobID:     target.Job.ID.String(),
		UserID:    target.Attempt.EarnerID.String(),
		Platform:  target.Platform,
		TaskType:  target.EngagementType,
		ProofData: target.Attempt.ProofData,
		Metadata: models.JSONMap{
			"submission_age_seconds": time.Since(target.Attempt.SubmittedAt).Seconds(),
			"user_reputation":        target.Reputation,
		},
	})
	if err != nil {
		return MethodResult{
			Method:          models.MethodML,
			Confidence:      0,
			FraudIndicators: []string{indicatorServiceUnavailable},
			Evidence:        models.JSONMap{"error": err.Error()},
		}
	}

	return MethodResult{
		Method:          models.MethodML,
		Confidence:      clamp(result.Confidence),
		FraudIndicators: result.FraudIndicators,
		Evidence:        result.Evidence,
	}
}

// defaultMethods builds the adapter set backed by the given scoring client.
func defaultMethods(client ScoringClient) map[string]Method {
	methods := []Method{
		deterministicMethod{},
		tokenizedMethod{},
		screenshotMethod{client: client},
		headlessMethod{},
		mlMethod{client: client},
	}
	byName := make(map[string]Method, len(methods))
	for _, m := range methods {
		byName[m.Name()] = m
	}
	return byName
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func hasKey(m models.JSONMap, key string) bool {
	_, ok := m[key]
	return ok
}

func proofString(m models.JSONMap, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func proofFloat(m models.JSONMap, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
