package models

import (
	"time"

	"github.com/google/uuid"
)

// Verification method identifiers. Rules reference methods by these names
// in their ordered method list.
const (
	MethodDeterministic = "deterministic"
	MethodTokenized     = "tokenized"
	MethodScreenshot    = "screenshot"
	MethodHeadless      = "headless"
	MethodML            = "ml"
)

// VerificationRule configures the pipeline for one (platform,
// engagement type) pair. Thresholds satisfy
// FailThreshold <= ManualReviewThreshold <= PassThreshold; this is
// enforced at write time by the registry.
type VerificationRule struct {
	ID                    uuid.UUID   `json:"id" gorm:"primaryKey;type:uuid"`
	Name                  string      `json:"name" validate:"required,max=255"`
	Platform              string      `json:"platform" gorm:"index" validate:"required"`
	EngagementType        string      `json:"engagement_type" gorm:"index" validate:"required"`
	Methods               StringArray `json:"methods" gorm:"type:text" validate:"required,min=1"`
	TimeoutSeconds        int         `json:"timeout_seconds" gorm:"default:300" validate:"gt=0"`
	RetryAttempts         int         `json:"retry_attempts" gorm:"default:3" validate:"gte=0"`
	PassThreshold         float64     `json:"pass_threshold" validate:"gte=0,lte=1"`
	ManualReviewThreshold float64     `json:"manual_review_threshold" validate:"gte=0,lte=1"`
	FailThreshold         float64     `json:"fail_threshold" validate:"gte=0,lte=1"`
	PlatformSettings      JSONMap     `json:"platform_settings" gorm:"type:text"`
	// No column default here: GORM would drop a false zero value on insert
	// and the default would silently activate the rule.
	Active bool `json:"active" gorm:"index"`
	CreatedAt             time.Time   `json:"created_at"`
	UpdatedAt             time.Time   `json:"updated_at"`
}

func (VerificationRule) TableName() string { return "verification_rules" }

// Verification session statuses. Terminal states are immutable.
const (
	SessionStatusPending    = "pending"
	SessionStatusInProgress = "in_progress"
	SessionStatusCompleted  = "completed"
	SessionStatusFailed     = "failed"
	SessionStatusTimeout    = "timeout"
)

// Verification decisions
const (
	DecisionVerified     = "verified"
	DecisionManualReview = "manual_review"
	DecisionRejected     = "rejected"
)

// VerificationSession is one evaluation run of the pipeline for a single
// job attempt.
type VerificationSession struct {
	ID              uuid.UUID   `json:"id" gorm:"primaryKey;type:uuid"`
	JobAttemptID    uuid.UUID   `json:"job_attempt_id" gorm:"type:uuid;uniqueIndex"`
	RuleID          uuid.UUID   `json:"rule_id" gorm:"type:uuid"`
	Status          string      `json:"status" gorm:"index;default:pending"`
	CurrentMethod   string      `json:"current_method"`
	MethodResults   JSONMap     `json:"method_results" gorm:"type:text"`
	FinalScore      float64     `json:"final_score"`
	FinalDecision   string      `json:"final_decision" gorm:"index"`
	FraudIndicators StringArray `json:"fraud_indicators" gorm:"type:text"`
	Notes           string      `json:"notes"`
	MLModelVersion  string      `json:"ml_model_version"`
	StartedAt       time.Time   `json:"started_at" gorm:"autoCreateTime"`
	CompletedAt     *time.Time  `json:"completed_at"`
	TimeoutAt       *time.Time  `json:"timeout_at"`
}

func (VerificationSession) TableName() string { return "verification_sessions" }

// VerificationLog records one method run within a session.
type VerificationLog struct {
	ID               uuid.UUID   `json:"id" gorm:"primaryKey;type:uuid"`
	SessionID        uuid.UUID   `json:"session_id" gorm:"type:uuid;index"`
	Method           string      `json:"method" gorm:"index"`
	Success          bool        `json:"success"`
	Confidence       float64     `json:"confidence"`
	FraudIndicators  StringArray `json:"fraud_indicators" gorm:"type:text"`
	Evidence         JSONMap     `json:"evidence" gorm:"type:text"`
	ErrorMessage     string      `json:"error_message"`
	ProcessingTimeMs int64       `json:"processing_time_ms"`
	CreatedAt        time.Time   `json:"created_at"`
}

func (VerificationLog) TableName() string { return "verification_logs" }

// Manual review statuses
const (
	ReviewStatusPending   = "pending"
	ReviewStatusInReview  = "in_review"
	ReviewStatusCompleted = "completed"
	ReviewStatusEscalated = "escalated"
)

// Manual review priorities
const (
	ReviewPriorityLow    = "low"
	ReviewPriorityNormal = "normal"
	ReviewPriorityHigh   = "high"
	ReviewPriorityUrgent = "urgent"
)

// Manual review decisions
const (
	ReviewDecisionApprove = "approve"
	ReviewDecisionReject  = "reject"
)

// ManualReviewItem is a job attempt waiting for human adjudication.
// A completed item records exactly one decision.
type ManualReviewItem struct {
	ID               uuid.UUID   `json:"id" gorm:"primaryKey;type:uuid"`
	JobAttemptID     uuid.UUID   `json:"job_attempt_id" gorm:"type:uuid;uniqueIndex"`
	SessionID        uuid.UUID   `json:"session_id" gorm:"type:uuid"`
	Priority         string      `json:"priority" gorm:"index;default:normal"`
	Status           string      `json:"status" gorm:"index;default:pending"`
	AssignedToID     *uuid.UUID  `json:"assigned_to_id" gorm:"type:uuid;index"`
	Decision         string      `json:"decision"`
	DecisionReason   string      `json:"decision_reason"`
	ReviewNotes      string      `json:"review_notes"`
	FraudIndicators  StringArray `json:"fraud_indicators" gorm:"type:text"`
	Evidence         JSONMap     `json:"evidence" gorm:"type:text"`
	EscalatedToID    *uuid.UUID  `json:"escalated_to_id" gorm:"type:uuid"`
	EscalationReason string      `json:"escalation_reason"`
	QueuedAt         time.Time   `json:"queued_at" gorm:"autoCreateTime;index"`
	StartedAt        *time.Time  `json:"started_at"`
	CompletedAt      *time.Time  `json:"completed_at"`
}

func (ManualReviewItem) TableName() string { return "manual_review_queue" }

// Fraud alert severities
const (
	AlertSeverityLow      = "low"
	AlertSeverityMedium   = "medium"
	AlertSeverityHigh     = "high"
	AlertSeverityCritical = "critical"
)

// Fraud alert statuses
const (
	AlertStatusOpen          = "open"
	AlertStatusInvestigating = "investigating"
	AlertStatusResolved      = "resolved"
	AlertStatusFalsePositive = "false_positive"
)

// FraudDetection is a record of suspicious signals accumulated for a user,
// optionally tied to a specific job attempt.
type FraudDetection struct {
	ID           uuid.UUID   `json:"id" gorm:"primaryKey;type:uuid"`
	UserID       uuid.UUID   `json:"user_id" gorm:"type:uuid;index"`
	JobAttemptID *uuid.UUID  `json:"job_attempt_id" gorm:"type:uuid;index"`
	Score        float64     `json:"score"`
	Indicators   StringArray `json:"indicators" gorm:"type:text"`
	DetectedAt   time.Time   `json:"detected_at" gorm:"autoCreateTime;index"`
}

func (FraudDetection) TableName() string { return "fraud_detections" }

// FraudAlert is raised when accumulated indicators cross the configured
// threshold. Its resolution lifecycle is independent of the verification
// decision for the attempt that triggered it.
type FraudAlert struct {
	ID                 uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid"`
	DetectionID        uuid.UUID  `json:"detection_id" gorm:"type:uuid"`
	UserID             uuid.UUID  `json:"user_id" gorm:"type:uuid;index"`
	Severity           string     `json:"severity" gorm:"index;default:medium"`
	Status             string     `json:"status" gorm:"index;default:open"`
	Description        string     `json:"description"`
	Evidence           JSONMap    `json:"evidence" gorm:"type:text"`
	AssignedToID       *uuid.UUID `json:"assigned_to_id" gorm:"type:uuid"`
	InvestigationNotes string     `json:"investigation_notes"`
	Resolution         string     `json:"resolution"`
	TriggeredAt        time.Time  `json:"triggered_at" gorm:"autoCreateTime;index"`
	ResolvedAt         *time.Time `json:"resolved_at"`
}

func (FraudAlert) TableName() string { return "fraud_alerts" }
