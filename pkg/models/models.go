package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// User lifecycle states. A deleted user keeps its rows for audit but is
// filtered out at the query layer.
const (
	UserStateActive    = "active"
	UserStateSuspended = "suspended"
	UserStateDeleted   = "deleted"
)

// KYC statuses
const (
	KYCNotRequired = "not_required"
	KYCPending     = "pending"
	KYCVerified    = "verified"
	KYCRejected    = "rejected"
)

// User represents a marketplace participant (promoter or earner).
// Identity and KYC are owned by an external collaborator; the core only
// reads these fields.
type User struct {
	ID              uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	Email           string    `json:"email" gorm:"uniqueIndex" validate:"required,email"`
	Username        string    `json:"username" gorm:"uniqueIndex" validate:"required,min=3,max=30"`
	Role            string    `json:"role" gorm:"default:earner"` // promoter, earner, moderator, admin
	KYCStatus       string    `json:"kyc_status" gorm:"default:not_required"`
	ReputationScore float64   `json:"reputation_score"`
	State           string    `json:"state" gorm:"index;default:active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (User) TableName() string { return "users" }

// Campaign statuses
const (
	CampaignStatusDraft     = "draft"
	CampaignStatusActive    = "active"
	CampaignStatusPaused    = "paused"
	CampaignStatusCompleted = "completed"
	CampaignStatusCancelled = "cancelled"
	CampaignStatusDeleted   = "deleted"
)

// Campaign represents a promoter-funded engagement campaign.
type Campaign struct {
	ID                 uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	PromoterID         uuid.UUID       `json:"promoter_id" gorm:"type:uuid;index"`
	Title              string          `json:"title" validate:"required,max=255"`
	Description        string          `json:"description"`
	Platform           string          `json:"platform" gorm:"index"`        // instagram, twitter, facebook, tiktok, youtube, linkedin, website
	EngagementType     string          `json:"engagement_type" gorm:"index"` // like, follow, comment, share, visit, subscribe, view
	TargetURL          string          `json:"target_url"`
	TargetIdentifier   string          `json:"target_identifier"`
	Quantity           int             `json:"quantity" validate:"gt=0"`
	PricePerAction     decimal.Decimal `json:"price_per_action" gorm:"type:numeric(20,8)"`
	TotalBudget        decimal.Decimal `json:"total_budget" gorm:"type:numeric(20,8)"`
	ReservedFunds      decimal.Decimal `json:"reserved_funds" gorm:"type:numeric(20,8);default:0"`
	PlatformCommission decimal.Decimal `json:"platform_commission" gorm:"type:numeric(20,8);default:0"`
	AcceptanceCriteria JSONMap         `json:"acceptance_criteria" gorm:"type:text"`
	Status             string          `json:"status" gorm:"index;default:draft"`
	JobsCreated        int             `json:"jobs_created"`
	JobsCompleted      int             `json:"jobs_completed"`
	JobsVerified       int             `json:"jobs_verified"`
	JobsFailed         int             `json:"jobs_failed"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func (Campaign) TableName() string { return "campaigns" }

// TotalCost is the budget plus platform commission.
func (c *Campaign) TotalCost() decimal.Decimal {
	return c.TotalBudget.Add(c.PlatformCommission)
}

// Job statuses
const (
	JobStatusOpen      = "open"
	JobStatusAccepted  = "accepted"
	JobStatusSubmitted = "submitted"
	JobStatusVerified  = "verified"
	JobStatusFailed    = "failed"
	JobStatusFlagged   = "flagged"
	JobStatusCancelled = "cancelled"
	JobStatusExpired   = "expired"
)

// Job is a single unit of work created from a campaign.
type Job struct {
	ID               uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	CampaignID       uuid.UUID       `json:"campaign_id" gorm:"type:uuid;index"`
	EarnerID         *uuid.UUID      `json:"earner_id" gorm:"type:uuid;index"`
	ActionType       string          `json:"action_type"`
	RewardAmount     decimal.Decimal `json:"reward_amount" gorm:"type:numeric(20,8)"`
	TargetURL        string          `json:"target_url"`
	TargetIdentifier string          `json:"target_identifier"`
	Status           string          `json:"status" gorm:"index;default:open"`
	ExpiresAt        *time.Time      `json:"expires_at"`
	AcceptedAt       *time.Time      `json:"accepted_at"`
	SubmittedAt      *time.Time      `json:"submitted_at"`
	VerifiedAt       *time.Time      `json:"verified_at"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (Job) TableName() string { return "jobs" }

// JobAttempt verification statuses
const (
	AttemptStatusPending      = "pending"
	AttemptStatusVerified     = "verified"
	AttemptStatusFailed       = "failed"
	AttemptStatusFlagged      = "flagged"
	AttemptStatusManualReview = "manual_review"
)

// JobAttempt is one earner submission for a job. It is referenced by both
// the verification and ledger subsystems but mutated only through the
// verification service.
type JobAttempt struct {
	ID                 uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid"`
	JobID              uuid.UUID  `json:"job_id" gorm:"type:uuid;index"`
	EarnerID           uuid.UUID  `json:"earner_id" gorm:"type:uuid;index"`
	ProofData          JSONMap    `json:"proof_data" gorm:"type:text"`
	ScreenshotURLs     StringArray `json:"screenshot_urls" gorm:"type:text"`
	TrackingToken      string     `json:"tracking_token"`
	CommentText        string     `json:"comment_text"`
	VerificationStatus string     `json:"verification_status" gorm:"index;default:pending"`
	Score              float64    `json:"score"`
	Confidence         float64    `json:"confidence"`
	Reasoning          string     `json:"reasoning"`
	VerifiedByID       *uuid.UUID `json:"verified_by_id" gorm:"type:uuid"`
	IPAddress          string     `json:"ip_address"`
	UserAgent          string     `json:"user_agent"`
	DeviceFingerprint  string     `json:"device_fingerprint"`
	SubmittedAt        time.Time  `json:"submitted_at" gorm:"autoCreateTime"`
	VerifiedAt         *time.Time `json:"verified_at"`
}

func (JobAttempt) TableName() string { return "job_attempts" }
