package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntryKind is the closed set of balance-affecting event types.
type EntryKind string

const (
	EntryKindHold       EntryKind = "hold"
	EntryKindCredit     EntryKind = "credit"
	EntryKindDebit      EntryKind = "debit"
	EntryKindFee        EntryKind = "fee"
	EntryKindRefund     EntryKind = "refund"
	EntryKindWithdrawal EntryKind = "withdrawal"
	EntryKindCommission EntryKind = "commission"
)

// ValidEntryKind reports whether k is one of the known entry kinds.
func ValidEntryKind(k EntryKind) bool {
	switch k {
	case EntryKindHold, EntryKindCredit, EntryKindDebit, EntryKindFee,
		EntryKindRefund, EntryKindWithdrawal, EntryKindCommission:
		return true
	}
	return false
}

// Ledger entry statuses
const (
	EntryStatusCompleted = "completed"
	EntryStatusReversed  = "reversed"
)

// LedgerEntry is an immutable record of a single balance-affecting event.
// Entries for one user form a prefix-sum chain: each BalanceAfter equals
// BalanceBefore + Amount and no BalanceAfter is negative. Corrections are
// new entries, never updates.
type LedgerEntry struct {
	ID            uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	UserID        uuid.UUID       `json:"user_id" gorm:"type:uuid;index"`
	Kind          EntryKind       `json:"kind" gorm:"index"`
	Amount        decimal.Decimal `json:"amount" gorm:"type:numeric(20,8)"` // signed: negative debits, positive credits
	BalanceBefore decimal.Decimal `json:"balance_before" gorm:"type:numeric(20,8)"`
	BalanceAfter  decimal.Decimal `json:"balance_after" gorm:"type:numeric(20,8)"`
	Reference     string          `json:"reference" gorm:"uniqueIndex"` // one reference per causal event
	Description   string          `json:"description"`
	Metadata      JSONMap         `json:"metadata" gorm:"type:text"`
	Status        string          `json:"status" gorm:"index;default:completed"`
	ProviderID    string          `json:"provider_id"` // external payment provider reference
	CreatedAt     time.Time       `json:"created_at" gorm:"index"`
}

func (LedgerEntry) TableName() string { return "wallet_transactions" }

// WalletBalance is the cached current-balance projection for a user. It
// must always equal the BalanceAfter of the user's latest ledger entry
// and is updated in the same database transaction as the entry write.
type WalletBalance struct {
	UserID    uuid.UUID       `json:"user_id" gorm:"primaryKey;type:uuid"`
	Balance   decimal.Decimal `json:"balance" gorm:"type:numeric(20,8)"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (WalletBalance) TableName() string { return "wallet_balances" }

// Withdrawal statuses
const (
	WithdrawalStatusPending    = "pending"
	WithdrawalStatusProcessing = "processing"
	WithdrawalStatusCompleted  = "completed"
	WithdrawalStatusFailed     = "failed"
	WithdrawalStatusCancelled  = "cancelled"
)

// Withdrawal payment methods
const (
	PaymentMethodBankTransfer = "bank_transfer"
	PaymentMethodPayPal       = "paypal"
	PaymentMethodStripe       = "stripe_connect"
	PaymentMethodCrypto       = "crypto"
)

// Withdrawal is a request to move wallet balance out to an external
// payment rail. A withdrawal has at most one debit entry and, when it
// fails after being debited, exactly one matching refund entry.
type Withdrawal struct {
	ID             uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	UserID         uuid.UUID       `json:"user_id" gorm:"type:uuid;index"`
	Amount         decimal.Decimal `json:"amount" gorm:"type:numeric(20,8)"`
	Fee            decimal.Decimal `json:"fee" gorm:"type:numeric(20,8);default:0"`
	NetAmount      decimal.Decimal `json:"net_amount" gorm:"type:numeric(20,8)"` // amount - fee
	PaymentMethod  string          `json:"payment_method"`
	PaymentDetails JSONMap         `json:"payment_details" gorm:"type:text"`
	Status         string          `json:"status" gorm:"index;default:pending"`
	ProviderID     string          `json:"provider_id"` // external payout id
	AdminNotes     string          `json:"admin_notes"`
	ProcessedByID  *uuid.UUID      `json:"processed_by_id" gorm:"type:uuid"`
	RequestedAt    time.Time       `json:"requested_at" gorm:"autoCreateTime;index"`
	ProcessedAt    *time.Time      `json:"processed_at"`
	CompletedAt    *time.Time      `json:"completed_at"`
}

func (Withdrawal) TableName() string { return "withdrawals" }
