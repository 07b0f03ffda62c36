package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	PayoutStatusPending    = "pending"
	PayoutStatusProcessing = "processing"
	PayoutStatusCompleted  = "completed"
	PayoutStatusFailed     = "failed"
)

// A failed payout is never resurrected; the affiliate submits a new request.
var PayoutTransitions = StatusMachine{
	PayoutStatusPending:    {PayoutStatusProcessing, PayoutStatusFailed},
	PayoutStatusProcessing: {PayoutStatusCompleted, PayoutStatusFailed},
}

const (
	PayoutMethodPIX         = "pix"
	PayoutMethodBankDeposit = "bank_deposit"
	PayoutMethodCrypto      = "crypto"
)

const (
	FeeTypeFixed   = "fixed"
	FeeTypePercent = "percent"
)

// PayoutRequest settles the commission entries whose claimed_by equals PayoutNo.
// The fee is resolved once at creation and frozen here. RequestID is an
// idempotency key scoped to the affiliate.
type PayoutRequest struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	PayoutNo      string          `gorm:"type:varchar(32);uniqueIndex;not null" json:"payout_no"`
	RequestID     *string         `gorm:"type:varchar(64);uniqueIndex:idx_payout_affiliate_request,priority:2" json:"request_id,omitempty"`
	AffiliateID   int64           `gorm:"index;uniqueIndex:idx_payout_affiliate_request,priority:1;not null" json:"affiliate_id"`
	Amount        decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"amount"`
	Currency      string          `gorm:"type:varchar(8);not null" json:"currency"`
	Method        string          `gorm:"type:varchar(32);not null" json:"method"`
	Destination   string          `gorm:"type:varchar(256);not null" json:"destination"`
	FeeType       string          `gorm:"type:varchar(16);not null" json:"fee_type"`
	FeeValue      decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"fee_value"`
	FeeAmount     decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"fee_amount"`
	NetAmount     decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"net_amount"`
	EntryCount    int             `gorm:"not null" json:"entry_count"`
	Status        string          `gorm:"type:varchar(20);index;not null" json:"status"`
	FailureReason string          `gorm:"type:varchar(512)" json:"failure_reason,omitempty"`
	Version       int             `gorm:"not null;default:0" json:"version"`
	RequestedAt   time.Time       `gorm:"not null" json:"requested_at"`
	ProcessingAt  *time.Time      `json:"processing_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	FailedAt      *time.Time      `json:"failed_at,omitempty"`
	CreatedAt     time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime;index" json:"updated_at"`
}

func (PayoutRequest) TableName() string {
	return "payout_request"
}
