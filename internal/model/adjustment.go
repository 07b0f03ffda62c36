package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RequesterTypeUserRefund       = "user_refund"
	RequesterTypeAffiliatePayment = "affiliate_payment"
)

const (
	AdjustmentStatusPending    = "pending"
	AdjustmentStatusInProgress = "in_progress"
	AdjustmentStatusApproved   = "approved"
	AdjustmentStatusRejected   = "rejected"
	AdjustmentStatusCompleted  = "completed"
)

var AdjustmentTransitions = StatusMachine{
	AdjustmentStatusPending:    {AdjustmentStatusInProgress},
	AdjustmentStatusInProgress: {AdjustmentStatusApproved, AdjustmentStatusRejected},
	AdjustmentStatusApproved:   {AdjustmentStatusCompleted},
}

// AdjustmentRequest is an out-of-band refund or manual commission.
// SubjectID is the user id for user_refund and the affiliate id for affiliate_payment.
type AdjustmentRequest struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	AdjustmentNo  string          `gorm:"type:varchar(32);uniqueIndex;not null" json:"adjustment_no"`
	RequesterType string          `gorm:"type:varchar(32);index;not null" json:"requester_type"`
	SubjectID     int64           `gorm:"index;not null" json:"subject_id"`
	Amount        decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"amount"`
	Currency      string          `gorm:"type:varchar(8);not null" json:"currency"`
	Reason        string          `gorm:"type:varchar(1024);not null" json:"reason"`
	Status        string          `gorm:"type:varchar(20);index;not null" json:"status"`
	SubmittedBy   int64           `gorm:"not null;default:0" json:"submitted_by"`
	ProcessedBy   *int64          `json:"processed_by,omitempty"`
	Notes         string          `gorm:"type:varchar(1024)" json:"notes,omitempty"`
	EntryNo       string          `gorm:"type:varchar(32)" json:"entry_no,omitempty"`
	Version       int             `gorm:"not null;default:0" json:"version"`
	InProgressAt  *time.Time      `json:"in_progress_at,omitempty"`
	ApprovedAt    *time.Time      `json:"approved_at,omitempty"`
	RejectedAt    *time.Time      `json:"rejected_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	CreatedAt     time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (AdjustmentRequest) TableName() string {
	return "adjustment_request"
}
