package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventTypeDeposit      = "deposit"
	EventTypeTrade        = "trade"
	EventTypeSubscription = "subscription"
	EventTypeManual       = "manual"
)

// IsQualifyingEventType reports whether t may arrive from the event source.
// manual entries are only ever created internally.
func IsQualifyingEventType(t string) bool {
	switch t {
	case EventTypeDeposit, EventTypeTrade, EventTypeSubscription:
		return true
	}
	return false
}

const (
	EntryStatusPending   = "pending"
	EntryStatusApproved  = "approved"
	EntryStatusPaid      = "paid"
	EntryStatusCancelled = "cancelled"
)

var EntryTransitions = StatusMachine{
	EntryStatusPending:  {EntryStatusApproved, EntryStatusCancelled},
	EntryStatusApproved: {EntryStatusPaid, EntryStatusCancelled},
}

// PrimaryTierLevel is the level of the directly referring affiliate.
const PrimaryTierLevel = 1

// CommissionEntry is one append-only ledger line.
//
// Amount, rate and basis never change after insert. Only Status (monotonic),
// the claim reference and the status timestamps move. Corrections are new
// manual entries pointing back through ReferenceEntryNo.
type CommissionEntry struct {
	ID               int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	EntryNo          string          `gorm:"type:varchar(32);uniqueIndex;not null" json:"entry_no"`
	AffiliateID      int64           `gorm:"index:idx_entry_affiliate_status;not null" json:"affiliate_id"`
	ReferralID       *int64          `gorm:"index" json:"referral_id,omitempty"`
	ReferredUserID   int64           `gorm:"not null;default:0" json:"referred_user_id,omitempty"`
	TierLevel        int             `gorm:"not null;default:1" json:"tier_level"`
	EventType        string          `gorm:"type:varchar(20);index;not null" json:"event_type"`
	BasisAmount      decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"basis_amount"`
	Rate             decimal.Decimal `gorm:"type:decimal(10,6);not null" json:"rate"`
	Amount           decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"amount"`
	Currency         string          `gorm:"type:varchar(8);not null" json:"currency"`
	Status           string          `gorm:"type:varchar(20);index:idx_entry_affiliate_status;not null" json:"status"`
	IdempotencyKey   string          `gorm:"type:varchar(160);uniqueIndex;not null" json:"idempotency_key"`
	ReferenceEntryNo string          `gorm:"type:varchar(32);index" json:"reference_entry_no,omitempty"`
	ClaimedBy        *string         `gorm:"type:varchar(32);index" json:"claimed_by,omitempty"`
	Remark           string          `gorm:"type:varchar(512)" json:"remark,omitempty"`
	OccurredAt       time.Time       `gorm:"index;not null" json:"occurred_at"`
	Version          int             `gorm:"not null;default:0" json:"version"`
	ApprovedAt       *time.Time      `json:"approved_at,omitempty"`
	PaidAt           *time.Time      `json:"paid_at,omitempty"`
	CancelledAt      *time.Time      `json:"cancelled_at,omitempty"`
	CreatedAt        time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CommissionEntry) TableName() string {
	return "commission_entry"
}

func (e *CommissionEntry) IsClaimed() bool {
	return e.ClaimedBy != nil && *e.ClaimedBy != ""
}
