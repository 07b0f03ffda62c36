package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	AffiliateStatusPendingApproval = "pending_approval"
	AffiliateStatusActive          = "active"
	AffiliateStatusSuspended       = "suspended"
)

var AffiliateTransitions = StatusMachine{
	AffiliateStatusPendingApproval: {AffiliateStatusActive, AffiliateStatusSuspended},
	AffiliateStatusActive:          {AffiliateStatusSuspended},
	AffiliateStatusSuspended:       {AffiliateStatusActive},
}

const (
	TierCommon = "common"
	TierVIP    = "vip"
	Tier1      = "tier1"
	Tier2      = "tier2"
	Tier3      = "tier3"
	Tier4      = "tier4"
)

func IsValidTier(tier string) bool {
	switch tier {
	case TierCommon, TierVIP, Tier1, Tier2, Tier3, Tier4:
		return true
	}
	return false
}

// Affiliate is an enrolled user entitled to earn commissions.
// Rows are never deleted; suspension is a status change.
type Affiliate struct {
	ID                int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	AffiliateNo       string    `gorm:"type:varchar(32);uniqueIndex;not null" json:"affiliate_no"`
	UserID            int64     `gorm:"uniqueIndex;not null" json:"user_id"`
	Code              string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"code"`
	Tier              string    `gorm:"type:varchar(16);not null" json:"tier"`
	ParentAffiliateID *int64    `gorm:"index" json:"parent_affiliate_id,omitempty"`
	Status            string    `gorm:"type:varchar(20);index;not null" json:"status"`
	Version           int       `gorm:"not null;default:0" json:"version"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Affiliate) TableName() string {
	return "affiliate"
}

// AffiliateBalance is the cached per-currency view over commission_entry.
// It is recomputed from the entries inside every transaction that mutates them
// and is never the source of truth.
//
//	Earned    = pending + approved + claimed + paid
//	Approved  = approved and not claimed (payable)
//	Claimed   = approved and reserved by an open payout
type AffiliateBalance struct {
	ID          int64           `gorm:"primaryKey;autoIncrement" json:"-"`
	AffiliateID int64           `gorm:"uniqueIndex:uk_affiliate_currency;not null" json:"affiliate_id"`
	Currency    string          `gorm:"type:varchar(8);uniqueIndex:uk_affiliate_currency;not null" json:"currency"`
	Earned      decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"earned"`
	Pending     decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"pending"`
	Approved    decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"approved"`
	Claimed     decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"claimed"`
	Paid        decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"paid"`
	Cancelled   decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"cancelled"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (AffiliateBalance) TableName() string {
	return "affiliate_balance"
}
