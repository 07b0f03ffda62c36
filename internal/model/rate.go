package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RateSchedule is an append-only, time-stamped commission rate.
// AffiliateID nil means the row is the default for Tier.
type RateSchedule struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	AffiliateID   *int64          `gorm:"index:idx_rate_lookup" json:"affiliate_id,omitempty"`
	Tier          string          `gorm:"type:varchar(16);index:idx_rate_lookup" json:"tier,omitempty"`
	EventType     string          `gorm:"type:varchar(20);index:idx_rate_lookup;not null" json:"event_type"`
	TierLevel     int             `gorm:"index:idx_rate_lookup;not null" json:"tier_level"`
	Rate          decimal.Decimal `gorm:"type:decimal(10,6);not null" json:"rate"`
	EffectiveFrom time.Time       `gorm:"index;not null" json:"effective_from"`
	CreatedBy     int64           `gorm:"not null;default:0" json:"created_by"`
	Remark        string          `gorm:"type:varchar(256)" json:"remark,omitempty"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (RateSchedule) TableName() string {
	return "rate_schedule"
}

// TierChange records which tier an affiliate belonged to from EffectiveFrom on.
type TierChange struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	AffiliateID   int64     `gorm:"index;not null" json:"affiliate_id"`
	Tier          string    `gorm:"type:varchar(16);not null" json:"tier"`
	EffectiveFrom time.Time `gorm:"index;not null" json:"effective_from"`
	ChangedBy     int64     `gorm:"not null;default:0" json:"changed_by"`
	Reason        string    `gorm:"type:varchar(256)" json:"reason,omitempty"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (TierChange) TableName() string {
	return "tier_change"
}
