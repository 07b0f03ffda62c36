package model

import (
	"time"
)

const (
	AuditEntityAffiliate  = "affiliate"
	AuditEntityReferral   = "referral"
	AuditEntityEntry      = "commission_entry"
	AuditEntityPayout     = "payout_request"
	AuditEntityAdjustment = "adjustment_request"
	AuditEntityRate       = "rate_schedule"
)

// AuditLog is one actor-attributed state change. Append-only.
type AuditLog struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	EntityType string    `gorm:"type:varchar(32);index:idx_audit_entity;not null" json:"entity_type"`
	EntityNo   string    `gorm:"type:varchar(64);index:idx_audit_entity;not null" json:"entity_no"`
	FromStatus string    `gorm:"type:varchar(20)" json:"from_status"`
	ToStatus   string    `gorm:"type:varchar(20)" json:"to_status"`
	ActorID    int64     `gorm:"not null;default:0" json:"actor_id"`
	Notes      string    `gorm:"type:varchar(1024)" json:"notes,omitempty"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (AuditLog) TableName() string {
	return "audit_log"
}
