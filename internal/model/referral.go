package model

import (
	"time"
)

const (
	ReferralStatusActive        = "active"
	ReferralStatusPendingReview = "pending_review"
	ReferralStatusRejected      = "rejected"
)

const (
	ReferralSourceCode          = "code"
	ReferralSourceManualLink    = "manual_link"
	ReferralSourceAdminOverride = "admin_override"
)

// active -> rejected only happens when an admin override supersedes the record.
var ReferralTransitions = StatusMachine{
	ReferralStatusPendingReview: {ReferralStatusActive, ReferralStatusRejected},
	ReferralStatusActive:        {ReferralStatusRejected},
}

// Referral links one referred user to one affiliate.
//
// LiveUserID carries the referred user id while the record is active or
// pending_review and is NULL once rejected. Its unique index is what keeps
// "at most one non-rejected referral per user" true across processes.
type Referral struct {
	ID             int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	ReferralNo     string     `gorm:"type:varchar(32);uniqueIndex;not null" json:"referral_no"`
	ReferredUserID int64      `gorm:"index;not null" json:"referred_user_id"`
	AffiliateID    int64      `gorm:"index;not null" json:"affiliate_id"`
	LiveUserID     *int64     `gorm:"uniqueIndex" json:"-"`
	Source         string     `gorm:"type:varchar(20);not null" json:"source"`
	Status         string     `gorm:"type:varchar(20);index;not null" json:"status"`
	SearchTerm     string     `gorm:"type:varchar(128)" json:"search_term,omitempty"`
	LinkedAt       time.Time  `gorm:"not null" json:"linked_at"`
	ReviewedBy     *int64     `json:"reviewed_by,omitempty"`
	ReviewNotes    string     `gorm:"type:varchar(512)" json:"review_notes,omitempty"`
	ReviewedAt     *time.Time `json:"reviewed_at,omitempty"`
	SupersedesID   *int64     `json:"supersedes_id,omitempty"`
	SupersededByID *int64     `json:"superseded_by_id,omitempty"`
	OverrideReason string     `gorm:"type:varchar(512)" json:"override_reason,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Referral) TableName() string {
	return "referral"
}
