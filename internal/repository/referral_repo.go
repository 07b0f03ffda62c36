package repository

import (
	"context"
	"time"

	"affiliateledger/internal/model"

	"gorm.io/gorm"
)

type ReferralRepository struct {
	db *gorm.DB
}

func NewReferralRepository(db *gorm.DB) *ReferralRepository {
	return &ReferralRepository{db: db}
}

// Create inserts a referral. A live referral for the same user already
// present surfaces as ErrDuplicateKey via the live_user_id unique index.
func (r *ReferralRepository) Create(ctx context.Context, tx *gorm.DB, referral *model.Referral) error {
	return translate(conn(r.db, tx).WithContext(ctx).Create(referral).Error)
}

func (r *ReferralRepository) GetByNo(ctx context.Context, tx *gorm.DB, referralNo string) (*model.Referral, error) {
	var referral model.Referral
	err := conn(r.db, tx).WithContext(ctx).Where("referral_no = ?", referralNo).First(&referral).Error
	if err != nil {
		return nil, translate(err)
	}
	return &referral, nil
}

// GetLiveByUserID returns the user's active or pending_review referral.
func (r *ReferralRepository) GetLiveByUserID(ctx context.Context, tx *gorm.DB, userID int64) (*model.Referral, error) {
	var referral model.Referral
	err := conn(r.db, tx).WithContext(ctx).Where("live_user_id = ?", userID).First(&referral).Error
	if err != nil {
		return nil, translate(err)
	}
	return &referral, nil
}

func (r *ReferralRepository) GetActiveByUserID(ctx context.Context, tx *gorm.DB, userID int64) (*model.Referral, error) {
	var referral model.Referral
	err := conn(r.db, tx).WithContext(ctx).
		Where("live_user_id = ? AND status = ?", userID, model.ReferralStatusActive).
		First(&referral).Error
	if err != nil {
		return nil, translate(err)
	}
	return &referral, nil
}

// Approve moves a pending_review referral to active.
func (r *ReferralRepository) Approve(ctx context.Context, tx *gorm.DB, referralNo string, reviewer int64, notes string, at time.Time) error {
	result := conn(r.db, tx).WithContext(ctx).
		Model(&model.Referral{}).
		Where("referral_no = ? AND status = ?", referralNo, model.ReferralStatusPendingReview).
		Updates(map[string]interface{}{
			"status":       model.ReferralStatusActive,
			"reviewed_by":  reviewer,
			"review_notes": notes,
			"reviewed_at":  at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

// Reject moves the referral from fromStatus to rejected and frees the user's
// live slot. supersededBy is set when an admin override replaces it.
func (r *ReferralRepository) Reject(ctx context.Context, tx *gorm.DB, referralNo, fromStatus string, reviewer int64, notes string, at time.Time, supersededBy *int64) error {
	if !model.ReferralTransitions.CanTransition(fromStatus, model.ReferralStatusRejected) {
		return ErrStatusConflict
	}

	updates := map[string]interface{}{
		"status":       model.ReferralStatusRejected,
		"live_user_id": nil,
		"reviewed_by":  reviewer,
		"review_notes": notes,
		"reviewed_at":  at,
	}
	if supersededBy != nil {
		updates["superseded_by_id"] = *supersededBy
	}

	result := conn(r.db, tx).WithContext(ctx).
		Model(&model.Referral{}).
		Where("referral_no = ? AND status = ?", referralNo, fromStatus).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

func (r *ReferralRepository) SetSupersededBy(ctx context.Context, tx *gorm.DB, id, supersededBy int64) error {
	return conn(r.db, tx).WithContext(ctx).
		Model(&model.Referral{}).
		Where("id = ?", id).
		Update("superseded_by_id", supersededBy).Error
}

// CountNonRejectedByUser exists for invariant checks.
func (r *ReferralRepository) CountNonRejectedByUser(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&model.Referral{}).
		Where("referred_user_id = ? AND status <> ?", userID, model.ReferralStatusRejected).
		Count(&n).Error
	return n, err
}

type ReferralFilter struct {
	AffiliateID    int64
	ReferredUserID int64
	Status         string
}

func (r *ReferralRepository) List(ctx context.Context, f ReferralFilter, page, pageSize int) ([]*model.Referral, int64, error) {
	page, pageSize = normalizePage(page, pageSize)
	var referrals []*model.Referral
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Referral{})
	if f.AffiliateID > 0 {
		query = query.Where("affiliate_id = ?", f.AffiliateID)
	}
	if f.ReferredUserID > 0 {
		query = query.Where("referred_user_id = ?", f.ReferredUserID)
	}
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := query.
		Order("created_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&referrals).Error
	return referrals, total, err
}

type statusCount struct {
	Status string
	N      int64
}

func (r *ReferralRepository) CountByStatus(ctx context.Context, affiliateID int64) (map[string]int64, error) {
	var rows []statusCount
	err := r.db.WithContext(ctx).
		Model(&model.Referral{}).
		Select("status, COUNT(*) AS n").
		Where("affiliate_id = ?", affiliateID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.N
	}
	return counts, nil
}
