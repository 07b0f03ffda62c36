package repository

import (
	"context"

	"affiliateledger/internal/model"

	"gorm.io/gorm"
)

type AffiliateRepository struct {
	db *gorm.DB
}

func NewAffiliateRepository(db *gorm.DB) *AffiliateRepository {
	return &AffiliateRepository{db: db}
}

func (r *AffiliateRepository) Create(ctx context.Context, tx *gorm.DB, affiliate *model.Affiliate) error {
	return translate(conn(r.db, tx).WithContext(ctx).Create(affiliate).Error)
}

func (r *AffiliateRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.Affiliate, error) {
	var affiliate model.Affiliate
	err := conn(r.db, tx).WithContext(ctx).Where("id = ?", id).First(&affiliate).Error
	if err != nil {
		return nil, translate(err)
	}
	return &affiliate, nil
}

func (r *AffiliateRepository) GetByCode(ctx context.Context, code string) (*model.Affiliate, error) {
	var affiliate model.Affiliate
	err := r.db.WithContext(ctx).Where("code = ?", code).First(&affiliate).Error
	if err != nil {
		return nil, translate(err)
	}
	return &affiliate, nil
}

func (r *AffiliateRepository) GetByUserID(ctx context.Context, userID int64) (*model.Affiliate, error) {
	var affiliate model.Affiliate
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&affiliate).Error
	if err != nil {
		return nil, translate(err)
	}
	return &affiliate, nil
}

// UpdateStatus moves the affiliate from fromStatus to toStatus, or fails with
// ErrStatusConflict without writing.
func (r *AffiliateRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, fromStatus, toStatus string) error {
	if !model.AffiliateTransitions.CanTransition(fromStatus, toStatus) {
		return ErrStatusConflict
	}

	result := conn(r.db, tx).WithContext(ctx).
		Model(&model.Affiliate{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(map[string]interface{}{
			"status":  toStatus,
			"version": gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

// UpdateTier stores the current tier. History lives in tier_change.
func (r *AffiliateRepository) UpdateTier(ctx context.Context, tx *gorm.DB, id int64, tier string) error {
	result := conn(r.db, tx).WithContext(ctx).
		Model(&model.Affiliate{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"tier":    tier,
			"version": gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (r *AffiliateRepository) List(ctx context.Context, status string, page, pageSize int) ([]*model.Affiliate, int64, error) {
	page, pageSize = normalizePage(page, pageSize)
	var affiliates []*model.Affiliate
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Affiliate{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := query.
		Order("id ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&affiliates).Error
	return affiliates, total, err
}
